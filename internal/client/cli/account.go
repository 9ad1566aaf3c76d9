package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
)

func (a *App) changeName(ctx context.Context) {
	newName, err := GetSimpleText(a.reader, "New screen name", os.Stdout)
	if err != nil || newName == "" {
		return
	}
	if err := a.account.ChangeScreenName(ctx, newName); err != nil {
		fmt.Println("Name change failed:", err)
		return
	}
	fmt.Println("Screen name changed to", newName)
}

func (a *App) deleteAccount(ctx context.Context) bool {
	answer, err := GetSimpleText(a.reader,
		"Deleting the account cannot be undone. Type 'yes' to confirm", os.Stdout)
	if err != nil || strings.ToLower(answer) != "yes" {
		fmt.Println("Cancelled.")
		return false
	}

	marker, err := a.account.DeleteAccount(ctx)
	if err != nil {
		fmt.Println("Deletion failed:", err)
		return false
	}
	fmt.Println("Account deleted. Friends will see you as", marker)
	_ = a.api.Disconnect(ctx)
	return true
}
