package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dmitrijs2005/cipherchat/internal/client/services"
)

func (a *App) sendMessage(ctx context.Context, friendUserID string) {
	text, err := GetSimpleText(a.reader, "Message", os.Stdout)
	if err != nil {
		return
	}
	if text == "" {
		return
	}

	err = a.messages.Send(ctx, friendUserID, text, false)
	switch {
	case errors.Is(err, services.ErrNotFriends):
		fmt.Println("You can only message accepted friends.")
	case err != nil:
		fmt.Println("Send failed:", err)
	default:
		fmt.Println("Sent.")
	}
}

func (a *App) showHistory(ctx context.Context, friendUserID string) {
	lines, err := a.messages.History(ctx, friendUserID)
	if err != nil {
		fmt.Println("Cannot read history:", err)
		return
	}
	if len(lines) == 0 {
		fmt.Println("No messages yet.")
		return
	}
	for _, l := range lines {
		body := l.Text
		if l.IsImage {
			body = "[image] " + body
		}
		fmt.Printf("  [%s %s] %s: %s\n", l.Date, l.Time, l.Sender, body)
	}
}
