package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/cipherchat/internal/client/models"
	"github.com/dmitrijs2005/cipherchat/internal/common"
)

func statusLabel(f models.Friendship, self string) string {
	switch f.Status {
	case models.StatusAccepted:
		return "friend"
	case models.StatusBlocked:
		if f.SpecifierID == self {
			return "blocked by you"
		}
		return "blocked you"
	case models.StatusRequested:
		if f.SpecifierID == self {
			return "request sent"
		}
		return "wants to be your friend"
	}
	return f.Status
}

func (a *App) listFriends(ctx context.Context) {
	friends, err := a.friends.List(ctx)
	if err != nil {
		fmt.Println("Cannot read friend list:", err)
		return
	}
	if len(friends) == 0 {
		fmt.Println("No friends yet. Use 'add <friend code>' to send a request.")
		return
	}
	for _, f := range friends {
		fmt.Printf("  %-20s %-20s %s\n", f.ScreenName, f.FriendUserID, statusLabel(f, a.api.UserID()))
	}
}

func (a *App) addFriend(ctx context.Context, friendUserID string) {
	err := a.friends.SendRequest(ctx, friendUserID)
	switch {
	case errors.Is(err, common.ErrorNotFound):
		fmt.Println("No account with that friend code.")
	case err != nil:
		fmt.Println("Request failed:", err)
	default:
		fmt.Println("Friend request sent.")
	}
}

func (a *App) acceptFriend(ctx context.Context, friendUserID string) {
	if err := a.friends.Accept(ctx, friendUserID); err != nil {
		fmt.Println("Accept failed:", err)
		return
	}
	fmt.Println("Friend request accepted.")
}

func (a *App) rejectFriend(ctx context.Context, friendUserID string) {
	if err := a.friends.Reject(ctx, friendUserID); err != nil {
		fmt.Println("Reject failed:", err)
		return
	}
	fmt.Println("Friend request rejected.")
}

func (a *App) blockFriend(ctx context.Context, friendUserID string) {
	if err := a.friends.Block(ctx, friendUserID); err != nil {
		fmt.Println("Block failed:", err)
		return
	}
	fmt.Println("Blocked.")
}

func (a *App) unblockFriend(ctx context.Context, friendUserID string) {
	if err := a.friends.Unblock(ctx, friendUserID); err != nil {
		fmt.Println("Unblock failed:", err)
		return
	}
	fmt.Println("Unblocked.")
}
