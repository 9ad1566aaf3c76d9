package cli

import (
	"context"
	"fmt"
	"strings"
)

func (a *App) getStatus() string {
	if a.api.ScreenName() != "" {
		return fmt.Sprintf("(%s)", a.api.ScreenName())
	}
	return ""
}

func (a *App) Root(ctx context.Context) {

	fmt.Println("Welcome to cipherchat (type 'help' for commands)")

	for {
		fmt.Printf("chat %s> ", a.getStatus())
		line, err := a.reader.ReadString('\n')
		if err != nil && line == "" {
			break
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}

		cmd := parts[0]
		args := parts[1:]

		switch cmd {
		case "help":
			if a.isLoggedIn() {
				fmt.Println("Available commands: friends, add <id>, accept <id>, reject <id>, block <id>, unblock <id>, send <id>, history <id>, name, deleteaccount, exit")
			} else {
				fmt.Println("Available commands: register, login, exit")
			}

		case "register":
			if !a.isLoggedIn() {
				_ = a.Register(ctx)
			}
		case "login":
			if !a.isLoggedIn() {
				_ = a.Login(ctx)
			}
		case "friends", "f":
			if a.requireLogin() {
				a.listFriends(ctx)
			}
		case "add":
			if a.requireLogin() && requireArg(args, "add <friend code>") {
				a.addFriend(ctx, args[0])
			}
		case "accept":
			if a.requireLogin() && requireArg(args, "accept <friend code>") {
				a.acceptFriend(ctx, args[0])
			}
		case "reject":
			if a.requireLogin() && requireArg(args, "reject <friend code>") {
				a.rejectFriend(ctx, args[0])
			}
		case "block":
			if a.requireLogin() && requireArg(args, "block <friend code>") {
				a.blockFriend(ctx, args[0])
			}
		case "unblock":
			if a.requireLogin() && requireArg(args, "unblock <friend code>") {
				a.unblockFriend(ctx, args[0])
			}
		case "send":
			if a.requireLogin() && requireArg(args, "send <friend code>") {
				a.sendMessage(ctx, args[0])
			}
		case "history", "h":
			if a.requireLogin() && requireArg(args, "history <friend code>") {
				a.showHistory(ctx, args[0])
			}
		case "name":
			if a.requireLogin() {
				a.changeName(ctx)
			}
		case "deleteaccount":
			if a.requireLogin() && a.deleteAccount(ctx) {
				return
			}
		case "exit", "quit":
			if a.isLoggedIn() {
				_ = a.api.Disconnect(ctx)
			}
			fmt.Println("Bye!")
			return
		default:
			fmt.Println("Unknown command:", cmd)
		}
	}
}

func (a *App) requireLogin() bool {
	if !a.isLoggedIn() {
		fmt.Println("Log in first.")
		return false
	}
	return true
}

func requireArg(args []string, usage string) bool {
	if len(args) == 0 {
		fmt.Println("Usage:", usage)
		return false
	}
	return true
}
