package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dmitrijs2005/cipherchat/internal/common"
)

const minPasswordLen = 8

var errWeakPassword = errors.New("password too short")

// Register creates a new account: connects, runs the creation dance and
// provisions the local key file and database.
func (a *App) Register(ctx context.Context) error {
	userID, err := GetSimpleText(a.reader, "Choose a user id (this is your friend code)", os.Stdout)
	if err != nil {
		return err
	}
	screenName, err := GetSimpleText(a.reader, "Choose a screen name", os.Stdout)
	if err != nil {
		return err
	}
	password, err := GetPassword(os.Stdout)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	if len(password) < minPasswordLen {
		fmt.Printf("Password must be at least %d characters.\n", minPasswordLen)
		return errWeakPassword
	}

	if err := a.api.Connect(ctx); err != nil {
		fmt.Println("Cannot reach server:", err)
		return err
	}

	dir, err := a.accountDir(userID)
	if err != nil {
		return err
	}

	err = a.api.CreateAccount(ctx, a.keyFilePath(dir), userID, screenName, string(password))
	if err != nil {
		if errors.Is(err, common.ErrUserIDTaken) {
			fmt.Println("That user id is already taken.")
		} else {
			fmt.Println("Registration failed:", err)
		}
		return err
	}

	if err := a.openStores(ctx, dir); err != nil {
		return err
	}
	fmt.Printf("Welcome, %s! Your friend code is %s\n", a.api.ScreenName(), userID)
	return nil
}

// Login authenticates an existing account.
func (a *App) Login(ctx context.Context) error {
	userID, err := GetSimpleText(a.reader, "User id", os.Stdout)
	if err != nil {
		return err
	}
	password, err := GetPassword(os.Stdout)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	dir, err := a.accountDir(userID)
	if err != nil {
		return err
	}

	if err := a.api.Connect(ctx); err != nil {
		fmt.Println("Cannot reach server:", err)
		return err
	}

	err = a.api.Login(ctx, a.keyFilePath(dir), userID, string(password))
	if err != nil {
		if errors.Is(err, common.ErrorUnauthorized) {
			fmt.Println("Wrong user id or password.")
		} else {
			fmt.Println("Login failed:", err)
		}
		_ = a.api.Close()
		return err
	}

	if err := a.openStores(ctx, dir); err != nil {
		return err
	}
	fmt.Printf("Welcome back, %s!\n", a.api.ScreenName())
	return nil
}
