// Package cli implements the interactive chat client: a REPL over the
// protocol client and the local stores.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dmitrijs2005/cipherchat/internal/client/client"
	"github.com/dmitrijs2005/cipherchat/internal/client/config"
	"github.com/dmitrijs2005/cipherchat/internal/client/services"
	"github.com/dmitrijs2005/cipherchat/internal/logging"

	_ "modernc.org/sqlite"
)

type App struct {
	config *config.Config
	logger logging.Logger
	api    *client.Client

	repos      *client.Repositories
	friends    *services.FriendshipService
	messages   *services.MessageService
	account    *services.AccountService
	dispatcher *services.Dispatcher

	reader *bufio.Reader
}

func NewApp(c *config.Config) *App {
	logger := logging.NewJSON(os.Stderr)
	return &App{
		config: c,
		logger: logger,
		api:    client.New(c.ServerAddr, c.PollInterval, logger),
		reader: bufio.NewReader(os.Stdin),
	}
}

func (a *App) isLoggedIn() bool {
	return a.api.UserID() != ""
}

// accountDir returns the per-account data directory, creating it if needed.
func (a *App) accountDir(userID string) (string, error) {
	dir := filepath.Join(a.config.DataDir, userID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create account dir: %w", err)
	}
	return dir, nil
}

func (a *App) keyFilePath(dir string) string {
	return filepath.Join(dir, "keys.json")
}

// openStores opens the account database and wires the services, then starts
// the background listener.
func (a *App) openStores(ctx context.Context, dir string) error {
	repos, err := client.InitDatabase(ctx, filepath.Join(dir, "user_data.db"))
	if err != nil {
		return fmt.Errorf("open account database: %w", err)
	}

	a.repos = repos
	a.friends = services.NewFriendshipService(a.api, repos.Friendships, repos.Messages, a.logger)
	a.messages = services.NewMessageService(a.api, repos.Friendships, repos.Messages, a.logger)
	a.account = services.NewAccountService(a.api, repos.Friendships, a.logger)
	a.dispatcher = services.NewDispatcher(a.friends, a.messages, a.logger)

	a.api.SetHandler(a.dispatcher.Handle)
	return a.api.StartListening(ctx)
}

func (a *App) Run(ctx context.Context) {
	defer func() {
		if a.repos != nil {
			_ = a.repos.DB.Close()
		}
		_ = a.api.Close()
	}()
	a.Root(ctx)
}
