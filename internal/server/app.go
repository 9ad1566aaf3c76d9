// Package server initializes and runs the relay server: it opens the
// directory database, runs migrations, generates the server key pair and
// accepts client connections, handing each one to a session worker.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dmitrijs2005/cipherchat/internal/cryptox"
	"github.com/dmitrijs2005/cipherchat/internal/logging"
	"github.com/dmitrijs2005/cipherchat/internal/server/config"
	"github.com/dmitrijs2005/cipherchat/internal/server/directory"
	"github.com/dmitrijs2005/cipherchat/internal/server/migrations"
	"github.com/dmitrijs2005/cipherchat/internal/server/session"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

type App struct {
	config    *config.Config
	logger    logging.Logger
	db        *sql.DB
	keys      *cryptox.KeyPair
	directory *directory.Service
	registry  *session.Registry
	relay     *session.Relay
}

func NewApp(c *config.Config) (*App, error) {

	logger := logging.NewJSON(os.Stdout)

	db, err := sql.Open("pgx", c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	if err := runMigrations(context.Background(), db); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	// the server identity is per-process; clients learn the key during the
	// handshake, nothing is persisted
	keys, err := cryptox.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("key generation error: %w", err)
	}

	registry := session.NewRegistry()
	queue := session.NewPendingQueue()

	return &App{
		config:    c,
		logger:    logger,
		db:        db,
		keys:      keys,
		directory: directory.NewService(db, []byte(c.Pepper)),
		registry:  registry,
		relay:     session.NewRelay(registry, queue, logger),
	}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	return goose.UpContext(ctx, db, ".")
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// serve accepts connections until ctx is cancelled. Each connection runs in
// its own session worker; serve returns after every worker has finished.
func (app *App) serve(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", app.config.EndpointAddr)
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}

	// unblock Accept on cancellation
	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	app.logger.Info(ctx, "server listening", "addr", app.config.EndpointAddr)

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			app.logger.Warn(ctx, "accept failed", "error", err)
			continue
		}

		sess := session.New(conn, app.keys, app.config.IdleTimeout,
			app.registry, app.relay, app.directory, app.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.Handle(ctx)
		}()
	}

	wg.Wait()
	return nil
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	if err := app.serve(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
	}

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "db close error", "error", err)
	}

	app.logger.Info(ctx, "Server stopped")
}
