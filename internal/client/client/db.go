package client

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/cipherchat/internal/client/migrations"
	"github.com/dmitrijs2005/cipherchat/internal/client/repositories/friendships"
	"github.com/dmitrijs2005/cipherchat/internal/client/repositories/messages"
	"github.com/pressly/goose/v3"
)

// Repositories bundles the local sqlite-backed stores of one account.
type Repositories struct {
	Friendships friendships.Repository
	Messages    messages.Repository
	DB          *sql.DB
}

// RunMigrations applies the embedded client schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}

	return goose.UpContext(ctx, db, ".")
}

// InitDatabase opens (creating if needed) the account's sqlite database at
// dsn, migrates it and returns the repositories.
func InitDatabase(ctx context.Context, dsn string) (*Repositories, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Repositories{
		Friendships: friendships.NewSQLiteRepository(db),
		Messages:    messages.NewSQLiteRepository(db),
		DB:          db,
	}, nil
}
