package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/cipherchat/internal/common"
	"github.com/dmitrijs2005/cipherchat/internal/dbx"
	"github.com/dmitrijs2005/cipherchat/internal/server/models"
)

// PostgresRepository implements Repository using a DBTX
// (either *sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, user *models.User) error {
	query :=
		`INSERT INTO users (user_id, screen_name, password_hash, salt, public_key)
		 VALUES ($1, $2, $3, $4, $5)
		 `

	_, err := r.db.ExecContext(ctx, query,
		user.UserID, user.ScreenName, user.PasswordHash, user.Salt, user.PublicKey)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, userID string) (*models.User, error) {
	query :=
		`SELECT user_id, screen_name, password_hash, salt, public_key, created_at FROM users
		 WHERE user_id = $1
		 `

	user := &models.User{}
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.ScreenName, &user.PasswordHash, &user.Salt, &user.PublicKey, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return user, nil
}

func (r *PostgresRepository) Exists(ctx context.Context, userID string) (bool, error) {
	query := `SELECT COUNT(*) FROM users WHERE user_id = $1`

	var n int
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&n); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n != 0, nil
}

func (r *PostgresRepository) UpdateScreenName(ctx context.Context, userID, screenName string) error {
	query :=
		`UPDATE users SET screen_name = $1
		 WHERE user_id = $2
		 `

	res, err := r.db.ExecContext(ctx, query, screenName, userID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if ra, err := res.RowsAffected(); err == nil && ra == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) Tombstone(ctx context.Context, userID, marker string) error {
	query :=
		`UPDATE users SET user_id = $1, screen_name = $2
		 WHERE user_id = $3
		 `

	res, err := r.db.ExecContext(ctx, query, marker, marker, userID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if ra, err := res.RowsAffected(); err == nil && ra == 0 {
		return common.ErrorNotFound
	}
	return nil
}
