package friendships

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/cipherchat/internal/client/models"
	"github.com/dmitrijs2005/cipherchat/internal/common"
	"github.com/dmitrijs2005/cipherchat/internal/dbx"
)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Upsert(ctx context.Context, f *models.Friendship) error {
	query := `INSERT INTO friendships (friend_user_id, screen_name, public_key, status, specifier_id)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(friend_user_id) DO UPDATE SET screen_name = excluded.screen_name,
				public_key = excluded.public_key,
				status = excluded.status,
				specifier_id = excluded.specifier_id
	`
	_, err := r.db.ExecContext(ctx, query,
		f.FriendUserID, f.ScreenName, f.PublicKey, f.Status, f.SpecifierID)
	if err != nil {
		return fmt.Errorf("failed to upsert friendship: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetByID(ctx context.Context, friendUserID string) (*models.Friendship, error) {
	query := `SELECT friend_user_id, screen_name, public_key, status, specifier_id
			FROM friendships WHERE friend_user_id = ?`
	row := r.db.QueryRowContext(ctx, query, friendUserID)

	var f models.Friendship
	err := row.Scan(&f.FriendUserID, &f.ScreenName, &f.PublicKey, &f.Status, &f.SpecifierID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("failed to select friendship: %w", err)
	}
	return &f, nil
}

func (r *SQLiteRepository) GetAll(ctx context.Context) ([]models.Friendship, error) {
	query := `SELECT friend_user_id, screen_name, public_key, status, specifier_id
			FROM friendships ORDER BY screen_name`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to select friendships: %w", err)
	}
	defer rows.Close()

	var result []models.Friendship
	for rows.Next() {
		var f models.Friendship
		if err := rows.Scan(&f.FriendUserID, &f.ScreenName, &f.PublicKey, &f.Status, &f.SpecifierID); err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLiteRepository) UpdateStatus(ctx context.Context, friendUserID, status, specifierID string) error {
	query := `UPDATE friendships SET status = ?, specifier_id = ? WHERE friend_user_id = ?`
	res, err := r.db.ExecContext(ctx, query, status, specifierID, friendUserID)
	if err != nil {
		return fmt.Errorf("failed to update friendship status: %w", err)
	}
	return requireOneRow(res)
}

func (r *SQLiteRepository) UpdateScreenName(ctx context.Context, friendUserID, screenName string) error {
	query := `UPDATE friendships SET screen_name = ? WHERE friend_user_id = ?`
	res, err := r.db.ExecContext(ctx, query, screenName, friendUserID)
	if err != nil {
		return fmt.Errorf("failed to update friendship screen name: %w", err)
	}
	return requireOneRow(res)
}

func (r *SQLiteRepository) Rename(ctx context.Context, friendUserID, newUserID, newScreenName string) error {
	query := `UPDATE friendships SET friend_user_id = ?, screen_name = ? WHERE friend_user_id = ?`
	res, err := r.db.ExecContext(ctx, query, newUserID, newScreenName, friendUserID)
	if err != nil {
		return fmt.Errorf("failed to rename friendship: %w", err)
	}
	return requireOneRow(res)
}

func (r *SQLiteRepository) Delete(ctx context.Context, friendUserID string) error {
	query := `DELETE FROM friendships WHERE friend_user_id = ?`
	res, err := r.db.ExecContext(ctx, query, friendUserID)
	if err != nil {
		return fmt.Errorf("failed to delete friendship: %w", err)
	}
	return requireOneRow(res)
}

func requireOneRow(res sql.Result) error {
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra == 0 {
		return common.ErrorNotFound
	}
	return nil
}
