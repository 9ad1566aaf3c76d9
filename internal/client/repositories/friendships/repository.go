// Package friendships provides the client-side persistence layer for the
// friend list. A sqlite-backed implementation persists data using a
// dbx.DBTX (either *sql.DB or *sql.Tx).
package friendships

import (
	"context"

	"github.com/dmitrijs2005/cipherchat/internal/client/models"
)

// Repository describes the operations of the local friend list.
type Repository interface {
	// Upsert inserts a friendship row or replaces the row with the same
	// friend_user_id.
	Upsert(ctx context.Context, f *models.Friendship) error

	// GetByID returns the row for friend_user_id, or common.ErrorNotFound.
	GetByID(ctx context.Context, friendUserID string) (*models.Friendship, error)

	// GetAll returns all rows ordered by screen name.
	GetAll(ctx context.Context) ([]models.Friendship, error)

	// UpdateStatus rewrites status and specifier_id of one row.
	UpdateStatus(ctx context.Context, friendUserID, status, specifierID string) error

	// UpdateScreenName rewrites the display label of one row.
	UpdateScreenName(ctx context.Context, friendUserID, screenName string) error

	// Rename rewrites the row key and screen name, used when a peer's
	// account is tombstoned.
	Rename(ctx context.Context, friendUserID, newUserID, newScreenName string) error

	// Delete removes the row entirely, used for rejected requests.
	Delete(ctx context.Context, friendUserID string) error
}
