package directory

import (
	"context"

	"github.com/dmitrijs2005/cipherchat/internal/server/models"
)

// Repository describes the persistence surface of the user directory.
// Implementations are backed by Postgres in production.
type Repository interface {
	// Create inserts a new directory record. A duplicate user_id fails the
	// insert without side effects.
	Create(ctx context.Context, user *models.User) error

	// GetByID returns the record for user_id, or common.ErrorNotFound.
	GetByID(ctx context.Context, userID string) (*models.User, error)

	// Exists reports whether a record with user_id is present.
	Exists(ctx context.Context, userID string) (bool, error)

	// UpdateScreenName rewrites the display label of an account.
	UpdateScreenName(ctx context.Context, userID, screenName string) error

	// Tombstone rewrites user_id and screen_name to the given marker,
	// preserving the row for peers that still reference the old id.
	Tombstone(ctx context.Context, userID, marker string) error
}
