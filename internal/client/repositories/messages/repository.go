// Package messages provides the client-side persistence layer for chat
// history. Message bodies stay sealed at rest; decryption happens in the
// history service, never here.
package messages

import (
	"context"

	"github.com/dmitrijs2005/cipherchat/internal/client/models"
)

// Repository describes the operations of the local message history.
type Repository interface {
	// Add appends one message and returns its autoincrement id.
	Add(ctx context.Context, m *models.Message) (int64, error)

	// GetConversation returns every message exchanged with friendUserID in
	// insertion order.
	GetConversation(ctx context.Context, friendUserID string) ([]models.Message, error)

	// DeleteConversation removes the history with friendUserID.
	DeleteConversation(ctx context.Context, friendUserID string) error

	// Reassign moves history to a new friend_user_id, used when a peer's
	// account is tombstoned.
	Reassign(ctx context.Context, friendUserID, newUserID string) error
}
