package client

import (
	"context"
	"crypto/rsa"

	"github.com/dmitrijs2005/cipherchat/internal/envelope"
)

// API is the surface the application services need from the protocol
// client. *Client is the production implementation; tests substitute fakes.
//
// All methods must honor context cancellation/timeouts.
type API interface {
	// UserID returns the authenticated user id, or "".
	UserID() string
	// ScreenName returns the display label pushed by the server at login.
	ScreenName() string
	// MasterKey returns the local-storage master key.
	MasterKey() []byte

	// UserIDExists asks the server whether a friend code resolves to an account.
	UserIDExists(ctx context.Context, userID string) (bool, error)
	// RecipientPublicKey fetches the stored public key for userID.
	RecipientPublicKey(ctx context.Context, userID string) ([]byte, error)
	// FriendDetails fetches the screen name and public key for userID.
	FriendDetails(ctx context.Context, userID string) (string, []byte, error)
	// AllUserData fetches the server's record of the authenticated account.
	AllUserData(ctx context.Context) (*envelope.UserDetails, error)
	// ChangeScreenName updates the account's display label on the server.
	ChangeScreenName(ctx context.Context, newName string) error
	// DeleteAccount tombstones the account and returns the marker name.
	DeleteAccount(ctx context.Context) (string, error)

	// SendToPeer seals a payload for another user and routes it through the
	// relay, returning the ephemeral key for archival.
	SendToPeer(p *envelope.Payload, peerPub *rsa.PublicKey, peerUserID string) ([]byte, error)
}

var _ API = (*Client)(nil)
