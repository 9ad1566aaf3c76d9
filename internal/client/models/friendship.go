// Package models defines the client-side data structures persisted in the
// local sqlite store.
package models

// Friendship statuses. The short forms are stored in the database.
const (
	StatusRequested = "req"
	StatusAccepted  = "acc"
	StatusBlocked   = "blk"
)

// Friendship is one row of the local friend list. SpecifierID records which
// side set the current status: for a request it is the requester, for a
// block it is the blocker.
type Friendship struct {
	FriendUserID string
	ScreenName   string
	PublicKey    []byte
	Status       string
	SpecifierID  string
}

// Message is one row of the local chat history. The body is sealed under
// the per-message ephemeral key; the key itself is stored re-sealed under
// the account's master key. Id is the sqlite autoincrement used for replay
// order.
type Message struct {
	Id            int64
	FriendUserID  string
	Sender        string
	EncryptedBody []byte
	EncryptedEpk  []byte
	Date          string
	Time          string
	IsImage       bool
}
