// Package models defines server-side data models for the CipherChat
// directory.
package models

import "time"

// User is one directory record. UserID doubles as the public friend code
// and is immutable for the life of the account; deletion rewrites it to a
// tombstone marker instead of removing the row, so peers still holding the
// old id keep a referent.
type User struct {
	UserID       string
	ScreenName   string
	PasswordHash []byte
	Salt         []byte
	PublicKey    []byte
	CreatedAt    time.Time
}
