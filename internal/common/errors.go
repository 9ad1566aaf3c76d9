// Package common defines shared constants and sentinel errors used across
// client and server layers of CipherChat. Callers should use errors.Is to
// match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors.
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")

	// Account errors (recoverable, client may retry).
	ErrUserIDTaken   = errors.New("user id already taken")
	ErrAlreadyOnline = errors.New("user already logged in elsewhere")

	// Cipher errors: the message is rejected, the session continues.
	ErrInvalidCiphertextLength = errors.New("ciphertext length is not a multiple of the block size")
	ErrInvalidPadding          = errors.New("invalid block padding")

	// ErrSignatureInvalid marks a tampered or unverifiable envelope.
	// The offending message is dropped; the connection continues.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrDisconnect signals cooperative session termination. It is a control
	// condition, not a failure.
	ErrDisconnect = errors.New("peer disconnected")

	// Transport errors (fatal to the session).
	ErrFramePairTorn = errors.New("connection lost between envelope and signature frames")
	ErrIdleTimeout   = errors.New("receive idle timeout")
)
