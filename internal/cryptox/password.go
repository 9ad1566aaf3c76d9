package cryptox

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"

	"github.com/dmitrijs2005/cipherchat/internal/blockcipher"
	"golang.org/x/crypto/argon2"
)

// HashPassword derives the stored password verifier: argon2id over the
// salted password, then HMAC-SHA256 under the server pepper. The salt is
// stored next to the verifier; the pepper never leaves server config.
func HashPassword(password, salt, pepper []byte) []byte {
	hash := argon2.IDKey(password, salt, 1, 64*1024, 4, 32)
	mac := hmac.New(sha256.New, pepper)
	mac.Write(hash)
	return mac.Sum(nil)
}

// CheckPassword reports whether candidate matches the stored verifier,
// in constant time.
func CheckPassword(verifier, password, salt, pepper []byte) bool {
	candidate := HashPassword(password, salt, pepper)
	return subtle.ConstantTimeCompare(verifier, candidate) == 1
}

// DeriveFileKey derives the block-cipher key that seals the local key file
// from the account password and a per-file salt.
func DeriveFileKey(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, 1, 64*1024, 4, blockcipher.KeySize)
}
