// Package cryptox bundles the asymmetric primitives, password hashing and
// key-file handling used by both client and server. The algorithm choices
// are fixed for the system: RSA-2048 with PKCS#1 v1.5 for key encapsulation
// and SHA-256 signatures, argon2id for key derivation.
package cryptox

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"

	"github.com/dmitrijs2005/cipherchat/internal/common"
)

const rsaKeyBits = 2048

// KeyPair holds one node's asymmetric identity.
type KeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// GenerateKeyPair creates a fresh RSA key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("key generation: %w", err)
	}
	return &KeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

// MarshalPublicKey serializes pub to PKIX DER, the form carried on the wire
// and stored in the server directory.
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return der, nil
}

// ParsePublicKey parses a PKIX DER public key.
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	k, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := k.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("parse public key: not an RSA key")
	}
	return pub, nil
}

// EncapsulateKey seals a short symmetric key under the recipient's public
// key. The plaintext must be small relative to the key modulus; ephemeral
// keys (16 bytes) always are.
func EncapsulateKey(key []byte, pub *rsa.PublicKey) ([]byte, error) {
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, pub, key)
	if err != nil {
		return nil, fmt.Errorf("encapsulate key: %w", err)
	}
	return ct, nil
}

// DecapsulateKey recovers a symmetric key sealed with EncapsulateKey.
func DecapsulateKey(ciphertext []byte, priv *rsa.PrivateKey) ([]byte, error) {
	key, err := rsa.DecryptPKCS1v15(rand.Reader, priv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decapsulate key: %w", err)
	}
	return key, nil
}

// Sign produces a detached SHA-256 PKCS#1 v1.5 signature over data.
func Sign(data []byte, priv *rsa.PrivateKey) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// Verify checks a signature produced by Sign. Any verification failure is
// reported as common.ErrSignatureInvalid.
func Verify(data, sig []byte, pub *rsa.PublicKey) error {
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return common.ErrSignatureInvalid
	}
	return nil
}
