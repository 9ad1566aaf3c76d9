// Package envelope implements the signed, asymmetrically-keyed message
// envelope: the payload is encrypted under a fresh per-message ephemeral
// key, the ephemeral key is sealed under the recipient's public key, and a
// detached signature covers the serialized envelope bytes exactly as they
// travel on the wire.
package envelope

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/cipherchat/internal/blockcipher"
	"github.com/dmitrijs2005/cipherchat/internal/common"
	"github.com/dmitrijs2005/cipherchat/internal/cryptox"
)

// Scope is the routing discriminator: it names the party expected to
// decrypt the envelope. A relay receiving an envelope outside its scope
// must forward it untouched.
type Scope string

const (
	ScopeServer Scope = "server"
	ScopeClient Scope = "client"
)

// Envelope is the wire structure carrying one sealed application message.
type Envelope struct {
	EncryptedData   []byte `json:"encrypted_data"`
	EncryptedEpk    []byte `json:"encrypted_epk"`
	Scope           Scope  `json:"scope"`
	RecipientUserID string `json:"recipient_user_id,omitempty"`
}

// Signature is the detached signature record sent as the second frame of
// every transmission. PublicKey is the signer's key in PKIX DER form.
type Signature struct {
	Signature []byte `json:"signature"`
	PublicKey []byte `json:"public_key"`
}

// Opened is the result of Codec.Open.
//
// When Deliverable is false the envelope was addressed to the other role:
// RawEnvelope and RawSignature hold the unmodified serialized bytes for
// opaque forwarding and every other field is unset. The relay must never
// decrypt traffic addressed to someone else.
type Opened struct {
	Deliverable bool

	Payload         *Payload
	SenderPublicKey *rsa.PublicKey
	// EphemeralKey is the per-message symmetric key; call sites that store
	// history re-seal it under the local master key.
	EphemeralKey []byte

	RawEnvelope  []byte
	RawSignature []byte
}

// Codec seals and opens envelopes for a node acting in one fixed role.
type Codec struct {
	role Scope
}

// NewCodec returns a Codec for a node whose own role is the given scope.
func NewCodec(role Scope) *Codec {
	return &Codec{role: role}
}

// Seal encrypts payload for the recipient and signs the result.
//
// A fresh ephemeral key is generated per call and never reused. The key is
// returned alongside the two serialized records so senders can re-seal it
// for local storage. recipientUserID is set only for client-to-client
// routing and travels in the clear so the relay can route without
// decrypting.
func (c *Codec) Seal(p *Payload, recipientPub *rsa.PublicKey, sender *cryptox.KeyPair, scope Scope, recipientUserID string) (envBytes, sigBytes, epk []byte, err error) {
	epk = common.GenerateRandByteArray(blockcipher.KeySize)

	body, err := json.Marshal(p)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal payload: %w", err)
	}

	encrypted, err := blockcipher.Encrypt(body, epk)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encrypt payload: %w", err)
	}

	sealedEpk, err := cryptox.EncapsulateKey(epk, recipientPub)
	if err != nil {
		return nil, nil, nil, err
	}

	envBytes, err = json.Marshal(Envelope{
		EncryptedData:   encrypted,
		EncryptedEpk:    sealedEpk,
		Scope:           scope,
		RecipientUserID: recipientUserID,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal envelope: %w", err)
	}

	sigBytes, err = c.signatureRecord(envBytes, sender)
	if err != nil {
		return nil, nil, nil, err
	}

	return envBytes, sigBytes, epk, nil
}

// Open verifies and decrypts a received envelope/signature pair.
//
// An envelope whose scope does not match this node's role is returned
// undeliverable with its original bytes intact. A failed signature check
// yields common.ErrSignatureInvalid; malformed ciphertext surfaces the
// blockcipher errors. Callers drop such messages and keep the session.
func (c *Codec) Open(envBytes, sigBytes []byte, priv *rsa.PrivateKey) (*Opened, error) {
	var env Envelope
	if err := json.Unmarshal(envBytes, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}

	if env.Scope != c.role {
		return &Opened{
			Deliverable:  false,
			RawEnvelope:  envBytes,
			RawSignature: sigBytes,
		}, nil
	}

	senderPub, err := c.verify(envBytes, sigBytes)
	if err != nil {
		return nil, err
	}

	epk, err := cryptox.DecapsulateKey(env.EncryptedEpk, priv)
	if err != nil {
		return nil, err
	}

	body, err := blockcipher.Decrypt(env.EncryptedData, epk)
	if err != nil {
		return nil, err
	}

	p := &Payload{}
	if err := json.Unmarshal(body, p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}

	return &Opened{
		Deliverable:     true,
		Payload:         p,
		SenderPublicKey: senderPub,
		EphemeralKey:    epk,
	}, nil
}

// SealPlain serializes and signs a payload without encrypting it. Used only
// for the initial public-key handshake, before any keys are known.
func (c *Codec) SealPlain(p *Payload, sender *cryptox.KeyPair) (body, sigBytes []byte, err error) {
	body, err = json.Marshal(p)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	sigBytes, err = c.signatureRecord(body, sender)
	if err != nil {
		return nil, nil, err
	}
	return body, sigBytes, nil
}

// OpenPlain verifies and deserializes an unencrypted payload/signature pair,
// returning the payload and the signer's public key.
func (c *Codec) OpenPlain(body, sigBytes []byte) (*Payload, *rsa.PublicKey, error) {
	senderPub, err := c.verify(body, sigBytes)
	if err != nil {
		return nil, nil, err
	}
	p := &Payload{}
	if err := json.Unmarshal(body, p); err != nil {
		return nil, nil, fmt.Errorf("parse payload: %w", err)
	}
	return p, senderPub, nil
}

// PeekRecipient extracts the routing target of a still-sealed envelope.
func PeekRecipient(envBytes []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(envBytes, &env); err != nil {
		return "", fmt.Errorf("parse envelope: %w", err)
	}
	return env.RecipientUserID, nil
}

func (c *Codec) signatureRecord(signed []byte, sender *cryptox.KeyPair) ([]byte, error) {
	sig, err := cryptox.Sign(signed, sender.Private)
	if err != nil {
		return nil, err
	}
	pubDER, err := cryptox.MarshalPublicKey(sender.Public)
	if err != nil {
		return nil, err
	}
	record, err := json.Marshal(Signature{Signature: sig, PublicKey: pubDER})
	if err != nil {
		return nil, fmt.Errorf("marshal signature: %w", err)
	}
	return record, nil
}

func (c *Codec) verify(signed, sigBytes []byte) (*rsa.PublicKey, error) {
	var sig Signature
	if err := json.Unmarshal(sigBytes, &sig); err != nil {
		return nil, common.ErrSignatureInvalid
	}
	senderPub, err := cryptox.ParsePublicKey(sig.PublicKey)
	if err != nil {
		return nil, common.ErrSignatureInvalid
	}
	if err := cryptox.Verify(signed, sig.Signature, senderPub); err != nil {
		return nil, err
	}
	return senderPub, nil
}
