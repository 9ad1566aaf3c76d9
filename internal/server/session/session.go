package session

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dmitrijs2005/cipherchat/internal/common"
	"github.com/dmitrijs2005/cipherchat/internal/cryptox"
	"github.com/dmitrijs2005/cipherchat/internal/envelope"
	"github.com/dmitrijs2005/cipherchat/internal/framing"
	"github.com/dmitrijs2005/cipherchat/internal/logging"
	"github.com/dmitrijs2005/cipherchat/internal/server/directory"
	"github.com/google/uuid"
)

// Session runs one client connection through its lifecycle:
//
//	Connected → KeyExchanged → LoggedOut → Authenticated → Closed
//
// One worker goroutine owns the session; the only cross-goroutine entry
// point is Deliver, which other workers use to relay traffic to this
// connection.
type Session struct {
	id        string
	idle      time.Duration
	transport *framing.Transport
	codec     *envelope.Codec
	keys      *cryptox.KeyPair

	registry  *Registry
	relay     *Relay
	directory *directory.Service
	logger    logging.Logger

	mu         sync.RWMutex
	clientPub  *rsa.PublicKey
	userID     string
	canReceive bool
}

// New wraps an accepted connection in a Session. The server key pair is
// shared by all sessions; registry, relay and directory are the process-wide
// collaborators handed in by the app. idle > 0 makes the authenticated read
// loop wake up at that interval instead of blocking indefinitely.
func New(conn net.Conn, keys *cryptox.KeyPair, idle time.Duration, registry *Registry, relay *Relay, dir *directory.Service, logger logging.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:        id,
		idle:      idle,
		transport: framing.New(conn),
		codec:     envelope.NewCodec(envelope.ScopeServer),
		keys:      keys,
		registry:  registry,
		relay:     relay,
		directory: dir,
		logger:    logger.With("module", "session", "session_id", id, "addr", conn.RemoteAddr().String()),
	}
}

// UserID implements Receiver.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// CanReceive implements Receiver.
func (s *Session) CanReceive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.canReceive
}

// Deliver implements Receiver: it forwards a sealed pair to this
// connection. The transport serializes writes, so a delivery never
// interleaves with a reply being sent by the session's own worker.
func (s *Session) Deliver(envBytes, sigBytes []byte) error {
	return s.transport.SendPair(envBytes, sigBytes)
}

func (s *Session) setUserID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = id
}

func (s *Session) setCanReceive(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canReceive = v
}

func (s *Session) clientPublicKey() *rsa.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientPub
}

// Handle drives the session to completion. Teardown always runs, however
// the Closed state was reached: the session leaves the active set and the
// transport is closed.
func (s *Session) Handle(ctx context.Context) {
	// cancellation reaches a blocked read by closing the transport
	stop := context.AfterFunc(ctx, func() { _ = s.transport.Close() })
	defer stop()

	s.registry.Add(s)
	defer func() {
		s.registry.Remove(s)
		_ = s.transport.Close()
		s.logger.Info(ctx, "session closed", "user_id", s.UserID(), "active", s.registry.Count())
	}()

	s.logger.Info(ctx, "new connection", "active", s.registry.Count())

	if err := s.exchangeKeys(); err != nil {
		s.logger.Warn(ctx, "key exchange failed", "error", err)
		return
	}

	if err := s.loggedOutLoop(ctx); err != nil {
		if errors.Is(err, common.ErrDisconnect) {
			s.logger.Info(ctx, "client disconnected before login")
		} else {
			s.logger.Warn(ctx, "logged-out phase ended", "error", err)
		}
		return
	}

	// The handshake keys were transient; post-login both sides exchange
	// their durable keys and the server pushes the stored screen name.
	if err := s.exchangeKeys(); err != nil {
		s.logger.Warn(ctx, "post-login key exchange failed", "error", err)
		return
	}
	if err := s.pushScreenName(ctx); err != nil {
		s.logger.Warn(ctx, "screen name push failed", "error", err)
		return
	}

	s.logger.Info(ctx, "session authenticated", "user_id", s.UserID())

	if err := s.receiveLoop(ctx); err != nil {
		if errors.Is(err, common.ErrDisconnect) {
			s.logger.Info(ctx, "client disconnected", "user_id", s.UserID())
		} else {
			s.logger.Warn(ctx, "receive loop ended", "error", err, "user_id", s.UserID())
		}
	}
}

// exchangeKeys performs one unencrypted public-key swap. The client sends
// first; the server replies with its own key.
func (s *Session) exchangeKeys() error {
	body, sig, err := s.transport.RecvPair()
	if err != nil {
		return err
	}
	p, _, err := s.codec.OpenPlain(body, sig)
	if err != nil {
		return err
	}
	pub, err := cryptox.ParsePublicKey(p.PublicKey)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.clientPub = pub
	s.mu.Unlock()

	ownDER, err := cryptox.MarshalPublicKey(s.keys.Public)
	if err != nil {
		return err
	}
	reply, replySig, err := s.codec.SealPlain(&envelope.Payload{PublicKey: ownDER}, s.keys)
	if err != nil {
		return err
	}
	return s.transport.SendPair(reply, replySig)
}

// loggedOutLoop waits for a typed request and handles login and account
// creation until one succeeds. Failures keep the state at LoggedOut so the
// client may retry.
func (s *Session) loggedOutLoop(ctx context.Context) error {
	for {
		body, sig, err := s.transport.RecvPair()
		if err != nil {
			return err
		}
		p, _, err := s.codec.OpenPlain(body, sig)
		if err != nil {
			if errors.Is(err, common.ErrSignatureInvalid) {
				s.logger.Warn(ctx, "dropping request with invalid signature")
				continue
			}
			return err
		}

		switch p.Type {
		case envelope.TypeLoginRequest:
			ok, err := s.handleLogin(ctx)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		case envelope.TypeCreateAccount:
			ok, err := s.handleCreateAccount(ctx)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		case envelope.TypeDisconnect:
			return common.ErrDisconnect
		default:
			s.logger.Warn(ctx, "unexpected request while logged out", "type", p.Type)
		}
	}
}

func (s *Session) handleLogin(ctx context.Context) (bool, error) {
	creds, err := s.recvSealed()
	if err != nil {
		return false, err
	}

	// claim the id before verifying: IsOnline-then-verify would let two
	// concurrent logins for the same user both pass
	valid := false
	switch {
	case !s.registry.Claim(creds.UserID, s):
		s.logger.Warn(ctx, "login rejected, already online", "user_id", creds.UserID)
	default:
		err := s.directory.VerifyLogin(ctx, creds.UserID, creds.Password)
		if err != nil && !errors.Is(err, common.ErrorUnauthorized) {
			s.registry.Release(creds.UserID, s)
			return false, err
		}
		valid = err == nil
		if !valid {
			s.registry.Release(creds.UserID, s)
		}
	}

	if valid {
		s.setUserID(creds.UserID)
	}
	if err := s.sendSealed(&envelope.Payload{ValidPassword: valid}); err != nil {
		return false, err
	}
	s.logger.Info(ctx, "login attempt", "user_id", creds.UserID, "valid", valid)
	return valid, nil
}

// handleCreateAccount runs the three-message creation dance: uniqueness
// probe, reply, then the full details. The directory insert is
// all-or-nothing, so a mid-creation failure leaves no half-created row.
func (s *Session) handleCreateAccount(ctx context.Context) (bool, error) {
	probe, err := s.recvSealed()
	if err != nil {
		return false, err
	}

	taken, err := s.directory.Exists(ctx, probe.UserID)
	if err != nil {
		return false, err
	}
	if err := s.sendSealed(&envelope.Payload{UserIDTaken: taken}); err != nil {
		return false, err
	}
	if taken {
		return false, nil
	}

	details, err := s.recvSealed()
	if err != nil {
		return false, err
	}

	// the durable account key arrives in the details; the handshake key is
	// transient and only covers this connection
	pubDER := details.PublicKey
	if len(pubDER) == 0 {
		pubDER, err = cryptox.MarshalPublicKey(s.clientPublicKey())
		if err != nil {
			return false, err
		}
	}

	created := s.registry.Claim(details.UserID, s)
	if !created {
		s.logger.Warn(ctx, "account creation rejected, id claimed by a live session", "user_id", details.UserID)
	} else if err := s.directory.AddUser(ctx, details.UserID, details.ScreenName, details.Password, pubDER); err != nil {
		s.logger.Error(ctx, "account creation failed", "user_id", details.UserID, "error", err)
		s.registry.Release(details.UserID, s)
		created = false
	}
	if created {
		s.setUserID(details.UserID)
	}
	if err := s.sendSealed(&envelope.Payload{AccountCreated: created}); err != nil {
		return false, err
	}
	if created {
		s.logger.Info(ctx, "account created", "user_id", details.UserID)
	}
	return created, nil
}

func (s *Session) pushScreenName(ctx context.Context) error {
	name, err := s.directory.ScreenName(ctx, s.UserID())
	if err != nil {
		return err
	}
	body, sig, err := s.codec.SealPlain(&envelope.Payload{ScreenName: name}, s.keys)
	if err != nil {
		return err
	}
	return s.transport.SendPair(body, sig)
}

// receiveLoop is the Authenticated state: every arriving pair is either a
// server-scoped request dispatched locally or a client-scoped envelope
// forwarded opaquely. Signature and ciphertext failures drop the message
// and keep the session.
func (s *Session) receiveLoop(ctx context.Context) error {
	if s.idle > 0 {
		s.transport.SetIdleTimeout(s.idle)
	}
	for {
		envBytes, sigBytes, err := s.transport.RecvPair()
		if err != nil {
			if errors.Is(err, common.ErrIdleTimeout) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			return err
		}

		opened, err := s.codec.Open(envBytes, sigBytes, s.keys.Private)
		if err != nil {
			if errors.Is(err, common.ErrSignatureInvalid) ||
				errors.Is(err, common.ErrInvalidCiphertextLength) ||
				errors.Is(err, common.ErrInvalidPadding) {
				s.logger.Warn(ctx, "dropping undecodable envelope", "error", err)
				continue
			}
			return err
		}

		if !opened.Deliverable {
			if err := s.relay.Route(ctx, opened.RawEnvelope, opened.RawSignature); err != nil {
				s.logger.Warn(ctx, "routing failed", "error", err)
			}
			continue
		}

		done, err := s.dispatch(ctx, opened.Payload)
		if err != nil {
			return err
		}
		if done {
			return common.ErrDisconnect
		}
	}
}

// dispatch handles one server-scoped payload. It returns done=true when the
// client asked to end the session.
func (s *Session) dispatch(ctx context.Context, p *envelope.Payload) (bool, error) {
	switch p.Type {
	case envelope.TypeDisconnect:
		return true, nil

	case envelope.TypeFriendCodeExists:
		exists, err := s.directory.Exists(ctx, p.FriendCode)
		if err != nil {
			return false, err
		}
		return false, s.sendSealed(&envelope.Payload{Exists: exists})

	case envelope.TypeRecipientKey:
		key, err := s.directory.PublicKey(ctx, p.RecipientUserID)
		if err != nil && !errors.Is(err, common.ErrorNotFound) {
			return false, err
		}
		return false, s.sendSealed(&envelope.Payload{RecipientPublicKey: key})

	case envelope.TypeFriendDetails:
		d, err := s.directory.FriendDetails(ctx, p.FriendUserID)
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				return false, s.sendSealed(&envelope.Payload{})
			}
			return false, err
		}
		return false, s.sendSealed(&envelope.Payload{ScreenName: d.ScreenName, PublicKey: d.PublicKey})

	case envelope.TypeAllUserData:
		d, err := s.directory.FriendDetails(ctx, s.UserID())
		if err != nil {
			return false, err
		}
		return false, s.sendSealed(&envelope.Payload{UserDetails: &envelope.UserDetails{
			UserID:     d.UserID,
			ScreenName: d.ScreenName,
			PublicKey:  d.PublicKey,
		}})

	case envelope.TypeDeletingAccount:
		marker, err := s.directory.DeleteAccount(ctx, s.UserID())
		deleted := err == nil
		if err != nil {
			s.logger.Error(ctx, "account deletion failed", "user_id", s.UserID(), "error", err)
		}
		return false, s.sendSealed(&envelope.Payload{AccountDeleted: deleted, AccountDeletionName: marker})

	case envelope.TypeChangeScreenName:
		if err := s.directory.ChangeScreenName(ctx, s.UserID(), p.NewScreenName); err != nil {
			s.logger.Error(ctx, "screen name change failed", "user_id", s.UserID(), "error", err)
		}
		return false, nil

	case envelope.TypeCanReceive:
		s.setCanReceive(p.CanReceive)
		if p.CanReceive {
			s.relay.AnnounceListening(ctx, s)
		}
		return false, nil

	default:
		s.logger.Warn(ctx, "unknown server-scoped payload", "type", p.Type)
		return false, nil
	}
}

// sendSealed seals a server reply for the connected client and sends it.
func (s *Session) sendSealed(p *envelope.Payload) error {
	pub := s.clientPublicKey()
	if pub == nil {
		return fmt.Errorf("no client public key negotiated")
	}
	envBytes, sigBytes, _, err := s.codec.Seal(p, pub, s.keys, envelope.ScopeClient, "")
	if err != nil {
		return err
	}
	return s.transport.SendPair(envBytes, sigBytes)
}

// recvSealed receives one envelope that must be addressed to the server and
// returns its payload.
func (s *Session) recvSealed() (*envelope.Payload, error) {
	envBytes, sigBytes, err := s.transport.RecvPair()
	if err != nil {
		return nil, err
	}
	opened, err := s.codec.Open(envBytes, sigBytes, s.keys.Private)
	if err != nil {
		return nil, err
	}
	if !opened.Deliverable {
		return nil, fmt.Errorf("expected server-scoped envelope")
	}
	return opened.Payload, nil
}
