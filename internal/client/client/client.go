// Package client implements the protocol side of the chat client: the
// connection, key exchanges, authentication, server requests, peer-to-peer
// sends and the background listener.
package client

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
)

// Handler consumes one decrypted peer-to-peer delivery.
type Handler func(ctx context.Context, opened *envelope.Opened)

// Client is one connection to the relay server.
//
// Before the listener starts, request/response exchanges read the socket
// directly. While the listener runs it is the only reader: server-scoped
// replies are routed to the pending request, client-scoped deliveries go to
// the handler.
type Client struct {
	addr   string
	logger logging.Logger

	mu         sync.Mutex
	transport  *framing.Transport
	codec      *envelope.Codec
	keys       *cryptox.KeyPair
	serverPub  *rsa.PublicKey
	userID     string
	screenName string
	masterKey  []byte

	handler   Handler
	listening bool
	stop      context.CancelFunc
	stopped   chan struct{}
	responses chan *envelope.Payload

	pollInterval time.Duration
}

// New builds a Client for the server at addr. pollInterval bounds how long
// the background listener blocks between frames.
func New(addr string, pollInterval time.Duration, logger logging.Logger) *Client {
	return &Client{
		addr:         addr,
		codec:        envelope.NewCodec(envelope.ScopeClient),
		responses:    make(chan *envelope.Payload, 1),
		pollInterval: pollInterval,
		logger:       logger.With("module", "client"),
	}
}

// SetHandler installs the consumer for incoming peer deliveries. Must be
// set before StartListening.
func (c *Client) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// UserID returns the authenticated user id, or "".
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// ScreenName returns the display label pushed by the server at login.
func (c *Client) ScreenName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screenName
}

// Keys returns the durable account key pair, available after login or
// account creation.
func (c *Client) Keys() *cryptox.KeyPair {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys
}

// MasterKey returns the local-storage master key, available after login or
// account creation.
func (c *Client) MasterKey() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.masterKey
}

// Connect dials the server and performs the initial key exchange with a
// transient key pair. The durable keys replace it after authentication.
func (c *Client) Connect(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}

	keys, err := cryptox.GenerateKeyPair()
	if err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	c.transport = framing.New(conn)
	c.keys = keys
	c.mu.Unlock()

	if err := c.exchangeKeys(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("key exchange: %w", err)
	}
	c.logger.Info(ctx, "connected", "addr", c.addr)
	return nil
}

// Close tears the connection down. A running listener is stopped first.
func (c *Client) Close() error {
	c.mu.Lock()
	stop := c.stop
	stopped := c.stopped
	tr := c.transport
	c.mu.Unlock()

	if stop != nil {
		stop()
		<-stopped
	}
	if tr == nil {
		return nil
	}
	return tr.Close()
}

// Disconnect tells the server the session is over, then closes.
func (c *Client) Disconnect(ctx context.Context) error {
	if err := c.sendToServer(&envelope.Payload{Type: envelope.TypeDisconnect}); err != nil {
		_ = c.Close()
		return err
	}
	c.logger.Info(ctx, "disconnected")
	return c.Close()
}

// exchangeKeys swaps public keys with the server: ours first, unencrypted
// but signed, then the server's reply.
func (c *Client) exchangeKeys() error {
	c.mu.Lock()
	tr, keys := c.transport, c.keys
	c.mu.Unlock()

	der, err := cryptox.MarshalPublicKey(keys.Public)
	if err != nil {
		return err
	}
	body, sig, err := c.codec.SealPlain(&envelope.Payload{PublicKey: der}, keys)
	if err != nil {
		return err
	}
	if err := tr.SendPair(body, sig); err != nil {
		return err
	}

	replyBody, replySig, err := tr.RecvPair()
	if err != nil {
		return err
	}
	p, _, err := c.codec.OpenPlain(replyBody, replySig)
	if err != nil {
		return err
	}
	serverPub, err := cryptox.ParsePublicKey(p.PublicKey)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.serverPub = serverPub
	c.mu.Unlock()
	return nil
}

// finishAuthentication swaps the durable keys in and consumes the pushed
// screen name. Runs after a successful login or account creation.
func (c *Client) finishAuthentication(keys *cryptox.KeyPair, masterKey []byte, userID string) error {
	c.mu.Lock()
	c.keys = keys
	c.masterKey = masterKey
	c.userID = userID
	tr := c.transport
	c.mu.Unlock()

	if err := c.exchangeKeys(); err != nil {
		return fmt.Errorf("post-login key exchange: %w", err)
	}

	body, sig, err := tr.RecvPair()
	if err != nil {
		return err
	}
	p, _, err := c.codec.OpenPlain(body, sig)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.screenName = p.ScreenName
	c.mu.Unlock()
	return nil
}

// Login authenticates an existing account. The key file is unsealed locally
// first, so a wrong password fails before any credentials reach the wire.
func (c *Client) Login(ctx context.Context, keyFilePath, userID, password string) error {
	keys, masterKey, err := cryptox.LoadKeyFile(keyFilePath, []byte(password))
	if err != nil {
		return err
	}

	if err := c.sendPlain(&envelope.Payload{Type: envelope.TypeLoginRequest}); err != nil {
		return err
	}
	if err := c.sendToServer(&envelope.Payload{UserID: userID, Password: password}); err != nil {
		return err
	}
	reply, err := c.recvFromServer()
	if err != nil {
		return err
	}
	if !reply.ValidPassword {
		return common.ErrorUnauthorized
	}

	if err := c.finishAuthentication(keys, masterKey, userID); err != nil {
		return err
	}
	c.logger.Info(ctx, "logged in", "user_id", userID)
	return nil
}

// CreateAccount registers a new account and provisions its key file. The
// durable key pair and master key are generated here; the server stores the
// public key sent with the account details.
func (c *Client) CreateAccount(ctx context.Context, keyFilePath, userID, screenName, password string) error {
	if err := c.sendPlain(&envelope.Payload{Type: envelope.TypeCreateAccount}); err != nil {
		return err
	}
	if err := c.sendToServer(&envelope.Payload{UserID: userID}); err != nil {
		return err
	}
	probe, err := c.recvFromServer()
	if err != nil {
		return err
	}
	if probe.UserIDTaken {
		return common.ErrUserIDTaken
	}

	keys, err := cryptox.GenerateKeyPair()
	if err != nil {
		return err
	}
	masterKey := common.GenerateRandByteArray(16)

	pubDER, err := cryptox.MarshalPublicKey(keys.Public)
	if err != nil {
		return err
	}
	if err := c.sendToServer(&envelope.Payload{
		UserID:     userID,
		ScreenName: screenName,
		Password:   password,
		PublicKey:  pubDER,
	}); err != nil {
		return err
	}
	reply, err := c.recvFromServer()
	if err != nil {
		return err
	}
	if !reply.AccountCreated {
		return fmt.Errorf("account creation refused")
	}

	if err := cryptox.SaveKeyFile(keyFilePath, keys, masterKey, []byte(password)); err != nil {
		return err
	}

	if err := c.finishAuthentication(keys, masterKey, userID); err != nil {
		return err
	}
	c.logger.Info(ctx, "account created", "user_id", userID)
	return nil
}

// sendPlain sends a signed but unencrypted payload.
func (c *Client) sendPlain(p *envelope.Payload) error {
	c.mu.Lock()
	tr, keys := c.transport, c.keys
	c.mu.Unlock()

	body, sig, err := c.codec.SealPlain(p, keys)
	if err != nil {
		return err
	}
	return tr.SendPair(body, sig)
}

// sendToServer seals a payload for the server and sends it.
func (c *Client) sendToServer(p *envelope.Payload) error {
	c.mu.Lock()
	tr, keys, serverPub := c.transport, c.keys, c.serverPub
	c.mu.Unlock()

	if serverPub == nil {
		return errors.New("no server public key negotiated")
	}
	envBytes, sigBytes, _, err := c.codec.Seal(p, serverPub, keys, envelope.ScopeServer, "")
	if err != nil {
		return err
	}
	return tr.SendPair(envBytes, sigBytes)
}

// recvFromServer returns the next server reply. While the listener runs the
// reply arrives through it; otherwise the socket is read directly.
func (c *Client) recvFromServer() (*envelope.Payload, error) {
	c.mu.Lock()
	listening := c.listening
	tr, keys := c.transport, c.keys
	c.mu.Unlock()

	if listening {
		select {
		case p := <-c.responses:
			return p, nil
		case <-time.After(10 * time.Second):
			return nil, errors.New("timed out waiting for server reply")
		}
	}

	for {
		envBytes, sigBytes, err := tr.RecvPair()
		if err != nil {
			return nil, err
		}
		opened, err := c.codec.Open(envBytes, sigBytes, keys.Private)
		if err != nil {
			if errors.Is(err, common.ErrSignatureInvalid) ||
				errors.Is(err, common.ErrInvalidCiphertextLength) ||
				errors.Is(err, common.ErrInvalidPadding) {
				c.logger.Warn(context.Background(), "dropping undecodable frame", "error", err)
				continue
			}
			return nil, err
		}
		if !opened.Deliverable {
			// not for us; a client never forwards
			c.logger.Warn(context.Background(), "dropping out-of-scope envelope")
			continue
		}
		if !isServerReply(opened.Payload) {
			// a peer delivery buffered before the listener stopped belongs
			// to the handler, not to the request waiting for its reply
			c.mu.Lock()
			h := c.handler
			c.mu.Unlock()
			if h != nil {
				h(context.Background(), opened)
			} else {
				c.logger.Warn(context.Background(), "peer delivery dropped, no handler", "type", opened.Payload.Type)
			}
			continue
		}
		return opened.Payload, nil
	}
}

// SendToPeer seals a payload for another user and routes it through the
// relay. The ephemeral key is returned so callers can archive the message.
func (c *Client) SendToPeer(p *envelope.Payload, peerPub *rsa.PublicKey, peerUserID string) ([]byte, error) {
	c.mu.Lock()
	tr, keys := c.transport, c.keys
	c.mu.Unlock()

	envBytes, sigBytes, epk, err := c.codec.Seal(p, peerPub, keys, envelope.ScopeClient, peerUserID)
	if err != nil {
		return nil, err
	}
	if err := tr.SendPair(envBytes, sigBytes); err != nil {
		return nil, err
	}
	return epk, nil
}
