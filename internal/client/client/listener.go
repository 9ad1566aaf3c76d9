package client

import (
	"context"
	"errors"

	"github.com/dmitrijs2005/cipherchat/internal/common"
	"github.com/dmitrijs2005/cipherchat/internal/envelope"
)

var errDeletionRefused = errors.New("server refused account deletion")

// StartListening announces readiness to receive relayed traffic and starts
// the background read loop. From this point until StopListening (or Close)
// the loop is the connection's only reader; server replies are handed to
// the pending request through the responses channel.
func (c *Client) StartListening(ctx context.Context) error {
	c.mu.Lock()
	if c.listening {
		c.mu.Unlock()
		return nil
	}
	if c.handler == nil {
		c.mu.Unlock()
		return errors.New("no handler installed")
	}
	tr := c.transport
	loopCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	c.listening = true
	c.stop = cancel
	c.stopped = stopped
	c.mu.Unlock()

	tr.SetIdleTimeout(c.pollInterval)

	if err := c.sendToServer(&envelope.Payload{Type: envelope.TypeCanReceive, CanReceive: true}); err != nil {
		c.endListening()
		close(stopped)
		return err
	}

	go c.listenLoop(loopCtx, stopped)
	c.logger.Info(ctx, "listener started")
	return nil
}

// StopListening cancels the read loop and tells the server to queue
// further traffic.
func (c *Client) StopListening(ctx context.Context) error {
	c.mu.Lock()
	if !c.listening {
		c.mu.Unlock()
		return nil
	}
	stop, stopped := c.stop, c.stopped
	c.mu.Unlock()

	stop()
	<-stopped

	if err := c.sendToServer(&envelope.Payload{Type: envelope.TypeCanReceive, CanReceive: false}); err != nil {
		return err
	}
	c.logger.Info(ctx, "listener stopped")
	return nil
}

func (c *Client) endListening() {
	c.mu.Lock()
	c.listening = false
	c.stop = nil
	c.stopped = nil
	c.transport.SetIdleTimeout(0)
	c.mu.Unlock()
}

// listenLoop reads frames until the context is cancelled. The idle timeout
// only fires between frames, so a partially received pair is always
// completed before the loop checks for cancellation.
func (c *Client) listenLoop(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	defer c.endListening()

	c.mu.Lock()
	tr, keys, handler := c.transport, c.keys, c.handler
	c.mu.Unlock()

	for {
		envBytes, sigBytes, err := tr.RecvPair()
		if err != nil {
			if errors.Is(err, common.ErrIdleTimeout) {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if ctx.Err() == nil {
				c.logger.Error(ctx, "listener read failed", "error", err)
			}
			return
		}

		opened, err := c.codec.Open(envBytes, sigBytes, keys.Private)
		if err != nil {
			if errors.Is(err, common.ErrSignatureInvalid) ||
				errors.Is(err, common.ErrInvalidCiphertextLength) ||
				errors.Is(err, common.ErrInvalidPadding) {
				c.logger.Warn(ctx, "dropping undecodable delivery", "error", err)
				continue
			}
			c.logger.Error(ctx, "listener decode failed", "error", err)
			return
		}

		if !opened.Deliverable {
			c.logger.Warn(ctx, "dropping out-of-scope envelope")
			continue
		}

		if isServerReply(opened.Payload) {
			select {
			case c.responses <- opened.Payload:
			default:
				c.logger.Warn(ctx, "unsolicited server reply dropped", "type", opened.Payload.Type)
			}
			continue
		}

		handler(ctx, opened)
	}
}

// isServerReply distinguishes request/response traffic from peer
// deliveries: peer payloads always carry a type, server replies never do.
func isServerReply(p *envelope.Payload) bool {
	return p.Type == ""
}
