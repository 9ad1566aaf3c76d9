// Package framing moves length-prefixed frames over a stream socket.
//
// Every logical transmission is a fixed-size header of HeaderSize bytes —
// the payload length as ASCII decimal, right-padded with spaces — followed
// by exactly that many payload bytes. Envelope traffic always travels as a
// matched pair of frames: the serialized envelope, then the serialized
// signature record.
package framing

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/cipherchat/internal/common"
)

// HeaderSize is the fixed width of the length header in bytes.
const HeaderSize = 2048

// maxFrameSize caps the declared payload length so a hostile peer cannot
// make the receiver allocate unbounded memory.
const maxFrameSize = 16 << 20

// Transport wraps a net.Conn with the fixed-header framing. Sends are
// serialized internally so a frame pair is never interleaved with frames
// written by another goroutine (relay deliveries share the recipient's
// connection with its session worker).
type Transport struct {
	conn net.Conn

	sendMu sync.Mutex

	// idle, when non-zero, bounds how long Recv waits for the first byte
	// of a frame before reporting common.ErrIdleTimeout. Once a frame has
	// started arriving it is always read to completion.
	idle time.Duration
}

// New wraps conn. The caller retains ownership of the connection's lifetime
// through Close.
func New(conn net.Conn) *Transport {
	return &Transport{conn: conn}
}

// SetIdleTimeout configures the receive idle poll. Zero disables it.
// Client listeners use a short timeout purely to observe cancellation
// between frames; it never abandons a partially read frame.
func (t *Transport) SetIdleTimeout(d time.Duration) {
	t.idle = d
}

// RemoteAddr returns the peer address of the underlying connection.
func (t *Transport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// Close closes the underlying connection.
func (t *Transport) Close() error {
	return t.conn.Close()
}

func header(n int) []byte {
	h := make([]byte, HeaderSize)
	s := strconv.Itoa(n)
	copy(h, s)
	for i := len(s); i < HeaderSize; i++ {
		h[i] = ' '
	}
	return h
}

// Send transmits one frame: header then payload.
func (t *Transport) Send(p []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return t.send(p)
}

// SendPair transmits two frames back-to-back as an atomic unit.
func (t *Transport) SendPair(first, second []byte) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if err := t.send(first); err != nil {
		return err
	}
	return t.send(second)
}

func (t *Transport) send(p []byte) error {
	if len(p) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(p))
	}
	if _, err := t.conn.Write(header(len(p))); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := t.conn.Write(p); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// Recv blocks for the next frame and returns its payload. With an idle
// timeout configured, waiting for a frame to begin can return
// common.ErrIdleTimeout; a frame whose first byte has arrived is always
// read to completion.
func (t *Transport) Recv() ([]byte, error) {
	hdr := make([]byte, HeaderSize)

	if t.idle > 0 {
		if err := t.conn.SetReadDeadline(time.Now().Add(t.idle)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		n, err := t.conn.Read(hdr)
		if err != nil {
			var netErr net.Error
			if n == 0 && errors.As(err, &netErr) && netErr.Timeout() {
				return nil, common.ErrIdleTimeout
			}
			if n == 0 {
				return nil, fmt.Errorf("read header: %w", err)
			}
			// partial header under deadline: fall through and finish it
		}
		if err := t.conn.SetReadDeadline(time.Time{}); err != nil {
			return nil, fmt.Errorf("clear read deadline: %w", err)
		}
		if n < HeaderSize {
			if _, err := io.ReadFull(t.conn, hdr[n:]); err != nil {
				return nil, fmt.Errorf("read header: %w", err)
			}
		}
	} else {
		if _, err := io.ReadFull(t.conn, hdr); err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
	}

	length, err := strconv.Atoi(strings.TrimRight(string(hdr), " "))
	if err != nil || length < 0 {
		return nil, fmt.Errorf("malformed frame header %q", strings.TrimRight(string(hdr), " "))
	}
	if length > maxFrameSize {
		return nil, fmt.Errorf("declared frame of %d bytes exceeds limit", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(t.conn, payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return payload, nil
}

// RecvPair receives a matched envelope/signature frame pair. A connection
// torn down between the two frames is reported as common.ErrFramePairTorn,
// never as valid data.
func (t *Transport) RecvPair() (envBytes, sigBytes []byte, err error) {
	envBytes, err = t.Recv()
	if err != nil {
		return nil, nil, err
	}

	// The second frame must follow; the idle poll does not apply mid-pair.
	idle := t.idle
	t.idle = 0
	sigBytes, err = t.Recv()
	t.idle = idle
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", common.ErrFramePairTorn, err)
	}
	return envBytes, sigBytes, nil
}
