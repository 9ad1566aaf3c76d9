// Package session implements the server side of a client connection: the
// per-connection state machine, the active-session registry, and the relay
// with its in-memory offline queue.
package session

import "sync"

// Receiver is the relay's view of a connection that client-scoped traffic
// can be delivered to.
type Receiver interface {
	// UserID returns the authenticated user id, or "" before login.
	UserID() string
	// CanReceive reports whether the client currently runs an inbound
	// listener.
	CanReceive() bool
	// Deliver writes a still-sealed envelope/signature pair to the
	// connection.
	Deliver(envBytes, sigBytes []byte) error
}

// Registry is the lock-guarded set of live connections. It is shared by
// every connection worker; there are no ambient globals — the registry is
// constructed once and handed to each session. byUser holds the user id
// claims: a session becomes "online" as a user only by winning Claim, so
// the one-active-session rule holds even for logins racing each other
// through password verification.
type Registry struct {
	mu       sync.Mutex
	sessions map[Receiver]struct{}
	byUser   map[string]Receiver
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[Receiver]struct{}),
		byUser:   make(map[string]Receiver),
	}
}

// Add registers a connection. Called before the handshake, so unauthenticated
// sessions are tracked too.
func (r *Registry) Add(s Receiver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s] = struct{}{}
}

// Remove unregisters a connection. Any user id claim held by s is released
// with it. Safe to call for a session that was never added.
func (r *Registry) Remove(s Receiver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s)
	for id, held := range r.byUser {
		if held == s {
			delete(r.byUser, id)
		}
	}
}

// Claim atomically reserves userID for s. It fails when another live
// session already holds the id. Callers must claim before verifying
// credentials; checking IsOnline separately would leave a window in which
// two concurrent logins for the same user both pass.
func (r *Registry) Claim(userID string, s Receiver) bool {
	if userID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if held, ok := r.byUser[userID]; ok && held != s {
		return false
	}
	r.byUser[userID] = s
	return true
}

// Release drops s's claim on userID, for example after a failed password
// check. A claim held by a different session is left untouched.
func (r *Registry) Release(userID string, s Receiver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byUser[userID] == s {
		delete(r.byUser, userID)
	}
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// IsOnline reports whether some session holds the claim for userID.
func (r *Registry) IsOnline(userID string) bool {
	if userID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byUser[userID]
	return ok
}

// FindReceiving returns the session authenticated as userID that currently
// accepts deliveries, or nil.
func (r *Registry) FindReceiving(userID string) Receiver {
	if userID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byUser[userID]
	if !ok || !s.CanReceive() {
		return nil
	}
	return s
}
