// Package session provides cookie-identified sessions backed by an
// in-memory store, and the HTTP middleware that attaches a session to
// every request.
package session

import (
	"sync"
)

// Session is the record attached to a cookie-identified caller. Its
// object identity is stable for the process lifetime, so handlers may
// mutate it in place and see the change on later requests and on
// WebSocket connections sharing the cookie.
type Session struct {
	id string

	mu     sync.RWMutex
	userID string
	values map[string]any
}

// ID returns the opaque session id carried by the cookie.
func (s *Session) ID() string { return s.id }

// UserID returns the authenticated username, or "" for anonymous.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// SetUserID marks the session as belonging to the given user. An empty
// string returns the session to the anonymous state.
func (s *Session) SetUserID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = id
}

// Authenticated reports whether the session carries a user.
func (s *Session) Authenticated() bool {
	return s.UserID() != ""
}

// Get retrieves an application value from the session.
func (s *Session) Get(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[key]
}

// Set stores an application value on the session. The value must be
// safe to read concurrently.
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]any)
	}
	s.values[key] = value
}

// Delete removes an application value from the session.
func (s *Session) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}
