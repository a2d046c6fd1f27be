package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
)

// Store is an in-memory map from opaque session id to session record.
// Sessions are created on first cookie-less request and live until
// process exit; there is no expiry.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Get returns the session for id, or nil if the id is unknown.
func (st *Store) Get(id string) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[id]
}

// Mint creates a fresh anonymous session under a new random id.
func (st *Store) Mint() *Session {
	s := &Session{id: newSessionID()}

	st.mu.Lock()
	st.sessions[s.id] = s
	st.mu.Unlock()

	return s
}

// GetOrMint returns the session for id, minting a new one when the id
// is empty or unknown.
func (st *Store) GetOrMint(id string) *Session {
	if id != "" {
		if s := st.Get(id); s != nil {
			return s
		}
	}
	return st.Mint()
}

// Count returns the number of live sessions. For monitoring and tests.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// newSessionID generates a cryptographically random, URL-safe id.
func newSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// SECURITY: fatal on entropy failure - weak ids are dangerous
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}
