// Package users provides the in-memory user store backing the auth
// gate. Passwords are stored as bcrypt hashes; the store never holds
// plaintext.
package users

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/duplex-ws/duplex/pkg/auth"
)

type record struct {
	user *auth.User
	hash []byte
}

// Store is a concurrency-safe in-memory auth.UserStore.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{records: make(map[string]*record)}
}

// Add registers a user with a bcrypt-hashed password. Adding an
// existing username replaces it.
func (s *Store) Add(username, password string, perms auth.Permissions, createdAt time.Time) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[username] = &record{
		user: &auth.User{
			Username:    username,
			Permissions: perms,
			CreatedAt:   createdAt,
		},
		hash: hash,
	}
	return nil
}

// Authenticate checks the username and password, returning the user on
// success. Unknown users and wrong passwords both return
// auth.ErrUnauthorized so callers cannot probe for usernames.
func (s *Store) Authenticate(ctx context.Context, username, password string) (*auth.User, error) {
	s.mu.RLock()
	rec, ok := s.records[username]
	s.mu.RUnlock()

	if !ok {
		return nil, auth.ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(rec.hash, []byte(password)); err != nil {
		return nil, auth.ErrUnauthorized
	}
	return rec.user, nil
}

// GetUserByUsername looks a user up by name. An unknown username
// returns (nil, nil) so the gate can distinguish "no such user" from a
// store failure.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[username]
	if !ok {
		return nil, nil
	}
	return rec.user, nil
}

// ListUsers returns all users sorted by creation time ascending.
func (s *Store) ListUsers(ctx context.Context) ([]*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*auth.User, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.user)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Seed fills the store with the development roster: one admin and
// three regular users with ascending creation times.
func Seed(s *Store) error {
	base := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	seeds := []struct {
		username string
		password string
		admin    bool
	}{
		{"admin", "admin", true},
		{"alice", "alice", false},
		{"bob", "bob", false},
		{"carol", "carol", false},
	}
	for i, u := range seeds {
		err := s.Add(u.username, u.password,
			auth.Permissions{Admin: u.admin},
			base.Add(time.Duration(i)*time.Hour))
		if err != nil {
			return err
		}
	}
	return nil
}
