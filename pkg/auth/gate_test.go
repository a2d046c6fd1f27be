package auth

import (
	"context"
	"testing"
	"time"

	"github.com/duplex-ws/duplex/pkg/session"
)

// memStore is a minimal UserStore for gate tests.
type memStore struct {
	users map[string]*User
	order []*User
}

func newMemStore(users ...*User) *memStore {
	m := &memStore{users: make(map[string]*User)}
	for _, u := range users {
		m.users[u.Username] = u
		m.order = append(m.order, u)
	}
	return m
}

func (m *memStore) Authenticate(ctx context.Context, username, password string) (*User, error) {
	if u, ok := m.users[username]; ok && password == username {
		return u, nil
	}
	return nil, ErrUnauthorized
}

func (m *memStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return m.users[username], nil
}

func (m *memStore) ListUsers(ctx context.Context) ([]*User, error) {
	out := make([]*User, len(m.order))
	copy(out, m.order)
	return out, nil
}

func testUsers() []*User {
	base := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	return []*User{
		{Username: "carol", CreatedAt: base.Add(3 * time.Hour)},
		{Username: "alice", CreatedAt: base.Add(1 * time.Hour)},
		{Username: "root", Permissions: Permissions{Admin: true}, CreatedAt: base.Add(2 * time.Hour)},
	}
}

func TestGuarded(t *testing.T) {
	gate := NewGate(newMemStore(), WithAllowList([]string{"/api/docs"}))

	tests := []struct {
		path    string
		guarded bool
	}{
		{"/", false},
		{"/static/app.js", false},
		{"/api/items", true},
		{"/api/login", false},
		{"/api/logout", false},
		{"/api/context", false},
		{"/api/users/me", false},
		{"/api/docs", false},
		{"/api/docs/guide", false},
		{"/api/docs?page=2", false},
		{"/api/docsomething", true},
	}
	for _, tt := range tests {
		if got := gate.Guarded(tt.path); got != tt.guarded {
			t.Errorf("Guarded(%q) = %v, want %v", tt.path, got, tt.guarded)
		}
	}
}

func TestAuthorizeResolvedUser(t *testing.T) {
	store := newMemStore(testUsers()...)
	gate := NewGate(store)

	sess := sessionWithUser("alice")
	if err := gate.Authorize(context.Background(), sess); err != nil {
		t.Errorf("resolved user should be authorized: %v", err)
	}
}

func TestAuthorizeAnonymousDenied(t *testing.T) {
	gate := NewGate(newMemStore(testUsers()...))

	if err := gate.Authorize(context.Background(), &session.Session{}); err == nil {
		t.Error("anonymous session should be denied without no-security")
	}
	if err := gate.Authorize(context.Background(), nil); err == nil {
		t.Error("nil session should be denied")
	}
}

func TestNoSecurityRosterCycling(t *testing.T) {
	gate := NewGate(newMemStore(testUsers()...), WithNoSecurity("true"))

	// Admins come first, then the rest by ascending creation time.
	want := []string{"root", "alice", "carol", "root", "alice"}
	for i, expect := range want {
		sess := &session.Session{}
		if err := gate.Authorize(context.Background(), sess); err != nil {
			t.Fatalf("authorize %d: %v", i, err)
		}
		if sess.UserID() != expect {
			t.Errorf("assignment %d = %q, want %q", i, sess.UserID(), expect)
		}
	}
}

func TestNoSecurityPinnedUser(t *testing.T) {
	gate := NewGate(newMemStore(testUsers()...), WithNoSecurity("carol"))

	for i := 0; i < 3; i++ {
		sess := &session.Session{}
		if err := gate.Authorize(context.Background(), sess); err != nil {
			t.Fatalf("authorize: %v", err)
		}
		if sess.UserID() != "carol" {
			t.Errorf("pinned assignment = %q, want carol", sess.UserID())
		}
	}
}

func TestNoSecurityKeepsExistingUser(t *testing.T) {
	gate := NewGate(newMemStore(testUsers()...), WithNoSecurity("true"))

	sess := sessionWithUser("carol")
	if err := gate.Authorize(context.Background(), sess); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if sess.UserID() != "carol" {
		t.Errorf("existing user must not be reassigned, got %q", sess.UserID())
	}
}

func TestNoSecurityEmptyRoster(t *testing.T) {
	gate := NewGate(newMemStore(), WithNoSecurity("true"))

	if err := gate.Authorize(context.Background(), &session.Session{}); err == nil {
		t.Error("empty roster must deny")
	}
}

func sessionWithUser(id string) *session.Session {
	s := &session.Session{}
	s.SetUserID(id)
	return s
}
