package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/duplex-ws/duplex/pkg/session"
)

// authInternal are endpoints that always pass through to their
// handlers regardless of the session's auth state.
var authInternal = map[string]struct{}{
	"/api/context":  {},
	"/api/login":    {},
	"/api/logout":   {},
	"/api/users/me": {},
}

// Gate applies the auth policy to paths beginning with /api.
type Gate struct {
	store     UserStore
	allowList []string

	// noSecurity holds the raw flag value: "" disables the override,
	// a truthy literal enables roster cycling, and any other value pins
	// every session to that named user.
	noSecurity string

	mu      sync.Mutex
	counter uint64
	roster  []*User

	logger *slog.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithAllowList sets the path prefixes permitted without auth.
func WithAllowList(entries []string) GateOption {
	return func(g *Gate) { g.allowList = entries }
}

// WithNoSecurity sets the development no-security flag. A truthy value
// ("1", "true", "yes", "on") cycles new sessions through the seeded
// roster; any other non-empty value pins sessions to that username.
func WithNoSecurity(value string) GateOption {
	return func(g *Gate) { g.noSecurity = value }
}

// WithLogger sets the gate logger.
func WithLogger(logger *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = logger }
}

// NewGate creates a Gate over the given user store.
func NewGate(store UserStore, opts ...GateOption) *Gate {
	g := &Gate{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "auth_gate")
	return g
}

// Guarded reports whether the path is subject to the gate at all:
// only /api paths outside the allow-list and the auth-internal set.
func (g *Gate) Guarded(path string) bool {
	if !strings.HasPrefix(path, "/api") {
		return false
	}
	if _, ok := authInternal[path]; ok {
		return false
	}
	return !g.allowed(path)
}

// allowed tests the path against the allow-list. An entry matches the
// exact path, or the path extended with "/" or "?" - so "/api/docs"
// allows "/api/docs/by-path" but not "/api/docsomething".
func (g *Gate) allowed(path string) bool {
	for _, entry := range g.allowList {
		if path == entry ||
			strings.HasPrefix(path, entry+"/") ||
			strings.HasPrefix(path, entry+"?") {
			return true
		}
	}
	return false
}

// Authorize decides whether the session may access a guarded path.
// A session whose user resolves in the store is allowed; otherwise the
// no-security override may assign a user; otherwise ErrUnauthorized.
func (g *Gate) Authorize(ctx context.Context, sess *session.Session) error {
	if sess == nil {
		return ErrUnauthorized
	}

	if id := sess.UserID(); id != "" {
		user, err := g.store.GetUserByUsername(ctx, id)
		if err != nil {
			return fmt.Errorf("resolve session user: %w", err)
		}
		if user != nil {
			return nil
		}
		// Stale user id: fall through to the no-security path.
	}

	if g.noSecurity != "" {
		user, err := g.assignUser(ctx)
		if err != nil {
			return err
		}
		if user != nil {
			sess.SetUserID(user.Username)
			g.logger.Debug("no-security user assigned",
				"session_id", sess.ID(),
				"user", user.Username)
			return nil
		}
	}

	return ErrUnauthorized
}

// assignUser picks the user for a new session under the no-security
// flag: the pinned user when the flag is a literal username, otherwise
// the next roster entry by the monotonic counter.
func (g *Gate) assignUser(ctx context.Context) (*User, error) {
	if !isTruthy(g.noSecurity) {
		user, err := g.store.GetUserByUsername(ctx, g.noSecurity)
		if err != nil {
			return nil, fmt.Errorf("resolve pinned user: %w", err)
		}
		return user, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.roster == nil {
		roster, err := g.loadRoster(ctx)
		if err != nil {
			return nil, err
		}
		g.roster = roster
	}
	if len(g.roster) == 0 {
		return nil, nil
	}

	user := g.roster[g.counter%uint64(len(g.roster))]
	g.counter++
	return user, nil
}

// loadRoster orders the seeded users for cycling: admins first, then
// the remaining users by ascending creation timestamp.
func (g *Gate) loadRoster(ctx context.Context) ([]*User, error) {
	users, err := g.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	sort.SliceStable(users, func(i, j int) bool {
		if users[i].Permissions.Admin != users[j].Permissions.Admin {
			return users[i].Permissions.Admin
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

func isTruthy(value string) bool {
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
