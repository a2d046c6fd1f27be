// Package auth decides whether a request is permitted, based on the
// path allow-list, the session user, and the development no-security
// override.
package auth

import (
	"context"
	"errors"
	"time"
)

// ErrUnauthorized is returned when authentication is required but not
// present. It maps to HTTP 401, and to close code 1008 on the
// WebSocket open path.
var ErrUnauthorized = errors.New("unauthorized: authentication required")

// Permissions describes a user's capability flags.
type Permissions struct {
	Admin bool `json:"admin,omitempty"`
}

// User is the account record the gate resolves sessions against.
type User struct {
	Username    string      `json:"username"`
	Permissions Permissions `json:"permissions"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// UserStore is the external user-account collaborator.
type UserStore interface {
	// Authenticate checks a username/password pair and returns the user
	// on success, or nil when the credentials do not match.
	Authenticate(ctx context.Context, username, password string) (*User, error)
	// GetUserByUsername returns the user by name, or nil when unknown.
	GetUserByUsername(ctx context.Context, name string) (*User, error)
	// ListUsers returns all users.
	ListUsers(ctx context.Context) ([]*User, error)
}
