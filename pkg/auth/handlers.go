package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/duplex-ws/duplex/pkg/session"
)

// Handlers serves the auth-internal HTTP endpoints: login, logout,
// context, and users/me. These pass through the gate unconditionally.
type Handlers struct {
	gate *Gate
}

// NewHandlers creates the auth-internal endpoint handlers.
func NewHandlers(gate *Gate) *Handlers {
	return &Handlers{gate: gate}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type contextResponse struct {
	User *User `json:"user"`
}

// Login authenticates a username/password pair against the user store
// and binds the user to the request's session.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	if sess == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	user, err := h.gate.store.Authenticate(r.Context(), req.Username, req.Password)
	if errors.Is(err, ErrUnauthorized) || (err == nil && user == nil) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	sess.SetUserID(user.Username)
	writeJSON(w, contextResponse{User: user})
}

// Logout clears the session's user, returning it to the anonymous
// state. The session itself survives.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	if sess := session.FromContext(r.Context()); sess != nil {
		sess.SetUserID("")
	}
	writeJSON(w, contextResponse{User: nil})
}

// Context reports the caller's auth state: the resolved user, or null
// when anonymous. The no-security override applies here, so a dev
// session observes its assigned user.
func (h *Handlers) Context(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	if sess == nil {
		writeJSON(w, contextResponse{User: nil})
		return
	}

	// Give the no-security override a chance to assign a user.
	_ = h.gate.Authorize(r.Context(), sess)

	user := h.resolve(r, sess)
	writeJSON(w, contextResponse{User: user})
}

// Me returns the resolved user for the session, or 401 when anonymous.
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	if sess == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	user := h.resolve(r, sess)
	if user == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, user)
}

func (h *Handlers) resolve(r *http.Request, sess *session.Session) *User {
	id := sess.UserID()
	if id == "" {
		return nil
	}
	user, err := h.gate.store.GetUserByUsername(r.Context(), id)
	if err != nil {
		return nil
	}
	return user
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
