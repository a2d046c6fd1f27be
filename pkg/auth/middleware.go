package auth

import (
	"net/http"

	"github.com/duplex-ws/duplex/pkg/session"
)

// Middleware returns HTTP middleware enforcing the gate on guarded
// paths. It expects the session middleware to have run first; a
// guarded request without a session is rejected outright.
func Middleware(gate *Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !gate.Guarded(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			sess := session.FromContext(r.Context())
			if err := gate.Authorize(r.Context(), sess); err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
