package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// APIKeyAuth validates the shared bearer token on every request.
//
// All endpoints require:
//   - Authorization: Bearer <key>
//
// The following paths are always public:
//   - /health
//   - /static/* (uploaded files are served by URL)
type APIKeyAuth struct {
	key string
}

// NewAPIKeyAuth creates the auth middleware. An empty key disables auth;
// that is only sensible in tests.
func NewAPIKeyAuth(key string) *APIKeyAuth {
	return &APIKeyAuth{key: key}
}

// Enabled returns whether auth is active.
func (a *APIKeyAuth) Enabled() bool { return a.key != "" }

// Middleware returns an http.Handler middleware that enforces bearer auth.
func (a *APIKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		candidate := extractAPIKey(r)
		if candidate == "" {
			respondUnauthorized(w, "API key required. Set Authorization: Bearer <key>.")
			return
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(a.key)) != 1 {
			respondUnauthorized(w, "Invalid API key.")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func isPublicPath(path string) bool {
	if path == "/health" {
		return true
	}
	return strings.HasPrefix(path, "/static/")
}

func respondUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="lamb-kb-server"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": msg,
	})
}
