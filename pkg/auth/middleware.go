// Package auth carries the HTTP middleware stack: API key authentication,
// scope checks, per-key rate limiting, and request id propagation.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/revback/revback/pkg/store"
)

// SecretPrefix is the leading marker of every API key secret.
const SecretPrefix = "rev_"

// RequestIDHeader correlates a response with the server-side log lines the
// opaque 500 envelope points at.
const RequestIDHeader = "X-Request-ID"

// RequestIDMiddleware assigns each request an id, echoes it on the response,
// and makes it available through RequestID. A client-supplied id is honored
// so callers can thread their own correlation ids through.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// Middleware authenticates requests by bearer API key. The key record lands
// in the request context for handlers and the scope middleware.
func Middleware(keys *store.APIKeyStore, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret, ok := bearerSecret(r)
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
				return
			}

			key, err := keys.GetBySecret(r.Context(), secret)
			if errors.Is(err, store.ErrNotFound) {
				writeAuthError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			if err != nil {
				log.Error("api key lookup failed", "error", err)
				writeAuthError(w, http.StatusInternalServerError, "internal error")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithKey(r.Context(), key)))
		})
	}
}

// RequireScope gates a route subtree on one scope. Must run after Middleware.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := KeyFromContext(r.Context())
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if !HasScope(key, scope) {
				writeAuthError(w, http.StatusForbidden, "insufficient scope: "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HasScope reports whether a key satisfies the required scope. A "*" grant
// matches everything, and write access to a resource implies read.
func HasScope(key *store.APIKey, required string) bool {
	for _, granted := range key.Scopes {
		if granted == "*" || granted == required {
			return true
		}
		if resource, ok := strings.CutSuffix(granted, ":write"); ok && required == resource+":read" {
			return true
		}
	}
	return false
}

func bearerSecret(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	secret, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || !strings.HasPrefix(secret, SecretPrefix) {
		return "", false
	}
	return secret, true
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
