package auth

import (
	"context"

	"github.com/revback/revback/pkg/store"
)

type apiKeyKey struct{}

type requestIDKey struct{}

// RequestID returns the id assigned by RequestID middleware, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WithKey binds the authenticated API key to the context.
func WithKey(ctx context.Context, key *store.APIKey) context.Context {
	return context.WithValue(ctx, apiKeyKey{}, key)
}

// KeyFromContext returns the authenticated API key, if any.
func KeyFromContext(ctx context.Context) (*store.APIKey, bool) {
	key, ok := ctx.Value(apiKeyKey{}).(*store.APIKey)
	return key, ok
}

// OrgID returns the authenticated tenant id, or "" for unauthenticated
// requests. Handlers behind Middleware can rely on it being set.
func OrgID(ctx context.Context) string {
	if key, ok := KeyFromContext(ctx); ok {
		return key.OrgID
	}
	return ""
}
