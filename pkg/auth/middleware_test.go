package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revback/revback/pkg/store"
)

var apiKeyCols = []string{
	"id", "org_id", "name", "key_hash", "key_prefix", "scopes",
	"expires_at", "revoked_at", "created_at",
}

func okHandler() (http.Handler, *string) {
	var gotOrg string
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOrg = OrgID(r.Context())
		w.WriteHeader(http.StatusOK)
	}), &gotOrg
}

func TestMiddleware_RejectsMissingAndUnknownKeys(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	handler, _ := okHandler()
	protected := Middleware(store.NewAPIKeyStore(db), nil)(handler)

	// No Authorization header: no lookup, straight 401.
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong prefix never reaches the store either.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer sk_something_else")
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Well-formed but unknown key.
	mock.ExpectQuery("FROM api_keys").WillReturnRows(sqlmock.NewRows(apiKeyCols))
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer rev_deadbeef")
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMiddleware_BindsOrgToContext(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectQuery("FROM api_keys").
		WillReturnRows(sqlmock.NewRows(apiKeyCols).AddRow(
			"key-1", "org-1", "default", store.HashSecret("rev_abc"), "rev_abc",
			[]byte(`["issues:read"]`), nil, nil, time.Now()))

	handler, gotOrg := okHandler()
	protected := Middleware(store.NewAPIKeyStore(db), nil)(handler)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer rev_abc")
	protected.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "org-1", *gotOrg)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHasScope(t *testing.T) {
	cases := []struct {
		name     string
		scopes   store.StringList
		required string
		want     bool
	}{
		{"exact match", store.StringList{"issues:read"}, "issues:read", true},
		{"write implies read", store.StringList{"issues:write"}, "issues:read", true},
		{"read does not imply write", store.StringList{"issues:read"}, "issues:write", false},
		{"wildcard", store.StringList{"*"}, "admin:write", true},
		{"unrelated resource", store.StringList{"alerts:write"}, "issues:read", false},
		{"empty", nil, "issues:read", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key := &store.APIKey{Scopes: tc.scopes}
			assert.Equal(t, tc.want, HasScope(key, tc.required))
		})
	}
}

func TestRequireScope(t *testing.T) {
	handler, _ := okHandler()
	guarded := RequireScope("issues:write")(handler)

	// Without an authenticated key: 401.
	rec := httptest.NewRecorder()
	guarded.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// With a key lacking the scope: 403.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	key := &store.APIKey{ID: "key-1", OrgID: "org-1", Scopes: store.StringList{"issues:read"}}
	guarded.ServeHTTP(rec, req.WithContext(WithKey(req.Context(), key)))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// With the scope granted.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/", nil)
	key = &store.APIKey{ID: "key-1", OrgID: "org-1", Scopes: store.StringList{"issues:write"}}
	guarded.ServeHTTP(rec, req.WithContext(WithKey(req.Context(), key)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiter_BurstThen429(t *testing.T) {
	rl := NewRateLimiter(1, 3)
	handler, _ := okHandler()
	limited := rl.Middleware(handler)

	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.7:4242"
		limited.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusOK, codes[2])
	assert.Equal(t, http.StatusTooManyRequests, codes[4])

	// A different caller has its own bucket.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.9:4242"
	limited.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "client-id-1")
	h.ServeHTTP(rec, req)
	assert.Equal(t, "client-id-1", seen)
	assert.Equal(t, "client-id-1", rec.Header().Get(RequestIDHeader))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	// Oversized client ids are replaced, not echoed.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 200))
	h.ServeHTTP(rec, req)
	assert.Len(t, seen, 36)
}
