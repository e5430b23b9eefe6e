package providers

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newCaller() *Caller {
	return NewCaller(nil, nil)
}

func TestCaller_ClientErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"no such subscription"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := newCaller()
	for i := 0; i < 10; i++ {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		_, err := c.Do(context.Background(), "dep-404", stripeBucket, req)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusNotFound, apiErr.Status)
		assert.False(t, apiErr.Retryable())
	}
	// Ten consecutive 404s and the breaker is still closed.
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := c.Do(context.Background(), "dep-404", stripeBucket, req)
	var apiErr *APIError
	assert.ErrorAs(t, err, &apiErr)
}

func TestCaller_ServerErrorsTripBreaker(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		http.Error(w, "upstream down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newCaller()
	for i := 0; i < 8; i++ {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		_, err := c.Do(context.Background(), "dep-503", stripeBucket, req)
		require.Error(t, err)
	}
	// After five consecutive 503s the breaker opens and stops hitting the
	// dependency at all.
	assert.Equal(t, 5, hits)
}

func TestStripeClient_Pagination(t *testing.T) {
	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data":     []map[string]any{{"id": "sub_1"}, {"id": "sub_2"}},
			"has_more": true,
		})
	}))
	defer srv.Close()

	c := NewStripe(newCaller(), StripeCredentials{APIKey: "sk_test_123"}).WithBaseURL(srv.URL)
	page, err := c.ListSubscriptions(context.Background(), "sub_0")
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk_test_123", gotAuth)
	assert.Contains(t, gotQuery, "status=all")
	assert.Contains(t, gotQuery, "starting_after=sub_0")
	assert.True(t, page.HasMore)
	assert.Equal(t, "sub_2", page.LastID())
}

func TestRecurlyClient_AuthAndCursor(t *testing.T) {
	var gotAuth, gotAccept, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		gotPath = r.URL.String()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"id": "abc"}}, "has_more": true,
			"next": "/subscriptions?cursor=xyz&limit=200",
		})
	}))
	defer srv.Close()

	c := NewRecurly(newCaller(), RecurlyCredentials{APIKey: "rk_test"}).WithBaseURL(srv.URL)
	page, err := c.ListSubscriptions(context.Background(), "")
	require.NoError(t, err)

	// Basic auth with the key as username and an empty password.
	assert.Equal(t, "Basic cmtfdGVzdDo=", gotAuth)
	assert.Equal(t, recurlyAPIVersion, gotAccept)
	assert.Contains(t, gotPath, "state=all")
	require.True(t, page.HasMore)

	_, err = c.ListSubscriptions(context.Background(), page.Next)
	require.NoError(t, err)
	assert.Contains(t, gotPath, "cursor=xyz")
}

func appleTestCreds(t *testing.T) AppleCredentials {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	return AppleCredentials{
		KeyID:         "KEY123",
		IssuerID:      "issuer-1",
		BundleID:      "com.example.app",
		PrivateKeyPEM: string(pemBytes),
	}
}

func TestAppleClient_TokenClaims(t *testing.T) {
	creds := appleTestCreds(t)
	c, err := NewApple(newCaller(), creds)
	require.NoError(t, err)

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	c.WithClock(func() time.Time { return now })

	signed, err := c.token()
	require.NoError(t, err)

	parsed, _, err := jwt.NewParser().ParseUnverified(signed, jwt.MapClaims{})
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)

	assert.Equal(t, "KEY123", parsed.Header["kid"])
	assert.Equal(t, "ES256", parsed.Header["alg"])
	assert.Equal(t, "issuer-1", claims["iss"])
	assert.Equal(t, "appstoreconnect-v1", claims["aud"])
	assert.Equal(t, "com.example.app", claims["bid"])
	assert.EqualValues(t, now.Add(20*time.Minute).Unix(), claims["exp"])
}

func TestAppleClient_TransactionHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("Authorization"), "Bearer ")
		assert.Contains(t, r.URL.Path, "/inApps/v2/history/1000000123")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"revision":           "rev-2",
			"hasMore":            false,
			"signedTransactions": []string{"jws1", "jws2"},
		})
	}))
	defer srv.Close()

	c, err := NewApple(newCaller(), appleTestCreds(t))
	require.NoError(t, err)
	c.WithBaseURL(srv.URL)

	page, err := c.TransactionHistory(context.Background(), "1000000123", "rev-1")
	require.NoError(t, err)
	assert.Equal(t, "rev-2", page.Revision)
	assert.False(t, page.HasMore)
	assert.Len(t, page.SignedTransactions, 2)
}

func TestGoogleClient_GetSubscriptionMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer static-token", r.Header.Get("Authorization"))
		assert.Contains(t, r.URL.Path, "/applications/com.example.app/purchases/subscriptionsv2/tokens/tok-1")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"startTime":           "2026-08-01T00:00:00Z",
			"linkedPurchaseToken": "old-tok",
			"lineItems": []map[string]any{{
				"productId":  "premium",
				"expiryTime": "2026-09-01T00:00:00Z",
				"offerDetails": map[string]any{
					"basePlanId": "annual-plan",
				},
				"autoRenewingPlan": map[string]any{
					"recurringPrice": map[string]any{
						"currencyCode": "USD", "units": "49", "nanos": 990000000,
					},
				},
			}},
		})
	}))
	defer srv.Close()

	c := &GoogleClient{caller: newCaller(), packageName: "com.example.app"}
	c.WithBaseURL(srv.URL, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "static-token"}))

	info, err := c.GetSubscription(context.Background(), "org-1", "", "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "premium", info.ExternalProductID)
	assert.Equal(t, "annual-plan", info.PlanTier)
	assert.Equal(t, "year", info.BillingInterval)
	assert.Equal(t, int64(4999), info.AmountCents)
	assert.Equal(t, "USD", info.Currency)
	assert.Equal(t, "old-tok", info.LinkedPurchaseToken)
	require.NotNil(t, info.PeriodEnd)
	assert.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), info.PeriodEnd.UTC())
}
