package providers

import (
	"context"
	"crypto/ecdsa"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/revback/revback/pkg/ratelimit"
)

const (
	appleAPIBase        = "https://api.storekit.itunes.apple.com"
	appleSandboxAPIBase = "https://api.storekit-sandbox.itunes.apple.com"
)

// Apple throttles the App Store Server API per app; 50 rps is their
// documented sustained ceiling for the history endpoint.
var appleBucket = ratelimit.Config{MaxTokens: 20, RefillRate: 20, RefillIntervalMs: 1000}

// AppleCredentials is the decrypted credential blob for an Apple connection.
type AppleCredentials struct {
	KeyID         string `json:"keyId"`
	IssuerID      string `json:"issuerId"`
	BundleID      string `json:"bundleId"`
	PrivateKeyPEM string `json:"privateKey"`
	Sandbox       bool   `json:"sandbox,omitempty"`
}

// AppleClient calls the App Store Server API. Responses carry signed JWS
// transactions that go through the same verification path as notifications.
type AppleClient struct {
	caller   *Caller
	keyID    string
	issuerID string
	bundleID string
	key      *ecdsa.PrivateKey
	base     string
	clock    func() time.Time
}

// NewApple creates an AppleClient from an App Store Connect API key.
func NewApple(caller *Caller, creds AppleCredentials) (*AppleClient, error) {
	block, _ := pem.Decode([]byte(creds.PrivateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("providers: apple: private key is not PEM")
	}
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(creds.PrivateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("providers: apple: parse private key: %w", err)
	}

	base := appleAPIBase
	if creds.Sandbox {
		base = appleSandboxAPIBase
	}
	return &AppleClient{
		caller:   caller,
		keyID:    creds.KeyID,
		issuerID: creds.IssuerID,
		bundleID: creds.BundleID,
		key:      key,
		base:     base,
		clock:    time.Now,
	}, nil
}

// WithBaseURL points the client at a test server.
func (c *AppleClient) WithBaseURL(base string) *AppleClient {
	c.base = base
	return c
}

// WithClock overrides the clock for testing.
func (c *AppleClient) WithClock(clock func() time.Time) *AppleClient {
	c.clock = clock
	return c
}

// token mints a short-lived ES256 bearer token for the server API.
func (c *AppleClient) token() (string, error) {
	now := c.clock()
	claims := jwt.MapClaims{
		"iss": c.issuerID,
		"iat": now.Unix(),
		"exp": now.Add(20 * time.Minute).Unix(),
		"aud": "appstoreconnect-v1",
		"bid": c.bundleID,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = c.keyID
	signed, err := tok.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("providers: apple: sign token: %w", err)
	}
	return signed, nil
}

// TransactionHistoryPage is one page of signed transactions.
type TransactionHistoryPage struct {
	Revision           string   `json:"revision"`
	HasMore            bool     `json:"hasMore"`
	SignedTransactions []string `json:"signedTransactions"`
}

// TransactionHistory pages through every transaction under an original
// transaction id, oldest first.
func (c *AppleClient) TransactionHistory(ctx context.Context, originalTransactionID, revision string) (*TransactionHistoryPage, error) {
	q := url.Values{}
	q.Set("sort", "ASCENDING")
	if revision != "" {
		q.Set("revision", revision)
	}
	path := fmt.Sprintf("/inApps/v2/history/%s?%s", url.PathEscape(originalTransactionID), q.Encode())

	var page TransactionHistoryPage
	if err := c.get(ctx, path, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SubscriptionStatus is one subscription group's latest state.
type SubscriptionStatus struct {
	SubscriptionGroupIdentifier string `json:"subscriptionGroupIdentifier"`
	LastTransactions            []struct {
		Status                int    `json:"status"`
		OriginalTransactionID string `json:"originalTransactionId"`
		SignedTransactionInfo string `json:"signedTransactionInfo"`
		SignedRenewalInfo     string `json:"signedRenewalInfo"`
	} `json:"lastTransactions"`
}

// SubscriptionStatuses fetches the current state of every subscription the
// original transaction belongs to.
func (c *AppleClient) SubscriptionStatuses(ctx context.Context, originalTransactionID string) ([]SubscriptionStatus, error) {
	path := "/inApps/v1/subscriptions/" + url.PathEscape(originalTransactionID)
	var out struct {
		Data []SubscriptionStatus `json:"data"`
	}
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *AppleClient) get(ctx context.Context, path string, v any) error {
	bearer, err := c.token()
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+bearer)
	return c.caller.GetJSON(ctx, "apple-api", appleBucket, c.base+path, header, v)
}
