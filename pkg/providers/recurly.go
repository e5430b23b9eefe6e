package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/revback/revback/pkg/ratelimit"
)

const (
	recurlyAPIBase    = "https://v3.recurly.com"
	recurlyAPIVersion = "application/vnd.recurly.v2021-02-25"
)

var recurlyBucket = ratelimit.Config{MaxTokens: 10, RefillRate: 10, RefillIntervalMs: 1000}

// RecurlyCredentials is the decrypted credential blob for a Recurly
// connection.
type RecurlyCredentials struct {
	APIKey string `json:"apiKey"`
}

// RecurlyClient pages through the v3 API for backfill.
type RecurlyClient struct {
	caller *Caller
	apiKey string
	base   string
}

// NewRecurly creates a RecurlyClient.
func NewRecurly(caller *Caller, creds RecurlyCredentials) *RecurlyClient {
	return &RecurlyClient{caller: caller, apiKey: creds.APIKey, base: recurlyAPIBase}
}

// WithBaseURL points the client at a test server.
func (c *RecurlyClient) WithBaseURL(base string) *RecurlyClient {
	c.base = base
	return c
}

// RecurlyPage is one page of a Recurly list response. Next is a full path
// with cursor, ready to pass back to the lister.
type RecurlyPage struct {
	Data    []json.RawMessage `json:"data"`
	HasMore bool              `json:"has_more"`
	Next    string            `json:"next"`
}

// ListSubscriptions pages through all subscriptions, any state.
func (c *RecurlyClient) ListSubscriptions(ctx context.Context, next string) (*RecurlyPage, error) {
	path := next
	if path == "" {
		q := url.Values{}
		q.Set("limit", "200")
		q.Set("state", "all")
		path = "/subscriptions?" + q.Encode()
	}
	return c.list(ctx, path)
}

// ListAccountSubscriptions pages one account's subscriptions, used when a
// backfill targets a single user.
func (c *RecurlyClient) ListAccountSubscriptions(ctx context.Context, accountCode string) (*RecurlyPage, error) {
	path := "/accounts/code-" + url.PathEscape(accountCode) + "/subscriptions?limit=200"
	return c.list(ctx, path)
}

func (c *RecurlyClient) list(ctx context.Context, path string) (*RecurlyPage, error) {
	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(c.apiKey+":")))
	header.Set("Accept", recurlyAPIVersion)

	var page RecurlyPage
	if err := c.caller.GetJSON(ctx, "recurly-api", recurlyBucket, c.base+path, header, &page); err != nil {
		return nil, err
	}
	return &page, nil
}
