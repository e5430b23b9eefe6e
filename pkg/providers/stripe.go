package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/revback/revback/pkg/ratelimit"
)

const stripeAPIBase = "https://api.stripe.com"

// Stripe's live-mode read limit is 100 rps; stay well under it so the
// tenant's own dashboard traffic is not starved.
var stripeBucket = ratelimit.Config{MaxTokens: 25, RefillRate: 25, RefillIntervalMs: 1000}

// StripeCredentials is the decrypted credential blob for a Stripe connection.
type StripeCredentials struct {
	APIKey string `json:"apiKey"`
}

// StripeClient reads subscriptions and events for backfill. Payloads stay
// raw JSON so the backfill engine can wrap them in webhook-shaped envelopes.
type StripeClient struct {
	caller *Caller
	apiKey string
	base   string
}

// NewStripe creates a StripeClient.
func NewStripe(caller *Caller, creds StripeCredentials) *StripeClient {
	return &StripeClient{caller: caller, apiKey: creds.APIKey, base: stripeAPIBase}
}

// WithBaseURL points the client at a test server.
func (c *StripeClient) WithBaseURL(base string) *StripeClient {
	c.base = base
	return c
}

// StripePage is one page of a Stripe list response.
type StripePage struct {
	Data    []json.RawMessage `json:"data"`
	HasMore bool              `json:"has_more"`
}

// LastID returns the cursor for the next page.
func (p *StripePage) LastID() string {
	if len(p.Data) == 0 {
		return ""
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(p.Data[len(p.Data)-1], &obj); err != nil {
		return ""
	}
	return obj.ID
}

// ListSubscriptions pages through all subscriptions, any status, expanding
// the latest invoice so the backfill can synthesize renewal events.
func (c *StripeClient) ListSubscriptions(ctx context.Context, startingAfter string) (*StripePage, error) {
	q := url.Values{}
	q.Set("limit", "100")
	q.Set("status", "all")
	q.Set("expand[]", "data.latest_invoice")
	if startingAfter != "" {
		q.Set("starting_after", startingAfter)
	}
	return c.list(ctx, "/v1/subscriptions?"+q.Encode())
}

// ListEvents pages through the event log, newest first. Stripe retains 30
// days, which bounds how far an event backfill can reach.
func (c *StripeClient) ListEvents(ctx context.Context, startingAfter string) (*StripePage, error) {
	q := url.Values{}
	q.Set("limit", "100")
	if startingAfter != "" {
		q.Set("starting_after", startingAfter)
	}
	return c.list(ctx, "/v1/events?"+q.Encode())
}

// CountSubscriptions estimates total volume for backfill progress reporting.
// Stripe has no count endpoint; one page plus has_more is the best signal.
func (c *StripeClient) CountSubscriptions(ctx context.Context) (int, bool, error) {
	page, err := c.ListSubscriptions(ctx, "")
	if err != nil {
		return 0, false, err
	}
	return len(page.Data), page.HasMore, nil
}

func (c *StripeClient) list(ctx context.Context, path string) (*StripePage, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)
	header.Set("Stripe-Version", "2024-06-20")

	var page StripePage
	if err := c.caller.GetJSON(ctx, "stripe-api", stripeBucket, c.base+path, header, &page); err != nil {
		return nil, err
	}
	return &page, nil
}
