// Package providers holds the outbound API clients for the billing
// platforms. Every call goes through a Redis token bucket and a circuit
// breaker; provider outages degrade backfills and enrichment, never webhook
// ingestion.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/revback/revback/pkg/breaker"
	"github.com/revback/revback/pkg/ratelimit"
)

const callTimeout = 30 * time.Second

// APIError is a non-2xx provider response.
type APIError struct {
	Dependency string
	Status     int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("providers: %s returned %d: %s", e.Dependency, e.Status, e.Body)
}

// Retryable reports whether the call may succeed later.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Caller is the shared guarded transport.
type Caller struct {
	client   *http.Client
	limiter  *ratelimit.Limiter
	breakers *breaker.Registry
}

// NewCaller creates a Caller. limiter may be nil, which disables the token
// bucket (tests, single-tenant dev setups).
func NewCaller(limiter *ratelimit.Limiter, breakers *breaker.Registry) *Caller {
	if breakers == nil {
		breakers = breaker.NewRegistry()
	}
	return &Caller{
		client:   &http.Client{Timeout: callTimeout},
		limiter:  limiter,
		breakers: breakers,
	}
}

// WithHTTPClient replaces the transport, for tests.
func (c *Caller) WithHTTPClient(client *http.Client) *Caller {
	c.client = client
	return c
}

// Do executes req through the named bucket and breaker and returns the
// response body. Non-2xx responses come back as *APIError and count against
// the breaker only when retryable.
func (c *Caller) Do(ctx context.Context, dep string, cfg ratelimit.Config, req *http.Request) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Consume(ctx, dep, cfg, 1, 10*time.Second); err != nil {
			return nil, err
		}
	}

	out, err := c.breakers.Execute(dep, func() (any, error) {
		resp, err := c.client.Do(req.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("providers: %s: %w", dep, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return nil, fmt.Errorf("providers: %s: read body: %w", dep, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			apiErr := &APIError{Dependency: dep, Status: resp.StatusCode, Body: truncate(string(body), 512)}
			if apiErr.Retryable() {
				return nil, apiErr
			}
			// Client errors are the caller's problem, not the dependency's.
			return apiErr, nil
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	if apiErr, ok := out.(*APIError); ok {
		return nil, apiErr
	}
	return out.([]byte), nil
}

// GetJSON fetches url and decodes the response into v.
func (c *Caller) GetJSON(ctx context.Context, dep string, cfg ratelimit.Config, url string, header http.Header, v any) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("providers: build request: %w", err)
	}
	for k, vals := range header {
		req.Header[k] = vals
	}
	body, err := c.Do(ctx, dep, cfg, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("providers: %s: decode response: %w", dep, err)
	}
	return nil
}

// PostForm posts URL-encoded form data and decodes the response into v.
func (c *Caller) PostForm(ctx context.Context, dep string, cfg ratelimit.Config, url string, header http.Header, form string, v any) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBufferString(form))
	if err != nil {
		return fmt.Errorf("providers: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, vals := range header {
		req.Header[k] = vals
	}
	body, err := c.Do(ctx, dep, cfg, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("providers: %s: decode response: %w", dep, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
