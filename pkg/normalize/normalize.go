// Package normalize turns provider webhook payloads into canonical billing
// events. One normalizer per provider; each owns signature verification and
// the provider-to-canonical event-type mapping.
package normalize

import (
	"context"
	"crypto/hmac"
	"net/http"

	"github.com/revback/revback/pkg/contracts"
)

// RawWebhook is an inbound webhook as received, before any trust decision.
type RawWebhook struct {
	Body    []byte
	Headers http.Header

	// EndpointURL is the public URL the webhook was delivered to. Google
	// push authentication binds the JWT audience to it.
	EndpointURL string
}

// Normalizer converts one provider's webhooks into canonical events.
//
// Normalize returns zero or more events; an unrecognized native event type
// yields an empty slice, never an error. Identity hints ride on each event.
type Normalizer interface {
	Source() contracts.BillingSource
	VerifySignature(raw RawWebhook, secret string) bool
	Normalize(ctx context.Context, orgID string, raw RawWebhook) ([]contracts.NormalizedEvent, error)
}

// Registry maps billing sources to their normalizers.
type Registry struct {
	normalizers map[contracts.BillingSource]Normalizer
}

// NewRegistry creates a registry from the given normalizers.
func NewRegistry(ns ...Normalizer) *Registry {
	r := &Registry{normalizers: make(map[contracts.BillingSource]Normalizer, len(ns))}
	for _, n := range ns {
		r.normalizers[n.Source()] = n
	}
	return r
}

// Get returns the normalizer for a source.
func (r *Registry) Get(source contracts.BillingSource) (Normalizer, bool) {
	n, ok := r.normalizers[source]
	return n, ok
}

// hmacEqual is a constant-time comparison of two MACs.
func hmacEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}
