// Package detect houses the revenue-leak detectors and the engine that
// persists their findings. Tier 1 detectors reason over billing data alone;
// Tier 2 detectors corroborate against customer-app access reports.
package detect

import (
	"context"
	"time"

	"github.com/revback/revback/pkg/contracts"
	"github.com/revback/revback/pkg/store"
)

// Deps are the shared read dependencies handed to every detector.
type Deps struct {
	Events       *store.EventStore
	Entitlements *store.EntitlementStore
	Users        *store.UserStore
	Connections  *store.ConnectionStore
	AccessChecks *store.AccessCheckStore
	Clock        func() time.Time
}

func (d Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now().UTC()
}

// Detector is the common surface of every registered detector.
type Detector interface {
	ID() string
	Name() string
	Description() string
}

// EventChecker is a detector invoked synchronously for every stored event.
type EventChecker interface {
	Detector
	CheckEvent(ctx context.Context, orgID string, event *store.CanonicalEvent) ([]contracts.DetectedIssue, error)
}

// Scanner is a detector run periodically per tenant by the scheduler.
type Scanner interface {
	Detector
	ScheduledScan(ctx context.Context, orgID string) ([]contracts.DetectedIssue, error)
	Schedule() string
}

// Registry holds the registered detectors in registration order.
type Registry struct {
	detectors []Detector
	byID      map[string]Detector
}

// NewRegistry builds the standard detector set.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{byID: make(map[string]Detector)}
	r.Register(
		&paidNoAccess{deps},
		&refundNotRevoked{deps},
		&entitlementWithoutPayment{deps},
		&webhookDeliveryGap{deps},
		&crossPlatformMismatch{deps},
		&silentRenewalFailure{deps},
		&trialNoConversion{deps},
		&verifiedPaidNoAccess{deps},
		&verifiedAccessNoPayment{deps},
	)
	return r
}

// Register adds detectors; a duplicate id replaces the earlier registration.
func (r *Registry) Register(ds ...Detector) {
	for _, d := range ds {
		if _, exists := r.byID[d.ID()]; !exists {
			r.detectors = append(r.detectors, d)
		}
		r.byID[d.ID()] = d
	}
}

// Get returns the detector with the given id.
func (r *Registry) Get(id string) (Detector, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// All returns every registered detector.
func (r *Registry) All() []Detector {
	return r.detectors
}

// EventCheckers returns detectors with a synchronous event hook.
func (r *Registry) EventCheckers() []EventChecker {
	var out []EventChecker
	for _, d := range r.detectors {
		if ec, ok := d.(EventChecker); ok {
			out = append(out, ec)
		}
	}
	return out
}

// Scanners returns detectors with a scheduled scan.
func (r *Registry) Scanners() []Scanner {
	var out []Scanner
	for _, d := range r.detectors {
		if s, ok := d.(Scanner); ok {
			out = append(out, s)
		}
	}
	return out
}
