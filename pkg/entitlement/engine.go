// Package entitlement runs the per-(org, user, product, source) subscription
// state machine. One stored canonical event drives at most one transition.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/revback/revback/pkg/contracts"
	"github.com/revback/revback/pkg/store"
)

// Engine applies canonical events to entitlements.
type Engine struct {
	ents *store.EntitlementStore
	log  *slog.Logger
	now  func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(ents *store.EntitlementStore, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{ents: ents, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the engine clock. Test hook.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Process applies one stored event to its entitlement. Events without a
// resolved user or product are ignored. A lost optimistic-lock race is not
// retried here; the queue's redelivery re-evaluates from fresh state.
func (e *Engine) Process(ctx context.Context, event *store.CanonicalEvent) (*store.Entitlement, error) {
	if event.UserID == nil || event.ProductID == nil {
		return nil, nil
	}

	ent, err := e.ents.EnsureExists(ctx, event.OrgID, *event.UserID, *event.ProductID, event.Source)
	if err != nil {
		return nil, fmt.Errorf("entitlement: ensure: %w", err)
	}

	from := ent.State
	to, ok := Next(from, event.EventType)
	if !ok {
		if event.Status == contracts.StatusFailed {
			return nil, nil
		}
		e.log.Warn("no transition for event",
			"org_id", event.OrgID, "entitlement_id", ent.ID,
			"state", from, "event_type", event.EventType, "event_id", event.ID)
		return nil, nil
	}

	ent.State = to
	ent.StateHistory = append(ent.StateHistory, store.StateTransition{
		From:      from,
		To:        to,
		EventType: event.EventType,
		EventID:   event.ID,
		Timestamp: e.now(),
	})
	ent.LastEventID = &event.ID

	applyEventFields(ent, event)

	if err := e.ents.UpdateLocked(ctx, ent, from); err != nil {
		if errors.Is(err, store.ErrStaleState) {
			e.log.Info("entitlement changed concurrently, skipping",
				"entitlement_id", ent.ID, "expected_state", from, "event_id", event.ID)
			return nil, nil
		}
		return nil, err
	}
	return ent, nil
}

// applyEventFields copies period bounds and plan metadata from the event.
// Absent values preserve what the entitlement already holds.
func applyEventFields(ent *store.Entitlement, event *store.CanonicalEvent) {
	if event.PeriodStart != nil {
		ent.CurrentPeriodStart = event.PeriodStart
	}
	if event.PeriodEnd != nil {
		ent.CurrentPeriodEnd = event.PeriodEnd
	} else if event.ExpirationTime != nil {
		ent.CurrentPeriodEnd = event.ExpirationTime
	}
	if event.BillingInterval != nil && *event.BillingInterval != "" {
		ent.BillingInterval = event.BillingInterval
	}
	if event.PlanTier != nil && *event.PlanTier != "" {
		ent.PlanTier = event.PlanTier
	}
	if event.ExternalSubscriptionID != nil && *event.ExternalSubscriptionID != "" {
		ent.ExternalSubscriptionID = event.ExternalSubscriptionID
	}
	switch event.EventType {
	case contracts.EventTrialStart:
		if ent.CurrentPeriodEnd != nil {
			ent.TrialEnd = ent.CurrentPeriodEnd
		}
	case contracts.EventCancellation:
		if ent.CurrentPeriodEnd != nil {
			ent.CancelAt = ent.CurrentPeriodEnd
		}
	case contracts.EventResume, contracts.EventPurchase, contracts.EventRenewal:
		ent.CancelAt = nil
	}
}
