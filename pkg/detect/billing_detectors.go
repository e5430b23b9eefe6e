package detect

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/revback/revback/pkg/contracts"
	"github.com/revback/revback/pkg/store"
)

// paidNoAccess flags a successful payment landing on an entitlement that
// denies access. Runs before the entitlement engine applies the event, so
// the state it sees is the one the customer was actually denied under.
type paidNoAccess struct {
	deps Deps
}

func (d *paidNoAccess) ID() string   { return "paid_no_access" }
func (d *paidNoAccess) Name() string { return "Paid but no access" }
func (d *paidNoAccess) Description() string {
	return "A successful payment arrived while the entitlement was in a state that denies access."
}

var paymentEventTypes = map[contracts.EventType]bool{
	contracts.EventPurchase:        true,
	contracts.EventRenewal:         true,
	contracts.EventTrialConversion: true,
}

var deniedStates = map[contracts.EntitlementState]bool{
	contracts.StateInactive: true,
	contracts.StateExpired:  true,
	contracts.StateRevoked:  true,
	contracts.StateRefunded: true,
}

func (d *paidNoAccess) CheckEvent(ctx context.Context, orgID string, event *store.CanonicalEvent) ([]contracts.DetectedIssue, error) {
	if !paymentEventTypes[event.EventType] || event.Status != contracts.StatusSuccess {
		return nil, nil
	}
	if event.UserID == nil || event.ProductID == nil {
		return nil, nil
	}
	ent, err := d.deps.Entitlements.Get(ctx, orgID, *event.UserID, *event.ProductID, event.Source)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !deniedStates[ent.State] {
		return nil, nil
	}
	return []contracts.DetectedIssue{{
		IssueType:             "paid_no_access",
		Severity:              contracts.SeverityCritical,
		Title:                 "Customer paid but has no access",
		Description:           fmt.Sprintf("A %s payment succeeded while the entitlement was %s.", event.EventType, ent.State),
		UserID:                *event.UserID,
		EstimatedRevenueCents: event.AmountCents,
		Confidence:            0.95,
		Evidence: map[string]any{
			"eventId":          event.ID,
			"entitlementId":    ent.ID,
			"entitlementState": string(ent.State),
			"source":           string(event.Source),
		},
	}}, nil
}

// refundNotRevoked flags refunds whose entitlement still retains access an
// hour later. Both event-triggered (catches late backfilled refunds) and
// scheduled.
type refundNotRevoked struct {
	deps Deps
}

func (d *refundNotRevoked) ID() string       { return "refund_not_revoked" }
func (d *refundNotRevoked) Name() string     { return "Refund not revoked" }
func (d *refundNotRevoked) Schedule() string { return "15 * * * *" }
func (d *refundNotRevoked) Description() string {
	return "A refund was issued but the entitlement still grants access more than an hour later."
}

func (d *refundNotRevoked) CheckEvent(ctx context.Context, orgID string, event *store.CanonicalEvent) ([]contracts.DetectedIssue, error) {
	if event.EventType != contracts.EventRefund || event.UserID == nil || event.ProductID == nil {
		return nil, nil
	}
	if d.deps.now().Sub(event.EventTime) < time.Hour {
		return nil, nil
	}
	ent, err := d.deps.Entitlements.Get(ctx, orgID, *event.UserID, *event.ProductID, event.Source)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	switch ent.State {
	case contracts.StateRefunded, contracts.StateRevoked, contracts.StateExpired:
		return nil, nil
	}
	return []contracts.DetectedIssue{d.issueFor(event, ent)}, nil
}

func (d *refundNotRevoked) ScheduledScan(ctx context.Context, orgID string) ([]contracts.DetectedIssue, error) {
	cutoff := d.deps.now().Add(-time.Hour)
	refunds, err := d.deps.Events.UnrevokedRefunds(ctx, orgID, cutoff)
	if err != nil {
		return nil, err
	}
	var out []contracts.DetectedIssue
	for _, refund := range refunds {
		ent, err := d.deps.Entitlements.Get(ctx, orgID, *refund.UserID, *refund.ProductID, refund.Source)
		if err != nil {
			continue
		}
		out = append(out, d.issueFor(refund, ent))
	}
	return out, nil
}

func (d *refundNotRevoked) issueFor(refund *store.CanonicalEvent, ent *store.Entitlement) contracts.DetectedIssue {
	return contracts.DetectedIssue{
		IssueType:             "refund_not_revoked",
		Severity:              contracts.SeverityWarning,
		Title:                 "Refunded subscription still grants access",
		Description:           fmt.Sprintf("A refund was issued but the entitlement is still %s.", ent.State),
		UserID:                *refund.UserID,
		EstimatedRevenueCents: refund.AmountCents,
		Confidence:            0.92,
		Evidence: map[string]any{
			"refundEventId":    refund.ID,
			"refundedAt":       refund.EventTime.Format(time.RFC3339),
			"entitlementId":    ent.ID,
			"entitlementState": string(ent.State),
			"source":           string(refund.Source),
		},
	}
}

// entitlementWithoutPayment flags active entitlements with no successful
// payment inside the billing period plus a 14-day grace margin.
type entitlementWithoutPayment struct {
	deps Deps
}

func (d *entitlementWithoutPayment) ID() string       { return "entitlement_without_payment" }
func (d *entitlementWithoutPayment) Name() string     { return "Entitlement without payment" }
func (d *entitlementWithoutPayment) Schedule() string { return "30 3 * * *" }
func (d *entitlementWithoutPayment) Description() string {
	return "An entitlement is active but no successful payment was seen within its billing period."
}

func (d *entitlementWithoutPayment) ScheduledScan(ctx context.Context, orgID string) ([]contracts.DetectedIssue, error) {
	ents, err := d.deps.Entitlements.ListByState(ctx, orgID, []contracts.EntitlementState{contracts.StateActive})
	if err != nil {
		return nil, err
	}

	var out []contracts.DetectedIssue
	for _, ent := range ents {
		months := periodMonths(ent.BillingInterval)
		window := d.deps.now().AddDate(0, -months, -14)
		paid, err := d.deps.Events.HasEventSince(ctx, orgID, ent.UserID, ent.ProductID,
			[]contracts.EventType{contracts.EventPurchase, contracts.EventRenewal, contracts.EventTrialConversion}, window)
		if err != nil || paid {
			continue
		}

		revenue := int64(0)
		if last, err := d.deps.Events.LastSuccessfulPayment(ctx, orgID, ent.UserID, ent.ProductID); err == nil {
			revenue = monthlyEquivalent(last.AmountCents, ent.BillingInterval)
		}
		out = append(out, contracts.DetectedIssue{
			IssueType:             "entitlement_without_payment",
			Severity:              contracts.SeverityWarning,
			Title:                 "Active entitlement with no recent payment",
			Description:           fmt.Sprintf("The entitlement has been active with no successful payment in the last %d month(s) + 14 days.", months),
			UserID:                ent.UserID,
			EstimatedRevenueCents: revenue,
			Confidence:            0.85,
			Evidence: map[string]any{
				"entitlementId":   ent.ID,
				"billingInterval": derefStr(ent.BillingInterval),
				"windowMonths":    months,
				"source":          string(ent.Source),
			},
		})
	}
	return out, nil
}

// silentRenewalFailure flags entitlements still active whose period lapsed
// 1 to 5 days ago with no renewal, cancellation, or refund event since.
type silentRenewalFailure struct {
	deps Deps
}

func (d *silentRenewalFailure) ID() string       { return "silent_renewal_failure" }
func (d *silentRenewalFailure) Name() string     { return "Silent renewal failure" }
func (d *silentRenewalFailure) Schedule() string { return "45 */6 * * *" }
func (d *silentRenewalFailure) Description() string {
	return "An active entitlement's period lapsed days ago with no renewal or cancellation event."
}

func (d *silentRenewalFailure) ScheduledScan(ctx context.Context, orgID string) ([]contracts.DetectedIssue, error) {
	now := d.deps.now()
	lapsed, err := d.deps.Entitlements.ActiveLapsed(ctx, orgID, now.AddDate(0, 0, -5), now.AddDate(0, 0, -1))
	if err != nil {
		return nil, err
	}

	var out []contracts.DetectedIssue
	for _, ent := range lapsed {
		seen, err := d.deps.Events.HasEventSince(ctx, orgID, ent.UserID, ent.ProductID,
			[]contracts.EventType{contracts.EventRenewal, contracts.EventCancellation, contracts.EventRefund},
			*ent.CurrentPeriodEnd)
		if err != nil || seen {
			continue
		}

		revenue := int64(0)
		if last, err := d.deps.Events.LastSuccessfulPayment(ctx, orgID, ent.UserID, ent.ProductID); err == nil {
			revenue = last.AmountCents
		}
		daysLapsed := int(now.Sub(*ent.CurrentPeriodEnd).Hours() / 24)
		out = append(out, contracts.DetectedIssue{
			IssueType:             "silent_renewal_failure",
			Severity:              contracts.SeverityWarning,
			Title:                 "Subscription period lapsed without renewal",
			Description:           fmt.Sprintf("The billing period ended %d day(s) ago and no renewal or cancellation arrived.", daysLapsed),
			UserID:                ent.UserID,
			EstimatedRevenueCents: revenue,
			Confidence:            0.85,
			Evidence: map[string]any{
				"entitlementId": ent.ID,
				"periodEndedAt": ent.CurrentPeriodEnd.Format(time.RFC3339),
				"daysLapsed":    daysLapsed,
				"source":        string(ent.Source),
			},
		})
	}
	return out, nil
}

// trialNoConversion flags trials that ended without converting. Confidence
// grows with time since trial end, clamped to 0.90.
type trialNoConversion struct {
	deps Deps
}

func (d *trialNoConversion) ID() string       { return "trial_no_conversion" }
func (d *trialNoConversion) Name() string     { return "Trial did not convert" }
func (d *trialNoConversion) Schedule() string { return "5 * * * *" }
func (d *trialNoConversion) Description() string {
	return "A trial ended and the entitlement never became active."
}

func (d *trialNoConversion) ScheduledScan(ctx context.Context, orgID string) ([]contracts.DetectedIssue, error) {
	now := d.deps.now()
	ents, err := d.deps.Entitlements.TrialsEnded(ctx, orgID, now)
	if err != nil {
		return nil, err
	}

	var out []contracts.DetectedIssue
	for _, ent := range ents {
		hours := now.Sub(*ent.TrialEnd).Hours()
		severity := contracts.SeverityInfo
		if hours >= 12 {
			severity = contracts.SeverityWarning
		}
		out = append(out, contracts.DetectedIssue{
			IssueType:   "trial_no_conversion",
			Severity:    severity,
			Title:       "Trial ended without conversion",
			Description: fmt.Sprintf("The trial ended %.0f hour(s) ago and the entitlement is %s.", hours, ent.State),
			UserID:      ent.UserID,
			Confidence:  trialNoConversionConfidence(hours),
			Evidence: map[string]any{
				"entitlementId":      ent.ID,
				"trialEndedAt":       ent.TrialEnd.Format(time.RFC3339),
				"hoursSinceTrialEnd": int(hours),
				"state":              string(ent.State),
				"source":             string(ent.Source),
			},
		})
	}
	return out, nil
}

// trialNoConversionConfidence is 0.6 at trial end, +0.02 per hour, capped at
// 0.90.
func trialNoConversionConfidence(hoursSinceTrialEnd float64) float64 {
	return math.Min(0.6+0.02*hoursSinceTrialEnd, 0.90)
}

func periodMonths(billingInterval *string) int {
	if billingInterval == nil {
		return 1
	}
	switch *billingInterval {
	case "year", "annual", "yearly":
		return 12
	case "quarter", "quarterly":
		return 3
	case "week", "weekly", "day", "month", "monthly", "":
		return 1
	default:
		return 1
	}
}

func monthlyEquivalent(amountCents int64, billingInterval *string) int64 {
	months := int64(periodMonths(billingInterval))
	if months <= 1 {
		return amountCents
	}
	return amountCents / months
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
