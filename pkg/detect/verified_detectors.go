package detect

import (
	"context"
	"time"

	"github.com/revback/revback/pkg/contracts"
)

// verifiedPaidNoAccess corroborates billing data with customer-app access
// reports: the app says the user is locked out while billing says they paid.
type verifiedPaidNoAccess struct {
	deps Deps
}

func (d *verifiedPaidNoAccess) ID() string       { return "verified_paid_no_access" }
func (d *verifiedPaidNoAccess) Name() string     { return "Verified: paid but locked out" }
func (d *verifiedPaidNoAccess) Schedule() string { return "40 */6 * * *" }
func (d *verifiedPaidNoAccess) Description() string {
	return "The customer app reports no access for a user whose entitlement is active."
}

func (d *verifiedPaidNoAccess) ScheduledScan(ctx context.Context, orgID string) ([]contracts.DetectedIssue, error) {
	checks, err := d.deps.AccessChecks.LatestSince(ctx, orgID, d.deps.now().Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}

	var out []contracts.DetectedIssue
	for _, check := range checks {
		if check.HasAccess {
			continue
		}
		ents, err := d.deps.Entitlements.ListByUser(ctx, orgID, check.UserID)
		if err != nil {
			continue
		}
		for _, ent := range ents {
			if ent.State != contracts.StateActive {
				continue
			}
			revenue := int64(0)
			if last, err := d.deps.Events.LastSuccessfulPayment(ctx, orgID, ent.UserID, ent.ProductID); err == nil {
				revenue = last.AmountCents
			}
			out = append(out, contracts.DetectedIssue{
				IssueType:             "verified_paid_no_access",
				Severity:              contracts.SeverityCritical,
				Title:                 "App confirms a paying user is locked out",
				Description:           "The customer app reported no access within the last 24 hours, but the entitlement is active.",
				UserID:                check.UserID,
				EstimatedRevenueCents: revenue,
				Confidence:            0.95,
				DetectionTier:         contracts.TierAppVerified,
				Evidence: map[string]any{
					"accessCheckId": check.ID,
					"checkedAt":     check.CheckedAt.Format(time.RFC3339),
					"entitlementId": ent.ID,
					"source":        string(ent.Source),
				},
			})
			break
		}
	}
	return out, nil
}

// verifiedAccessNoPayment is the inverse leak: the app grants access but no
// entitlement backs it.
type verifiedAccessNoPayment struct {
	deps Deps
}

func (d *verifiedAccessNoPayment) ID() string       { return "verified_access_no_payment" }
func (d *verifiedAccessNoPayment) Name() string     { return "Verified: access without payment" }
func (d *verifiedAccessNoPayment) Schedule() string { return "50 */6 * * *" }
func (d *verifiedAccessNoPayment) Description() string {
	return "The customer app grants access to a user with no entitlement that should allow it."
}

func (d *verifiedAccessNoPayment) ScheduledScan(ctx context.Context, orgID string) ([]contracts.DetectedIssue, error) {
	checks, err := d.deps.AccessChecks.LatestSince(ctx, orgID, d.deps.now().Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}

	var out []contracts.DetectedIssue
	for _, check := range checks {
		if !check.HasAccess {
			continue
		}
		ents, err := d.deps.Entitlements.ListByUser(ctx, orgID, check.UserID)
		if err != nil {
			continue
		}
		backed := false
		for _, ent := range ents {
			if ent.State.GrantsAccess() {
				backed = true
				break
			}
		}
		if backed {
			continue
		}

		revenue := int64(0)
		for _, ent := range ents {
			if last, err := d.deps.Events.LastSuccessfulPayment(ctx, orgID, ent.UserID, ent.ProductID); err == nil {
				revenue = monthlyEquivalent(last.AmountCents, ent.BillingInterval)
				break
			}
		}
		out = append(out, contracts.DetectedIssue{
			IssueType:             "verified_access_no_payment",
			Severity:              contracts.SeverityWarning,
			Title:                 "App grants access with no backing entitlement",
			Description:           "The customer app reported access, but no entitlement is in a state that should allow it.",
			UserID:                check.UserID,
			EstimatedRevenueCents: revenue,
			Confidence:            0.95,
			DetectionTier:         contracts.TierAppVerified,
			Evidence: map[string]any{
				"accessCheckId": check.ID,
				"checkedAt":     check.CheckedAt.Format(time.RFC3339),
			},
		})
	}
	return out, nil
}
