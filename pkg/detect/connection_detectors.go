package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/revback/revback/pkg/contracts"
)

// gapThresholds are per-source (warning, critical) hours of webhook silence.
var gapThresholds = map[contracts.BillingSource]struct{ warning, critical int }{
	contracts.SourceStripe:  {4, 12},
	contracts.SourceApple:   {12, 48},
	contracts.SourceGoogle:  {6, 24},
	contracts.SourceRecurly: {4, 12},
}

// webhookDeliveryGap flags connections that have gone quiet. A connection
// older than a day that has never received a webhook is a critical
// misconfiguration.
type webhookDeliveryGap struct {
	deps Deps
}

func (d *webhookDeliveryGap) ID() string       { return "webhook_delivery_gap" }
func (d *webhookDeliveryGap) Name() string     { return "Webhook delivery gap" }
func (d *webhookDeliveryGap) Schedule() string { return "0 * * * *" }
func (d *webhookDeliveryGap) Description() string {
	return "A billing connection has not delivered webhooks for longer than its expected cadence."
}

func (d *webhookDeliveryGap) ScheduledScan(ctx context.Context, orgID string) ([]contracts.DetectedIssue, error) {
	conns, err := d.deps.Connections.ListActiveByOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}
	now := d.deps.now()

	var out []contracts.DetectedIssue
	for _, conn := range conns {
		thresholds, ok := gapThresholds[conn.Source]
		if !ok {
			continue
		}

		if conn.LastWebhookAt == nil {
			if now.Sub(conn.CreatedAt) < 24*time.Hour {
				continue
			}
			out = append(out, contracts.DetectedIssue{
				IssueType:   "webhook_delivery_gap",
				Severity:    contracts.SeverityCritical,
				Title:       fmt.Sprintf("No webhooks ever received from %s", conn.Source),
				Description: "The connection is over a day old and has never received a webhook. The endpoint is likely misconfigured at the provider.",
				Confidence:  0.95,
				Evidence: map[string]any{
					"source":       string(conn.Source),
					"connectionId": conn.ID,
					"connectedAt":  conn.CreatedAt.Format(time.RFC3339),
				},
			})
			continue
		}

		hours := int(now.Sub(*conn.LastWebhookAt).Hours())
		var severity contracts.Severity
		var threshold int
		var confidence float64
		switch {
		case hours >= thresholds.critical:
			severity, threshold, confidence = contracts.SeverityCritical, thresholds.critical, 0.95
		case hours >= thresholds.warning:
			severity, threshold, confidence = contracts.SeverityWarning, thresholds.warning, 0.85
		default:
			continue
		}

		out = append(out, contracts.DetectedIssue{
			IssueType:   "webhook_delivery_gap",
			Severity:    severity,
			Title:       fmt.Sprintf("Webhook gap on %s connection", conn.Source),
			Description: fmt.Sprintf("No webhooks from %s for %d hour(s); expected at most %d.", conn.Source, hours, threshold),
			Confidence:  confidence,
			Evidence: map[string]any{
				"source":        string(conn.Source),
				"connectionId":  conn.ID,
				"threshold":     threshold,
				"hoursSince":    hours,
				"lastWebhookAt": conn.LastWebhookAt.Format(time.RFC3339),
			},
		})
	}
	return out, nil
}

// crossPlatformMismatch flags users whose entitlements disagree across
// providers in a revenue-relevant way: one source grants access while
// another shows the subscription gone.
type crossPlatformMismatch struct {
	deps Deps
}

func (d *crossPlatformMismatch) ID() string       { return "cross_platform_mismatch" }
func (d *crossPlatformMismatch) Name() string     { return "Cross-platform mismatch" }
func (d *crossPlatformMismatch) Schedule() string { return "20 */6 * * *" }
func (d *crossPlatformMismatch) Description() string {
	return "A user's entitlement states disagree across billing providers."
}

func (d *crossPlatformMismatch) ScheduledScan(ctx context.Context, orgID string) ([]contracts.DetectedIssue, error) {
	userIDs, err := d.deps.Users.UsersWithMultipleSources(ctx, orgID)
	if err != nil {
		return nil, err
	}

	var out []contracts.DetectedIssue
	for _, userID := range userIDs {
		ents, err := d.deps.Entitlements.ListByUser(ctx, orgID, userID)
		if err != nil || len(ents) < 2 {
			continue
		}

		var granting, lapsed *entitlementRef
		hardLapse := false
		for _, ent := range ents {
			switch {
			case ent.State.GrantsAccess():
				if granting == nil {
					granting = &entitlementRef{id: ent.ID, source: ent.Source, state: ent.State, userID: ent.UserID, productID: ent.ProductID}
				}
			case ent.State == contracts.StateExpired, ent.State == contracts.StateRevoked, ent.State == contracts.StateRefunded:
				if lapsed == nil || !hardLapse {
					lapsed = &entitlementRef{id: ent.ID, source: ent.Source, state: ent.State}
				}
				if ent.State != contracts.StateExpired {
					hardLapse = true
				}
			}
		}
		if granting == nil || lapsed == nil || granting.source == lapsed.source {
			continue
		}

		confidence := 0.80
		if hardLapse {
			confidence = 0.95
		}
		revenue := int64(0)
		if last, err := d.deps.Events.LastSuccessfulPayment(ctx, orgID, granting.userID, granting.productID); err == nil {
			revenue = last.AmountCents
		}

		out = append(out, contracts.DetectedIssue{
			IssueType:             "cross_platform_mismatch",
			Severity:              contracts.SeverityWarning,
			Title:                 "Entitlement states disagree across providers",
			Description:           fmt.Sprintf("%s shows %s while %s shows %s for the same user.", granting.source, granting.state, lapsed.source, lapsed.state),
			UserID:                userID,
			EstimatedRevenueCents: revenue,
			Confidence:            confidence,
			Evidence: map[string]any{
				"grantingEntitlementId": granting.id,
				"grantingSource":        string(granting.source),
				"grantingState":         string(granting.state),
				"lapsedEntitlementId":   lapsed.id,
				"lapsedSource":          string(lapsed.source),
				"lapsedState":           string(lapsed.state),
			},
		})
	}
	return out, nil
}

type entitlementRef struct {
	id        string
	source    contracts.BillingSource
	state     contracts.EntitlementState
	userID    string
	productID string
}
