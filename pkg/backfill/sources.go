package backfill

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/revback/revback/pkg/contracts"
	"github.com/revback/revback/pkg/providers"
)

// runStripe imports all subscriptions, then replays Stripe's retained event
// log (roughly 30 days). Subscription snapshots become synthetic
// customer.subscription.created envelopes; the event log is already
// webhook-shaped and passes through untouched.
func (r *Runner) runStripe(ctx context.Context, orgID string, creds []byte, p *Progress) error {
	var sc providers.StripeCredentials
	if err := json.Unmarshal(creds, &sc); err != nil {
		return fmt.Errorf("backfill: stripe credentials: %w", err)
	}
	client := providers.NewStripe(r.caller, sc)

	first, err := client.ListSubscriptions(ctx, "")
	if err != nil {
		return err
	}
	p.TotalEstimated = len(first.Data)
	p.Status = StatusImportingSubscriptions
	r.save(ctx, orgID, contracts.SourceStripe, p)

	page := first
	for i := 0; i < maxPages; i++ {
		for _, raw := range page.Data {
			body, err := stripeEnvelope(raw)
			if err != nil {
				p.Errors = appendError(p.Errors, err.Error())
				continue
			}
			r.feed(ctx, orgID, contracts.SourceStripe, body, p)
			p.SubscriptionsProcessed++
		}
		r.save(ctx, orgID, contracts.SourceStripe, p)
		if !page.HasMore {
			break
		}
		cursor := page.LastID()
		if page, err = client.ListSubscriptions(ctx, cursor); err != nil {
			return err
		}
		p.TotalEstimated += len(page.Data)
	}

	p.Status = StatusImportingEvents
	r.save(ctx, orgID, contracts.SourceStripe, p)

	cursor := ""
	for i := 0; i < maxPages; i++ {
		page, err := client.ListEvents(ctx, cursor)
		if err != nil {
			return err
		}
		for _, raw := range page.Data {
			r.feed(ctx, orgID, contracts.SourceStripe, raw, p)
			p.EventsProcessed++
		}
		r.save(ctx, orgID, contracts.SourceStripe, p)
		if !page.HasMore {
			break
		}
		cursor = page.LastID()
	}
	return nil
}

// stripeEnvelope wraps a subscription snapshot in a synthetic webhook event.
// The id folds in the current period start, so re-running a backfill after a
// renewal inserts the new period while an unchanged subscription dedupes.
func stripeEnvelope(sub json.RawMessage) ([]byte, error) {
	var meta struct {
		ID                 string `json:"id"`
		Created            int64  `json:"created"`
		CurrentPeriodStart int64  `json:"current_period_start"`
		Livemode           bool   `json:"livemode"`
	}
	if err := json.Unmarshal(sub, &meta); err != nil {
		return nil, fmt.Errorf("backfill: decode stripe subscription: %w", err)
	}
	if meta.ID == "" {
		return nil, fmt.Errorf("backfill: stripe subscription has no id")
	}
	return json.Marshal(map[string]any{
		"id":       fmt.Sprintf("backfill_%s_%d", meta.ID, meta.CurrentPeriodStart),
		"type":     "customer.subscription.created",
		"created":  meta.Created,
		"livemode": meta.Livemode,
		"data":     map[string]any{"object": sub},
	})
}

// runRecurly imports all subscriptions, mapping each v3 API snapshot onto
// the webhook payload shape keyed by the subscription's current state.
func (r *Runner) runRecurly(ctx context.Context, orgID string, creds []byte, p *Progress) error {
	var rc providers.RecurlyCredentials
	if err := json.Unmarshal(creds, &rc); err != nil {
		return fmt.Errorf("backfill: recurly credentials: %w", err)
	}
	client := providers.NewRecurly(r.caller, rc)

	p.Status = StatusImportingSubscriptions
	r.save(ctx, orgID, contracts.SourceRecurly, p)

	next := ""
	for i := 0; i < maxPages; i++ {
		page, err := client.ListSubscriptions(ctx, next)
		if err != nil {
			return err
		}
		p.TotalEstimated += len(page.Data)
		for _, raw := range page.Data {
			body, err := recurlyEnvelope(raw)
			if err != nil {
				p.Errors = appendError(p.Errors, err.Error())
				continue
			}
			if body == nil {
				continue
			}
			r.feed(ctx, orgID, contracts.SourceRecurly, body, p)
			p.SubscriptionsProcessed++
		}
		r.save(ctx, orgID, contracts.SourceRecurly, p)
		if !page.HasMore || page.Next == "" {
			break
		}
		next = page.Next
	}
	return nil
}

// recurlySnapshot is the v3 API subscription shape, reduced to the fields
// the webhook payload carries.
type recurlySnapshot struct {
	UUID  string `json:"uuid"`
	State string `json:"state"`
	Plan  struct {
		Code         string `json:"code"`
		IntervalUnit string `json:"interval_unit"`
	} `json:"plan"`
	Account struct {
		Code  string `json:"code"`
		Email string `json:"email"`
	} `json:"account"`
	CurrentPeriodStartedAt *time.Time `json:"current_period_started_at"`
	CurrentPeriodEndsAt    *time.Time `json:"current_period_ends_at"`
	TrialStartedAt         *time.Time `json:"trial_started_at"`
	TrialEndsAt            *time.Time `json:"trial_ends_at"`
	UnitAmount             float64    `json:"unit_amount"`
	Currency               string     `json:"currency"`
}

// recurlyStateEvents maps a subscription's current state to the webhook
// event type that produces the same entitlement state.
var recurlyStateEvents = map[string]string{
	"active":   "new_subscription",
	"canceled": "canceled_subscription",
	"expired":  "expired_subscription",
	"paused":   "paused_subscription",
}

func recurlyEnvelope(sub json.RawMessage) ([]byte, error) {
	var snap recurlySnapshot
	if err := json.Unmarshal(sub, &snap); err != nil {
		return nil, fmt.Errorf("backfill: decode recurly subscription: %w", err)
	}
	eventType, ok := recurlyStateEvents[snap.State]
	if !ok {
		// future and pending subscriptions have no entitlement yet
		return nil, nil
	}

	periodStart := int64(0)
	if snap.CurrentPeriodStartedAt != nil {
		periodStart = snap.CurrentPeriodStartedAt.Unix()
	}
	eventTime := time.Now().UTC()
	if snap.CurrentPeriodStartedAt != nil {
		eventTime = snap.CurrentPeriodStartedAt.UTC()
	}

	return json.Marshal(map[string]any{
		"id":         fmt.Sprintf("backfill_%s_%s_%d", snap.UUID, snap.State, periodStart),
		"event_type": eventType,
		"event_time": eventTime,
		"account":    snap.Account,
		"subscription": map[string]any{
			"uuid":                      snap.UUID,
			"plan":                      snap.Plan,
			"current_period_started_at": snap.CurrentPeriodStartedAt,
			"current_period_ends_at":    snap.CurrentPeriodEndsAt,
			"trial_started_at":          snap.TrialStartedAt,
			"trial_ends_at":             snap.TrialEndsAt,
			"unit_amount":               snap.UnitAmount,
			"currency":                  snap.Currency,
		},
	})
}

// runApple walks the transaction history of every original transaction id
// the tenant has ever seen. Apple has no listing API, so the ids come from
// our own event log; history responses are Apple-signed JWS verified on the
// same path as notifications, then ingested pre-normalized.
func (r *Runner) runApple(ctx context.Context, orgID string, creds []byte, p *Progress) error {
	var ac providers.AppleCredentials
	if err := json.Unmarshal(creds, &ac); err != nil {
		return fmt.Errorf("backfill: apple credentials: %w", err)
	}
	client, err := providers.NewApple(r.caller, ac)
	if err != nil {
		return err
	}

	ids, err := r.events.DistinctOriginalTransactionIDs(ctx, orgID, contracts.SourceApple)
	if err != nil {
		return err
	}
	p.TotalEstimated = len(ids)
	p.Status = StatusImportingSubscriptions
	r.save(ctx, orgID, contracts.SourceApple, p)

	for _, id := range ids {
		revision := ""
		for i := 0; i < maxPages; i++ {
			page, err := client.TransactionHistory(ctx, id, revision)
			if err != nil {
				p.Errors = appendError(p.Errors, fmt.Sprintf("%s: %v", id, err))
				break
			}
			var events []contracts.NormalizedEvent
			for _, signed := range page.SignedTransactions {
				ev, err := r.apple.NormalizeTransaction(signed)
				if err != nil {
					p.Errors = appendError(p.Errors, fmt.Sprintf("%s: %v", id, err))
					continue
				}
				events = append(events, *ev)
			}
			res := r.pipe.IngestNormalized(ctx, orgID, events)
			p.EventsProcessed += res.EventsStored
			p.Errors = appendErrors(p.Errors, res.Errors)
			if !page.HasMore {
				break
			}
			revision = page.Revision
		}
		p.SubscriptionsProcessed++
		r.save(ctx, orgID, contracts.SourceApple, p)
	}
	return nil
}

// runGoogle imports voided purchases (refunds and chargebacks) from the last
// 30 days as synthetic Pub/Sub envelopes. Play has no subscription listing
// API; active subscriptions surface through notification enrichment instead.
func (r *Runner) runGoogle(ctx context.Context, orgID string, creds []byte, p *Progress) error {
	var gc providers.GoogleCredentials
	if err := json.Unmarshal(creds, &gc); err != nil {
		return fmt.Errorf("backfill: google credentials: %w", err)
	}
	client, err := providers.NewGoogle(ctx, r.caller, gc)
	if err != nil {
		return err
	}

	p.Status = StatusImportingEvents
	r.save(ctx, orgID, contracts.SourceGoogle, p)

	since := r.clock().Add(-30 * 24 * time.Hour)
	pageToken := ""
	for i := 0; i < maxPages; i++ {
		voided, nextToken, err := client.VoidedPurchases(ctx, since, pageToken)
		if err != nil {
			return err
		}
		for _, v := range voided {
			body, err := googleVoidedEnvelope(gc.PackageName, v)
			if err != nil {
				p.Errors = appendError(p.Errors, err.Error())
				continue
			}
			r.feed(ctx, orgID, contracts.SourceGoogle, body, p)
			p.EventsProcessed++
		}
		r.save(ctx, orgID, contracts.SourceGoogle, p)
		if nextToken == "" {
			break
		}
		pageToken = nextToken
	}
	return nil
}

func googleVoidedEnvelope(packageName string, v providers.VoidedPurchase) ([]byte, error) {
	// voidedSource 3 is a chargeback; everything else is a refund.
	refundType := 1
	if v.VoidedSource == 3 {
		refundType = 2
	}
	inner, err := json.Marshal(map[string]any{
		"version":         "1.0",
		"packageName":     packageName,
		"eventTimeMillis": v.VoidedTimeMillis,
		"voidedPurchaseNotification": map[string]any{
			"purchaseToken": v.PurchaseToken,
			"orderId":       v.OrderID,
			"productType":   1,
			"refundType":    refundType,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("backfill: encode voided notification: %w", err)
	}
	return json.Marshal(map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString(inner),
			"messageId": "backfill_voided_" + v.OrderID,
		},
		"subscription": "backfill",
	})
}
