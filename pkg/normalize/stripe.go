package normalize

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/revback/revback/pkg/contracts"
)

// stripeSigTolerance rejects webhooks whose signature timestamp is older
// than this, closing the replay window.
const stripeSigTolerance = 5 * time.Minute

// StripeNormalizer handles Stripe webhook events.
type StripeNormalizer struct {
	log *slog.Logger
}

// NewStripe creates the Stripe normalizer.
func NewStripe(log *slog.Logger) *StripeNormalizer {
	if log == nil {
		log = slog.Default()
	}
	return &StripeNormalizer{log: log}
}

func (n *StripeNormalizer) Source() contracts.BillingSource { return contracts.SourceStripe }

// VerifySignature checks the timestamped HMAC in the Stripe-Signature header.
func (n *StripeNormalizer) VerifySignature(raw RawWebhook, secret string) bool {
	header := raw.Headers.Get("Stripe-Signature")
	if header == "" || secret == "" {
		return false
	}
	return webhook.ValidatePayloadWithTolerance(raw.Body, header, secret, stripeSigTolerance) == nil
}

// stripeID accepts either an expanded object or a bare string id.
type stripeID string

func (s *stripeID) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = stripeID(str)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*s = stripeID(obj.ID)
	return nil
}

type stripePrice struct {
	ID         string `json:"id"`
	Nickname   string `json:"nickname"`
	UnitAmount int64  `json:"unit_amount"`
	Currency   string `json:"currency"`
	Recurring  struct {
		Interval string `json:"interval"`
	} `json:"recurring"`
}

type stripeSubscription struct {
	ID                 string   `json:"id"`
	Customer           stripeID `json:"customer"`
	Status             string   `json:"status"`
	CancelAtPeriodEnd  bool     `json:"cancel_at_period_end"`
	CurrentPeriodStart int64    `json:"current_period_start"`
	CurrentPeriodEnd   int64    `json:"current_period_end"`
	TrialStart         int64    `json:"trial_start"`
	TrialEnd           int64    `json:"trial_end"`
	Items              struct {
		Data []struct {
			Price stripePrice `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeInvoice struct {
	ID           string   `json:"id"`
	Customer     stripeID `json:"customer"`
	Subscription stripeID `json:"subscription"`
	AmountPaid   int64    `json:"amount_paid"`
	AmountDue    int64    `json:"amount_due"`
	Currency     string   `json:"currency"`
	Lines        struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
			Price stripePrice `json:"price"`
		} `json:"data"`
	} `json:"lines"`
}

type stripeCharge struct {
	ID             string   `json:"id"`
	Customer       stripeID `json:"customer"`
	Amount         int64    `json:"amount"`
	AmountRefunded int64    `json:"amount_refunded"`
	Currency       string   `json:"currency"`
	Invoice        stripeID `json:"invoice"`
}

type stripeDispute struct {
	ID       string   `json:"id"`
	Charge   stripeID `json:"charge"`
	Amount   int64    `json:"amount"`
	Currency string   `json:"currency"`
}

// Normalize maps a Stripe event to zero or more canonical events.
func (n *StripeNormalizer) Normalize(_ context.Context, orgID string, raw RawWebhook) ([]contracts.NormalizedEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(raw.Body, &event); err != nil {
		return nil, err
	}

	switch event.Type {
	case "customer.subscription.created":
		return n.subscriptionCreated(&event)
	case "customer.subscription.updated":
		return n.subscriptionUpdated(&event)
	case "customer.subscription.deleted":
		return n.subscriptionEvent(&event, contracts.EventExpiration, contracts.StatusSuccess)
	case "invoice.payment_succeeded":
		return n.invoiceEvent(&event, contracts.EventRenewal, contracts.StatusSuccess)
	case "invoice.payment_failed":
		return n.invoiceEvent(&event, contracts.EventBillingRetry, contracts.StatusFailed)
	case "charge.refunded":
		return n.chargeRefunded(&event)
	case "charge.dispute.created":
		return n.disputeCreated(&event)
	default:
		n.log.Debug("unhandled stripe event type", "org_id", orgID, "type", event.Type)
		return nil, nil
	}
}

func (n *StripeNormalizer) subscriptionCreated(event *stripe.Event) ([]contracts.NormalizedEvent, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, err
	}

	purchase := n.baseEvent(event, contracts.EventPurchase, contracts.StatusSuccess)
	applySubscription(&purchase, &sub)
	out := []contracts.NormalizedEvent{purchase}

	if sub.TrialStart > 0 {
		trial := n.baseEvent(event, contracts.EventTrialStart, contracts.StatusSuccess)
		applySubscription(&trial, &sub)
		ts := time.Unix(sub.TrialStart, 0).UTC()
		trial.TrialStartedAt = &ts
		if sub.TrialEnd > 0 {
			te := time.Unix(sub.TrialEnd, 0).UTC()
			trial.PeriodEnd = &te
		}
		trial.IdempotencyKey = contracts.BuildIdempotencyKey(contracts.SourceStripe, event.ID+":trial_start")
		out = append(out, trial)
	}
	return out, nil
}

// subscriptionUpdated diffs previous_attributes and emits zero, one, or two
// canonical events.
func (n *StripeNormalizer) subscriptionUpdated(event *stripe.Event) ([]contracts.NormalizedEvent, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, err
	}
	prev := event.Data.PreviousAttributes

	var out []contracts.NormalizedEvent
	emit := func(eventType contracts.EventType, suffix string) {
		ev := n.baseEvent(event, eventType, contracts.StatusSuccess)
		applySubscription(&ev, &sub)
		if suffix != "" {
			ev.IdempotencyKey = contracts.BuildIdempotencyKey(contracts.SourceStripe, event.ID+":"+suffix)
		}
		out = append(out, ev)
	}

	if prevBool, changed := prev["cancel_at_period_end"]; changed {
		if was, _ := prevBool.(bool); !was && sub.CancelAtPeriodEnd {
			emit(contracts.EventCancellation, "")
		}
	}

	if prevStatus, changed := prev["status"]; changed {
		if was, _ := prevStatus.(string); was == "trialing" && sub.Status == "active" {
			emit(contracts.EventTrialConversion, "trial_conversion")
		}
	}

	if prevAmount, ok := previousUnitAmount(prev); ok && len(sub.Items.Data) > 0 {
		current := sub.Items.Data[0].Price.UnitAmount
		switch {
		case current > prevAmount:
			emit(contracts.EventUpgrade, "plan")
		case current < prevAmount:
			emit(contracts.EventDowngrade, "plan")
		default:
			emit(contracts.EventPriceChange, "plan")
		}
	}
	return out, nil
}

// previousUnitAmount digs the old price amount out of the loosely typed
// previous_attributes items diff.
func previousUnitAmount(prev map[string]interface{}) (int64, bool) {
	items, ok := prev["items"].(map[string]interface{})
	if !ok {
		return 0, false
	}
	data, ok := items["data"].([]interface{})
	if !ok || len(data) == 0 {
		return 0, false
	}
	first, ok := data[0].(map[string]interface{})
	if !ok {
		return 0, false
	}
	price, ok := first["price"].(map[string]interface{})
	if !ok {
		return 0, false
	}
	amount, ok := price["unit_amount"].(float64)
	if !ok {
		return 0, false
	}
	return int64(amount), true
}

func (n *StripeNormalizer) subscriptionEvent(event *stripe.Event, eventType contracts.EventType, status contracts.EventStatus) ([]contracts.NormalizedEvent, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, err
	}
	ev := n.baseEvent(event, eventType, status)
	applySubscription(&ev, &sub)
	return []contracts.NormalizedEvent{ev}, nil
}

func (n *StripeNormalizer) invoiceEvent(event *stripe.Event, eventType contracts.EventType, status contracts.EventStatus) ([]contracts.NormalizedEvent, error) {
	var inv stripeInvoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return nil, err
	}
	ev := n.baseEvent(event, eventType, status)
	ev.AmountCents = inv.AmountPaid
	if status == contracts.StatusFailed {
		ev.AmountCents = inv.AmountDue
	}
	ev.Currency = inv.Currency
	ev.ExternalSubscriptionID = string(inv.Subscription)
	if len(inv.Lines.Data) > 0 {
		line := inv.Lines.Data[0]
		if line.Period.Start > 0 {
			t := time.Unix(line.Period.Start, 0).UTC()
			ev.PeriodStart = &t
		}
		if line.Period.End > 0 {
			t := time.Unix(line.Period.End, 0).UTC()
			ev.PeriodEnd = &t
		}
		ev.ExternalProductID = line.Price.ID
		ev.BillingInterval = line.Price.Recurring.Interval
		ev.PlanTier = line.Price.Nickname
	}
	if inv.Customer != "" {
		ev.IdentityHints = stripeHints(string(inv.Customer))
	}
	return []contracts.NormalizedEvent{ev}, nil
}

func (n *StripeNormalizer) chargeRefunded(event *stripe.Event) ([]contracts.NormalizedEvent, error) {
	var ch stripeCharge
	if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
		return nil, err
	}
	ev := n.baseEvent(event, contracts.EventRefund, contracts.StatusRefunded)
	ev.AmountCents = ch.AmountRefunded
	ev.Currency = ch.Currency
	if ch.Customer != "" {
		ev.IdentityHints = stripeHints(string(ch.Customer))
	}
	return []contracts.NormalizedEvent{ev}, nil
}

func (n *StripeNormalizer) disputeCreated(event *stripe.Event) ([]contracts.NormalizedEvent, error) {
	var d stripeDispute
	if err := json.Unmarshal(event.Data.Raw, &d); err != nil {
		return nil, err
	}
	ev := n.baseEvent(event, contracts.EventChargeback, contracts.StatusSuccess)
	ev.AmountCents = d.Amount
	ev.Currency = d.Currency
	return []contracts.NormalizedEvent{ev}, nil
}

func (n *StripeNormalizer) baseEvent(event *stripe.Event, eventType contracts.EventType, status contracts.EventStatus) contracts.NormalizedEvent {
	env := contracts.EnvSandbox
	if event.Livemode {
		env = contracts.EnvProduction
	}
	return contracts.NormalizedEvent{
		Source:          contracts.SourceStripe,
		EventType:       eventType,
		SourceEventType: string(event.Type),
		Status:          status,
		EventTime:       time.Unix(event.Created, 0).UTC(),
		ExternalEventID: event.ID,
		Environment:     env,
		IdempotencyKey:  contracts.BuildIdempotencyKey(contracts.SourceStripe, event.ID),
	}
}

func applySubscription(ev *contracts.NormalizedEvent, sub *stripeSubscription) {
	ev.ExternalSubscriptionID = sub.ID
	if sub.CurrentPeriodStart > 0 {
		t := time.Unix(sub.CurrentPeriodStart, 0).UTC()
		ev.PeriodStart = &t
	}
	if sub.CurrentPeriodEnd > 0 {
		t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		ev.PeriodEnd = &t
	}
	if len(sub.Items.Data) > 0 {
		price := sub.Items.Data[0].Price
		ev.ExternalProductID = price.ID
		ev.AmountCents = price.UnitAmount
		ev.Currency = price.Currency
		ev.BillingInterval = price.Recurring.Interval
		ev.PlanTier = price.Nickname
	}
	if sub.Customer != "" {
		ev.IdentityHints = stripeHints(string(sub.Customer))
	}
}

func stripeHints(customerID string) []contracts.IdentityHint {
	return []contracts.IdentityHint{{
		Source:     contracts.SourceStripe,
		IDType:     contracts.IDTypeCustomerID,
		ExternalID: customerID,
	}}
}
