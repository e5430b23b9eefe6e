package normalize

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/revback/revback/pkg/contracts"
)

// RecurlyNormalizer handles Recurly webhook notifications.
type RecurlyNormalizer struct {
	log *slog.Logger
}

// NewRecurly creates the Recurly normalizer.
func NewRecurly(log *slog.Logger) *RecurlyNormalizer {
	if log == nil {
		log = slog.Default()
	}
	return &RecurlyNormalizer{log: log}
}

func (n *RecurlyNormalizer) Source() contracts.BillingSource { return contracts.SourceRecurly }

// VerifySignature compares the hex HMAC-SHA256 of the body against the
// X-Recurly-Signature header in constant time.
func (n *RecurlyNormalizer) VerifySignature(raw RawWebhook, secret string) bool {
	header := raw.Headers.Get("X-Recurly-Signature")
	if header == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw.Body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmacEqual([]byte(expected), []byte(header))
}

type recurlyPayload struct {
	ID        string    `json:"id"`
	EventType string    `json:"event_type"`
	EventTime time.Time `json:"event_time"`
	Account   struct {
		Code  string `json:"code"`
		Email string `json:"email"`
	} `json:"account"`
	Subscription struct {
		UUID string `json:"uuid"`
		Plan struct {
			Code         string `json:"code"`
			IntervalUnit string `json:"interval_unit"`
		} `json:"plan"`
		CurrentPeriodStartedAt *time.Time `json:"current_period_started_at"`
		CurrentPeriodEndsAt    *time.Time `json:"current_period_ends_at"`
		TrialStartedAt         *time.Time `json:"trial_started_at"`
		TrialEndsAt            *time.Time `json:"trial_ends_at"`
		UnitAmount             float64    `json:"unit_amount"`
		Currency               string     `json:"currency"`
	} `json:"subscription"`
	Transaction struct {
		UUID     string  `json:"uuid"`
		Amount   float64 `json:"amount"`
		Currency string  `json:"currency"`
	} `json:"transaction"`
}

// recurlyEventTypes maps the event_type discriminator to canonical events.
var recurlyEventTypes = map[string]struct {
	eventType contracts.EventType
	status    contracts.EventStatus
}{
	"new_subscription":         {contracts.EventPurchase, contracts.StatusSuccess},
	"renewed_subscription":     {contracts.EventRenewal, contracts.StatusSuccess},
	"canceled_subscription":    {contracts.EventCancellation, contracts.StatusSuccess},
	"expired_subscription":     {contracts.EventExpiration, contracts.StatusSuccess},
	"reactivated_subscription": {contracts.EventResume, contracts.StatusSuccess},
	"paused_subscription":      {contracts.EventPause, contracts.StatusSuccess},
	"resumed_subscription":     {contracts.EventResume, contracts.StatusSuccess},
	"successful_payment":       {contracts.EventRenewal, contracts.StatusSuccess},
	"failed_payment":           {contracts.EventBillingRetry, contracts.StatusFailed},
	"declined_payment":         {contracts.EventBillingRetry, contracts.StatusFailed},
	"successful_refund":        {contracts.EventRefund, contracts.StatusRefunded},
	"void_payment":             {contracts.EventRefund, contracts.StatusRefunded},
	"new_dispute":              {contracts.EventChargeback, contracts.StatusSuccess},
}

// Normalize maps one Recurly notification to zero or one canonical events.
func (n *RecurlyNormalizer) Normalize(_ context.Context, orgID string, raw RawWebhook) ([]contracts.NormalizedEvent, error) {
	var payload recurlyPayload
	if err := json.Unmarshal(raw.Body, &payload); err != nil {
		return nil, err
	}

	mapped, ok := recurlyEventTypes[payload.EventType]
	if !ok {
		n.log.Debug("unhandled recurly event type", "org_id", orgID, "event_type", payload.EventType)
		return nil, nil
	}

	eventTime := payload.EventTime
	if eventTime.IsZero() {
		eventTime = time.Now().UTC()
	}

	amount := dollarsToCents(payload.Subscription.UnitAmount)
	currency := payload.Subscription.Currency
	if payload.Transaction.Amount > 0 {
		amount = dollarsToCents(payload.Transaction.Amount)
		currency = payload.Transaction.Currency
	}

	ev := contracts.NormalizedEvent{
		Source:                 contracts.SourceRecurly,
		EventType:              mapped.eventType,
		SourceEventType:        payload.EventType,
		Status:                 mapped.status,
		EventTime:              eventTime.UTC(),
		AmountCents:            amount,
		Currency:               currency,
		ExternalEventID:        payload.ID,
		ExternalSubscriptionID: payload.Subscription.UUID,
		ExternalProductID:      payload.Subscription.Plan.Code,
		PeriodStart:            payload.Subscription.CurrentPeriodStartedAt,
		PeriodEnd:              payload.Subscription.CurrentPeriodEndsAt,
		BillingInterval:        payload.Subscription.Plan.IntervalUnit,
		PlanTier:               payload.Subscription.Plan.Code,
		TrialStartedAt:         payload.Subscription.TrialStartedAt,
		Environment:            contracts.EnvProduction,
		IdempotencyKey:         contracts.BuildIdempotencyKey(contracts.SourceRecurly, payload.ID),
	}

	if payload.Account.Code != "" {
		ev.IdentityHints = append(ev.IdentityHints, contracts.IdentityHint{
			Source:     contracts.SourceRecurly,
			IDType:     contracts.IDTypeAppUserID,
			ExternalID: payload.Account.Code,
		})
	}
	if payload.Account.Email != "" {
		ev.IdentityHints = append(ev.IdentityHints, contracts.IdentityHint{
			Source:     contracts.SourceRecurly,
			IDType:     contracts.IDTypeEmail,
			ExternalID: payload.Account.Email,
		})
	}
	return []contracts.NormalizedEvent{ev}, nil
}

func dollarsToCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
