// Package contracts defines the shared billing vocabulary: provider sources,
// the canonical event-type set, entitlement states, and the normalized event
// shape that every provider normalizer emits.
package contracts

import "time"

// BillingSource identifies an external billing provider.
type BillingSource string

const (
	SourceStripe    BillingSource = "stripe"
	SourceApple     BillingSource = "apple"
	SourceGoogle    BillingSource = "google"
	SourceRecurly   BillingSource = "recurly"
	SourceBraintree BillingSource = "braintree"
)

// KnownSources lists every source a BillingConnection may be created for.
var KnownSources = []BillingSource{SourceStripe, SourceApple, SourceGoogle, SourceRecurly, SourceBraintree}

// WebhookSources lists the sources that deliver inbound webhooks.
var WebhookSources = []BillingSource{SourceStripe, SourceApple, SourceGoogle, SourceRecurly}

// Valid reports whether s is a known billing source.
func (s BillingSource) Valid() bool {
	for _, k := range KnownSources {
		if s == k {
			return true
		}
	}
	return false
}

// EventType is a canonical, provider-independent billing event type.
// Normalizers emit exactly these values.
type EventType string

const (
	EventPurchase         EventType = "purchase"
	EventRenewal          EventType = "renewal"
	EventCancellation     EventType = "cancellation"
	EventRefund           EventType = "refund"
	EventChargeback       EventType = "chargeback"
	EventGracePeriodStart EventType = "grace_period_start"
	EventGracePeriodEnd   EventType = "grace_period_end"
	EventBillingRetry     EventType = "billing_retry"
	EventExpiration       EventType = "expiration"
	EventTrialStart       EventType = "trial_start"
	EventTrialConversion  EventType = "trial_conversion"
	EventUpgrade          EventType = "upgrade"
	EventDowngrade        EventType = "downgrade"
	EventCrossgrade       EventType = "crossgrade"
	EventPause            EventType = "pause"
	EventResume           EventType = "resume"
	EventRevoke           EventType = "revoke"
	EventOfferRedeemed    EventType = "offer_redeemed"
	EventPriceChange      EventType = "price_change"
)

// EventStatus is the settlement status of a canonical event.
type EventStatus string

const (
	StatusSuccess  EventStatus = "success"
	StatusFailed   EventStatus = "failed"
	StatusPending  EventStatus = "pending"
	StatusRefunded EventStatus = "refunded"
)

// Environment distinguishes provider sandbox traffic from production.
type Environment string

const (
	EnvSandbox    Environment = "sandbox"
	EnvProduction Environment = "production"
)

// EntitlementState is a state of the per-(org,user,product,source) automaton.
type EntitlementState string

const (
	StateInactive     EntitlementState = "inactive"
	StateTrial        EntitlementState = "trial"
	StateActive       EntitlementState = "active"
	StateGracePeriod  EntitlementState = "grace_period"
	StateBillingRetry EntitlementState = "billing_retry"
	StatePastDue      EntitlementState = "past_due"
	StatePaused       EntitlementState = "paused"
	StateExpired      EntitlementState = "expired"
	StateRevoked      EntitlementState = "revoked"
	StateRefunded     EntitlementState = "refunded"
)

// GrantsAccess reports whether an entitlement in this state lets the end-user
// in. paused and past_due deny access.
func (s EntitlementState) GrantsAccess() bool {
	switch s {
	case StateTrial, StateActive, StateGracePeriod, StateBillingRetry:
		return true
	}
	return false
}

// IdentityHint is a provider-typed external identifier attached to a
// normalized event, used by the identity resolver to find or create the
// canonical user.
type IdentityHint struct {
	Source     BillingSource     `json:"source"`
	IDType     string            `json:"id_type"`
	ExternalID string            `json:"external_id"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Common identity hint types.
const (
	IDTypeCustomerID            = "customer_id"
	IDTypeOriginalTransactionID = "original_transaction_id"
	IDTypePurchaseToken         = "purchase_token"
	IDTypeLinkedPurchaseToken   = "linked_purchase_token"
	IDTypeAppUserID             = "app_user_id"
	IDTypeEmail                 = "email"
)

// NormalizedEvent is the provider-independent representation a normalizer
// emits. The pipeline turns it into a CanonicalEvent row.
type NormalizedEvent struct {
	Source          BillingSource `json:"source"`
	EventType       EventType     `json:"event_type"`
	SourceEventType string        `json:"source_event_type"`
	Status          EventStatus   `json:"status"`
	EventTime       time.Time     `json:"event_time"`

	// Monetary amounts are in the smallest currency unit.
	AmountCents   int64  `json:"amount_cents"`
	Currency      string `json:"currency"`
	ProceedsCents int64  `json:"proceeds_cents"`

	ExternalEventID        string `json:"external_event_id"`
	ExternalSubscriptionID string `json:"external_subscription_id"`
	OriginalTransactionID  string `json:"original_transaction_id"`
	SubscriptionGroupID    string `json:"subscription_group_id"`
	ExternalProductID      string `json:"external_product_id"`

	PeriodType            string     `json:"period_type"`
	PeriodStart           *time.Time `json:"period_start,omitempty"`
	PeriodEnd             *time.Time `json:"period_end,omitempty"`
	ExpirationTime        *time.Time `json:"expiration_time,omitempty"`
	GracePeriodExpiration *time.Time `json:"grace_period_expiration,omitempty"`
	CancellationReason    string     `json:"cancellation_reason"`
	BillingInterval       string     `json:"billing_interval"`
	PlanTier              string     `json:"plan_tier"`
	TrialStartedAt        *time.Time `json:"trial_started_at,omitempty"`

	Environment Environment `json:"environment"`
	CountryCode string      `json:"country_code"`

	// IdempotencyKey dedupes canonical events globally; see BuildIdempotencyKey.
	IdempotencyKey string `json:"idempotency_key"`

	RawPayload    []byte         `json:"-"`
	IdentityHints []IdentityHint `json:"identity_hints,omitempty"`
}

// BuildIdempotencyKey constructs the canonical "<source>:<externalEventId>"
// dedupe key. Providers without a stable event id pass a compound id.
func BuildIdempotencyKey(source BillingSource, externalEventID string) string {
	return string(source) + ":" + externalEventID
}
