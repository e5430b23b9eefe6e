// Package store hosts the Postgres persistence layer. Every store type wraps
// *sql.DB and scopes every query by org_id.
package store

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/revback/revback/pkg/contracts"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// JSONMap is a map column serialized as JSONB.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("store: cannot scan %T into JSONMap", src)
	}
	return json.Unmarshal(b, m)
}

// StringMap is a map[string]string column serialized as JSONB.
type StringMap map[string]string

func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *StringMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("store: cannot scan %T into StringMap", src)
	}
	return json.Unmarshal(b, m)
}

// StringList is a []string column serialized as JSONB.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(src any) error {
	if src == nil {
		*l = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("store: cannot scan %T into StringList", src)
	}
	return json.Unmarshal(b, l)
}

// Organization is the tenant root.
type Organization struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	Settings  JSONMap   `json:"settings"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey authenticates API callers. The secret is never stored; only its
// SHA-256 hash and a short display prefix.
type APIKey struct {
	ID        string     `json:"id"`
	OrgID     string     `json:"org_id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"`
	KeyPrefix string     `json:"key_prefix"`
	Scopes    StringList `json:"scopes,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// BillingConnection holds a tenant's provider credentials. Credentials is
// ciphertext at rest; see pkg/secrets.
type BillingConnection struct {
	ID                      string                 `json:"id"`
	OrgID                   string                 `json:"org_id"`
	Source                  contracts.BillingSource `json:"source"`
	Credentials             string                 `json:"-"`
	WebhookSecret           *string                `json:"-"`
	OriginalNotificationURL *string                `json:"original_notification_url,omitempty"`
	Active                  bool                   `json:"active"`
	LastWebhookAt           *time.Time             `json:"last_webhook_at,omitempty"`
	LastSyncAt              *time.Time             `json:"last_sync_at,omitempty"`
	SyncStatus              *string                `json:"sync_status,omitempty"`
	CreatedAt               time.Time              `json:"created_at"`
	UpdatedAt               time.Time              `json:"updated_at"`
}

// Product is a canonical subscription product.
type Product struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"org_id"`
	Name        string    `json:"name"`
	ExternalIDs StringMap `json:"external_ids"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// User is a canonical end-user.
type User struct {
	ID             string    `json:"id"`
	OrgID          string    `json:"org_id"`
	ExternalUserID *string   `json:"external_user_id,omitempty"`
	Email          *string   `json:"email,omitempty"`
	Metadata       JSONMap   `json:"metadata,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// UserIdentity binds a provider-issued identifier to a User.
type UserIdentity struct {
	ID         string                  `json:"id"`
	UserID     string                  `json:"user_id"`
	OrgID      string                  `json:"org_id"`
	Source     contracts.BillingSource `json:"source"`
	IDType     string                  `json:"id_type"`
	ExternalID string                  `json:"external_id"`
	CreatedAt  time.Time               `json:"created_at"`
}

// IngestOrigin marks how a canonical event entered the pipeline.
type IngestOrigin string

const (
	OriginWebhook  IngestOrigin = "webhook"
	OriginBackfill IngestOrigin = "backfill"
)

// CanonicalEvent is an append-only, idempotent billing event record.
type CanonicalEvent struct {
	ID        string                  `json:"id"`
	OrgID     string                  `json:"org_id"`
	UserID    *string                 `json:"user_id,omitempty"`
	ProductID *string                 `json:"product_id,omitempty"`
	Source    contracts.BillingSource `json:"source"`
	EventType contracts.EventType     `json:"event_type"`
	SourceEventType string            `json:"source_event_type"`
	Status    contracts.EventStatus   `json:"status"`
	EventTime time.Time               `json:"event_time"`

	AmountCents   int64  `json:"amount_cents"`
	Currency      string `json:"currency"`
	ProceedsCents int64  `json:"proceeds_cents"`

	ExternalEventID        *string `json:"external_event_id,omitempty"`
	ExternalSubscriptionID *string `json:"external_subscription_id,omitempty"`
	OriginalTransactionID  *string `json:"original_transaction_id,omitempty"`
	SubscriptionGroupID    *string `json:"subscription_group_id,omitempty"`

	PeriodType            *string    `json:"period_type,omitempty"`
	PeriodStart           *time.Time `json:"period_start,omitempty"`
	PeriodEnd             *time.Time `json:"period_end,omitempty"`
	ExpirationTime        *time.Time `json:"expiration_time,omitempty"`
	GracePeriodExpiration *time.Time `json:"grace_period_expiration,omitempty"`
	CancellationReason    *string    `json:"cancellation_reason,omitempty"`
	BillingInterval       *string    `json:"billing_interval,omitempty"`
	PlanTier              *string    `json:"plan_tier,omitempty"`
	TrialStartedAt        *time.Time `json:"trial_started_at,omitempty"`

	Environment contracts.Environment `json:"environment"`
	CountryCode *string               `json:"country_code,omitempty"`

	RawPayload     []byte       `json:"-"`
	IdempotencyKey string       `json:"idempotency_key"`
	IngestedAt     time.Time    `json:"ingested_at"`
	ProcessedAt    *time.Time   `json:"processed_at,omitempty"`
	IngestOrigin   IngestOrigin `json:"ingest_origin"`
}

// StateTransition is one entry in an entitlement's append-only history.
type StateTransition struct {
	From      contracts.EntitlementState `json:"from"`
	To        contracts.EntitlementState `json:"to"`
	EventType contracts.EventType        `json:"event_type"`
	EventID   string                     `json:"event_id"`
	Timestamp time.Time                  `json:"timestamp"`
}

// TransitionList is the state_history JSONB column.
type TransitionList []StateTransition

func (l TransitionList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

func (l *TransitionList) Scan(src any) error {
	if src == nil {
		*l = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("store: cannot scan %T into TransitionList", src)
	}
	return json.Unmarshal(b, l)
}

// Entitlement is the authoritative access record for one
// (org, user, product, source).
type Entitlement struct {
	ID                     string                     `json:"id"`
	OrgID                  string                     `json:"org_id"`
	UserID                 string                     `json:"user_id"`
	ProductID              string                     `json:"product_id"`
	Source                 contracts.BillingSource    `json:"source"`
	State                  contracts.EntitlementState `json:"state"`
	ExternalSubscriptionID *string                    `json:"external_subscription_id,omitempty"`
	CurrentPeriodStart     *time.Time                 `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time                 `json:"current_period_end,omitempty"`
	CancelAt               *time.Time                 `json:"cancel_at,omitempty"`
	TrialEnd               *time.Time                 `json:"trial_end,omitempty"`
	BillingInterval        *string                    `json:"billing_interval,omitempty"`
	PlanTier               *string                    `json:"plan_tier,omitempty"`
	LastEventID            *string                    `json:"last_event_id,omitempty"`
	StateHistory           TransitionList             `json:"state_history"`
	Metadata               JSONMap                    `json:"metadata,omitempty"`
	CreatedAt              time.Time                  `json:"created_at"`
	UpdatedAt              time.Time                  `json:"updated_at"`
}

// Issue is a persisted anomaly produced by a detector.
type Issue struct {
	ID                    string                  `json:"id"`
	OrgID                 string                  `json:"org_id"`
	UserID                *string                 `json:"user_id,omitempty"`
	IssueType             string                  `json:"issue_type"`
	Severity              contracts.Severity      `json:"severity"`
	Status                contracts.IssueStatus   `json:"status"`
	Confidence            float64                 `json:"confidence"`
	EstimatedRevenueCents int64                   `json:"estimated_revenue_cents"`
	DetectorID            string                  `json:"detector_id"`
	DetectionTier         contracts.DetectionTier `json:"detection_tier"`
	Evidence              JSONMap                 `json:"evidence"`
	Title                 string                  `json:"title"`
	Description           string                  `json:"description"`
	Resolution            JSONMap                 `json:"resolution,omitempty"`
	CreatedAt             time.Time               `json:"created_at"`
	UpdatedAt             time.Time               `json:"updated_at"`
}

// WebhookProcessingStatus tracks an inbound webhook through the pipeline.
type WebhookProcessingStatus string

const (
	WebhookReceived  WebhookProcessingStatus = "received"
	WebhookQueued    WebhookProcessingStatus = "queued"
	WebhookProcessed WebhookProcessingStatus = "processed"
	WebhookSkipped   WebhookProcessingStatus = "skipped"
	WebhookFailed    WebhookProcessingStatus = "failed"
)

// WebhookLog records every inbound provider webhook (and proxy outcomes).
type WebhookLog struct {
	ID               string                  `json:"id"`
	OrgID            string                  `json:"org_id"`
	Source           contracts.BillingSource `json:"source"`
	ExternalEventID  *string                 `json:"external_event_id,omitempty"`
	ProcessingStatus WebhookProcessingStatus `json:"processing_status"`
	HTTPStatus       *int                    `json:"http_status,omitempty"`
	Error            *string                 `json:"error,omitempty"`
	Headers          StringMap               `json:"headers,omitempty"`
	Body             string                  `json:"-"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
}

// AccessCheck is a customer-app report of observed end-user access.
type AccessCheck struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	UserID    string    `json:"user_id"`
	ProductID *string   `json:"product_id,omitempty"`
	HasAccess bool      `json:"has_access"`
	CheckedAt time.Time `json:"checked_at"`
	CreatedAt time.Time `json:"created_at"`
}

// AlertChannel is a delivery channel for issue alerts.
type AlertChannel string

const (
	ChannelSlack     AlertChannel = "slack"
	ChannelEmail     AlertChannel = "email"
	ChannelWebhook   AlertChannel = "webhook"
	ChannelPagerDuty AlertChannel = "pagerduty"
)

// AlertConfiguration is a per-channel dispatch configuration.
type AlertConfiguration struct {
	ID             string       `json:"id"`
	OrgID          string       `json:"org_id"`
	Channel        AlertChannel `json:"channel"`
	Enabled        bool         `json:"enabled"`
	SeverityFilter StringList   `json:"severity_filter,omitempty"`
	IssueTypes     StringList   `json:"issue_types,omitempty"`
	Target         JSONMap      `json:"target"`
	SigningSecret  *string      `json:"-"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// AlertDeliveryLog is one append-only outbound delivery attempt record.
type AlertDeliveryLog struct {
	ID         string       `json:"id"`
	OrgID      string       `json:"org_id"`
	ConfigID   *string      `json:"config_id,omitempty"`
	IssueID    *string      `json:"issue_id,omitempty"`
	Channel    AlertChannel `json:"channel"`
	Event      string       `json:"event"`
	Success    bool         `json:"success"`
	HTTPStatus *int         `json:"http_status,omitempty"`
	Error      *string      `json:"error,omitempty"`
	Attempt    int          `json:"attempt"`
	CreatedAt  time.Time    `json:"created_at"`
}

// AuditLog is one append-only record of a mutating admin action.
type AuditLog struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"org_id"`
	ActorType    string    `json:"actor_type"`
	ActorID      string    `json:"actor_id"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   *string   `json:"resource_id,omitempty"`
	Metadata     JSONMap   `json:"metadata,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ScanRun records one scheduled detector scan execution.
type ScanRun struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"org_id"`
	DetectorID  string    `json:"detector_id"`
	StartedAt   time.Time `json:"started_at"`
	DurationMs  int64     `json:"duration_ms"`
	IssuesFound int       `json:"issues_found"`
	Error       *string   `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
