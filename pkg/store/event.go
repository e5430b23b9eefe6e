package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/revback/revback/pkg/contracts"
)

// EventStore persists canonical events. Inserts are idempotent on
// idempotency_key; a duplicate insert returns ErrDuplicate.
type EventStore struct {
	db *sql.DB
}

// ErrDuplicate signals that the idempotency key already exists.
var ErrDuplicate = errors.New("store: duplicate event")

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

const eventColumns = `id, org_id, user_id, product_id, source, event_type, source_event_type, status,
	event_time, amount_cents, currency, proceeds_cents, external_event_id, external_subscription_id,
	original_transaction_id, subscription_group_id, period_type, period_start, period_end, expiration_time, grace_period_expiration,
	cancellation_reason, billing_interval, plan_tier, trial_started_at, environment, country_code,
	raw_payload, idempotency_key, ingested_at, processed_at, ingest_origin`

// Insert stores a canonical event. ON CONFLICT (idempotency_key) DO NOTHING:
// if the key exists, no row is written and ErrDuplicate is returned.
func (s *EventStore) Insert(ctx context.Context, e *CanonicalEvent) (*CanonicalEvent, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.IngestedAt.IsZero() {
		e.IngestedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO canonical_events (`+eventColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id
	`,
		e.ID, e.OrgID, e.UserID, e.ProductID, e.Source, e.EventType, e.SourceEventType, e.Status,
		e.EventTime, e.AmountCents, e.Currency, e.ProceedsCents, e.ExternalEventID, e.ExternalSubscriptionID,
		e.OriginalTransactionID, e.SubscriptionGroupID, e.PeriodType, e.PeriodStart, e.PeriodEnd, e.ExpirationTime, e.GracePeriodExpiration,
		e.CancellationReason, e.BillingInterval, e.PlanTier, e.TrialStartedAt, e.Environment, e.CountryCode,
		e.RawPayload, e.IdempotencyKey, e.IngestedAt, e.ProcessedAt, e.IngestOrigin,
	).Scan(&e.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("store: insert event: %w", err)
	}
	return e, nil
}

// MarkProcessed stamps processed_at after the entitlement and detection
// engines have seen the event.
func (s *EventStore) MarkProcessed(ctx context.Context, orgID, eventID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE canonical_events SET processed_at = NOW() WHERE id = $1 AND org_id = $2
	`, eventID, orgID)
	if err != nil {
		return fmt.Errorf("store: mark processed: %w", err)
	}
	return nil
}

// Get returns an event by id within the tenant.
func (s *EventStore) Get(ctx context.Context, orgID, id string) (*CanonicalEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM canonical_events WHERE id = $1 AND org_id = $2`, id, orgID)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// ListByUser returns a user's events, newest event time first.
func (s *EventStore) ListByUser(ctx context.Context, orgID, userID string, limit int) ([]*CanonicalEvent, error) {
	return s.list(ctx, `
		SELECT `+eventColumns+` FROM canonical_events
		WHERE org_id = $1 AND user_id = $2 ORDER BY event_time DESC LIMIT $3
	`, orgID, userID, limit)
}

// ListByOrg returns a page of tenant events, newest first.
func (s *EventStore) ListByOrg(ctx context.Context, orgID string, limit, offset int) ([]*CanonicalEvent, error) {
	return s.list(ctx, `
		SELECT `+eventColumns+` FROM canonical_events
		WHERE org_id = $1 ORDER BY event_time DESC LIMIT $2 OFFSET $3
	`, orgID, limit, offset)
}

// CountByOrg returns the tenant's event count and latest ingest time.
func (s *EventStore) CountByOrg(ctx context.Context, orgID string) (int64, *time.Time, error) {
	var count int64
	var latest *time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MAX(ingested_at) FROM canonical_events WHERE org_id = $1
	`, orgID).Scan(&count, &latest)
	if err != nil {
		return 0, nil, fmt.Errorf("store: count events: %w", err)
	}
	return count, latest, nil
}

// LastSuccessfulPayment returns the most recent success-status payment event
// (purchase, renewal, trial_conversion) for (user, product).
func (s *EventStore) LastSuccessfulPayment(ctx context.Context, orgID, userID, productID string) (*CanonicalEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM canonical_events
		WHERE org_id = $1 AND user_id = $2 AND product_id = $3
		  AND event_type = ANY($4) AND status = 'success'
		ORDER BY event_time DESC LIMIT 1
	`, orgID, userID, productID, pq.Array([]string{
		string(contracts.EventPurchase), string(contracts.EventRenewal), string(contracts.EventTrialConversion),
	}))
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// UnrevokedRefunds returns refund events older than cutoff whose entitlement
// is still in a state that grants or retains access. Backs the
// refund_not_revoked scan.
func (s *EventStore) UnrevokedRefunds(ctx context.Context, orgID string, cutoff time.Time) ([]*CanonicalEvent, error) {
	return s.list(ctx, `
		SELECT `+eventColumns+` FROM canonical_events e
		WHERE e.org_id = $1 AND e.event_type = 'refund' AND e.event_time < $2
		  AND e.user_id IS NOT NULL AND e.product_id IS NOT NULL
		  AND EXISTS (
			SELECT 1 FROM entitlements ent
			WHERE ent.org_id = e.org_id AND ent.user_id = e.user_id AND ent.product_id = e.product_id
			  AND ent.source = e.source
			  AND ent.state NOT IN ('refunded', 'revoked', 'expired')
		  )
	`, orgID, cutoff)
}

// DistinctOriginalTransactionIDs lists every original transaction id seen
// for a source, used to seed Apple history backfills.
func (s *EventStore) DistinctOriginalTransactionIDs(ctx context.Context, orgID string, source contracts.BillingSource) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT original_transaction_id FROM canonical_events
		WHERE org_id = $1 AND source = $2 AND original_transaction_id IS NOT NULL
	`, orgID, source)
	if err != nil {
		return nil, fmt.Errorf("store: distinct original transaction ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan original transaction id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// HasEventSince reports whether (user, product) has any event of the given
// types after since.
func (s *EventStore) HasEventSince(ctx context.Context, orgID, userID, productID string, types []contracts.EventType, since time.Time) (bool, error) {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM canonical_events
			WHERE org_id = $1 AND user_id = $2 AND product_id = $3
			  AND event_type = ANY($4) AND event_time >= $5
		)
	`, orgID, userID, productID, pq.Array(names), since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: has event since: %w", err)
	}
	return exists, nil
}

// RedactRawPayloads nulls raw_payload on events older than cutoff, in batches.
// Returns rows affected.
func (s *EventStore) RedactRawPayloads(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE canonical_events SET raw_payload = NULL
		WHERE id IN (
			SELECT id FROM canonical_events
			WHERE ingested_at < $1 AND raw_payload IS NOT NULL
			LIMIT $2
		)
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("store: redact raw payloads: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// NullUserPayloads redacts raw payloads for one user (GDPR deletion keeps the
// rows for revenue integrity but drops the personal raw data).
func (s *EventStore) NullUserPayloads(ctx context.Context, tx *sql.Tx, orgID, userID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE canonical_events SET raw_payload = NULL WHERE org_id = $1 AND user_id = $2
	`, orgID, userID)
	if err != nil {
		return fmt.Errorf("store: null user payloads: %w", err)
	}
	return nil
}

func (s *EventStore) list(ctx context.Context, query string, args ...any) ([]*CanonicalEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*CanonicalEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*CanonicalEvent, error) {
	var e CanonicalEvent
	err := row.Scan(
		&e.ID, &e.OrgID, &e.UserID, &e.ProductID, &e.Source, &e.EventType, &e.SourceEventType, &e.Status,
		&e.EventTime, &e.AmountCents, &e.Currency, &e.ProceedsCents, &e.ExternalEventID, &e.ExternalSubscriptionID,
		&e.OriginalTransactionID, &e.SubscriptionGroupID, &e.PeriodType, &e.PeriodStart, &e.PeriodEnd, &e.ExpirationTime, &e.GracePeriodExpiration,
		&e.CancellationReason, &e.BillingInterval, &e.PlanTier, &e.TrialStartedAt, &e.Environment, &e.CountryCode,
		&e.RawPayload, &e.IdempotencyKey, &e.IngestedAt, &e.ProcessedAt, &e.IngestOrigin,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan event: %w", err)
	}
	return &e, nil
}
