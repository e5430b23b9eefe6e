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

// EntitlementStore persists entitlements. Writes go through UpdateLocked,
// which enforces the optimistic lock the entitlement engine relies on.
type EntitlementStore struct {
	db *sql.DB
}

// ErrStaleState is returned when an optimistic-lock update matched no row:
// a concurrent writer changed the state first.
var ErrStaleState = errors.New("store: stale entitlement state")

func NewEntitlementStore(db *sql.DB) *EntitlementStore {
	return &EntitlementStore{db: db}
}

const entitlementColumns = `id, org_id, user_id, product_id, source, state, external_subscription_id,
	current_period_start, current_period_end, cancel_at, trial_end, billing_interval, plan_tier,
	last_event_id, state_history, metadata, created_at, updated_at`

// EnsureExists upserts an inactive entitlement for (org, user, product,
// source) if none exists, then returns the row.
func (s *EntitlementStore) EnsureExists(ctx context.Context, orgID, userID, productID string, source contracts.BillingSource) (*Entitlement, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entitlements (id, org_id, user_id, product_id, source, state, state_history, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'inactive', '[]', '{}', NOW(), NOW())
		ON CONFLICT (org_id, user_id, product_id, source) DO NOTHING
	`, uuid.New().String(), orgID, userID, productID, source)
	if err != nil {
		return nil, fmt.Errorf("store: ensure entitlement: %w", err)
	}
	return s.Get(ctx, orgID, userID, productID, source)
}

// Get returns the entitlement for (org, user, product, source).
func (s *EntitlementStore) Get(ctx context.Context, orgID, userID, productID string, source contracts.BillingSource) (*Entitlement, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entitlementColumns+` FROM entitlements
		WHERE org_id = $1 AND user_id = $2 AND product_id = $3 AND source = $4
	`, orgID, userID, productID, source)
	ent, err := scanEntitlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ent, err
}

// GetByID returns an entitlement by primary key within the tenant.
func (s *EntitlementStore) GetByID(ctx context.Context, orgID, id string) (*Entitlement, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE id = $1 AND org_id = $2`, id, orgID)
	ent, err := scanEntitlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ent, err
}

// UpdateLocked persists the entitlement with an optimistic lock on the state
// column: the UPDATE matches only while the row still holds expectedState.
// Zero rows updated returns ErrStaleState; the caller does not retry — the
// queue's redelivery re-evaluates from fresh state.
func (s *EntitlementStore) UpdateLocked(ctx context.Context, ent *Entitlement, expectedState contracts.EntitlementState) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE entitlements SET
			state = $3,
			external_subscription_id = $4,
			current_period_start = $5,
			current_period_end = $6,
			cancel_at = $7,
			trial_end = $8,
			billing_interval = $9,
			plan_tier = $10,
			last_event_id = $11,
			state_history = $12,
			metadata = $13,
			updated_at = NOW()
		WHERE id = $1 AND state = $2
	`, ent.ID, expectedState, ent.State, ent.ExternalSubscriptionID, ent.CurrentPeriodStart,
		ent.CurrentPeriodEnd, ent.CancelAt, ent.TrialEnd, ent.BillingInterval, ent.PlanTier,
		ent.LastEventID, ent.StateHistory, ent.Metadata)
	if err != nil {
		return fmt.Errorf("store: update entitlement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleState
	}
	return nil
}

// ListByUser returns a user's entitlements.
func (s *EntitlementStore) ListByUser(ctx context.Context, orgID, userID string) ([]*Entitlement, error) {
	return s.list(ctx, `
		SELECT `+entitlementColumns+` FROM entitlements
		WHERE org_id = $1 AND user_id = $2 ORDER BY created_at ASC
	`, orgID, userID)
}

// ListByState returns tenant entitlements in any of the given states.
func (s *EntitlementStore) ListByState(ctx context.Context, orgID string, states []contracts.EntitlementState) ([]*Entitlement, error) {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	return s.list(ctx, `
		SELECT `+entitlementColumns+` FROM entitlements
		WHERE org_id = $1 AND state = ANY($2) ORDER BY updated_at ASC
	`, orgID, pq.Array(names))
}

// ActiveLapsed returns entitlements still active whose current period ended
// between from and to ago. Backs the silent_renewal_failure scan.
func (s *EntitlementStore) ActiveLapsed(ctx context.Context, orgID string, from, to time.Time) ([]*Entitlement, error) {
	return s.list(ctx, `
		SELECT `+entitlementColumns+` FROM entitlements
		WHERE org_id = $1 AND state = 'active'
		  AND current_period_end IS NOT NULL
		  AND current_period_end BETWEEN $2 AND $3
	`, orgID, from, to)
}

// TrialsEnded returns entitlements whose trial ended before now and whose
// state is not active. Backs the trial_no_conversion scan.
func (s *EntitlementStore) TrialsEnded(ctx context.Context, orgID string, now time.Time) ([]*Entitlement, error) {
	return s.list(ctx, `
		SELECT `+entitlementColumns+` FROM entitlements
		WHERE org_id = $1 AND trial_end IS NOT NULL AND trial_end < $2 AND state != 'active'
	`, orgID, now)
}

// CountByState returns the tenant's entitlement counts per state.
func (s *EntitlementStore) CountByState(ctx context.Context, orgID string) (map[contracts.EntitlementState]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM entitlements WHERE org_id = $1 GROUP BY state
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("store: count entitlements: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[contracts.EntitlementState]int64)
	for rows.Next() {
		var state contracts.EntitlementState
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func (s *EntitlementStore) list(ctx context.Context, query string, args ...any) ([]*Entitlement, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list entitlements: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ents []*Entitlement
	for rows.Next() {
		ent, err := scanEntitlement(rows)
		if err != nil {
			return nil, err
		}
		ents = append(ents, ent)
	}
	return ents, rows.Err()
}

func scanEntitlement(row rowScanner) (*Entitlement, error) {
	var e Entitlement
	err := row.Scan(
		&e.ID, &e.OrgID, &e.UserID, &e.ProductID, &e.Source, &e.State, &e.ExternalSubscriptionID,
		&e.CurrentPeriodStart, &e.CurrentPeriodEnd, &e.CancelAt, &e.TrialEnd, &e.BillingInterval,
		&e.PlanTier, &e.LastEventID, &e.StateHistory, &e.Metadata, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan entitlement: %w", err)
	}
	return &e, nil
}
