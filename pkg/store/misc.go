package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AccessCheckStore persists customer-app access reports (Tier-2 signal).
type AccessCheckStore struct {
	db *sql.DB
}

func NewAccessCheckStore(db *sql.DB) *AccessCheckStore {
	return &AccessCheckStore{db: db}
}

// Insert records one access report.
func (s *AccessCheckStore) Insert(ctx context.Context, check *AccessCheck) (*AccessCheck, error) {
	if check.ID == "" {
		check.ID = uuid.New().String()
	}
	if check.CheckedAt.IsZero() {
		check.CheckedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO access_checks (id, org_id, user_id, product_id, has_access, checked_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,NOW())
	`, check.ID, check.OrgID, check.UserID, check.ProductID, check.HasAccess, check.CheckedAt)
	if err != nil {
		return nil, fmt.Errorf("store: insert access check: %w", err)
	}
	return check, nil
}

// LatestSince returns the newest access report per user recorded after since.
func (s *AccessCheckStore) LatestSince(ctx context.Context, orgID string, since time.Time) ([]*AccessCheck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (user_id) id, org_id, user_id, product_id, has_access, checked_at, created_at
		FROM access_checks
		WHERE org_id = $1 AND checked_at >= $2
		ORDER BY user_id, checked_at DESC
	`, orgID, since)
	if err != nil {
		return nil, fmt.Errorf("store: latest access checks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var checks []*AccessCheck
	for rows.Next() {
		var c AccessCheck
		if err := rows.Scan(&c.ID, &c.OrgID, &c.UserID, &c.ProductID, &c.HasAccess, &c.CheckedAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		checks = append(checks, &c)
	}
	return checks, rows.Err()
}

// AuditStore is the append-only audit log. Rows are never updated or deleted.
type AuditStore struct {
	db *sql.DB
}

func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// Append writes one audit row.
func (s *AuditStore) Append(ctx context.Context, entry *AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, org_id, actor_type, actor_id, action, resource_type, resource_id, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
	`, entry.ID, entry.OrgID, entry.ActorType, entry.ActorID, entry.Action,
		entry.ResourceType, entry.ResourceID, entry.Metadata)
	if err != nil {
		return fmt.Errorf("store: append audit log: %w", err)
	}
	return nil
}

// List returns recent audit rows for a tenant, newest first.
func (s *AuditStore) List(ctx context.Context, orgID string, limit int) ([]*AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, actor_type, actor_id, action, resource_type, resource_id, metadata, created_at
		FROM audit_logs WHERE org_id = $1 ORDER BY created_at DESC LIMIT $2
	`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list audit logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*AuditLog
	for rows.Next() {
		var a AuditLog
		if err := rows.Scan(&a.ID, &a.OrgID, &a.ActorType, &a.ActorID, &a.Action,
			&a.ResourceType, &a.ResourceID, &a.Metadata, &a.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &a)
	}
	return entries, rows.Err()
}

// ScanRunStore records scheduled detector scan executions.
type ScanRunStore struct {
	db *sql.DB
}

func NewScanRunStore(db *sql.DB) *ScanRunStore {
	return &ScanRunStore{db: db}
}

// Insert records a completed scan run.
func (s *ScanRunStore) Insert(ctx context.Context, run *ScanRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_runs (id, org_id, detector_id, started_at, duration_ms, issues_found, error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
	`, run.ID, run.OrgID, run.DetectorID, run.StartedAt, run.DurationMs, run.IssuesFound, run.Error)
	if err != nil {
		return fmt.Errorf("store: insert scan run: %w", err)
	}
	return nil
}

// List returns recent scan runs for a tenant, newest first.
func (s *ScanRunStore) List(ctx context.Context, orgID string, limit int) ([]*ScanRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, detector_id, started_at, duration_ms, issues_found, error, created_at
		FROM scan_runs WHERE org_id = $1 ORDER BY started_at DESC LIMIT $2
	`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list scan runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*ScanRun
	for rows.Next() {
		var r ScanRun
		if err := rows.Scan(&r.ID, &r.OrgID, &r.DetectorID, &r.StartedAt, &r.DurationMs,
			&r.IssuesFound, &r.Error, &r.CreatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}
