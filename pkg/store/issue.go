package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/revback/revback/pkg/contracts"
)

// IssueStore persists detector findings.
type IssueStore struct {
	db *sql.DB
}

func NewIssueStore(db *sql.DB) *IssueStore {
	return &IssueStore{db: db}
}

const issueColumns = `id, org_id, user_id, issue_type, severity, status, confidence,
	estimated_revenue_cents, detector_id, detection_tier, evidence, title, description,
	resolution, created_at, updated_at`

// Insert stores a new issue.
func (s *IssueStore) Insert(ctx context.Context, issue *Issue) (*Issue, error) {
	if issue.ID == "" {
		issue.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	issue.CreatedAt = now
	issue.UpdatedAt = now
	if issue.Status == "" {
		issue.Status = contracts.IssueOpen
	}
	if issue.DetectionTier == "" {
		issue.DetectionTier = contracts.TierBillingOnly
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issues (`+issueColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, issue.ID, issue.OrgID, issue.UserID, issue.IssueType, issue.Severity, issue.Status,
		issue.Confidence, issue.EstimatedRevenueCents, issue.DetectorID, issue.DetectionTier,
		issue.Evidence, issue.Title, issue.Description, issue.Resolution, issue.CreatedAt, issue.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: insert issue: %w", err)
	}
	return issue, nil
}

// FindOpen returns the open issue for (org, issueType, user), if any. userID
// may be nil for tenant-level issues; evidenceKey narrows tenant-level dedupe
// (e.g. webhook gaps keyed by source) and may be empty.
func (s *IssueStore) FindOpen(ctx context.Context, orgID, issueType string, userID *string, evidenceKey, evidenceValue string) (*Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issues
		WHERE org_id = $1 AND issue_type = $2 AND status = 'open'`
	args := []any{orgID, issueType}
	if userID != nil {
		query += ` AND user_id = $3`
		args = append(args, *userID)
	} else {
		query += ` AND user_id IS NULL`
		if evidenceKey != "" {
			query += fmt.Sprintf(` AND evidence->>$%d = $%d`, len(args)+1, len(args)+2)
			args = append(args, evidenceKey, evidenceValue)
		}
	}
	query += ` ORDER BY created_at DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	issue, err := scanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return issue, err
}

// Refresh merges evidence into an open issue and bumps updated_at. Used when
// a detector re-finds the same logical issue.
func (s *IssueStore) Refresh(ctx context.Context, orgID, issueID string, evidence JSONMap, severity contracts.Severity) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE issues SET evidence = evidence || $3, severity = $4, updated_at = NOW()
		WHERE id = $1 AND org_id = $2
	`, issueID, orgID, evidence, severity)
	if err != nil {
		return fmt.Errorf("store: refresh issue: %w", err)
	}
	return nil
}

// Get returns an issue by id within the tenant.
func (s *IssueStore) Get(ctx context.Context, orgID, id string) (*Issue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE id = $1 AND org_id = $2`, id, orgID)
	issue, err := scanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return issue, err
}

// IssueFilter narrows List.
type IssueFilter struct {
	Status    contracts.IssueStatus
	Severity  contracts.Severity
	IssueType string
	UserID    string
	Limit     int
	Offset    int
}

// List returns tenant issues matching the filter, newest first.
func (s *IssueStore) List(ctx context.Context, orgID string, f IssueFilter) ([]*Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issues WHERE org_id = $1`
	args := []any{orgID}
	add := func(clause string, val any) {
		args = append(args, val)
		query += fmt.Sprintf(clause, len(args))
	}
	if f.Status != "" {
		add(" AND status = $%d", f.Status)
	}
	if f.Severity != "" {
		add(" AND severity = $%d", f.Severity)
	}
	if f.IssueType != "" {
		add(" AND issue_type = $%d", f.IssueType)
	}
	if f.UserID != "" {
		add(" AND user_id = $%d", f.UserID)
	}
	query += " ORDER BY created_at DESC"
	if f.Limit <= 0 {
		f.Limit = 50
	}
	add(" LIMIT $%d", f.Limit)
	add(" OFFSET $%d", f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list issues: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var issues []*Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// SetStatus applies an operator action (acknowledge/resolve/dismiss) and
// records resolution metadata.
func (s *IssueStore) SetStatus(ctx context.Context, orgID, id string, status contracts.IssueStatus, resolution JSONMap) (*Issue, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE issues SET status = $3, resolution = $4, updated_at = NOW()
		WHERE id = $1 AND org_id = $2
		RETURNING `+issueColumns, id, orgID, status, resolution)
	issue, err := scanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return issue, err
}

// OpenSummary aggregates open issues by severity with summed revenue impact.
type OpenSummary struct {
	Severity     contracts.Severity `json:"severity"`
	Count        int64              `json:"count"`
	RevenueCents int64              `json:"revenue_cents"`
}

// SummarizeOpenBySeverity backs the first-look dashboard.
func (s *IssueStore) SummarizeOpenBySeverity(ctx context.Context, orgID string) ([]OpenSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT severity, COUNT(*), COALESCE(SUM(estimated_revenue_cents), 0)
		FROM issues WHERE org_id = $1 AND status = 'open'
		GROUP BY severity
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("store: summarize issues: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []OpenSummary
	for rows.Next() {
		var s OpenSummary
		if err := rows.Scan(&s.Severity, &s.Count, &s.RevenueCents); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// TypeImpact aggregates open issues by type with summed revenue impact.
type TypeImpact struct {
	IssueType    string `json:"issue_type"`
	Count        int64  `json:"count"`
	RevenueCents int64  `json:"revenue_cents"`
}

// SummarizeOpenByType backs the revenue-impact dashboard.
func (s *IssueStore) SummarizeOpenByType(ctx context.Context, orgID string) ([]TypeImpact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT issue_type, COUNT(*), COALESCE(SUM(estimated_revenue_cents), 0)
		FROM issues WHERE org_id = $1 AND status = 'open'
		GROUP BY issue_type ORDER BY 3 DESC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("store: summarize issue types: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TypeImpact
	for rows.Next() {
		var t TypeImpact
		if err := rows.Scan(&t.IssueType, &t.Count, &t.RevenueCents); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanIssue(row rowScanner) (*Issue, error) {
	var i Issue
	err := row.Scan(
		&i.ID, &i.OrgID, &i.UserID, &i.IssueType, &i.Severity, &i.Status, &i.Confidence,
		&i.EstimatedRevenueCents, &i.DetectorID, &i.DetectionTier, &i.Evidence, &i.Title,
		&i.Description, &i.Resolution, &i.CreatedAt, &i.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan issue: %w", err)
	}
	return &i, nil
}
