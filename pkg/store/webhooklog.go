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

// WebhookLogStore persists inbound webhook records. Raw bodies are retained
// 90 days, then deleted by the retention job.
type WebhookLogStore struct {
	db *sql.DB
}

func NewWebhookLogStore(db *sql.DB) *WebhookLogStore {
	return &WebhookLogStore{db: db}
}

// Insert records a received webhook and returns its id.
func (s *WebhookLogStore) Insert(ctx context.Context, log *WebhookLog) (*WebhookLog, error) {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	log.CreatedAt = now
	log.UpdatedAt = now
	if log.ProcessingStatus == "" {
		log.ProcessingStatus = WebhookReceived
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_logs (id, org_id, source, external_event_id, processing_status, http_status, error, headers, body, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
	`, log.ID, log.OrgID, log.Source, log.ExternalEventID, log.ProcessingStatus,
		log.HTTPStatus, log.Error, log.Headers, log.Body, now)
	if err != nil {
		return nil, fmt.Errorf("store: insert webhook log: %w", err)
	}
	return log, nil
}

// SetStatus updates the processing outcome. errMsg may be empty.
func (s *WebhookLogStore) SetStatus(ctx context.Context, orgID, id string, status WebhookProcessingStatus, errMsg string) error {
	var errVal *string
	if errMsg != "" {
		errVal = &errMsg
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_logs SET processing_status = $3, error = $4, updated_at = NOW()
		WHERE id = $1 AND org_id = $2
	`, id, orgID, status, errVal)
	if err != nil {
		return fmt.Errorf("store: set webhook log status: %w", err)
	}
	return nil
}

// Get returns one webhook log row within the tenant.
func (s *WebhookLogStore) Get(ctx context.Context, orgID, id string) (*WebhookLog, error) {
	var l WebhookLog
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, source, external_event_id, processing_status, http_status, error, headers, body, created_at, updated_at
		FROM webhook_logs WHERE id = $1 AND org_id = $2
	`, id, orgID).Scan(&l.ID, &l.OrgID, &l.Source, &l.ExternalEventID, &l.ProcessingStatus,
		&l.HTTPStatus, &l.Error, &l.Headers, &l.Body, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get webhook log: %w", err)
	}
	return &l, nil
}

// CountSince returns how many webhooks a tenant received for a source since
// the given time. Used by setup status.
func (s *WebhookLogStore) CountSince(ctx context.Context, orgID string, source contracts.BillingSource, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM webhook_logs WHERE org_id = $1 AND source = $2 AND created_at >= $3
	`, orgID, source, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count webhook logs: %w", err)
	}
	return n, nil
}

// DeleteOlderThan removes webhook logs past retention, in batches. Returns
// rows deleted.
func (s *WebhookLogStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM webhook_logs WHERE id IN (
			SELECT id FROM webhook_logs WHERE created_at < $1 LIMIT $2
		)
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("store: delete webhook logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
