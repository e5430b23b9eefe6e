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

// ConnectionStore persists per-tenant provider credentials.
type ConnectionStore struct {
	db *sql.DB
}

func NewConnectionStore(db *sql.DB) *ConnectionStore {
	return &ConnectionStore{db: db}
}

const connectionColumns = `id, org_id, source, credentials, webhook_secret, original_notification_url,
	active, last_webhook_at, last_sync_at, sync_status, created_at, updated_at`

// Upsert creates or replaces the connection for (org, source). At most one
// connection exists per pair.
func (s *ConnectionStore) Upsert(ctx context.Context, conn *BillingConnection) (*BillingConnection, error) {
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO billing_connections
			(id, org_id, source, credentials, webhook_secret, original_notification_url, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, $7)
		ON CONFLICT (org_id, source) DO UPDATE SET
			credentials = EXCLUDED.credentials,
			webhook_secret = EXCLUDED.webhook_secret,
			original_notification_url = EXCLUDED.original_notification_url,
			active = TRUE,
			updated_at = EXCLUDED.updated_at
		RETURNING `+connectionColumns,
		conn.ID, conn.OrgID, conn.Source, conn.Credentials, conn.WebhookSecret,
		conn.OriginalNotificationURL, now,
	).Scan(scanConnectionDest(conn)...)
	if err != nil {
		return nil, fmt.Errorf("store: upsert connection: %w", err)
	}
	return conn, nil
}

// Get returns the connection for (org, source).
func (s *ConnectionStore) Get(ctx context.Context, orgID string, source contracts.BillingSource) (*BillingConnection, error) {
	var conn BillingConnection
	err := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM billing_connections WHERE org_id = $1 AND source = $2`,
		orgID, source,
	).Scan(scanConnectionDest(&conn)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get connection: %w", err)
	}
	return &conn, nil
}

// ListByOrg returns all connections for a tenant.
func (s *ConnectionStore) ListByOrg(ctx context.Context, orgID string) ([]*BillingConnection, error) {
	return s.list(ctx, `SELECT `+connectionColumns+` FROM billing_connections WHERE org_id = $1 ORDER BY source`, orgID)
}

// ListActive returns every active connection across tenants. Used by the
// webhook-gap scan.
func (s *ConnectionStore) ListActive(ctx context.Context) ([]*BillingConnection, error) {
	return s.list(ctx, `SELECT `+connectionColumns+` FROM billing_connections WHERE active = TRUE ORDER BY org_id, source`)
}

// ListAll returns every connection, active or not. Used by key rotation,
// which must re-seal dormant credentials too.
func (s *ConnectionStore) ListAll(ctx context.Context) ([]*BillingConnection, error) {
	return s.list(ctx, `SELECT `+connectionColumns+` FROM billing_connections ORDER BY org_id, source`)
}

// ReplaceSecrets swaps the sealed credential blobs without touching the rest
// of the row.
func (s *ConnectionStore) ReplaceSecrets(ctx context.Context, id, credentials string, webhookSecret *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE billing_connections SET credentials = $2, webhook_secret = $3, updated_at = NOW()
		WHERE id = $1
	`, id, credentials, webhookSecret)
	if err != nil {
		return fmt.Errorf("store: replace secrets: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveByOrg returns a tenant's active connections.
func (s *ConnectionStore) ListActiveByOrg(ctx context.Context, orgID string) ([]*BillingConnection, error) {
	return s.list(ctx, `SELECT `+connectionColumns+` FROM billing_connections WHERE org_id = $1 AND active = TRUE ORDER BY source`, orgID)
}

// TouchLastWebhook records webhook receipt time. Fire-and-forget by callers.
func (s *ConnectionStore) TouchLastWebhook(ctx context.Context, orgID string, source contracts.BillingSource) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE billing_connections SET last_webhook_at = NOW(), updated_at = NOW()
		WHERE org_id = $1 AND source = $2
	`, orgID, source)
	if err != nil {
		return fmt.Errorf("store: touch last webhook: %w", err)
	}
	return nil
}

// SetSyncStatus records backfill/sync progress state on the connection row.
func (s *ConnectionStore) SetSyncStatus(ctx context.Context, orgID string, source contracts.BillingSource, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE billing_connections SET sync_status = $3, last_sync_at = NOW(), updated_at = NOW()
		WHERE org_id = $1 AND source = $2
	`, orgID, source, status)
	if err != nil {
		return fmt.Errorf("store: set sync status: %w", err)
	}
	return nil
}

func (s *ConnectionStore) list(ctx context.Context, query string, args ...any) ([]*BillingConnection, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list connections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var conns []*BillingConnection
	for rows.Next() {
		var c BillingConnection
		if err := rows.Scan(scanConnectionDest(&c)...); err != nil {
			return nil, err
		}
		conns = append(conns, &c)
	}
	return conns, rows.Err()
}

func scanConnectionDest(c *BillingConnection) []any {
	return []any{
		&c.ID, &c.OrgID, &c.Source, &c.Credentials, &c.WebhookSecret, &c.OriginalNotificationURL,
		&c.Active, &c.LastWebhookAt, &c.LastSyncAt, &c.SyncStatus, &c.CreatedAt, &c.UpdatedAt,
	}
}
