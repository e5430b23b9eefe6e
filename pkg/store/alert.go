package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AlertStore persists alert configurations and the append-only delivery log.
type AlertStore struct {
	db *sql.DB
}

func NewAlertStore(db *sql.DB) *AlertStore {
	return &AlertStore{db: db}
}

const alertConfigColumns = `id, org_id, channel, enabled, severity_filter, issue_types, target,
	signing_secret, created_at, updated_at`

// GenerateSigningSecret produces a new "whsec_<32 hex>" outbound signing key.
func GenerateSigningSecret() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("store: generate signing secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(raw), nil
}

// CreateConfig stores a new alert configuration. Webhook channels get a
// server-generated signing secret.
func (s *AlertStore) CreateConfig(ctx context.Context, cfg *AlertConfiguration) (*AlertConfiguration, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.Channel == ChannelWebhook && cfg.SigningSecret == nil {
		secret, err := GenerateSigningSecret()
		if err != nil {
			return nil, err
		}
		cfg.SigningSecret = &secret
	}
	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_configurations (`+alertConfigColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, cfg.ID, cfg.OrgID, cfg.Channel, cfg.Enabled, cfg.SeverityFilter, cfg.IssueTypes,
		cfg.Target, cfg.SigningSecret, cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: create alert config: %w", err)
	}
	return cfg, nil
}

// UpdateConfig replaces the mutable fields of a configuration.
func (s *AlertStore) UpdateConfig(ctx context.Context, cfg *AlertConfiguration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alert_configurations SET
			enabled = $3, severity_filter = $4, issue_types = $5, target = $6, updated_at = NOW()
		WHERE id = $1 AND org_id = $2
	`, cfg.ID, cfg.OrgID, cfg.Enabled, cfg.SeverityFilter, cfg.IssueTypes, cfg.Target)
	if err != nil {
		return fmt.Errorf("store: update alert config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConfig removes a configuration and its delivery logs atomically.
func (s *AlertStore) DeleteConfig(ctx context.Context, orgID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin delete alert config: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM alert_delivery_logs WHERE config_id = $1 AND org_id = $2`, id, orgID); err != nil {
		return fmt.Errorf("store: delete delivery logs: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM alert_configurations WHERE id = $1 AND org_id = $2`, id, orgID)
	if err != nil {
		return fmt.Errorf("store: delete alert config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// GetConfig returns one configuration within the tenant.
func (s *AlertStore) GetConfig(ctx context.Context, orgID, id string) (*AlertConfiguration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+alertConfigColumns+` FROM alert_configurations WHERE id = $1 AND org_id = $2`, id, orgID)
	cfg, err := scanAlertConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cfg, err
}

// ListConfigs returns a tenant's configurations.
func (s *AlertStore) ListConfigs(ctx context.Context, orgID string) ([]*AlertConfiguration, error) {
	return s.listConfigs(ctx,
		`SELECT `+alertConfigColumns+` FROM alert_configurations WHERE org_id = $1 ORDER BY created_at ASC`, orgID)
}

// ListEnabledConfigs returns a tenant's enabled configurations. Used by the
// alert dispatcher.
func (s *AlertStore) ListEnabledConfigs(ctx context.Context, orgID string) ([]*AlertConfiguration, error) {
	return s.listConfigs(ctx,
		`SELECT `+alertConfigColumns+` FROM alert_configurations WHERE org_id = $1 AND enabled = TRUE ORDER BY created_at ASC`, orgID)
}

// RecordDelivery appends one delivery attempt to the log. Every outbound
// attempt, success or failure, lands here.
func (s *AlertStore) RecordDelivery(ctx context.Context, log *AlertDeliveryLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.Attempt == 0 {
		log.Attempt = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_delivery_logs (id, org_id, config_id, issue_id, channel, event, success, http_status, error, attempt, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW())
	`, log.ID, log.OrgID, log.ConfigID, log.IssueID, log.Channel, log.Event,
		log.Success, log.HTTPStatus, log.Error, log.Attempt)
	if err != nil {
		return fmt.Errorf("store: record delivery: %w", err)
	}
	return nil
}

// ListDeliveries returns recent delivery log rows for a configuration.
func (s *AlertStore) ListDeliveries(ctx context.Context, orgID, configID string, limit int) ([]*AlertDeliveryLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, config_id, issue_id, channel, event, success, http_status, error, attempt, created_at
		FROM alert_delivery_logs WHERE org_id = $1 AND config_id = $2
		ORDER BY created_at DESC LIMIT $3
	`, orgID, configID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []*AlertDeliveryLog
	for rows.Next() {
		var l AlertDeliveryLog
		if err := rows.Scan(&l.ID, &l.OrgID, &l.ConfigID, &l.IssueID, &l.Channel, &l.Event,
			&l.Success, &l.HTTPStatus, &l.Error, &l.Attempt, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

func (s *AlertStore) listConfigs(ctx context.Context, query string, args ...any) ([]*AlertConfiguration, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list alert configs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cfgs []*AlertConfiguration
	for rows.Next() {
		cfg, err := scanAlertConfig(rows)
		if err != nil {
			return nil, err
		}
		cfgs = append(cfgs, cfg)
	}
	return cfgs, rows.Err()
}

func scanAlertConfig(row rowScanner) (*AlertConfiguration, error) {
	var c AlertConfiguration
	err := row.Scan(&c.ID, &c.OrgID, &c.Channel, &c.Enabled, &c.SeverityFilter, &c.IssueTypes,
		&c.Target, &c.SigningSecret, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan alert config: %w", err)
	}
	return &c, nil
}
