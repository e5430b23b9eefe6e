package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Schema is the full relational schema. Every table except organizations
// carries org_id; tenant isolation is enforced by every query predicate
// including it.
const Schema = `
CREATE TABLE IF NOT EXISTS organizations (
	id UUID PRIMARY KEY,
	slug TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	settings JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS api_keys (
	id UUID PRIMARY KEY,
	org_id UUID NOT NULL REFERENCES organizations(id),
	name TEXT NOT NULL,
	key_hash TEXT NOT NULL UNIQUE,
	key_prefix TEXT NOT NULL,
	scopes JSONB,
	expires_at TIMESTAMPTZ,
	revoked_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS billing_connections (
	id UUID PRIMARY KEY,
	org_id UUID NOT NULL REFERENCES organizations(id),
	source TEXT NOT NULL,
	credentials TEXT NOT NULL,
	webhook_secret TEXT,
	original_notification_url TEXT,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	last_webhook_at TIMESTAMPTZ,
	last_sync_at TIMESTAMPTZ,
	sync_status TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (org_id, source)
);

CREATE TABLE IF NOT EXISTS products (
	id UUID PRIMARY KEY,
	org_id UUID NOT NULL REFERENCES organizations(id),
	name TEXT NOT NULL,
	external_ids JSONB NOT NULL DEFAULT '{}',
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_products_org ON products(org_id);

CREATE TABLE IF NOT EXISTS users (
	id UUID PRIMARY KEY,
	org_id UUID NOT NULL REFERENCES organizations(id),
	external_user_id TEXT,
	email TEXT,
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_users_org ON users(org_id);

CREATE TABLE IF NOT EXISTS user_identities (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	org_id UUID NOT NULL REFERENCES organizations(id),
	source TEXT NOT NULL,
	id_type TEXT NOT NULL,
	external_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (org_id, source, external_id)
);
CREATE INDEX IF NOT EXISTS idx_identities_user ON user_identities(user_id);

CREATE TABLE IF NOT EXISTS canonical_events (
	id UUID PRIMARY KEY,
	org_id UUID NOT NULL REFERENCES organizations(id),
	user_id UUID REFERENCES users(id),
	product_id UUID REFERENCES products(id),
	source TEXT NOT NULL,
	event_type TEXT NOT NULL,
	source_event_type TEXT NOT NULL,
	status TEXT NOT NULL,
	event_time TIMESTAMPTZ NOT NULL,
	amount_cents BIGINT NOT NULL DEFAULT 0,
	currency TEXT NOT NULL DEFAULT '',
	proceeds_cents BIGINT NOT NULL DEFAULT 0,
	external_event_id TEXT,
	external_subscription_id TEXT,
	original_transaction_id TEXT,
	subscription_group_id TEXT,
	period_type TEXT,
	period_start TIMESTAMPTZ,
	period_end TIMESTAMPTZ,
	expiration_time TIMESTAMPTZ,
	grace_period_expiration TIMESTAMPTZ,
	cancellation_reason TEXT,
	billing_interval TEXT,
	plan_tier TEXT,
	trial_started_at TIMESTAMPTZ,
	environment TEXT NOT NULL DEFAULT 'production',
	country_code TEXT,
	raw_payload JSONB,
	idempotency_key TEXT NOT NULL UNIQUE,
	ingested_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at TIMESTAMPTZ,
	ingest_origin TEXT NOT NULL DEFAULT 'webhook'
);
CREATE INDEX IF NOT EXISTS idx_events_org_user ON canonical_events(org_id, user_id);
CREATE INDEX IF NOT EXISTS idx_events_org_time ON canonical_events(org_id, event_time);
CREATE INDEX IF NOT EXISTS idx_events_subscription ON canonical_events(org_id, external_subscription_id);

CREATE TABLE IF NOT EXISTS entitlements (
	id UUID PRIMARY KEY,
	org_id UUID NOT NULL REFERENCES organizations(id),
	user_id UUID NOT NULL REFERENCES users(id),
	product_id UUID NOT NULL REFERENCES products(id),
	source TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT 'inactive',
	external_subscription_id TEXT,
	current_period_start TIMESTAMPTZ,
	current_period_end TIMESTAMPTZ,
	cancel_at TIMESTAMPTZ,
	trial_end TIMESTAMPTZ,
	billing_interval TEXT,
	plan_tier TEXT,
	last_event_id UUID,
	state_history JSONB NOT NULL DEFAULT '[]',
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (org_id, user_id, product_id, source)
);
CREATE INDEX IF NOT EXISTS idx_entitlements_org_state ON entitlements(org_id, state);

CREATE TABLE IF NOT EXISTS issues (
	id UUID PRIMARY KEY,
	org_id UUID NOT NULL REFERENCES organizations(id),
	user_id UUID REFERENCES users(id),
	issue_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'open',
	confidence DOUBLE PRECISION NOT NULL,
	estimated_revenue_cents BIGINT NOT NULL DEFAULT 0,
	detector_id TEXT NOT NULL,
	detection_tier TEXT NOT NULL DEFAULT 'billing_only',
	evidence JSONB NOT NULL DEFAULT '{}',
	title TEXT NOT NULL,
	description TEXT NOT NULL,
	resolution JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_issues_org_status ON issues(org_id, status);
CREATE INDEX IF NOT EXISTS idx_issues_dedupe ON issues(org_id, issue_type, user_id, status);

CREATE TABLE IF NOT EXISTS webhook_logs (
	id UUID PRIMARY KEY,
	org_id UUID NOT NULL REFERENCES organizations(id),
	source TEXT NOT NULL,
	external_event_id TEXT,
	processing_status TEXT NOT NULL DEFAULT 'received',
	http_status INT,
	error TEXT,
	headers JSONB,
	body TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_webhook_logs_org ON webhook_logs(org_id, created_at);

CREATE TABLE IF NOT EXISTS access_checks (
	id UUID PRIMARY KEY,
	org_id UUID NOT NULL REFERENCES organizations(id),
	user_id UUID NOT NULL REFERENCES users(id),
	product_id UUID REFERENCES products(id),
	has_access BOOLEAN NOT NULL,
	checked_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_access_checks_org_user ON access_checks(org_id, user_id, checked_at);

CREATE TABLE IF NOT EXISTS alert_configurations (
	id UUID PRIMARY KEY,
	org_id UUID NOT NULL REFERENCES organizations(id),
	channel TEXT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	severity_filter JSONB,
	issue_types JSONB,
	target JSONB NOT NULL,
	signing_secret TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_alert_configs_org ON alert_configurations(org_id);

CREATE TABLE IF NOT EXISTS alert_delivery_logs (
	id UUID PRIMARY KEY,
	org_id UUID NOT NULL REFERENCES organizations(id),
	config_id UUID REFERENCES alert_configurations(id) ON DELETE CASCADE,
	issue_id UUID,
	channel TEXT NOT NULL,
	event TEXT NOT NULL,
	success BOOLEAN NOT NULL,
	http_status INT,
	error TEXT,
	attempt INT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS audit_logs (
	id UUID PRIMARY KEY,
	org_id UUID NOT NULL REFERENCES organizations(id),
	actor_type TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	action TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	resource_id TEXT,
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_org ON audit_logs(org_id, created_at);

CREATE TABLE IF NOT EXISTS scan_runs (
	id UUID PRIMARY KEY,
	org_id UUID NOT NULL REFERENCES organizations(id),
	detector_id TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	issues_found INT NOT NULL DEFAULT 0,
	error TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_scan_runs_org ON scan_runs(org_id, started_at);
`

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("store: ping database: %w", err)
	}
	return db, nil
}

// InitSchema creates all tables and indexes.
func InitSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}
