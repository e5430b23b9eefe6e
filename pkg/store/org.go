package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrSlugTaken is returned when an organization slug is already in use.
var ErrSlugTaken = errors.New("store: slug already taken")

// OrgStore persists organizations.
type OrgStore struct {
	db *sql.DB
}

func NewOrgStore(db *sql.DB) *OrgStore {
	return &OrgStore{db: db}
}

// Create inserts a new organization.
func (s *OrgStore) Create(ctx context.Context, slug, name string) (*Organization, error) {
	org := &Organization{
		ID:        uuid.New().String(),
		Slug:      slug,
		Name:      name,
		Settings:  JSONMap{},
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations (id, slug, name, settings, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, org.ID, org.Slug, org.Name, org.Settings, org.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return nil, ErrSlugTaken
		}
		return nil, fmt.Errorf("store: create organization: %w", err)
	}
	return org, nil
}

// GetBySlug looks an organization up by its URL-safe slug.
func (s *OrgStore) GetBySlug(ctx context.Context, slug string) (*Organization, error) {
	return s.getWhere(ctx, "slug = $1", slug)
}

// GetByID looks an organization up by id.
func (s *OrgStore) GetByID(ctx context.Context, id string) (*Organization, error) {
	return s.getWhere(ctx, "id = $1", id)
}

// List returns every organization, oldest first. Used by the scheduler to
// enumerate tenants.
func (s *OrgStore) List(ctx context.Context) ([]*Organization, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, slug, name, settings, created_at FROM organizations ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list organizations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var orgs []*Organization
	for rows.Next() {
		var o Organization
		if err := rows.Scan(&o.ID, &o.Slug, &o.Name, &o.Settings, &o.CreatedAt); err != nil {
			return nil, err
		}
		orgs = append(orgs, &o)
	}
	return orgs, rows.Err()
}

func (s *OrgStore) getWhere(ctx context.Context, where string, arg any) (*Organization, error) {
	var o Organization
	err := s.db.QueryRowContext(ctx,
		`SELECT id, slug, name, settings, created_at FROM organizations WHERE `+where, arg,
	).Scan(&o.ID, &o.Slug, &o.Name, &o.Settings, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get organization: %w", err)
	}
	return &o, nil
}

// APIKeyStore persists API keys. Secrets are stored as SHA-256 hashes only.
type APIKeyStore struct {
	db *sql.DB
}

func NewAPIKeyStore(db *sql.DB) *APIKeyStore {
	return &APIKeyStore{db: db}
}

// GenerateSecret produces a new "rev_<48 hex>" API key secret.
func GenerateSecret() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("store: generate api key: %w", err)
	}
	return "rev_" + hex.EncodeToString(raw), nil
}

// HashSecret returns the storage hash for an API key secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Create stores a new key and returns the record plus the plaintext secret.
// The secret is shown to the caller exactly once.
func (s *APIKeyStore) Create(ctx context.Context, orgID, name string, scopes []string, expiresAt *time.Time) (*APIKey, string, error) {
	secret, err := GenerateSecret()
	if err != nil {
		return nil, "", err
	}
	key := &APIKey{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		Name:      name,
		KeyHash:   HashSecret(secret),
		KeyPrefix: secret[:12],
		Scopes:    scopes,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, org_id, name, key_hash, key_prefix, scopes, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, key.ID, key.OrgID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.ExpiresAt, key.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("store: create api key: %w", err)
	}
	return key, secret, nil
}

// GetBySecret resolves a presented secret to its key record. Revoked and
// expired keys return ErrNotFound.
func (s *APIKeyStore) GetBySecret(ctx context.Context, secret string) (*APIKey, error) {
	var k APIKey
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, name, key_hash, key_prefix, scopes, expires_at, revoked_at, created_at
		FROM api_keys WHERE key_hash = $1
	`, HashSecret(secret)).Scan(&k.ID, &k.OrgID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes, &k.ExpiresAt, &k.RevokedAt, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get api key: %w", err)
	}
	if k.RevokedAt != nil {
		return nil, ErrNotFound
	}
	if k.ExpiresAt != nil && k.ExpiresAt.Before(time.Now().UTC()) {
		return nil, ErrNotFound
	}
	return &k, nil
}

// Revoke marks a key revoked.
func (s *APIKeyStore) Revoke(ctx context.Context, orgID, keyID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET revoked_at = NOW() WHERE id = $1 AND org_id = $2 AND revoked_at IS NULL
	`, keyID, orgID)
	if err != nil {
		return fmt.Errorf("store: revoke api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// HasScope reports whether the key grants the requested scope. A key with no
// scopes grants everything.
func (k *APIKey) HasScope(scope string) bool {
	if len(k.Scopes) == 0 {
		return true
	}
	for _, s := range k.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
