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

// UserStore persists canonical users and their provider identities.
type UserStore struct {
	db *sql.DB
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

// DB exposes the underlying handle for callers that need explicit
// transactions (the identity merge, GDPR deletion).
func (s *UserStore) DB() *sql.DB {
	return s.db
}

// Create inserts a new user.
func (s *UserStore) Create(ctx context.Context, orgID string, externalUserID, email *string) (*User, error) {
	u := &User{
		ID:             uuid.New().String(),
		OrgID:          orgID,
		ExternalUserID: externalUserID,
		Email:          email,
		Metadata:       JSONMap{},
		CreatedAt:      time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, org_id, external_user_id, email, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, u.ID, u.OrgID, u.ExternalUserID, u.Email, u.Metadata, u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	return u, nil
}

// Get returns a user by id within the tenant.
func (s *UserStore) Get(ctx context.Context, orgID, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, external_user_id, email, metadata, created_at
		FROM users WHERE id = $1 AND org_id = $2
	`, id, orgID).Scan(&u.ID, &u.OrgID, &u.ExternalUserID, &u.Email, &u.Metadata, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return &u, nil
}

// GetMany returns users by id, preserving tenant scope.
func (s *UserStore) GetMany(ctx context.Context, orgID string, ids []string) ([]*User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, external_user_id, email, metadata, created_at
		FROM users WHERE org_id = $1 AND id = ANY($2) ORDER BY created_at ASC
	`, orgID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("store: get users: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanUsers(rows)
}

// List returns a page of a tenant's users.
func (s *UserStore) List(ctx context.Context, orgID string, limit, offset int) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, external_user_id, email, metadata, created_at
		FROM users WHERE org_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, orgID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanUsers(rows)
}

// GetIdentity finds the identity row for (org, source, externalID).
func (s *UserStore) GetIdentity(ctx context.Context, orgID string, source contracts.BillingSource, externalID string) (*UserIdentity, error) {
	var ident UserIdentity
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, org_id, source, id_type, external_id, created_at
		FROM user_identities WHERE org_id = $1 AND source = $2 AND external_id = $3
	`, orgID, source, externalID).Scan(&ident.ID, &ident.UserID, &ident.OrgID, &ident.Source, &ident.IDType, &ident.ExternalID, &ident.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get identity: %w", err)
	}
	return &ident, nil
}

// BindIdentity attaches an identity to a user. Re-binding an existing
// (org, source, externalID) is a no-op, which keeps merges idempotent.
func (s *UserStore) BindIdentity(ctx context.Context, orgID, userID string, hint contracts.IdentityHint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_identities (id, user_id, org_id, source, id_type, external_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (org_id, source, external_id) DO NOTHING
	`, uuid.New().String(), userID, orgID, hint.Source, hint.IDType, hint.ExternalID)
	if err != nil {
		return fmt.Errorf("store: bind identity: %w", err)
	}
	return nil
}

// ListIdentities returns all identities bound to a user.
func (s *UserStore) ListIdentities(ctx context.Context, orgID, userID string) ([]*UserIdentity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, org_id, source, id_type, external_id, created_at
		FROM user_identities WHERE org_id = $1 AND user_id = $2 ORDER BY created_at ASC
	`, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list identities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var idents []*UserIdentity
	for rows.Next() {
		var ident UserIdentity
		if err := rows.Scan(&ident.ID, &ident.UserID, &ident.OrgID, &ident.Source, &ident.IDType, &ident.ExternalID, &ident.CreatedAt); err != nil {
			return nil, err
		}
		idents = append(idents, &ident)
	}
	return idents, rows.Err()
}

// EraseData removes a user's personal data inside the caller's transaction.
// Identity bindings, entitlements, access checks, and issues are deleted;
// the user row keeps only its id so canonical event rows stay intact for
// revenue accounting (their raw payloads are nulled by the caller).
func (s *UserStore) EraseData(ctx context.Context, tx *sql.Tx, orgID, userID string) error {
	for _, q := range []string{
		`DELETE FROM user_identities WHERE org_id = $1 AND user_id = $2`,
		`DELETE FROM entitlements WHERE org_id = $1 AND user_id = $2`,
		`DELETE FROM access_checks WHERE org_id = $1 AND user_id = $2`,
		`DELETE FROM issues WHERE org_id = $1 AND user_id = $2`,
	} {
		if _, err := tx.ExecContext(ctx, q, orgID, userID); err != nil {
			return fmt.Errorf("store: erase user data: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE users SET external_user_id = NULL, email = NULL, metadata = '{"erased":true}'
		WHERE org_id = $1 AND id = $2
	`, orgID, userID)
	if err != nil {
		return fmt.Errorf("store: erase user: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// UsersWithMultipleSources returns the users in a tenant that carry
// identities in two or more sources. Used by the cross-platform mismatch
// detector.
func (s *UserStore) UsersWithMultipleSources(ctx context.Context, orgID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM user_identities
		WHERE org_id = $1 GROUP BY user_id HAVING COUNT(DISTINCT source) >= 2
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("store: users with multiple sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanUsers(rows *sql.Rows) ([]*User, error) {
	var users []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.OrgID, &u.ExternalUserID, &u.Email, &u.Metadata, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}
