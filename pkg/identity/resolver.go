// Package identity resolves provider identity hints to canonical users.
//
// Every provider names the same person differently: Stripe by customer id,
// Apple by original transaction id, Google by purchase token. The resolver
// collapses those into one User per person per tenant, merging users when a
// late-arriving hint proves two of them are the same account.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/revback/revback/pkg/audit"
	"github.com/revback/revback/pkg/contracts"
	"github.com/revback/revback/pkg/store"
)

// Resolver maps identity hints to a canonical user id.
type Resolver struct {
	users *store.UserStore
	audit *audit.Recorder
	log   *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(users *store.UserStore, rec *audit.Recorder, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{users: users, audit: rec, log: log}
}

// Resolve finds or creates the user the hints describe and returns its id.
//
// Zero matches creates a new user and binds every hint. One match binds any
// unbound hints to it. Two or more distinct matches is a merge: the oldest
// user survives and absorbs the others.
func (r *Resolver) Resolve(ctx context.Context, orgID string, hints []contracts.IdentityHint) (string, error) {
	if len(hints) == 0 {
		return "", errors.New("identity: no hints")
	}

	matched := make(map[string]struct{})
	for _, h := range hints {
		ident, err := r.users.GetIdentity(ctx, orgID, h.Source, h.ExternalID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("identity: lookup hint %s/%s: %w", h.Source, h.IDType, err)
		}
		matched[ident.UserID] = struct{}{}
	}

	switch len(matched) {
	case 0:
		return r.createAndBind(ctx, orgID, hints)
	case 1:
		var userID string
		for id := range matched {
			userID = id
		}
		if err := r.bindAll(ctx, orgID, userID, hints); err != nil {
			return "", err
		}
		return userID, nil
	default:
		ids := make([]string, 0, len(matched))
		for id := range matched {
			ids = append(ids, id)
		}
		survivor, err := r.merge(ctx, orgID, ids)
		if err != nil {
			return "", err
		}
		if err := r.bindAll(ctx, orgID, survivor, hints); err != nil {
			return "", err
		}
		return survivor, nil
	}
}

func (r *Resolver) createAndBind(ctx context.Context, orgID string, hints []contracts.IdentityHint) (string, error) {
	var email *string
	for _, h := range hints {
		if h.IDType == contracts.IDTypeEmail {
			v := h.ExternalID
			email = &v
			break
		}
	}
	u, err := r.users.Create(ctx, orgID, nil, email)
	if err != nil {
		return "", fmt.Errorf("identity: create user: %w", err)
	}
	if err := r.bindAll(ctx, orgID, u.ID, hints); err != nil {
		return "", err
	}
	return u.ID, nil
}

func (r *Resolver) bindAll(ctx context.Context, orgID, userID string, hints []contracts.IdentityHint) error {
	for _, h := range hints {
		if err := r.users.BindIdentity(ctx, orgID, userID, h); err != nil {
			return fmt.Errorf("identity: bind %s/%s: %w", h.Source, h.IDType, err)
		}
	}
	return nil
}

// merge collapses the given users into the oldest one. All child rows of the
// losers move to the survivor in one transaction, then the losers are
// deleted. Re-running a partially applied merge is safe: moved rows no
// longer match and the survivor pick is deterministic.
func (r *Resolver) merge(ctx context.Context, orgID string, userIDs []string) (string, error) {
	users, err := r.users.GetMany(ctx, orgID, userIDs)
	if err != nil {
		return "", fmt.Errorf("identity: load merge candidates: %w", err)
	}
	if len(users) == 0 {
		return "", store.ErrNotFound
	}
	// GetMany orders by created_at ascending; the oldest survives.
	survivor := users[0]
	losers := make([]string, 0, len(users)-1)
	for _, u := range users[1:] {
		losers = append(losers, u.ID)
	}
	if len(losers) == 0 {
		return survivor.ID, nil
	}

	tx, err := r.users.DB().BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("identity: begin merge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, loser := range losers {
		if err := reparent(ctx, tx, orgID, loser, survivor.ID); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("identity: commit merge: %w", err)
	}

	r.log.Info("merged duplicate users",
		"org_id", orgID, "survivor", survivor.ID, "absorbed", len(losers))
	if r.audit != nil {
		r.audit.System(ctx, orgID, audit.ActionUserMerged, "user", survivor.ID,
			map[string]any{"absorbed_user_ids": losers})
	}
	return survivor.ID, nil
}

func reparent(ctx context.Context, tx *sql.Tx, orgID, from, to string) error {
	// Identities unique on (org, source, external_id): a loser identity that
	// would collide with one already on the survivor is dropped instead.
	if _, err := tx.ExecContext(ctx, `
		UPDATE user_identities SET user_id = $1
		WHERE org_id = $2 AND user_id = $3
		  AND NOT EXISTS (
			SELECT 1 FROM user_identities s
			WHERE s.org_id = $2 AND s.user_id = $1
			  AND s.source = user_identities.source
			  AND s.external_id = user_identities.external_id
		  )
	`, to, orgID, from); err != nil {
		return fmt.Errorf("identity: reparent identities: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM user_identities WHERE org_id = $1 AND user_id = $2
	`, orgID, from); err != nil {
		return fmt.Errorf("identity: drop colliding identities: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE canonical_events SET user_id = $1 WHERE org_id = $2 AND user_id = $3
	`, to, orgID, from); err != nil {
		return fmt.Errorf("identity: reparent events: %w", err)
	}

	// Entitlements unique on (org, user, product, source): keep the
	// survivor's row where both users hold one.
	if _, err := tx.ExecContext(ctx, `
		UPDATE entitlements SET user_id = $1
		WHERE org_id = $2 AND user_id = $3
		  AND NOT EXISTS (
			SELECT 1 FROM entitlements s
			WHERE s.org_id = $2 AND s.user_id = $1
			  AND s.product_id = entitlements.product_id
			  AND s.source = entitlements.source
		  )
	`, to, orgID, from); err != nil {
		return fmt.Errorf("identity: reparent entitlements: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM entitlements WHERE org_id = $1 AND user_id = $2
	`, orgID, from); err != nil {
		return fmt.Errorf("identity: drop duplicate entitlements: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE issues SET user_id = $1 WHERE org_id = $2 AND user_id = $3
	`, to, orgID, from); err != nil {
		return fmt.Errorf("identity: reparent issues: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE access_checks SET user_id = $1 WHERE org_id = $2 AND user_id = $3
	`, to, orgID, from); err != nil {
		return fmt.Errorf("identity: reparent access checks: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM users WHERE org_id = $1 AND id = $2
	`, orgID, from); err != nil {
		return fmt.Errorf("identity: delete merged user: %w", err)
	}
	return nil
}
