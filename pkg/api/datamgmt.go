package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/revback/revback/pkg/audit"
	"github.com/revback/revback/pkg/auth"
	"github.com/revback/revback/pkg/store"
)

// handleEraseUserData is the GDPR erasure endpoint: identity bindings go,
// the user row is reduced to its id, and raw event payloads are nulled.
// Canonical event rows themselves stay for revenue accounting; they no
// longer reference any personal data once the payloads are gone.
func (s *Server) handleEraseUserData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := auth.OrgID(ctx)
	userID := chi.URLParam(r, "userID")

	if _, err := s.Users.Get(ctx, orgID, userID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	tx, err := s.Users.DB().BeginTx(ctx, nil)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.Events.NullUserPayloads(ctx, tx, orgID, userID); err != nil {
		s.writeInternal(w, r, err)
		return
	}
	if err := s.Users.EraseData(ctx, tx, orgID, userID); err != nil {
		s.writeInternal(w, r, err)
		return
	}
	if err := tx.Commit(); err != nil {
		s.writeInternal(w, r, err)
		return
	}

	s.recordAction(ctx, orgID, audit.ActionUserDataDeleted, "user", userID, nil)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "user_id": userID})
}

// handleExportUserData returns everything held about one user in a single
// JSON document.
func (s *Server) handleExportUserData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := auth.OrgID(ctx)
	userID := chi.URLParam(r, "userID")

	user, err := s.Users.Get(ctx, orgID, userID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	identities, err := s.Users.ListIdentities(ctx, orgID, userID)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	entitlements, err := s.Entitlements.ListByUser(ctx, orgID, userID)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	events, err := s.Events.ListByUser(ctx, orgID, userID, 1000)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	issues, err := s.Issues.List(ctx, orgID, store.IssueFilter{UserID: userID, Limit: 200})
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}

	s.recordAction(ctx, orgID, audit.ActionUserDataExported, "user", userID, nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"exported_at":  s.clock().UTC(),
		"user":         user,
		"identities":   identities,
		"entitlements": entitlements,
		"events":       events,
		"issues":       issues,
	})
}
