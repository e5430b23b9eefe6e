package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/revback/revback/pkg/auth"
	"github.com/revback/revback/pkg/store"
)

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.Users.List(r.Context(), auth.OrgID(r.Context()),
		queryInt(r, "limit", 50, 200), queryInt(r, "offset", 0, 1000000))
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "count": len(users)})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.Users.Get(r.Context(), auth.OrgID(r.Context()), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleUserTimeline returns the user's canonical events, newest first.
func (s *Server) handleUserTimeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := auth.OrgID(ctx)
	userID := chi.URLParam(r, "userID")
	if _, err := s.Users.Get(ctx, orgID, userID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	events, err := s.Events.ListByUser(ctx, orgID, userID, queryInt(r, "limit", 100, 500))
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleUserEntitlements(w http.ResponseWriter, r *http.Request) {
	ents, err := s.Entitlements.ListByUser(r.Context(), auth.OrgID(r.Context()), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entitlements": ents, "count": len(ents)})
}

func (s *Server) handleUserIdentities(w http.ResponseWriter, r *http.Request) {
	idents, err := s.Users.ListIdentities(r.Context(), auth.OrgID(r.Context()), chi.URLParam(r, "userID"))
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identities": idents, "count": len(idents)})
}

func (s *Server) handleUserIssues(w http.ResponseWriter, r *http.Request) {
	issues, err := s.Issues.List(r.Context(), auth.OrgID(r.Context()), store.IssueFilter{
		UserID: chi.URLParam(r, "userID"),
		Limit:  queryInt(r, "limit", 50, 200),
	})
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"issues": issues, "count": len(issues)})
}
