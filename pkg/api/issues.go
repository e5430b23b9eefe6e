package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/revback/revback/pkg/auth"
	"github.com/revback/revback/pkg/contracts"
	"github.com/revback/revback/pkg/store"
)

func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.IssueFilter{
		Status:    contracts.IssueStatus(q.Get("status")),
		Severity:  contracts.Severity(q.Get("severity")),
		IssueType: q.Get("type"),
		UserID:    q.Get("user_id"),
		Limit:     queryInt(r, "limit", 50, 200),
		Offset:    queryInt(r, "offset", 0, 100000),
	}
	issues, err := s.Issues.List(r.Context(), auth.OrgID(r.Context()), filter)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"issues": issues, "count": len(issues)})
}

func (s *Server) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	issue, err := s.Issues.Get(r.Context(), auth.OrgID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

type issueStatusRequest struct {
	Note string `json:"note,omitempty"`
}

// handleIssueStatus moves an issue to the given status. Resolving and
// dismissing fan the matching event out through the alert channels.
func (s *Server) handleIssueStatus(status contracts.IssueStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		orgID := auth.OrgID(ctx)
		id := chi.URLParam(r, "id")

		var req issueStatusRequest
		_ = decodeJSON(r, &req)

		resolution := store.JSONMap{"status": string(status)}
		if req.Note != "" {
			resolution["note"] = req.Note
		}
		if key, ok := auth.KeyFromContext(ctx); ok {
			resolution["actor"] = key.ID
		}
		resolution["at"] = s.clock().UTC()

		issue, err := s.Issues.SetStatus(ctx, orgID, id, status, resolution)
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}

		var event string
		switch status {
		case contracts.IssueResolved:
			event = "issue.resolved"
		case contracts.IssueDismissed:
			event = "issue.dismissed"
		}
		if event != "" {
			if err := s.Dispatcher.EnqueueIssueEvent(ctx, orgID, id, event); err != nil {
				s.log.Warn("alert fan-out enqueue failed",
					"org_id", orgID, "issue_id", id, "event", event, "error", err)
			}
		}
		writeJSON(w, http.StatusOK, issue)
	}
}
