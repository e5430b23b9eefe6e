package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/revback/revback/pkg/audit"
	"github.com/revback/revback/pkg/auth"
	"github.com/revback/revback/pkg/backfill"
	"github.com/revback/revback/pkg/contracts"
	"github.com/revback/revback/pkg/providers"
	"github.com/revback/revback/pkg/queue"
	"github.com/revback/revback/pkg/store"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}$`)

// defaultScopes is the grant on the key minted at signup.
var defaultScopes = []string{
	"issues:write", "users:read", "events:read", "alerts:write", "admin:write",
}

type createOrgRequest struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
}

// handleCreateOrg provisions a tenant and mints its first API key. The key
// secret appears in this response and nowhere else.
func (s *Server) handleCreateOrg(w http.ResponseWriter, r *http.Request) {
	var req createOrgRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	details := map[string]string{}
	if !slugPattern.MatchString(req.Slug) {
		details["slug"] = "must be 2-63 lowercase letters, digits, or hyphens"
	}
	if req.Name == "" {
		details["name"] = "required"
	}
	if len(details) > 0 {
		writeErrorDetails(w, http.StatusBadRequest, "validation failed", details)
		return
	}

	if _, err := s.Orgs.GetBySlug(r.Context(), req.Slug); err == nil {
		writeError(w, http.StatusConflict, "slug already taken")
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		s.writeInternal(w, r, err)
		return
	}

	org, err := s.Orgs.Create(r.Context(), req.Slug, req.Name)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	key, secret, err := s.Keys.Create(r.Context(), org.ID, "default", defaultScopes, nil)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"organization": org,
		"api_key":      key,
		"secret":       secret,
	})
}

type connectionRequest struct {
	Credentials             map[string]any `json:"credentials"`
	WebhookSecret           string         `json:"webhook_secret,omitempty"`
	OriginalNotificationURL string         `json:"original_notification_url,omitempty"`
	Active                  *bool          `json:"active,omitempty"`
}

// handleUpsertConnection stores provider credentials for the tenant. The
// credentials are probed live before anything is written, and persisted only
// as ciphertext.
func (s *Server) handleUpsertConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := auth.OrgID(ctx)
	source := contracts.BillingSource(chi.URLParam(r, "source"))
	if !webhookSource(source) {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}

	var req connectionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Credentials) == 0 {
		writeErrorDetails(w, http.StatusBadRequest, "validation failed",
			map[string]string{"credentials": "required"})
		return
	}
	credJSON, err := json.Marshal(req.Credentials)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid credentials object")
		return
	}

	checks := s.probe(ctx, source, credJSON)
	for _, c := range checks {
		if !c.OK {
			writeErrorDetails(w, http.StatusBadRequest, "provider validation failed", checks)
			return
		}
	}

	encCreds, err := s.Box.Encrypt(credJSON)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	conn := &store.BillingConnection{
		OrgID:       orgID,
		Source:      source,
		Credentials: encCreds,
		Active:      true,
	}
	if req.Active != nil {
		conn.Active = *req.Active
	}
	if req.WebhookSecret != "" {
		encSecret, err := s.Box.Encrypt([]byte(req.WebhookSecret))
		if err != nil {
			s.writeInternal(w, r, err)
			return
		}
		conn.WebhookSecret = &encSecret
	}
	if req.OriginalNotificationURL != "" {
		conn.OriginalNotificationURL = &req.OriginalNotificationURL
	}

	_, getErr := s.Connections.Get(ctx, orgID, source)
	saved, err := s.Connections.Upsert(ctx, conn)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}

	action := audit.ActionConnectionCreated
	if getErr == nil {
		action = audit.ActionConnectionUpdated
	}
	s.recordAction(ctx, orgID, action, "billing_connection", saved.ID,
		map[string]any{"source": source})

	writeJSON(w, http.StatusOK, saved)
}

// handleVerifyConnection re-runs the live provider probes for an already
// stored connection.
func (s *Server) handleVerifyConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := auth.OrgID(ctx)
	source := contracts.BillingSource(chi.URLParam(r, "source"))
	if !webhookSource(source) {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}

	conn, err := s.Connections.Get(ctx, orgID, source)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	creds, err := s.Box.Decrypt(conn.Credentials)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"checks": s.probe(ctx, source, creds)})
}

type sourceStatus struct {
	Source          contracts.BillingSource `json:"source"`
	Active          bool                    `json:"active"`
	LastWebhookAt   *time.Time              `json:"last_webhook_at,omitempty"`
	LastSyncAt      *time.Time              `json:"last_sync_at,omitempty"`
	SyncStatus      *string                 `json:"sync_status,omitempty"`
	WebhooksLast24h int64                   `json:"webhooks_last_24h"`
	Backfill        *backfill.Progress      `json:"backfill,omitempty"`
}

// handleSetupStatus summarizes integration health for the tenant.
func (s *Server) handleSetupStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := auth.OrgID(ctx)

	conns, err := s.Connections.ListByOrg(ctx, orgID)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}

	since := s.clock().Add(-24 * time.Hour)
	statuses := make([]sourceStatus, 0, len(conns))
	for _, conn := range conns {
		st := sourceStatus{
			Source:        conn.Source,
			Active:        conn.Active,
			LastWebhookAt: conn.LastWebhookAt,
			LastSyncAt:    conn.LastSyncAt,
			SyncStatus:    conn.SyncStatus,
		}
		if st.WebhooksLast24h, err = s.WebhookLogs.CountSince(ctx, orgID, conn.Source, since); err != nil {
			s.writeInternal(w, r, err)
			return
		}
		if progress, err := s.Backfills.GetProgress(ctx, orgID, conn.Source); err == nil {
			st.Backfill = progress
		}
		statuses = append(statuses, st)
	}

	eventCount, lastEvent, err := s.Events.CountByOrg(ctx, orgID)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"connections":   statuses,
		"event_count":   eventCount,
		"last_event_at": lastEvent,
	})
}

// handleTriggerBackfill enqueues a historical import. 409 while one is
// already working for the same (org, source).
func (s *Server) handleTriggerBackfill(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := auth.OrgID(ctx)
	source := contracts.BillingSource(chi.URLParam(r, "source"))
	if !webhookSource(source) {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}
	if _, err := s.Connections.Get(ctx, orgID, source); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	if progress, err := s.Backfills.GetProgress(ctx, orgID, source); err == nil && progress.InFlight() {
		writeErrorDetails(w, http.StatusConflict, "backfill already in progress", progress)
		return
	}

	task, err := queue.NewBackfillRunTask(queue.BackfillRunPayload{OrgID: orgID, Source: source})
	if err == nil {
		_, err = s.Tasks.Enqueue(ctx, task)
	}
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}

	s.recordAction(ctx, orgID, audit.ActionBackfillTriggered, "backfill", string(source), nil)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "source": source})
}

// handleBackfillProgress reads progress for one source, or all of them.
func (s *Server) handleBackfillProgress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := auth.OrgID(ctx)

	if raw := r.URL.Query().Get("source"); raw != "" {
		source := contracts.BillingSource(raw)
		if !webhookSource(source) {
			writeError(w, http.StatusNotFound, "unknown source")
			return
		}
		progress, err := s.Backfills.GetProgress(ctx, orgID, source)
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, progress)
		return
	}

	all := map[contracts.BillingSource]*backfill.Progress{}
	for _, source := range contracts.WebhookSources {
		if progress, err := s.Backfills.GetProgress(ctx, orgID, source); err == nil {
			all[source] = progress
		}
	}
	writeJSON(w, http.StatusOK, all)
}

// recordAction audit-logs a mutating call under the authenticated key.
func (s *Server) recordAction(ctx context.Context, orgID, action, resourceType, resourceID string, metadata map[string]any) {
	actorID := ""
	if key, ok := auth.KeyFromContext(ctx); ok {
		actorID = key.ID
	}
	s.Audit.Record(ctx, orgID, audit.ActorAPIKey, actorID, action, resourceType, resourceID, metadata)
}

type verifyCheck struct {
	Check  string `json:"check"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// probe exercises the stored credentials against the live provider. Each
// check is independent so the caller sees exactly which part failed.
func (s *Server) probe(ctx context.Context, source contracts.BillingSource, creds []byte) []verifyCheck {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	switch source {
	case contracts.SourceStripe:
		return s.probeStripe(ctx, creds)
	case contracts.SourceApple:
		return s.probeApple(ctx, creds)
	case contracts.SourceGoogle:
		return s.probeGoogle(ctx, creds)
	case contracts.SourceRecurly:
		return s.probeRecurly(ctx, creds)
	}
	return []verifyCheck{{Check: "credentials", OK: false, Detail: "unsupported source"}}
}

func (s *Server) probeStripe(ctx context.Context, creds []byte) []verifyCheck {
	var sc providers.StripeCredentials
	if err := json.Unmarshal(creds, &sc); err != nil || sc.APIKey == "" {
		return []verifyCheck{{Check: "credentials", OK: false, Detail: "apiKey required"}}
	}
	checks := []verifyCheck{{Check: "credentials", OK: true}}
	_, _, err := providers.NewStripe(s.Caller, sc).CountSubscriptions(ctx)
	checks = append(checks, apiCheck(err))
	return checks
}

func (s *Server) probeRecurly(ctx context.Context, creds []byte) []verifyCheck {
	var rc providers.RecurlyCredentials
	if err := json.Unmarshal(creds, &rc); err != nil || rc.APIKey == "" {
		return []verifyCheck{{Check: "credentials", OK: false, Detail: "apiKey required"}}
	}
	checks := []verifyCheck{{Check: "credentials", OK: true}}
	_, err := providers.NewRecurly(s.Caller, rc).ListSubscriptions(ctx, "")
	checks = append(checks, apiCheck(err))
	return checks
}

func (s *Server) probeApple(ctx context.Context, creds []byte) []verifyCheck {
	var ac providers.AppleCredentials
	if err := json.Unmarshal(creds, &ac); err != nil {
		return []verifyCheck{{Check: "credentials", OK: false, Detail: "invalid credentials object"}}
	}
	client, err := providers.NewApple(s.Caller, ac)
	if err != nil {
		return []verifyCheck{{Check: "credentials", OK: false, Detail: err.Error()}}
	}
	checks := []verifyCheck{{Check: "credentials", OK: true}}

	// A probe against a transaction id that cannot exist: 404 means the
	// signed token was accepted, 401 means the key is wrong.
	_, err = client.TransactionHistory(ctx, "0", "")
	var apiErr *providers.APIError
	if errors.As(err, &apiErr) && (apiErr.Status == http.StatusNotFound || apiErr.Status == http.StatusBadRequest) {
		err = nil
	}
	checks = append(checks, apiCheck(err))
	return checks
}

func (s *Server) probeGoogle(ctx context.Context, creds []byte) []verifyCheck {
	var gc providers.GoogleCredentials
	if err := json.Unmarshal(creds, &gc); err != nil || gc.PackageName == "" || gc.ServiceAccountJSON == "" {
		return []verifyCheck{{Check: "credentials", OK: false, Detail: "packageName and serviceAccountJson required"}}
	}
	client, err := providers.NewGoogle(ctx, s.Caller, gc)
	if err != nil {
		return []verifyCheck{{Check: "credentials", OK: false, Detail: err.Error()}}
	}
	checks := []verifyCheck{{Check: "credentials", OK: true}}
	_, _, err = client.VoidedPurchases(ctx, s.clock().Add(-24*time.Hour), "")
	checks = append(checks, apiCheck(err))
	return checks
}

func apiCheck(err error) verifyCheck {
	if err != nil {
		return verifyCheck{Check: "api_access", OK: false, Detail: err.Error()}
	}
	return verifyCheck{Check: "api_access", OK: true}
}
