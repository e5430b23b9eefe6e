package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/revback/revback/pkg/contracts"
	"github.com/revback/revback/pkg/normalize"
	"github.com/revback/revback/pkg/queue"
	"github.com/revback/revback/pkg/schedule"
	"github.com/revback/revback/pkg/store"
)

// Provider payloads are small; Apple's nested JWS is the largest at a few KB.
const maxWebhookBody = 1 << 20

// handleInboundWebhook receives one provider notification. The body is
// persisted before anything else so a crash after the 200 never loses data.
// Signatures are checked inline: providers get an immediate 401 and bad
// payloads never enter the queue. Every other failure mode still answers 200
// so the provider does not retry what we already stored.
func (s *Server) handleInboundWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	source := contracts.BillingSource(chi.URLParam(r, "source"))
	if !webhookSource(source) {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}
	org, err := s.Orgs.GetBySlug(ctx, chi.URLParam(r, "orgSlug"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown organization")
		return
	}
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil || len(body) > maxWebhookBody {
		writeError(w, http.StatusBadRequest, "unreadable or oversized body")
		return
	}

	endpoint := requestURL(r)
	headers := make(store.StringMap, len(r.Header)+1)
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	headers[schedule.EndpointHeader] = endpoint

	wlog, err := s.WebhookLogs.Insert(ctx, &store.WebhookLog{
		OrgID:            org.ID,
		Source:           source,
		ProcessingStatus: store.WebhookReceived,
		Headers:          headers,
		Body:             string(body),
	})
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}

	conn, connErr := s.Connections.Get(ctx, org.ID, source)
	if connErr == nil {
		raw := normalize.RawWebhook{Body: body, Headers: r.Header, EndpointURL: endpoint}
		if n, ok := s.Normalizers.Get(source); ok && !s.signatureOK(n, conn, raw) {
			s.markLog(ctx, org.ID, wlog.ID, store.WebhookFailed, "signature verification failed")
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	task, err := queue.NewWebhookProcessTask(queue.WebhookProcessPayload{
		OrgID:        org.ID,
		WebhookLogID: wlog.ID,
		Source:       source,
	})
	if err == nil {
		_, err = s.Tasks.Enqueue(ctx, task)
	}
	if err != nil {
		// The raw body is safe in the log row; record the enqueue failure
		// and let the provider retry.
		s.markLog(ctx, org.ID, wlog.ID, store.WebhookFailed, "enqueue failed: "+err.Error())
		s.writeInternal(w, r, err)
		return
	}
	s.markLog(ctx, org.ID, wlog.ID, store.WebhookQueued, "")

	if connErr == nil {
		if err := s.Connections.TouchLastWebhook(ctx, org.ID, source); err != nil {
			s.log.Warn("touch last webhook failed", "org_id", org.ID, "source", source, "error", err)
		}
		if source == contracts.SourceApple {
			s.AppleProxy.Forward(conn, body)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "webhook_log_id": wlog.ID})
}

// signatureOK mirrors the pipeline's verification rules: Apple and Google
// payloads carry their own trust and are always checked; shared-secret
// sources are checked only once a secret is configured.
func (s *Server) signatureOK(n normalize.Normalizer, conn *store.BillingConnection, raw normalize.RawWebhook) bool {
	secret := ""
	if conn.WebhookSecret != nil && *conn.WebhookSecret != "" {
		plain, err := s.Box.Decrypt(*conn.WebhookSecret)
		if err != nil {
			s.log.Error("webhook secret decrypt failed", "org_id", conn.OrgID, "source", conn.Source, "error", err)
			return false
		}
		secret = string(plain)
	}
	switch conn.Source {
	case contracts.SourceApple, contracts.SourceGoogle:
	default:
		if secret == "" {
			return true
		}
	}
	return n.VerifySignature(raw, secret)
}

func (s *Server) markLog(ctx context.Context, orgID, logID string, status store.WebhookProcessingStatus, msg string) {
	// Use a short detached timeout so a cancelled inbound request cannot
	// leave the log row stuck in "received".
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.WebhookLogs.SetStatus(sctx, orgID, logID, status, msg); err != nil {
		s.log.Warn("webhook log status update failed", "org_id", orgID, "log_id", logID, "error", err)
	}
}

func webhookSource(source contracts.BillingSource) bool {
	for _, known := range contracts.WebhookSources {
		if source == known {
			return true
		}
	}
	return false
}

func requestURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
			scheme = forwarded
		} else {
			scheme = "http"
		}
	}
	return scheme + "://" + r.Host + r.URL.Path
}
