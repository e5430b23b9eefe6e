package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/revback/revback/pkg/audit"
	"github.com/revback/revback/pkg/auth"
	"github.com/revback/revback/pkg/store"
)

func (s *Server) handleListAlertConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.Alerts.ListConfigs(r.Context(), auth.OrgID(r.Context()))
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": configs, "count": len(configs)})
}

type alertConfigRequest struct {
	Channel        store.AlertChannel `json:"channel"`
	Enabled        *bool              `json:"enabled,omitempty"`
	SeverityFilter []string           `json:"severity_filter,omitempty"`
	IssueTypes     []string           `json:"issue_types,omitempty"`
	Target         map[string]any     `json:"target"`
}

func (r alertConfigRequest) validate(d *Deps) map[string]string {
	details := map[string]string{}
	switch r.Channel {
	case store.ChannelSlack:
		if str(r.Target["webhookUrl"]) == "" {
			details["target.webhookUrl"] = "required for slack"
		}
	case store.ChannelEmail:
		if str(r.Target["to"]) == "" {
			details["target.to"] = "required for email"
		}
	case store.ChannelPagerDuty:
		if str(r.Target["routingKey"]) == "" {
			details["target.routingKey"] = "required for pagerduty"
		}
	case store.ChannelWebhook:
		if err := d.Deliverer.CheckTarget(str(r.Target["url"])); err != nil {
			details["target.url"] = err.Error()
		}
	default:
		details["channel"] = "must be slack, email, webhook, or pagerduty"
	}
	return details
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func (s *Server) handleCreateAlertConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := auth.OrgID(ctx)

	var req alertConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if details := req.validate(&s.Deps); len(details) > 0 {
		writeErrorDetails(w, http.StatusBadRequest, "validation failed", details)
		return
	}

	cfg := &store.AlertConfiguration{
		OrgID:          orgID,
		Channel:        req.Channel,
		Enabled:        true,
		SeverityFilter: req.SeverityFilter,
		IssueTypes:     req.IssueTypes,
		Target:         req.Target,
	}
	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	saved, err := s.Alerts.CreateConfig(ctx, cfg)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}

	s.recordAction(ctx, orgID, audit.ActionAlertConfigCreated, "alert_configuration", saved.ID,
		map[string]any{"channel": saved.Channel})
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleGetAlertConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Alerts.GetConfig(r.Context(), auth.OrgID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleUpdateAlertConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := auth.OrgID(ctx)

	cfg, err := s.Alerts.GetConfig(ctx, orgID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	var req alertConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Channel == "" {
		req.Channel = cfg.Channel
	}
	if req.Channel != cfg.Channel {
		writeError(w, http.StatusBadRequest, "channel cannot be changed; create a new configuration")
		return
	}
	if req.Target == nil {
		req.Target = cfg.Target
	}
	if details := req.validate(&s.Deps); len(details) > 0 {
		writeErrorDetails(w, http.StatusBadRequest, "validation failed", details)
		return
	}

	cfg.SeverityFilter = req.SeverityFilter
	cfg.IssueTypes = req.IssueTypes
	cfg.Target = req.Target
	if req.Enabled != nil {
		cfg.Enabled = *req.Enabled
	}
	if err := s.Alerts.UpdateConfig(ctx, cfg); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	s.recordAction(ctx, orgID, audit.ActionAlertConfigUpdated, "alert_configuration", cfg.ID, nil)
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleDeleteAlertConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := auth.OrgID(ctx)
	id := chi.URLParam(r, "id")

	if err := s.Alerts.DeleteConfig(ctx, orgID, id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.recordAction(ctx, orgID, audit.ActionAlertConfigDeleted, "alert_configuration", id, nil)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// handleTestAlertConfig sends a synthetic issue through the channel.
func (s *Server) handleTestAlertConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg, err := s.Alerts.GetConfig(ctx, auth.OrgID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if err := s.Dispatcher.SendTest(ctx, cfg); err != nil {
		writeErrorDetails(w, http.StatusBadGateway, "test delivery failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleAlertSigningSecret reveals the outbound signing secret. Reads are
// audit-logged; the secret authenticates us to the tenant's endpoint.
func (s *Server) handleAlertSigningSecret(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := auth.OrgID(ctx)

	cfg, err := s.Alerts.GetConfig(ctx, orgID, chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if cfg.Channel != store.ChannelWebhook || cfg.SigningSecret == nil {
		writeError(w, http.StatusNotFound, "configuration has no signing secret")
		return
	}

	s.recordAction(ctx, orgID, audit.ActionAlertSecretRead, "alert_configuration", cfg.ID, nil)
	writeJSON(w, http.StatusOK, map[string]any{"signing_secret": *cfg.SigningSecret})
}

func (s *Server) handleAlertDeliveries(w http.ResponseWriter, r *http.Request) {
	deliveries, err := s.Alerts.ListDeliveries(r.Context(), auth.OrgID(r.Context()),
		chi.URLParam(r, "id"), queryInt(r, "limit", 50, 200))
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries, "count": len(deliveries)})
}
