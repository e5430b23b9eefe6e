package api

import (
	"net/http"
	"time"

	"github.com/revback/revback/pkg/audit"
	"github.com/revback/revback/pkg/auth"
	"github.com/revback/revback/pkg/queue"
	"github.com/revback/revback/pkg/store"
)

type triggerScanRequest struct {
	DetectorID string `json:"detector_id,omitempty"`
}

// handleTriggerScan enqueues scheduled-tier scans on demand: one detector
// when named, otherwise all of them.
func (s *Server) handleTriggerScan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := auth.OrgID(ctx)

	var req triggerScanRequest
	_ = decodeJSON(r, &req)

	var detectorIDs []string
	if req.DetectorID != "" {
		scanner := false
		for _, sc := range s.Detectors.Scanners() {
			if sc.ID() == req.DetectorID {
				scanner = true
			}
		}
		if !scanner {
			writeError(w, http.StatusNotFound, "unknown detector")
			return
		}
		detectorIDs = []string{req.DetectorID}
	} else {
		for _, sc := range s.Detectors.Scanners() {
			detectorIDs = append(detectorIDs, sc.ID())
		}
	}

	for _, id := range detectorIDs {
		task, err := queue.NewScanRunTask(queue.ScanRunPayload{OrgID: orgID, DetectorID: id})
		if err == nil {
			_, err = s.Tasks.Enqueue(ctx, task)
		}
		if err != nil {
			s.writeInternal(w, r, err)
			return
		}
	}

	s.recordAction(ctx, orgID, audit.ActionScanTriggered, "scan", req.DetectorID,
		map[string]any{"detectors": detectorIDs})
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "detectors": detectorIDs})
}

func (s *Server) handleScanHistory(w http.ResponseWriter, r *http.Request) {
	runs, err := s.Scans.List(r.Context(), auth.OrgID(r.Context()), queryInt(r, "limit", 50, 500))
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleScanSchedules(w http.ResponseWriter, _ *http.Request) {
	type scheduleEntry struct {
		DetectorID string `json:"detector_id"`
		Cron       string `json:"cron"`
	}
	var entries []scheduleEntry
	for _, sc := range s.Detectors.Scanners() {
		entries = append(entries, scheduleEntry{DetectorID: sc.ID(), Cron: sc.Schedule()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": entries})
}

func (s *Server) handleQueueHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.Monitor.Health()
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": health})
}

type accessCheckRequest struct {
	UserID    string     `json:"user_id"`
	ProductID string     `json:"product_id,omitempty"`
	HasAccess bool       `json:"has_access"`
	CheckedAt *time.Time `json:"checked_at,omitempty"`
}

// handleAccessCheck ingests one observed-access report from the tenant's
// application. The paid-no-access detector compares these against
// entitlement state.
func (s *Server) handleAccessCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID := auth.OrgID(ctx)

	var req accessCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		writeErrorDetails(w, http.StatusBadRequest, "validation failed",
			map[string]string{"user_id": "required"})
		return
	}
	if _, err := s.Users.Get(ctx, orgID, req.UserID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	checkedAt := s.clock().UTC()
	if req.CheckedAt != nil {
		checkedAt = req.CheckedAt.UTC()
	}
	check := &store.AccessCheck{
		OrgID:     orgID,
		UserID:    req.UserID,
		HasAccess: req.HasAccess,
		CheckedAt: checkedAt,
	}
	if req.ProductID != "" {
		check.ProductID = &req.ProductID
	}
	saved, err := s.Checks.Insert(ctx, check)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}
