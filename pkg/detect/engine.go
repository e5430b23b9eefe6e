package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/revback/revback/pkg/contracts"
	"github.com/revback/revback/pkg/store"
)

// AlertNotifier is called once per newly created issue, and again when a
// refresh escalates or lowers an open issue's severity. Plain refreshes do
// not re-alert.
type AlertNotifier func(ctx context.Context, orgID, issueID, event string) error

// Engine runs detectors and persists their findings.
type Engine struct {
	registry *Registry
	issues   *store.IssueStore
	notify   AlertNotifier
	log      *slog.Logger
}

// NewEngine creates an Engine. notify may be nil.
func NewEngine(registry *Registry, issues *store.IssueStore, notify AlertNotifier, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{registry: registry, issues: issues, notify: notify, log: log}
}

// CheckEvent runs every event-triggered detector against a stored event and
// persists findings. Detector failures are logged, not propagated; one broken
// detector must not fail webhook processing.
func (e *Engine) CheckEvent(ctx context.Context, orgID string, event *store.CanonicalEvent) int {
	created := 0
	for _, checker := range e.registry.EventCheckers() {
		found, err := checker.CheckEvent(ctx, orgID, event)
		if err != nil {
			e.log.Warn("detector check failed",
				"detector", checker.ID(), "org_id", orgID, "event_id", event.ID, "error", err)
			continue
		}
		created += e.persist(ctx, orgID, checker.ID(), found)
	}
	return created
}

// RunScan executes one detector's scheduled scan for a tenant and persists
// findings. Returns the number of newly created issues.
func (e *Engine) RunScan(ctx context.Context, orgID, detectorID string) (int, error) {
	d, ok := e.registry.Get(detectorID)
	if !ok {
		return 0, fmt.Errorf("detect: unknown detector %q", detectorID)
	}
	scanner, ok := d.(Scanner)
	if !ok {
		return 0, fmt.Errorf("detect: detector %q has no scheduled scan", detectorID)
	}
	found, err := scanner.ScheduledScan(ctx, orgID)
	if err != nil {
		return 0, fmt.Errorf("detect: scan %s: %w", detectorID, err)
	}
	return e.persist(ctx, orgID, detectorID, found), nil
}

// persist dedupes and writes findings: one open issue per
// (org, issueType, user). A re-detection refreshes the existing row instead
// of creating a duplicate, and does not re-alert.
func (e *Engine) persist(ctx context.Context, orgID, detectorID string, found []contracts.DetectedIssue) int {
	created := 0
	for _, d := range found {
		var userID *string
		if d.UserID != "" {
			id := d.UserID
			userID = &id
		}

		evidenceKey, evidenceValue := "", ""
		if userID == nil {
			if src, ok := d.Evidence["source"].(string); ok {
				evidenceKey, evidenceValue = "source", src
			}
		}

		existing, err := e.issues.FindOpen(ctx, orgID, d.IssueType, userID, evidenceKey, evidenceValue)
		switch {
		case err == nil:
			if err := e.issues.Refresh(ctx, orgID, existing.ID, store.JSONMap(d.Evidence), d.Severity); err != nil {
				e.log.Warn("issue refresh failed", "issue_id", existing.ID, "error", err)
				continue
			}
			if existing.Severity != d.Severity && e.notify != nil {
				if err := e.notify(ctx, orgID, existing.ID, "issue.severity_changed"); err != nil {
					e.log.Warn("alert enqueue failed", "issue_id", existing.ID, "error", err)
				}
			}
			continue
		case !errors.Is(err, store.ErrNotFound):
			e.log.Warn("issue dedupe lookup failed",
				"org_id", orgID, "issue_type", d.IssueType, "error", err)
			continue
		}

		issue := &store.Issue{
			OrgID:                 orgID,
			UserID:                userID,
			IssueType:             d.IssueType,
			Severity:              d.Severity,
			Confidence:            d.Confidence,
			EstimatedRevenueCents: d.EstimatedRevenueCents,
			DetectorID:            detectorID,
			DetectionTier:         d.DetectionTier,
			Evidence:              store.JSONMap(d.Evidence),
			Title:                 d.Title,
			Description:           d.Description,
		}
		stored, err := e.issues.Insert(ctx, issue)
		if err != nil {
			e.log.Error("issue insert failed",
				"org_id", orgID, "issue_type", d.IssueType, "error", err)
			continue
		}
		created++

		if e.notify != nil {
			if err := e.notify(ctx, orgID, stored.ID, "issue.created"); err != nil {
				e.log.Warn("alert enqueue failed", "issue_id", stored.ID, "error", err)
			}
		}
	}
	return created
}
