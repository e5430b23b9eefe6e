// Package audit records every mutating admin operation to the append-only
// audit log. Recording never blocks the operation it describes: failures are
// logged and swallowed.
package audit

import (
	"context"
	"log/slog"

	"github.com/revback/revback/pkg/store"
)

// Actor types.
const (
	ActorAPIKey = "api_key"
	ActorSystem = "system"
	ActorUser   = "user"
)

// Actions.
const (
	ActionConnectionCreated  = "connection.created"
	ActionConnectionUpdated  = "connection.updated"
	ActionAlertConfigCreated = "alert_config.created"
	ActionAlertConfigUpdated = "alert_config.updated"
	ActionAlertConfigDeleted = "alert_config.deleted"
	ActionAlertSecretRead    = "alert_config.secret_read"
	ActionUserMerged         = "user.merged"
	ActionUserDataDeleted    = "user.data_deleted"
	ActionUserDataExported   = "user.data_exported"
	ActionScanTriggered      = "scan.triggered"
	ActionBackfillTriggered  = "backfill.triggered"
	ActionKeysRotated        = "credentials.rotated"
)

// Recorder appends audit rows.
type Recorder struct {
	store *store.AuditStore
	log   *slog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(s *store.AuditStore, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{store: s, log: log}
}

// Record appends one audit row. Errors are logged, not returned; the audit
// trail must not veto the operation it witnesses.
func (r *Recorder) Record(ctx context.Context, orgID, actorType, actorID, action, resourceType, resourceID string, metadata map[string]any) {
	meta := store.JSONMap(metadata)
	if meta == nil {
		meta = store.JSONMap{}
	}
	err := r.store.Append(ctx, &store.AuditLog{
		OrgID:        orgID,
		ActorType:    actorType,
		ActorID:      actorID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   &resourceID,
		Metadata:     meta,
	})
	if err != nil {
		r.log.Error("audit append failed", "action", action, "org_id", orgID, "error", err)
	}
}

// System records an action performed by the platform itself.
func (r *Recorder) System(ctx context.Context, orgID, action, resourceType, resourceID string, metadata map[string]any) {
	r.Record(ctx, orgID, ActorSystem, "revback", action, resourceType, resourceID, metadata)
}
