package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hibiken/asynq"

	"github.com/revback/revback/pkg/backfill"
	"github.com/revback/revback/pkg/detect"
	"github.com/revback/revback/pkg/dispatch"
	"github.com/revback/revback/pkg/normalize"
	"github.com/revback/revback/pkg/pipeline"
	"github.com/revback/revback/pkg/queue"
	"github.com/revback/revback/pkg/store"
)

// EndpointHeader preserves the public URL a webhook arrived on. The API
// layer records it with the captured headers; Google push verification
// binds the bearer token's audience to it.
const EndpointHeader = "X-Revback-Endpoint"

const (
	webhookLogRetention = 90 * 24 * time.Hour
	rawPayloadRetention = 2 * 365 * 24 * time.Hour
	retentionBatchSize  = 1000
)

// Handlers owns the asynq task handlers.
type Handlers struct {
	pipe        *pipeline.Pipeline
	webhookLogs *store.WebhookLogStore
	events      *store.EventStore
	scanRuns    *store.ScanRunStore
	detector    *detect.Engine
	dispatcher  *dispatch.Dispatcher
	deliverer   *dispatch.Deliverer
	backfills   *backfill.Runner
	log         *slog.Logger
	clock       func() time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(
	pipe *pipeline.Pipeline,
	webhookLogs *store.WebhookLogStore,
	events *store.EventStore,
	scanRuns *store.ScanRunStore,
	detector *detect.Engine,
	dispatcher *dispatch.Dispatcher,
	deliverer *dispatch.Deliverer,
	backfills *backfill.Runner,
	log *slog.Logger,
) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{
		pipe:        pipe,
		webhookLogs: webhookLogs,
		events:      events,
		scanRuns:    scanRuns,
		detector:    detector,
		dispatcher:  dispatcher,
		deliverer:   deliverer,
		backfills:   backfills,
		log:         log,
		clock:       time.Now,
	}
}

// Mux registers every task type.
func (h *Handlers) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeWebhookProcess, h.handleWebhookProcess)
	mux.HandleFunc(queue.TypeScanRun, h.handleScanRun)
	mux.HandleFunc(queue.TypeRetentionRun, h.handleRetentionRun)
	mux.HandleFunc(queue.TypeBackfillRun, h.handleBackfillRun)
	mux.HandleFunc(queue.TypeAlertDispatch, h.handleAlertDispatch)
	mux.HandleFunc(queue.TypeWebhookDeliver, h.handleWebhookDeliver)
	return mux
}

// handleWebhookProcess reads the stored webhook back and runs the pipeline.
// Signature and configuration failures are final; everything else retries.
func (h *Handlers) handleWebhookProcess(ctx context.Context, t *asynq.Task) error {
	var p queue.WebhookProcessPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("webhook process payload: %v: %w", err, asynq.SkipRetry)
	}

	wlog, err := h.webhookLogs.Get(ctx, p.OrgID, p.WebhookLogID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("webhook log %s gone: %w", p.WebhookLogID, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}

	headers := make(http.Header, len(wlog.Headers))
	for k, v := range wlog.Headers {
		headers.Set(k, v)
	}
	raw := normalize.RawWebhook{
		Body:        []byte(wlog.Body),
		Headers:     headers,
		EndpointURL: headers.Get(EndpointHeader),
	}

	_, err = h.pipe.Run(ctx, pipeline.Input{
		OrgID:        p.OrgID,
		Source:       p.Source,
		WebhookLogID: p.WebhookLogID,
		Raw:          raw,
		Trusted:      p.Trusted,
	})
	if errors.Is(err, pipeline.ErrBadSignature) || errors.Is(err, pipeline.ErrNoConnection) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

// handleScanRun executes one detector scan and records the run.
func (h *Handlers) handleScanRun(ctx context.Context, t *asynq.Task) error {
	var p queue.ScanRunPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("scan payload: %v: %w", err, asynq.SkipRetry)
	}

	started := h.clock()
	created, scanErr := h.detector.RunScan(ctx, p.OrgID, p.DetectorID)

	run := &store.ScanRun{
		OrgID:       p.OrgID,
		DetectorID:  p.DetectorID,
		StartedAt:   started.UTC(),
		DurationMs:  h.clock().Sub(started).Milliseconds(),
		IssuesFound: created,
	}
	if scanErr != nil {
		msg := scanErr.Error()
		run.Error = &msg
	}
	if err := h.scanRuns.Insert(ctx, run); err != nil {
		h.log.Warn("scan run record failed", "org_id", p.OrgID, "detector", p.DetectorID, "error", err)
	}
	return scanErr
}

// handleRetentionRun deletes aged webhook logs and redacts aged raw
// payloads, in batches so the sweep never holds long row locks.
func (h *Handlers) handleRetentionRun(ctx context.Context, _ *asynq.Task) error {
	now := h.clock()

	var logsDeleted int64
	for {
		n, err := h.webhookLogs.DeleteOlderThan(ctx, now.Add(-webhookLogRetention), retentionBatchSize)
		if err != nil {
			return fmt.Errorf("retention: webhook logs: %w", err)
		}
		logsDeleted += n
		if n < retentionBatchSize {
			break
		}
	}

	var payloadsRedacted int64
	for {
		n, err := h.events.RedactRawPayloads(ctx, now.Add(-rawPayloadRetention), retentionBatchSize)
		if err != nil {
			return fmt.Errorf("retention: raw payloads: %w", err)
		}
		payloadsRedacted += n
		if n < retentionBatchSize {
			break
		}
	}

	h.log.Info("retention sweep completed",
		"webhook_logs_deleted", logsDeleted, "payloads_redacted", payloadsRedacted)
	return nil
}

func (h *Handlers) handleBackfillRun(ctx context.Context, t *asynq.Task) error {
	var p queue.BackfillRunPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("backfill payload: %v: %w", err, asynq.SkipRetry)
	}
	err := h.backfills.Run(ctx, p.OrgID, p.Source)
	if errors.Is(err, backfill.ErrAlreadyRunning) {
		h.log.Info("backfill already running", "org_id", p.OrgID, "source", p.Source)
		return nil
	}
	return err
}

func (h *Handlers) handleAlertDispatch(ctx context.Context, t *asynq.Task) error {
	var p queue.AlertDispatchPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("alert payload: %v: %w", err, asynq.SkipRetry)
	}
	return h.dispatcher.HandleDispatch(ctx, p)
}

func (h *Handlers) handleWebhookDeliver(ctx context.Context, t *asynq.Task) error {
	var p queue.WebhookDeliverPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("deliver payload: %v: %w", err, asynq.SkipRetry)
	}
	attempt, _ := asynq.GetRetryCount(ctx)
	err := h.deliverer.HandleDeliver(ctx, p, attempt+1)
	if errors.Is(err, dispatch.ErrDropped) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}
