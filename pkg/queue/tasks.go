// Package queue defines the asynq task types and enqueue helpers shared by
// the ingestion pipeline, the scheduler, and outbound delivery.
//
// Delivery is at-least-once: every handler behind these tasks is idempotent
// (unique keys, optimistic locks, or payload-id dedupe on the consumer side).
package queue

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/hibiken/asynq"
	"github.com/revback/revback/pkg/contracts"
)

// Task type names. Each maps to exactly one queue.
const (
	TypeWebhookProcess = "webhook:process"
	TypeAlertDispatch  = "alert:dispatch"
	TypeWebhookDeliver = "webhook:deliver"
	TypeScanRun        = "scan:run"
	TypeRetentionRun   = "retention:run"
	TypeBackfillRun    = "backfill:run"
)

// WebhookProcessPayload points the worker at a stored webhook log row; the
// raw body is read back from the store, not carried through Redis.
type WebhookProcessPayload struct {
	OrgID        string                  `json:"org_id"`
	WebhookLogID string                  `json:"webhook_log_id"`
	Source       contracts.BillingSource `json:"source"`
	Trusted      bool                    `json:"trusted"`
}

// AlertDispatchPayload fans an issue lifecycle event out to alert channels.
type AlertDispatchPayload struct {
	OrgID   string `json:"org_id"`
	IssueID string `json:"issue_id"`
	Event   string `json:"event"`
}

// WebhookDeliverPayload is one outbound delivery. Body is the fully built
// envelope; DeliveryID is the envelope id customers deduplicate on, stable
// across retries.
type WebhookDeliverPayload struct {
	OrgID      string          `json:"org_id"`
	ConfigID   string          `json:"config_id"`
	IssueID    string          `json:"issue_id"`
	Event      string          `json:"event"`
	DeliveryID string          `json:"delivery_id"`
	Body       json.RawMessage `json:"body"`
}

// ScanRunPayload runs one detector's scheduled scan for one tenant.
type ScanRunPayload struct {
	OrgID      string `json:"org_id"`
	DetectorID string `json:"detector_id"`
}

// BackfillRunPayload runs a historical import for (tenant, source).
type BackfillRunPayload struct {
	OrgID  string                  `json:"org_id"`
	Source contracts.BillingSource `json:"source"`
}

// NewWebhookProcessTask builds a webhook-processing task.
func NewWebhookProcessTask(p WebhookProcessPayload) (*asynq.Task, error) {
	return newTask(TypeWebhookProcess, p,
		asynq.Queue(contracts.QueueWebhookProcessing),
		asynq.MaxRetry(5),
		asynq.Timeout(2*time.Minute),
	)
}

// NewAlertDispatchTask builds an alert-dispatch task.
func NewAlertDispatchTask(p AlertDispatchPayload) (*asynq.Task, error) {
	return newTask(TypeAlertDispatch, p,
		asynq.Queue(contracts.QueueAlertDispatch),
		asynq.MaxRetry(3),
		asynq.Timeout(time.Minute),
	)
}

// NewWebhookDeliverTask builds an outbound webhook delivery task. Seven
// retries follow the escalating schedule in RetryDelay; exhaustion archives
// the task (dead-letter).
func NewWebhookDeliverTask(p WebhookDeliverPayload) (*asynq.Task, error) {
	return newTask(TypeWebhookDeliver, p,
		asynq.Queue(contracts.QueueWebhookDelivery),
		asynq.MaxRetry(7),
		asynq.Timeout(15*time.Second),
	)
}

// NewScanRunTask builds a scheduled-scan task.
func NewScanRunTask(p ScanRunPayload) (*asynq.Task, error) {
	return newTask(TypeScanRun, p,
		asynq.Queue(contracts.QueueScheduledScans),
		asynq.MaxRetry(3),
		asynq.Timeout(10*time.Minute),
	)
}

// NewRetentionRunTask builds the daily data-retention task.
func NewRetentionRunTask() (*asynq.Task, error) {
	return newTask(TypeRetentionRun, struct{}{},
		asynq.Queue(contracts.QueueDataRetention),
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Minute),
	)
}

// NewBackfillRunTask builds an ingestion-backfill task. A single attempt:
// partial progress is recorded in the progress object, not replayed.
func NewBackfillRunTask(p BackfillRunPayload) (*asynq.Task, error) {
	return newTask(TypeBackfillRun, p,
		asynq.Queue(contracts.QueueIngestionBackfill),
		asynq.MaxRetry(0),
		asynq.Timeout(2*time.Hour),
	)
}

func newTask(typename string, payload any, opts ...asynq.Option) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal %s payload: %w", typename, err)
	}
	return asynq.NewTask(typename, data, opts...), nil
}

// deliverySchedule approximates (1s, 5s, 30s, 2m, 15m, 1h, 6h) for outbound
// webhook retries.
var deliverySchedule = []time.Duration{
	time.Second,
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	15 * time.Minute,
	time.Hour,
	6 * time.Hour,
}

// RetryDelay picks the retry interval per task type: the fixed escalating
// schedule for outbound deliveries, exponential backoff (base 30s, x2) for
// scans and webhook processing.
func RetryDelay(n int, _ error, t *asynq.Task) time.Duration {
	switch t.Type() {
	case TypeWebhookDeliver:
		if n < len(deliverySchedule) {
			return deliverySchedule[n]
		}
		return deliverySchedule[len(deliverySchedule)-1]
	default:
		backoff := 30 * time.Second * time.Duration(math.Pow(2, float64(n)))
		if backoff > time.Hour {
			backoff = time.Hour
		}
		return backoff
	}
}
