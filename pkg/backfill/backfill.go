// Package backfill imports historical subscription data from the billing
// providers. Provider responses are wrapped in webhook-shaped envelopes and
// fed through the trusted pipeline entry, so backfilled data takes the same
// normalization, identity, and entitlement path as live webhooks and replays
// are idempotent.
package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/revback/revback/pkg/contracts"
	"github.com/revback/revback/pkg/normalize"
	"github.com/revback/revback/pkg/pipeline"
	"github.com/revback/revback/pkg/providers"
	"github.com/revback/revback/pkg/secrets"
	"github.com/revback/revback/pkg/store"
)

// Backfill progress states.
const (
	StatusCounting               = "counting"
	StatusImportingSubscriptions = "importing_subscriptions"
	StatusImportingEvents        = "importing_events"
	StatusCompleted              = "completed"
	StatusFailed                 = "failed"
)

const (
	progressTTL = 7 * 24 * time.Hour
	maxPages    = 500
	maxErrors   = 50
)

// Progress is the externally visible state of one backfill run, stored in
// Redis under backfill:<source>:<orgId>.
type Progress struct {
	Status                 string    `json:"status"`
	TotalEstimated         int       `json:"totalEstimated"`
	SubscriptionsProcessed int       `json:"subscriptionsProcessed"`
	EventsProcessed        int       `json:"eventsProcessed"`
	Errors                 []string  `json:"errors,omitempty"`
	StartedAt              time.Time `json:"startedAt"`
	DurationMs             int64     `json:"durationMs,omitempty"`
}

// InFlight reports whether the run is still working.
func (p *Progress) InFlight() bool {
	return p.Status != StatusCompleted && p.Status != StatusFailed
}

// ErrAlreadyRunning rejects a second backfill for the same (org, source)
// while one is in flight.
var ErrAlreadyRunning = errors.New("backfill: already running")

// Runner executes backfills.
type Runner struct {
	connections *store.ConnectionStore
	events      *store.EventStore
	box         *secrets.Box
	pipe        *pipeline.Pipeline
	caller      *providers.Caller
	apple       *normalize.AppleNormalizer
	rdb         redis.UniversalClient
	log         *slog.Logger
	clock       func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(
	connections *store.ConnectionStore,
	events *store.EventStore,
	box *secrets.Box,
	pipe *pipeline.Pipeline,
	caller *providers.Caller,
	apple *normalize.AppleNormalizer,
	rdb redis.UniversalClient,
	log *slog.Logger,
) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		connections: connections,
		events:      events,
		box:         box,
		pipe:        pipe,
		caller:      caller,
		apple:       apple,
		rdb:         rdb,
		log:         log,
		clock:       time.Now,
	}
}

// WithClock overrides the clock for testing.
func (r *Runner) WithClock(clock func() time.Time) *Runner {
	r.clock = clock
	return r
}

func progressKey(source contracts.BillingSource, orgID string) string {
	return fmt.Sprintf("backfill:%s:%s", source, orgID)
}

// GetProgress reads the stored progress for (org, source). Returns
// store.ErrNotFound when no backfill was ever run.
func (r *Runner) GetProgress(ctx context.Context, orgID string, source contracts.BillingSource) (*Progress, error) {
	data, err := r.rdb.Get(ctx, progressKey(source, orgID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("backfill: read progress: %w", err)
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("backfill: decode progress: %w", err)
	}
	return &p, nil
}

func (r *Runner) save(ctx context.Context, orgID string, source contracts.BillingSource, p *Progress) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := r.rdb.Set(ctx, progressKey(source, orgID), data, progressTTL).Err(); err != nil {
		r.log.Warn("backfill progress write failed", "org_id", orgID, "source", source, "error", err)
	}
}

// Run executes one full backfill for (org, source). Progress is observable
// throughout; a failure freezes the progress object in the failed state with
// the errors collected so far.
func (r *Runner) Run(ctx context.Context, orgID string, source contracts.BillingSource) error {
	if p, err := r.GetProgress(ctx, orgID, source); err == nil && p.InFlight() {
		return ErrAlreadyRunning
	}

	conn, err := r.connections.Get(ctx, orgID, source)
	if err != nil {
		return fmt.Errorf("backfill: load connection: %w", err)
	}
	creds, err := r.box.Decrypt(conn.Credentials)
	if err != nil {
		return fmt.Errorf("backfill: decrypt credentials: %w", err)
	}

	started := r.clock()
	p := &Progress{Status: StatusCounting, StartedAt: started.UTC()}
	r.save(ctx, orgID, source, p)
	_ = r.connections.SetSyncStatus(ctx, orgID, source, "syncing")

	switch source {
	case contracts.SourceStripe:
		err = r.runStripe(ctx, orgID, creds, p)
	case contracts.SourceRecurly:
		err = r.runRecurly(ctx, orgID, creds, p)
	case contracts.SourceApple:
		err = r.runApple(ctx, orgID, creds, p)
	case contracts.SourceGoogle:
		err = r.runGoogle(ctx, orgID, creds, p)
	default:
		err = fmt.Errorf("backfill: unsupported source %q", source)
	}

	p.DurationMs = r.clock().Sub(started).Milliseconds()
	if err != nil {
		p.Status = StatusFailed
		p.Errors = appendError(p.Errors, err.Error())
		r.save(ctx, orgID, source, p)
		_ = r.connections.SetSyncStatus(ctx, orgID, source, "failed")
		return err
	}

	p.Status = StatusCompleted
	r.save(ctx, orgID, source, p)
	_ = r.connections.SetSyncStatus(ctx, orgID, source, "synced")
	r.log.Info("backfill completed",
		"org_id", orgID, "source", source,
		"subscriptions", p.SubscriptionsProcessed, "events", p.EventsProcessed,
		"duration_ms", p.DurationMs)
	return nil
}

// feed pushes one synthesized webhook body through the trusted pipeline path.
func (r *Runner) feed(ctx context.Context, orgID string, source contracts.BillingSource, body []byte, p *Progress) {
	res, err := r.pipe.Run(ctx, pipeline.Input{
		OrgID:   orgID,
		Source:  source,
		Raw:     normalize.RawWebhook{Body: body},
		Trusted: true,
	})
	if err != nil {
		p.Errors = appendError(p.Errors, err.Error())
		return
	}
	p.Errors = appendErrors(p.Errors, res.Errors)
}

func appendError(errs []string, msg string) []string {
	if len(errs) >= maxErrors {
		return errs
	}
	return append(errs, msg)
}

func appendErrors(errs []string, more []string) []string {
	for _, msg := range more {
		errs = appendError(errs, msg)
	}
	return errs
}
