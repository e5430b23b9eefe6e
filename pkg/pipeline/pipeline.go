// Package pipeline drives a raw webhook through verification,
// normalization, identity resolution, idempotent persistence, detection,
// and the entitlement state machine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/revback/revback/pkg/contracts"
	"github.com/revback/revback/pkg/detect"
	"github.com/revback/revback/pkg/entitlement"
	"github.com/revback/revback/pkg/identity"
	"github.com/revback/revback/pkg/normalize"
	"github.com/revback/revback/pkg/secrets"
	"github.com/revback/revback/pkg/store"
)

// Permanent failures. Retrying cannot change their outcome, so the worker
// maps them to a non-retried task failure.
var (
	ErrNoConnection = errors.New("pipeline: no billing connection for source")
	ErrBadSignature = errors.New("pipeline: signature verification failed")
)

// Input is one webhook (or backfill-synthesized envelope) to process.
// Trusted inputs skip signature verification and are recorded with a
// backfill ingest origin. WebhookLogID may be empty for trusted inputs.
type Input struct {
	OrgID        string
	Source       contracts.BillingSource
	WebhookLogID string
	Raw          normalize.RawWebhook
	Trusted      bool
}

// Result summarizes one pipeline run.
type Result struct {
	EventsStored     int
	EventsDuplicated int
	IssuesCreated    int
	Errors           []string
}

// Pipeline wires the ingestion stages together.
type Pipeline struct {
	connections  *store.ConnectionStore
	webhookLogs  *store.WebhookLogStore
	events       *store.EventStore
	products     *store.ProductStore
	registry     *normalize.Registry
	resolver     *identity.Resolver
	entitlements *entitlement.Engine
	detector     *detect.Engine
	box          *secrets.Box
	log          *slog.Logger
}

// New creates a Pipeline.
func New(
	connections *store.ConnectionStore,
	webhookLogs *store.WebhookLogStore,
	events *store.EventStore,
	products *store.ProductStore,
	registry *normalize.Registry,
	resolver *identity.Resolver,
	entitlements *entitlement.Engine,
	detector *detect.Engine,
	box *secrets.Box,
	log *slog.Logger,
) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		connections:  connections,
		webhookLogs:  webhookLogs,
		events:       events,
		products:     products,
		registry:     registry,
		resolver:     resolver,
		entitlements: entitlements,
		detector:     detector,
		box:          box,
		log:          log,
	}
}

// Run processes one input end to end and records the outcome on the webhook
// log. Per-event failures are collected; only a whole-run failure (no
// connection, bad signature, normalizer error) fails the job.
func (p *Pipeline) Run(ctx context.Context, in Input) (*Result, error) {
	conn, err := p.connections.Get(ctx, in.OrgID, in.Source)
	if errors.Is(err, store.ErrNotFound) {
		p.markLog(ctx, in, store.WebhookFailed, "no billing connection configured")
		return nil, ErrNoConnection
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline: load connection: %w", err)
	}

	normalizer, ok := p.registry.Get(in.Source)
	if !ok {
		p.markLog(ctx, in, store.WebhookFailed, "unsupported source")
		return nil, ErrNoConnection
	}

	if !in.Trusted {
		if err := p.verify(normalizer, conn, in.Raw); err != nil {
			p.markLog(ctx, in, store.WebhookFailed, "signature verification failed")
			return nil, err
		}
	}

	normalized, err := normalizer.Normalize(ctx, in.OrgID, in.Raw)
	if err != nil {
		p.markLog(ctx, in, store.WebhookFailed, err.Error())
		return nil, fmt.Errorf("pipeline: normalize: %w", err)
	}
	if len(normalized) == 0 {
		p.markLog(ctx, in, store.WebhookSkipped, "")
		return &Result{}, nil
	}

	res := &Result{}
	for _, ev := range normalized {
		if err := p.processEvent(ctx, in, ev, res); err != nil {
			p.log.Warn("event processing failed",
				"org_id", in.OrgID, "idempotency_key", ev.IdempotencyKey, "error", err)
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", ev.IdempotencyKey, err))
		}
	}

	if len(res.Errors) > 0 {
		p.markLog(ctx, in, store.WebhookFailed, strings.Join(res.Errors, "; "))
	} else {
		p.markLog(ctx, in, store.WebhookProcessed, "")
	}
	return res, nil
}

// IngestNormalized stores pre-normalized events as trusted backfill input.
// Used when provider API responses cannot be wrapped in webhook envelopes,
// such as Apple's signed transaction history.
func (p *Pipeline) IngestNormalized(ctx context.Context, orgID string, evs []contracts.NormalizedEvent) *Result {
	in := Input{OrgID: orgID, Trusted: true}
	res := &Result{}
	for _, ev := range evs {
		if err := p.processEvent(ctx, in, ev, res); err != nil {
			p.log.Warn("backfill event failed",
				"org_id", orgID, "idempotency_key", ev.IdempotencyKey, "error", err)
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", ev.IdempotencyKey, err))
		}
	}
	return res
}

// verify runs the normalizer's signature check against the connection's
// webhook secret. Connections without a secret configured accept unsigned
// payloads (Apple and Google carry trust in the payload itself).
func (p *Pipeline) verify(n normalize.Normalizer, conn *store.BillingConnection, raw normalize.RawWebhook) error {
	secret := ""
	if conn.WebhookSecret != nil && *conn.WebhookSecret != "" {
		plain, err := p.box.Decrypt(*conn.WebhookSecret)
		if err != nil {
			return fmt.Errorf("pipeline: decrypt webhook secret: %w", err)
		}
		secret = string(plain)
	}
	switch conn.Source {
	case contracts.SourceApple, contracts.SourceGoogle:
		// Verified against provider keys, not a shared secret.
	default:
		if secret == "" {
			return nil
		}
	}
	if !n.VerifySignature(raw, secret) {
		return ErrBadSignature
	}
	return nil
}

func (p *Pipeline) processEvent(ctx context.Context, in Input, ev contracts.NormalizedEvent, res *Result) error {
	var userID, productID *string

	if len(ev.IdentityHints) > 0 {
		id, err := p.resolver.Resolve(ctx, in.OrgID, ev.IdentityHints)
		if err != nil {
			return fmt.Errorf("resolve user: %w", err)
		}
		userID = &id
	}

	if ev.ExternalProductID != "" {
		product, err := p.products.ResolveOrCreate(ctx, in.OrgID, ev.Source, ev.ExternalProductID)
		if err != nil {
			return fmt.Errorf("resolve product: %w", err)
		}
		productID = &product.ID
	}

	record := eventRecord(in, ev, userID, productID)
	stored, err := p.events.Insert(ctx, record)
	if errors.Is(err, store.ErrDuplicate) {
		res.EventsDuplicated++
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	res.EventsStored++

	// Detection sees the entitlement state the event arrived under; the
	// transition is applied after.
	res.IssuesCreated += p.detector.CheckEvent(ctx, in.OrgID, stored)

	if _, err := p.entitlements.Process(ctx, stored); err != nil {
		return fmt.Errorf("entitlement: %w", err)
	}

	if err := p.events.MarkProcessed(ctx, in.OrgID, stored.ID); err != nil {
		p.log.Warn("mark processed failed", "event_id", stored.ID, "error", err)
	}
	return nil
}

func eventRecord(in Input, ev contracts.NormalizedEvent, userID, productID *string) *store.CanonicalEvent {
	origin := store.OriginWebhook
	if in.Trusted {
		origin = store.OriginBackfill
	}
	return &store.CanonicalEvent{
		OrgID:                  in.OrgID,
		UserID:                 userID,
		ProductID:              productID,
		Source:                 ev.Source,
		EventType:              ev.EventType,
		SourceEventType:        ev.SourceEventType,
		Status:                 ev.Status,
		EventTime:              ev.EventTime,
		AmountCents:            ev.AmountCents,
		Currency:               ev.Currency,
		ProceedsCents:          ev.ProceedsCents,
		ExternalEventID:        strPtr(ev.ExternalEventID),
		ExternalSubscriptionID: strPtr(ev.ExternalSubscriptionID),
		OriginalTransactionID:  strPtr(ev.OriginalTransactionID),
		SubscriptionGroupID:    strPtr(ev.SubscriptionGroupID),
		PeriodType:             strPtr(ev.PeriodType),
		PeriodStart:            ev.PeriodStart,
		PeriodEnd:              ev.PeriodEnd,
		ExpirationTime:         ev.ExpirationTime,
		GracePeriodExpiration:  ev.GracePeriodExpiration,
		CancellationReason:     strPtr(ev.CancellationReason),
		BillingInterval:        strPtr(ev.BillingInterval),
		PlanTier:               strPtr(ev.PlanTier),
		TrialStartedAt:         ev.TrialStartedAt,
		Environment:            ev.Environment,
		CountryCode:            strPtr(ev.CountryCode),
		RawPayload:             ev.RawPayload,
		IdempotencyKey:         ev.IdempotencyKey,
		IngestOrigin:           origin,
	}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (p *Pipeline) markLog(ctx context.Context, in Input, status store.WebhookProcessingStatus, errMsg string) {
	if in.WebhookLogID == "" {
		return
	}
	if err := p.webhookLogs.SetStatus(ctx, in.OrgID, in.WebhookLogID, status, errMsg); err != nil {
		p.log.Warn("webhook log update failed", "webhook_log_id", in.WebhookLogID, "error", err)
	}
}
