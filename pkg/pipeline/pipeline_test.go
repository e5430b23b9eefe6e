package pipeline

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revback/revback/pkg/contracts"
	"github.com/revback/revback/pkg/detect"
	"github.com/revback/revback/pkg/entitlement"
	"github.com/revback/revback/pkg/identity"
	"github.com/revback/revback/pkg/normalize"
	"github.com/revback/revback/pkg/secrets"
	"github.com/revback/revback/pkg/store"
)

// stubNormalizer lets tests script signature results and normalized output.
type stubNormalizer struct {
	source     contracts.BillingSource
	sigOK      bool
	gotSecret  string
	events     []contracts.NormalizedEvent
	normalized bool
}

func (s *stubNormalizer) Source() contracts.BillingSource { return s.source }

func (s *stubNormalizer) VerifySignature(_ normalize.RawWebhook, secret string) bool {
	s.gotSecret = secret
	return s.sigOK
}

func (s *stubNormalizer) Normalize(_ context.Context, _ string, _ normalize.RawWebhook) ([]contracts.NormalizedEvent, error) {
	s.normalized = true
	return s.events, nil
}

var connCols = []string{
	"id", "org_id", "source", "credentials", "webhook_secret", "original_notification_url",
	"active", "last_webhook_at", "last_sync_at", "sync_status", "created_at", "updated_at",
}

func newTestBox(t *testing.T) *secrets.Box {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	box, err := secrets.NewBox(key, nil)
	require.NoError(t, err)
	return box
}

type fixture struct {
	pipeline   *Pipeline
	mock       sqlmock.Sqlmock
	box        *secrets.Box
	normalizer *stubNormalizer
}

func newFixture(t *testing.T, n *stubNormalizer) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	box := newTestBox(t)
	registry := normalize.NewRegistry(n)

	issues := store.NewIssueStore(db)
	detector := detect.NewEngine(detect.NewRegistry(detect.Deps{
		Entitlements: store.NewEntitlementStore(db),
		Events:       store.NewEventStore(db),
	}), issues, nil, nil)

	engine := entitlement.NewEngine(store.NewEntitlementStore(db), nil)
	resolver := identity.NewResolver(store.NewUserStore(db), nil, nil)

	p := New(
		store.NewConnectionStore(db),
		store.NewWebhookLogStore(db),
		store.NewEventStore(db),
		store.NewProductStore(db),
		registry,
		resolver,
		engine,
		detector,
		box,
		nil,
	)
	return &fixture{pipeline: p, mock: mock, box: box, normalizer: n}
}

func expectConnection(f *fixture, t *testing.T, source string, secret *string) {
	t.Helper()
	var enc any
	if secret != nil {
		ct, err := f.box.Encrypt([]byte(*secret))
		require.NoError(t, err)
		enc = ct
	}
	now := time.Now()
	f.mock.ExpectQuery("FROM billing_connections").
		WillReturnRows(sqlmock.NewRows(connCols).AddRow(
			"conn-1", "org-1", source, "enc", enc, nil,
			true, now, nil, nil, now, now))
}

func TestRun_NoConnectionIsPermanent(t *testing.T) {
	f := newFixture(t, &stubNormalizer{source: contracts.SourceStripe, sigOK: true})

	f.mock.ExpectQuery("FROM billing_connections").
		WillReturnRows(sqlmock.NewRows(connCols))
	f.mock.ExpectExec("UPDATE webhook_logs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := f.pipeline.Run(context.Background(), Input{
		OrgID: "org-1", Source: contracts.SourceStripe, WebhookLogID: "wl-1",
	})
	assert.ErrorIs(t, err, ErrNoConnection)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRun_SignatureFailureIsPermanent(t *testing.T) {
	n := &stubNormalizer{source: contracts.SourceStripe, sigOK: false}
	f := newFixture(t, n)

	secret := "whsec_test"
	expectConnection(f, t, "stripe", &secret)
	f.mock.ExpectExec("UPDATE webhook_logs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := f.pipeline.Run(context.Background(), Input{
		OrgID: "org-1", Source: contracts.SourceStripe, WebhookLogID: "wl-1",
	})
	assert.ErrorIs(t, err, ErrBadSignature)
	// The secret handed to the verifier is the decrypted plaintext.
	assert.Equal(t, "whsec_test", n.gotSecret)
	assert.False(t, n.normalized)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRun_TrustedSkipsVerification(t *testing.T) {
	n := &stubNormalizer{source: contracts.SourceStripe, sigOK: false}
	f := newFixture(t, n)

	secret := "whsec_test"
	expectConnection(f, t, "stripe", &secret)

	res, err := f.pipeline.Run(context.Background(), Input{
		OrgID: "org-1", Source: contracts.SourceStripe, Trusted: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.EventsStored)
	assert.True(t, n.normalized)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRun_EmptyNormalizationIsSkipped(t *testing.T) {
	n := &stubNormalizer{source: contracts.SourceStripe, sigOK: true}
	f := newFixture(t, n)

	expectConnection(f, t, "stripe", nil)
	f.mock.ExpectExec("UPDATE webhook_logs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := f.pipeline.Run(context.Background(), Input{
		OrgID: "org-1", Source: contracts.SourceStripe, WebhookLogID: "wl-1",
	})
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 0, res.EventsStored)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRun_StoresEventAndMarksProcessed(t *testing.T) {
	// A cancellation with no identity hints and no product: skips resolution,
	// no detector reacts, and without a user the entitlement engine is a no-op.
	ev := contracts.NormalizedEvent{
		Source:          contracts.SourceStripe,
		EventType:       contracts.EventCancellation,
		SourceEventType: "customer.subscription.updated",
		Status:          contracts.StatusSuccess,
		EventTime:       time.Now().UTC(),
		Environment:     contracts.EnvProduction,
		IdempotencyKey:  "stripe:evt_1",
		RawPayload:      []byte(`{}`),
	}
	n := &stubNormalizer{source: contracts.SourceStripe, sigOK: true, events: []contracts.NormalizedEvent{ev}}
	f := newFixture(t, n)

	expectConnection(f, t, "stripe", nil)
	f.mock.ExpectQuery("INSERT INTO canonical_events").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("evt-row-1"))
	f.mock.ExpectExec("UPDATE canonical_events").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE webhook_logs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := f.pipeline.Run(context.Background(), Input{
		OrgID: "org-1", Source: contracts.SourceStripe, WebhookLogID: "wl-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.EventsStored)
	assert.Empty(t, res.Errors)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRun_DuplicateEventIsCountedNotFailed(t *testing.T) {
	ev := contracts.NormalizedEvent{
		Source:         contracts.SourceStripe,
		EventType:      contracts.EventCancellation,
		Status:         contracts.StatusSuccess,
		EventTime:      time.Now().UTC(),
		Environment:    contracts.EnvProduction,
		IdempotencyKey: "stripe:evt_1",
		RawPayload:     []byte(`{}`),
	}
	n := &stubNormalizer{source: contracts.SourceStripe, sigOK: true, events: []contracts.NormalizedEvent{ev}}
	f := newFixture(t, n)

	expectConnection(f, t, "stripe", nil)
	// ON CONFLICT DO NOTHING returns no row for a replay.
	f.mock.ExpectQuery("INSERT INTO canonical_events").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	f.mock.ExpectExec("UPDATE webhook_logs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := f.pipeline.Run(context.Background(), Input{
		OrgID: "org-1", Source: contracts.SourceStripe, WebhookLogID: "wl-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.EventsStored)
	assert.Equal(t, 1, res.EventsDuplicated)
	assert.Empty(t, res.Errors)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestEventRecord_OriginFollowsTrust(t *testing.T) {
	ev := contracts.NormalizedEvent{IdempotencyKey: "k", Environment: contracts.EnvProduction}

	rec := eventRecord(Input{OrgID: "org-1"}, ev, nil, nil)
	assert.Equal(t, store.OriginWebhook, rec.IngestOrigin)

	rec = eventRecord(Input{OrgID: "org-1", Trusted: true}, ev, nil, nil)
	assert.Equal(t, store.OriginBackfill, rec.IngestOrigin)
	assert.Nil(t, rec.ExternalEventID)
}
