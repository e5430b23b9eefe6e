package detect

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revback/revback/pkg/contracts"
	"github.com/revback/revback/pkg/store"
)

func TestRegistry_StandardSet(t *testing.T) {
	r := NewRegistry(Deps{})

	want := []string{
		"paid_no_access", "refund_not_revoked", "entitlement_without_payment",
		"webhook_delivery_gap", "cross_platform_mismatch", "silent_renewal_failure",
		"trial_no_conversion", "verified_paid_no_access", "verified_access_no_payment",
	}
	assert.Len(t, r.All(), len(want))
	for _, id := range want {
		_, ok := r.Get(id)
		assert.True(t, ok, id)
	}

	// Two detectors react to events synchronously; all but paid_no_access scan.
	checkers := r.EventCheckers()
	assert.Len(t, checkers, 2)
	assert.Len(t, r.Scanners(), 8)
	for _, s := range r.Scanners() {
		assert.NotEmpty(t, s.Schedule(), s.ID())
	}
}

func TestTrialNoConversionConfidence_Boundaries(t *testing.T) {
	assert.InDelta(t, 0.60, trialNoConversionConfidence(0), 1e-9)
	assert.InDelta(t, 0.80, trialNoConversionConfidence(10), 1e-9)
	// Clamped at 0.90 from hour 15 onward.
	assert.InDelta(t, 0.90, trialNoConversionConfidence(15), 1e-9)
	assert.InDelta(t, 0.90, trialNoConversionConfidence(20), 1e-9)
	assert.InDelta(t, 0.90, trialNoConversionConfidence(500), 1e-9)
}

func TestPeriodMonths(t *testing.T) {
	year := "year"
	month := "month"
	assert.Equal(t, 12, periodMonths(&year))
	assert.Equal(t, 1, periodMonths(&month))
	assert.Equal(t, 1, periodMonths(nil))
	assert.Equal(t, int64(100), monthlyEquivalent(1200, &year))
	assert.Equal(t, int64(1200), monthlyEquivalent(1200, &month))
}

var connCols = []string{
	"id", "org_id", "source", "credentials", "webhook_secret", "original_notification_url",
	"active", "last_webhook_at", "last_sync_at", "sync_status", "created_at", "updated_at",
}

func newGapDetector(t *testing.T) (*webhookDeliveryGap, sqlmock.Sqlmock, time.Time) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	deps := Deps{
		Connections: store.NewConnectionStore(db),
		Clock:       func() time.Time { return now },
	}
	return &webhookDeliveryGap{deps}, mock, now
}

func TestWebhookDeliveryGap_Boundaries(t *testing.T) {
	cases := []struct {
		name         string
		source       string
		hoursSince   int
		wantSeverity contracts.Severity
		wantIssue    bool
	}{
		{"apple under warning", "apple", 11, "", false},
		{"apple at warning", "apple", 12, contracts.SeverityWarning, true},
		{"apple mid", "apple", 15, contracts.SeverityWarning, true},
		{"apple at critical", "apple", 48, contracts.SeverityCritical, true},
		{"stripe under warning", "stripe", 3, "", false},
		{"stripe at warning", "stripe", 4, contracts.SeverityWarning, true},
		{"stripe at critical", "stripe", 12, contracts.SeverityCritical, true},
		{"google at warning", "google", 6, contracts.SeverityWarning, true},
		{"google at critical", "google", 24, contracts.SeverityCritical, true},
		{"recurly at critical", "recurly", 12, contracts.SeverityCritical, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, mock, now := newGapDetector(t)
			last := now.Add(-time.Duration(tc.hoursSince) * time.Hour)
			mock.ExpectQuery("FROM billing_connections").
				WillReturnRows(sqlmock.NewRows(connCols).AddRow(
					"conn-1", "org-1", tc.source, "enc", nil, nil,
					true, last, nil, nil, now.Add(-30*24*time.Hour), now))

			issues, err := d.ScheduledScan(context.Background(), "org-1")
			require.NoError(t, err)
			if !tc.wantIssue {
				assert.Empty(t, issues)
				return
			}
			require.Len(t, issues, 1)
			assert.Equal(t, tc.wantSeverity, issues[0].Severity)
			assert.Equal(t, tc.source, issues[0].Evidence["source"])
		})
	}
}

func TestWebhookDeliveryGap_NeverReceived(t *testing.T) {
	d, mock, now := newGapDetector(t)

	// Connection older than a day with no webhook ever: critical 0.95.
	mock.ExpectQuery("FROM billing_connections").
		WillReturnRows(sqlmock.NewRows(connCols).AddRow(
			"conn-1", "org-1", "stripe", "enc", nil, nil,
			true, nil, nil, nil, now.Add(-25*time.Hour), now))

	issues, err := d.ScheduledScan(context.Background(), "org-1")
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, contracts.SeverityCritical, issues[0].Severity)
	assert.InDelta(t, 0.95, issues[0].Confidence, 1e-9)

	// A fresh connection gets a grace day before alarming.
	mock.ExpectQuery("FROM billing_connections").
		WillReturnRows(sqlmock.NewRows(connCols).AddRow(
			"conn-2", "org-1", "stripe", "enc", nil, nil,
			true, nil, nil, nil, now.Add(-2*time.Hour), now))

	issues, err = d.ScheduledScan(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestPaidNoAccess_CheckEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	d := &paidNoAccess{Deps{Entitlements: store.NewEntitlementStore(db)}}
	userID, productID := "user-1", "prod-1"
	event := &store.CanonicalEvent{
		ID: "evt-1", OrgID: "org-1", UserID: &userID, ProductID: &productID,
		Source:      contracts.SourceStripe,
		EventType:   contracts.EventRenewal,
		Status:      contracts.StatusSuccess,
		AmountCents: 1999,
	}

	entCols := []string{
		"id", "org_id", "user_id", "product_id", "source", "state", "external_subscription_id",
		"current_period_start", "current_period_end", "cancel_at", "trial_end", "billing_interval",
		"plan_tier", "last_event_id", "state_history", "metadata", "created_at", "updated_at",
	}
	now := time.Now()
	mock.ExpectQuery("FROM entitlements").
		WillReturnRows(sqlmock.NewRows(entCols).AddRow(
			"ent-1", "org-1", userID, productID, "stripe", "expired", nil,
			nil, nil, nil, nil, nil, nil, nil, []byte(`[]`), []byte(`{}`), now, now))

	issues, err := d.CheckEvent(context.Background(), "org-1", event)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "paid_no_access", issues[0].IssueType)
	assert.Equal(t, contracts.SeverityCritical, issues[0].Severity)
	assert.InDelta(t, 0.95, issues[0].Confidence, 1e-9)
	assert.Equal(t, int64(1999), issues[0].EstimatedRevenueCents)
	assert.Equal(t, "expired", issues[0].Evidence["entitlementState"])

	// An active entitlement is the expected case: no issue.
	mock.ExpectQuery("FROM entitlements").
		WillReturnRows(sqlmock.NewRows(entCols).AddRow(
			"ent-1", "org-1", userID, productID, "stripe", "active", nil,
			nil, nil, nil, nil, nil, nil, nil, []byte(`[]`), []byte(`{}`), now, now))

	issues, err = d.CheckEvent(context.Background(), "org-1", event)
	require.NoError(t, err)
	assert.Empty(t, issues)

	// Failed payments never count.
	failed := *event
	failed.Status = contracts.StatusFailed
	issues, err = d.CheckEvent(context.Background(), "org-1", &failed)
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestEngine_DedupeRefreshesInsteadOfDuplicating(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var alerted []string
	engine := NewEngine(NewRegistry(Deps{}), store.NewIssueStore(db),
		func(_ context.Context, _, issueID, _ string) error {
			alerted = append(alerted, issueID)
			return nil
		}, nil)

	finding := contracts.DetectedIssue{
		IssueType:  "paid_no_access",
		Severity:   contracts.SeverityCritical,
		UserID:     "user-1",
		Confidence: 0.95,
		Evidence:   map[string]any{"eventId": "evt-1"},
	}

	// First detection: no open issue yet, insert + alert.
	mock.ExpectQuery("FROM issues").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO issues").WillReturnResult(sqlmock.NewResult(1, 1))

	created := engine.persist(context.Background(), "org-1", "paid_no_access", []contracts.DetectedIssue{finding})
	assert.Equal(t, 1, created)
	assert.Len(t, alerted, 1)

	// Re-detection: the open issue is refreshed, no new alert.
	issueCols := []string{
		"id", "org_id", "user_id", "issue_type", "severity", "status", "confidence",
		"estimated_revenue_cents", "detector_id", "detection_tier", "evidence", "title",
		"description", "resolution", "created_at", "updated_at",
	}
	now := time.Now()
	mock.ExpectQuery("FROM issues").
		WillReturnRows(sqlmock.NewRows(issueCols).AddRow(
			"issue-1", "org-1", "user-1", "paid_no_access", "critical", "open", 0.95,
			1999, "paid_no_access", "billing_only", []byte(`{}`), "t", "d", nil, now, now))
	mock.ExpectExec("UPDATE issues SET evidence").WillReturnResult(sqlmock.NewResult(0, 1))

	created = engine.persist(context.Background(), "org-1", "paid_no_access", []contracts.DetectedIssue{finding})
	assert.Equal(t, 0, created)
	assert.Len(t, alerted, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}
