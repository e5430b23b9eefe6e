package api

import (
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revback/revback/pkg/audit"
	"github.com/revback/revback/pkg/detect"
	"github.com/revback/revback/pkg/dispatch"
	"github.com/revback/revback/pkg/normalize"
	"github.com/revback/revback/pkg/queue"
	"github.com/revback/revback/pkg/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRecorder(db *sql.DB) *audit.Recorder {
	return audit.NewRecorder(store.NewAuditStore(db), testLogger())
}

type fixture struct {
	mock    sqlmock.Sqlmock
	redis   *miniredis.Miniredis
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	tasks := queue.NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	t.Cleanup(func() { _ = tasks.Close() })

	log := testLogger()
	srv := NewServer(Deps{
		Orgs:         store.NewOrgStore(db),
		Keys:         store.NewAPIKeyStore(db),
		Connections:  store.NewConnectionStore(db),
		WebhookLogs:  store.NewWebhookLogStore(db),
		Events:       store.NewEventStore(db),
		Users:        store.NewUserStore(db),
		Entitlements: store.NewEntitlementStore(db),
		Issues:       store.NewIssueStore(db),
		Alerts:       store.NewAlertStore(db),
		Scans:        store.NewScanRunStore(db),
		Checks:       store.NewAccessCheckStore(db),
		Normalizers:  normalize.NewRegistry(normalize.NewStripe(log), normalize.NewRecurly(log)),
		Detectors:    detect.NewRegistry(detect.Deps{}),
		Tasks:        tasks,
		Backfills:    nil,
		Dispatcher:   dispatch.NewDispatcher(store.NewAlertStore(db), store.NewIssueStore(db), tasks, dispatch.SMTPConfig{}, log),
		Deliverer:    dispatch.NewDeliverer(store.NewAlertStore(db), false, log),
		AppleProxy:   dispatch.NewAppleProxy(log),
		Audit:        testRecorder(db),
		Log:          log,
	})
	return &fixture{mock: mock, redis: mr, handler: srv.Router()}
}

var orgCols = []string{"id", "slug", "name", "settings", "created_at"}

var keyCols = []string{
	"id", "org_id", "name", "key_hash", "key_prefix", "scopes",
	"expires_at", "revoked_at", "created_at",
}

func (f *fixture) expectKey(scopes string) {
	f.mock.ExpectQuery("FROM api_keys").
		WillReturnRows(sqlmock.NewRows(keyCols).AddRow(
			"key-1", "org-1", "default", store.HashSecret("rev_test"), "rev_test",
			[]byte(scopes), nil, nil, time.Now()))
}

func authed(method, target, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	req.Header.Set("Authorization", "Bearer rev_test")
	return req
}

func TestRouter_AuthRequired(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/issues", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "error")
}

func TestRouter_ScopeEnforced(t *testing.T) {
	f := newFixture(t)
	f.expectKey(`["users:read"]`)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, authed(http.MethodGet, "/api/v1/issues", ""))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestInboundWebhook_UnknownOrgAndSource(t *testing.T) {
	f := newFixture(t)

	// Unknown source: rejected before any lookup.
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/acme/paypal", strings.NewReader("{}")))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Unknown slug.
	f.mock.ExpectQuery("FROM organizations").WillReturnRows(sqlmock.NewRows(orgCols))
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/ghost/stripe", strings.NewReader("{}")))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

var connCols = []string{
	"id", "org_id", "source", "credentials", "webhook_secret", "original_notification_url",
	"active", "last_webhook_at", "last_sync_at", "sync_status", "created_at", "updated_at",
}

func TestInboundWebhook_StoresLogAndEnqueues(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	f.mock.ExpectQuery("FROM organizations").
		WillReturnRows(sqlmock.NewRows(orgCols).AddRow("org-1", "acme", "Acme", []byte(`{}`), now))
	f.mock.ExpectExec("INSERT INTO webhook_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))
	// Connection present, no webhook secret: stripe verification is skipped
	// until a secret is configured.
	f.mock.ExpectQuery("FROM billing_connections").
		WillReturnRows(sqlmock.NewRows(connCols).
			AddRow("c1", "org-1", "stripe", "enc", nil, nil, true, nil, nil, nil, now, now))
	f.mock.ExpectExec("UPDATE webhook_logs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE billing_connections").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/acme/stripe", strings.NewReader(`{"id":"evt_1"}`))
	f.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["ok"])
	assert.NotEmpty(t, resp["webhook_log_id"])

	// The processing task really landed in the queue.
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: f.redis.Addr()})
	t.Cleanup(func() { _ = inspector.Close() })
	pending, err := inspector.ListPendingTasks("webhook-processing")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, queue.TypeWebhookProcess, pending[0].Type)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestInboundWebhook_NoConnectionStillStoredAndQueued(t *testing.T) {
	f := newFixture(t)
	now := time.Now()

	f.mock.ExpectQuery("FROM organizations").
		WillReturnRows(sqlmock.NewRows(orgCols).AddRow("org-1", "acme", "Acme", []byte(`{}`), now))
	f.mock.ExpectExec("INSERT INTO webhook_logs").
		WillReturnResult(sqlmock.NewResult(1, 1))
	f.mock.ExpectQuery("FROM billing_connections").
		WillReturnRows(sqlmock.NewRows(connCols))
	f.mock.ExpectExec("UPDATE webhook_logs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/acme/recurly", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreateOrg_MintsKeyOnce(t *testing.T) {
	f := newFixture(t)

	f.mock.ExpectQuery("FROM organizations").WillReturnRows(sqlmock.NewRows(orgCols))
	f.mock.ExpectExec("INSERT INTO organizations").WillReturnResult(sqlmock.NewResult(1, 1))
	f.mock.ExpectExec("INSERT INTO api_keys").WillReturnResult(sqlmock.NewResult(1, 1))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/setup/org",
		strings.NewReader(`{"slug":"acme","name":"Acme Corp"}`))
	f.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp struct {
		Secret string         `json:"secret"`
		APIKey map[string]any `json:"api_key"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Regexp(t, `^rev_[0-9a-f]{48}$`, resp.Secret)
	assert.NotContains(t, rec.Body.String(), "key_hash")
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreateOrg_Validation(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/setup/org",
		strings.NewReader(`{"slug":"Not Valid!","name":""}`))
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "validation failed", resp.Error)
	assert.NotNil(t, resp.Details)
}

var issueCols = []string{
	"id", "org_id", "user_id", "issue_type", "severity", "status", "confidence",
	"estimated_revenue_cents", "detector_id", "detection_tier", "evidence",
	"title", "description", "resolution", "created_at", "updated_at",
}

func TestResolveIssue_EnqueuesFanOut(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.expectKey(`["issues:write"]`)

	f.mock.ExpectQuery("UPDATE issues").
		WillReturnRows(sqlmock.NewRows(issueCols).AddRow(
			"issue-1", "org-1", nil, "refund_not_revoked", "critical", "resolved", 0.9,
			1999, "refund-not-revoked", "event", []byte(`{}`),
			"Refund without revocation", "desc", []byte(`{}`), now, now))

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, authed(http.MethodPost, "/api/v1/issues/issue-1/resolve", `{"note":"fixed"}`))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: f.redis.Addr()})
	t.Cleanup(func() { _ = inspector.Close() })
	pending, err := inspector.ListPendingTasks("alert-dispatch")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	var payload queue.AlertDispatchPayload
	require.NoError(t, json.Unmarshal(pending[0].Payload, &payload))
	assert.Equal(t, "issue.resolved", payload.Event)
	assert.Equal(t, "org-1", payload.OrgID)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestDashboardFirstLook(t *testing.T) {
	f := newFixture(t)
	f.expectKey(`["issues:read"]`)

	f.mock.ExpectQuery("FROM issues").
		WillReturnRows(sqlmock.NewRows([]string{"severity", "count", "revenue"}).
			AddRow("critical", 2, 5998).
			AddRow("warning", 3, 1200))
	f.mock.ExpectQuery("FROM issues").
		WillReturnRows(sqlmock.NewRows(issueCols))

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, authed(http.MethodGet, "/api/v1/dashboard/first-look", ""))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 5, resp["open_issues"])
	assert.EqualValues(t, 7198, resp["revenue_at_risk_cents"])
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestScanSchedules_ListsEveryScanner(t *testing.T) {
	f := newFixture(t)
	f.expectKey(`["admin:read"]`)

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, authed(http.MethodGet, "/api/v1/admin/scans/schedules", ""))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Schedules []struct {
			DetectorID string `json:"detector_id"`
			Cron       string `json:"cron"`
		} `json:"schedules"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Schedules)
	for _, entry := range resp.Schedules {
		assert.NotEmpty(t, entry.DetectorID)
		assert.NotEmpty(t, entry.Cron)
	}
}
