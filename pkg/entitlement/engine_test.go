package entitlement

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

var entCols = []string{
	"id", "org_id", "user_id", "product_id", "source", "state", "external_subscription_id",
	"current_period_start", "current_period_end", "cancel_at", "trial_end", "billing_interval",
	"plan_tier", "last_event_id", "state_history", "metadata", "created_at", "updated_at",
}

func entRow(state string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(entCols).AddRow(
		"ent-1", "org-1", "user-1", "prod-1", "stripe", state, nil,
		nil, nil, nil, nil, nil, nil, nil, []byte(`[]`), []byte(`{}`), now, now,
	)
}

func strPtr(s string) *string { return &s }

func newEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewEngine(store.NewEntitlementStore(db), nil), mock
}

func TestProcess_PurchaseActivatesInactiveEntitlement(t *testing.T) {
	e, mock := newEngine(t)

	mock.ExpectExec("INSERT INTO entitlements").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT (.+) FROM entitlements").WillReturnRows(entRow("inactive"))
	mock.ExpectExec("UPDATE entitlements SET").WillReturnResult(sqlmock.NewResult(0, 1))

	ent, err := e.Process(context.Background(), &store.CanonicalEvent{
		ID: "evt-1", OrgID: "org-1",
		UserID: strPtr("user-1"), ProductID: strPtr("prod-1"),
		Source:    contracts.SourceStripe,
		EventType: contracts.EventPurchase,
		Status:    contracts.StatusSuccess,
	})
	require.NoError(t, err)
	require.NotNil(t, ent)
	assert.Equal(t, contracts.StateActive, ent.State)
	require.Len(t, ent.StateHistory, 1)
	assert.Equal(t, contracts.StateInactive, ent.StateHistory[0].From)
	assert.Equal(t, contracts.StateActive, ent.StateHistory[0].To)
	assert.Equal(t, "evt-1", ent.StateHistory[0].EventID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcess_ReflexiveRenewalStillAppendsHistory(t *testing.T) {
	e, mock := newEngine(t)

	mock.ExpectExec("INSERT INTO entitlements").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT (.+) FROM entitlements").WillReturnRows(entRow("active"))
	mock.ExpectExec("UPDATE entitlements SET").WillReturnResult(sqlmock.NewResult(0, 1))

	periodEnd := time.Now().Add(30 * 24 * time.Hour).UTC()
	ent, err := e.Process(context.Background(), &store.CanonicalEvent{
		ID: "evt-2", OrgID: "org-1",
		UserID: strPtr("user-1"), ProductID: strPtr("prod-1"),
		Source:    contracts.SourceStripe,
		EventType: contracts.EventRenewal,
		Status:    contracts.StatusSuccess,
		PeriodEnd: &periodEnd,
	})
	require.NoError(t, err)
	require.NotNil(t, ent)
	assert.Equal(t, contracts.StateActive, ent.State)
	require.Len(t, ent.StateHistory, 1)
	assert.Equal(t, ent.StateHistory[0].From, ent.StateHistory[0].To)
	require.NotNil(t, ent.CurrentPeriodEnd)
	assert.Equal(t, periodEnd, *ent.CurrentPeriodEnd)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcess_NoTransitionIsANoOp(t *testing.T) {
	e, mock := newEngine(t)

	mock.ExpectExec("INSERT INTO entitlements").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT (.+) FROM entitlements").WillReturnRows(entRow("inactive"))
	// No UPDATE expected: refund on inactive is not in the table.

	ent, err := e.Process(context.Background(), &store.CanonicalEvent{
		ID: "evt-3", OrgID: "org-1",
		UserID: strPtr("user-1"), ProductID: strPtr("prod-1"),
		Source:    contracts.SourceStripe,
		EventType: contracts.EventRefund,
		Status:    contracts.StatusSuccess,
	})
	require.NoError(t, err)
	assert.Nil(t, ent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcess_StaleStateIsSwallowed(t *testing.T) {
	e, mock := newEngine(t)

	mock.ExpectExec("INSERT INTO entitlements").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT (.+) FROM entitlements").WillReturnRows(entRow("active"))
	// A concurrent writer already moved the row: optimistic lock matches nothing.
	mock.ExpectExec("UPDATE entitlements SET").WillReturnResult(sqlmock.NewResult(0, 0))

	ent, err := e.Process(context.Background(), &store.CanonicalEvent{
		ID: "evt-4", OrgID: "org-1",
		UserID: strPtr("user-1"), ProductID: strPtr("prod-1"),
		Source:    contracts.SourceStripe,
		EventType: contracts.EventRevoke,
		Status:    contracts.StatusSuccess,
	})
	require.NoError(t, err)
	assert.Nil(t, ent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcess_EventWithoutUserIsIgnored(t *testing.T) {
	e, _ := newEngine(t)
	ent, err := e.Process(context.Background(), &store.CanonicalEvent{
		ID: "evt-5", OrgID: "org-1",
		Source:    contracts.SourceStripe,
		EventType: contracts.EventPurchase,
	})
	require.NoError(t, err)
	assert.Nil(t, ent)
}
