package identity

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

func newResolver(t *testing.T) (*Resolver, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewResolver(store.NewUserStore(db), nil, nil), mock
}

var userCols = []string{"id", "org_id", "external_user_id", "email", "metadata", "created_at"}
var identCols = []string{"id", "user_id", "org_id", "source", "id_type", "external_id", "created_at"}

func TestResolve_NoMatchCreatesUserAndBindsHints(t *testing.T) {
	r, mock := newResolver(t)

	hints := []contracts.IdentityHint{
		{Source: contracts.SourceStripe, IDType: contracts.IDTypeCustomerID, ExternalID: "cus_1"},
		{Source: contracts.SourceStripe, IDType: contracts.IDTypeEmail, ExternalID: "a@b.com"},
	}

	mock.ExpectQuery("FROM user_identities").WillReturnRows(sqlmock.NewRows(identCols))
	mock.ExpectQuery("FROM user_identities").WillReturnRows(sqlmock.NewRows(identCols))
	mock.ExpectExec("INSERT INTO users").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO user_identities").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO user_identities").WillReturnResult(sqlmock.NewResult(1, 1))

	userID, err := r.Resolve(context.Background(), "org-1", hints)
	require.NoError(t, err)
	assert.NotEmpty(t, userID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_SingleMatchBindsUnboundHints(t *testing.T) {
	r, mock := newResolver(t)

	hints := []contracts.IdentityHint{
		{Source: contracts.SourceApple, IDType: contracts.IDTypeOriginalTransactionID, ExternalID: "tx_9"},
	}

	mock.ExpectQuery("FROM user_identities").
		WillReturnRows(sqlmock.NewRows(identCols).
			AddRow("ident-1", "user-7", "org-1", "apple", "original_transaction_id", "tx_9", time.Now()))
	mock.ExpectExec("INSERT INTO user_identities").WillReturnResult(sqlmock.NewResult(1, 1))

	userID, err := r.Resolve(context.Background(), "org-1", hints)
	require.NoError(t, err)
	assert.Equal(t, "user-7", userID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_MergeKeepsOldestUser(t *testing.T) {
	r, mock := newResolver(t)

	hints := []contracts.IdentityHint{
		{Source: contracts.SourceStripe, IDType: contracts.IDTypeCustomerID, ExternalID: "cus_1"},
		{Source: contracts.SourceApple, IDType: contracts.IDTypeOriginalTransactionID, ExternalID: "tx_9"},
	}

	// The two hints point at two distinct users.
	mock.ExpectQuery("FROM user_identities").
		WillReturnRows(sqlmock.NewRows(identCols).
			AddRow("i1", "user-old", "org-1", "stripe", "customer_id", "cus_1", time.Now()))
	mock.ExpectQuery("FROM user_identities").
		WillReturnRows(sqlmock.NewRows(identCols).
			AddRow("i2", "user-new", "org-1", "apple", "original_transaction_id", "tx_9", time.Now()))

	// GetMany orders by created_at ascending; the first row survives.
	old := time.Now().Add(-48 * time.Hour)
	mock.ExpectQuery("FROM users").
		WillReturnRows(sqlmock.NewRows(userCols).
			AddRow("user-old", "org-1", nil, nil, []byte(`{}`), old).
			AddRow("user-new", "org-1", nil, nil, []byte(`{}`), time.Now()))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE user_identities SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM user_identities").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE canonical_events SET").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("UPDATE entitlements SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM entitlements").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE issues SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE access_checks SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM users").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Both hints are re-bound to the survivor afterwards.
	mock.ExpectExec("INSERT INTO user_identities").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO user_identities").WillReturnResult(sqlmock.NewResult(1, 1))

	userID, err := r.Resolve(context.Background(), "org-1", hints)
	require.NoError(t, err)
	assert.Equal(t, "user-old", userID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_EmptyHintsIsAnError(t *testing.T) {
	r, _ := newResolver(t)
	_, err := r.Resolve(context.Background(), "org-1", nil)
	assert.Error(t, err)
}
