package audit_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revback/revback/pkg/audit"
	"github.com/revback/revback/pkg/store"
)

func TestRecorder_AppendsRow(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO audit_logs").
		WithArgs(sqlmock.AnyArg(), "org-1", audit.ActorAPIKey, "key-1",
			audit.ActionConnectionCreated, "billing_connection", "conn-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := audit.NewRecorder(store.NewAuditStore(db), slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec.Record(context.Background(), "org-1", audit.ActorAPIKey, "key-1",
		audit.ActionConnectionCreated, "billing_connection", "conn-1",
		map[string]any{"source": "stripe"})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecorder_StoreFailureIsLoggedNotFatal(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO audit_logs").
		WillReturnError(assert.AnError)

	var buf bytes.Buffer
	rec := audit.NewRecorder(store.NewAuditStore(db), slog.New(slog.NewTextHandler(&buf, nil)))
	rec.System(context.Background(), "org-1", audit.ActionKeysRotated, "billing_connection", "conn-1", nil)

	assert.Contains(t, buf.String(), "audit append failed")
}
