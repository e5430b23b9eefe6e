package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revback/revback/pkg/detect"
	"github.com/revback/revback/pkg/queue"
	"github.com/revback/revback/pkg/store"
)

var connCols = []string{
	"id", "org_id", "source", "credentials", "webhook_secret", "original_notification_url",
	"active", "last_webhook_at", "last_sync_at", "sync_status", "created_at", "updated_at",
}

func TestProvider_GetConfigs(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	now := time.Now()
	// org-1 has two connections and must still get one scan set; org-2 one.
	mock.ExpectQuery("FROM billing_connections").
		WillReturnRows(sqlmock.NewRows(connCols).
			AddRow("c1", "org-1", "stripe", "enc", nil, nil, true, now, nil, nil, now, now).
			AddRow("c2", "org-1", "apple", "enc", nil, nil, true, now, nil, nil, now, now).
			AddRow("c3", "org-2", "stripe", "enc", nil, nil, true, now, nil, nil, now, now))

	registry := detect.NewRegistry(detect.Deps{})
	p := NewProvider(store.NewConnectionStore(db), registry, nil)

	configs, err := p.GetConfigs()
	require.NoError(t, err)

	scanners := len(registry.Scanners())
	assert.Equal(t, 1+2*scanners, len(configs), "retention plus per-(org, scanner)")

	assert.Equal(t, retentionCron, configs[0].Cronspec)
	assert.Equal(t, queue.TypeRetentionRun, configs[0].Task.Type())
	for _, cfg := range configs[1:] {
		assert.Equal(t, queue.TypeScanRun, cfg.Task.Type())
		assert.NotEmpty(t, cfg.Cronspec)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleRetentionRun_BatchesUntilDone(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	// Two full webhook-log batches, then a short one.
	mock.ExpectExec("DELETE FROM webhook_logs").
		WillReturnResult(sqlmock.NewResult(0, retentionBatchSize))
	mock.ExpectExec("DELETE FROM webhook_logs").
		WillReturnResult(sqlmock.NewResult(0, retentionBatchSize))
	mock.ExpectExec("DELETE FROM webhook_logs").
		WillReturnResult(sqlmock.NewResult(0, 17))
	// One short redaction batch.
	mock.ExpectExec("UPDATE canonical_events SET raw_payload = NULL").
		WillReturnResult(sqlmock.NewResult(0, 3))

	h := NewHandlers(nil, store.NewWebhookLogStore(db), store.NewEventStore(db),
		nil, nil, nil, nil, nil, nil)

	task, err := queue.NewRetentionRunTask()
	require.NoError(t, err)
	require.NoError(t, h.handleRetentionRun(context.Background(), task))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleWebhookProcess_BadPayloadSkipsRetry(t *testing.T) {
	h := NewHandlers(nil, nil, nil, nil, nil, nil, nil, nil, nil)
	err := h.handleWebhookProcess(context.Background(),
		asynq.NewTask(queue.TypeWebhookProcess, []byte("not json")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
