package normalize

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revback/revback/pkg/contracts"
)

func TestRecurly_VerifySignature(t *testing.T) {
	secret := "recurly-secret"
	body := []byte(`{"id": "n1", "event_type": "renewed_subscription"}`)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	headers := http.Header{}
	headers.Set("X-Recurly-Signature", sig)

	n := NewRecurly(nil)
	assert.True(t, n.VerifySignature(RawWebhook{Body: body, Headers: headers}, secret))
	assert.False(t, n.VerifySignature(RawWebhook{Body: body, Headers: headers}, "wrong"))
	assert.False(t, n.VerifySignature(RawWebhook{Body: body}, secret))
}

func TestRecurly_RenewalNotification(t *testing.T) {
	body := []byte(`{
		"id": "notif-1",
		"event_type": "renewed_subscription",
		"event_time": "2026-01-15T10:00:00Z",
		"account": {"code": "acct-9", "email": "user@example.com"},
		"subscription": {
			"uuid": "sub-uuid-1",
			"plan": {"code": "gold", "interval_unit": "month"},
			"current_period_started_at": "2026-01-15T10:00:00Z",
			"current_period_ends_at": "2026-02-15T10:00:00Z",
			"unit_amount": 9.99,
			"currency": "USD"
		}
	}`)

	n := NewRecurly(nil)
	events, err := n.Normalize(context.Background(), "org-1", RawWebhook{Body: body})
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, contracts.EventRenewal, ev.EventType)
	assert.Equal(t, "recurly:notif-1", ev.IdempotencyKey)
	assert.Equal(t, int64(999), ev.AmountCents)
	assert.Equal(t, "gold", ev.PlanTier)
	assert.Equal(t, "month", ev.BillingInterval)
	require.NotNil(t, ev.PeriodEnd)
	require.Len(t, ev.IdentityHints, 2)
	assert.Equal(t, contracts.IDTypeAppUserID, ev.IdentityHints[0].IDType)
	assert.Equal(t, contracts.IDTypeEmail, ev.IdentityHints[1].IDType)
}

func TestRecurly_EventTypeTable(t *testing.T) {
	cases := map[string]struct {
		eventType contracts.EventType
		status    contracts.EventStatus
	}{
		"new_subscription":      {contracts.EventPurchase, contracts.StatusSuccess},
		"canceled_subscription": {contracts.EventCancellation, contracts.StatusSuccess},
		"expired_subscription":  {contracts.EventExpiration, contracts.StatusSuccess},
		"failed_payment":        {contracts.EventBillingRetry, contracts.StatusFailed},
		"successful_refund":     {contracts.EventRefund, contracts.StatusRefunded},
		"new_dispute":           {contracts.EventChargeback, contracts.StatusSuccess},
		"paused_subscription":   {contracts.EventPause, contracts.StatusSuccess},
		"resumed_subscription":  {contracts.EventResume, contracts.StatusSuccess},
	}
	n := NewRecurly(nil)
	for eventType, want := range cases {
		body := []byte(`{"id": "n-` + eventType + `", "event_type": "` + eventType + `"}`)
		events, err := n.Normalize(context.Background(), "org-1", RawWebhook{Body: body})
		require.NoError(t, err)
		require.Len(t, events, 1, eventType)
		assert.Equal(t, want.eventType, events[0].EventType, eventType)
		assert.Equal(t, want.status, events[0].Status, eventType)
	}
}

func TestRecurly_UnknownEventTypeIsSkipped(t *testing.T) {
	n := NewRecurly(nil)
	events, err := n.Normalize(context.Background(), "org-1",
		RawWebhook{Body: []byte(`{"id": "n1", "event_type": "billing_info_updated"}`)})
	require.NoError(t, err)
	assert.Empty(t, events)
}
