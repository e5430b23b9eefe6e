package normalize

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revback/revback/pkg/contracts"
)

func stripeEvent(t *testing.T, eventType, dataObject, previousAttributes string) []byte {
	t.Helper()
	prev := ""
	if previousAttributes != "" {
		prev = fmt.Sprintf(`, "previous_attributes": %s`, previousAttributes)
	}
	return []byte(fmt.Sprintf(`{
		"id": "evt_test_1",
		"type": %q,
		"created": 1700000000,
		"livemode": true,
		"data": {"object": %s%s}
	}`, eventType, dataObject, prev))
}

const stripeSubJSON = `{
	"id": "sub_1",
	"customer": "cus_42",
	"status": "active",
	"cancel_at_period_end": false,
	"current_period_start": 1700000000,
	"current_period_end": 1702592000,
	"trial_start": 0,
	"trial_end": 0,
	"items": {"data": [{"price": {
		"id": "price_pro_monthly",
		"nickname": "pro",
		"unit_amount": 999,
		"currency": "usd",
		"recurring": {"interval": "month"}
	}}]}
}`

func TestStripe_SubscriptionCreated(t *testing.T) {
	n := NewStripe(nil)
	events, err := n.Normalize(context.Background(), "org-1",
		RawWebhook{Body: stripeEvent(t, "customer.subscription.created", stripeSubJSON, "")})
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, contracts.EventPurchase, ev.EventType)
	assert.Equal(t, contracts.StatusSuccess, ev.Status)
	assert.Equal(t, "stripe:evt_test_1", ev.IdempotencyKey)
	assert.Equal(t, int64(999), ev.AmountCents)
	assert.Equal(t, "usd", ev.Currency)
	assert.Equal(t, "month", ev.BillingInterval)
	assert.Equal(t, "pro", ev.PlanTier)
	assert.Equal(t, "price_pro_monthly", ev.ExternalProductID)
	assert.Equal(t, contracts.EnvProduction, ev.Environment)
	require.Len(t, ev.IdentityHints, 1)
	assert.Equal(t, contracts.IDTypeCustomerID, ev.IdentityHints[0].IDType)
	assert.Equal(t, "cus_42", ev.IdentityHints[0].ExternalID)
}

func TestStripe_SubscriptionCreatedWithTrialEmitsTwoEvents(t *testing.T) {
	sub := `{
		"id": "sub_1", "customer": "cus_42", "status": "trialing",
		"trial_start": 1700000000, "trial_end": 1701209600,
		"items": {"data": [{"price": {"id": "price_1", "unit_amount": 999, "currency": "usd",
			"recurring": {"interval": "month"}}}]}
	}`
	n := NewStripe(nil)
	events, err := n.Normalize(context.Background(), "org-1",
		RawWebhook{Body: stripeEvent(t, "customer.subscription.created", sub, "")})
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, contracts.EventPurchase, events[0].EventType)
	assert.Equal(t, contracts.EventTrialStart, events[1].EventType)
	assert.Equal(t, "stripe:evt_test_1:trial_start", events[1].IdempotencyKey)
	require.NotNil(t, events[1].TrialStartedAt)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), *events[1].TrialStartedAt)
}

func TestStripe_SubscriptionUpdatedCancelToggle(t *testing.T) {
	sub := `{
		"id": "sub_1", "customer": "cus_42", "status": "active",
		"cancel_at_period_end": true,
		"items": {"data": [{"price": {"id": "price_1", "unit_amount": 999, "currency": "usd",
			"recurring": {"interval": "month"}}}]}
	}`
	n := NewStripe(nil)
	events, err := n.Normalize(context.Background(), "org-1",
		RawWebhook{Body: stripeEvent(t, "customer.subscription.updated", sub, `{"cancel_at_period_end": false}`)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, contracts.EventCancellation, events[0].EventType)
}

func TestStripe_SubscriptionUpdatedTrialConversion(t *testing.T) {
	n := NewStripe(nil)
	events, err := n.Normalize(context.Background(), "org-1",
		RawWebhook{Body: stripeEvent(t, "customer.subscription.updated", stripeSubJSON, `{"status": "trialing"}`)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, contracts.EventTrialConversion, events[0].EventType)
}

func TestStripe_SubscriptionUpdatedPriceDiff(t *testing.T) {
	cases := []struct {
		prevAmount int64
		want       contracts.EventType
	}{
		{499, contracts.EventUpgrade},
		{1999, contracts.EventDowngrade},
		{999, contracts.EventPriceChange},
	}
	n := NewStripe(nil)
	for _, tc := range cases {
		prev := fmt.Sprintf(`{"items": {"data": [{"price": {"unit_amount": %d}}]}}`, tc.prevAmount)
		events, err := n.Normalize(context.Background(), "org-1",
			RawWebhook{Body: stripeEvent(t, "customer.subscription.updated", stripeSubJSON, prev)})
		require.NoError(t, err)
		require.Len(t, events, 1, "prev amount %d", tc.prevAmount)
		assert.Equal(t, tc.want, events[0].EventType)
	}
}

func TestStripe_SubscriptionUpdatedNoMeaningfulDiffEmitsNothing(t *testing.T) {
	n := NewStripe(nil)
	events, err := n.Normalize(context.Background(), "org-1",
		RawWebhook{Body: stripeEvent(t, "customer.subscription.updated", stripeSubJSON, `{"metadata": {}}`)})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestStripe_InvoiceEvents(t *testing.T) {
	inv := `{
		"id": "in_1", "customer": "cus_42", "subscription": "sub_1",
		"amount_paid": 999, "amount_due": 999, "currency": "usd",
		"lines": {"data": [{
			"period": {"start": 1700000000, "end": 1702592000},
			"price": {"id": "price_1", "nickname": "pro", "recurring": {"interval": "month"}}
		}]}
	}`
	n := NewStripe(nil)

	events, err := n.Normalize(context.Background(), "org-1",
		RawWebhook{Body: stripeEvent(t, "invoice.payment_succeeded", inv, "")})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, contracts.EventRenewal, events[0].EventType)
	assert.Equal(t, contracts.StatusSuccess, events[0].Status)
	assert.Equal(t, int64(999), events[0].AmountCents)
	require.NotNil(t, events[0].PeriodEnd)

	events, err = n.Normalize(context.Background(), "org-1",
		RawWebhook{Body: stripeEvent(t, "invoice.payment_failed", inv, "")})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, contracts.EventBillingRetry, events[0].EventType)
	assert.Equal(t, contracts.StatusFailed, events[0].Status)
}

func TestStripe_ChargeRefunded(t *testing.T) {
	charge := `{"id": "ch_1", "customer": "cus_42", "amount": 999, "amount_refunded": 999, "currency": "usd"}`
	n := NewStripe(nil)
	events, err := n.Normalize(context.Background(), "org-1",
		RawWebhook{Body: stripeEvent(t, "charge.refunded", charge, "")})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, contracts.EventRefund, events[0].EventType)
	assert.Equal(t, contracts.StatusRefunded, events[0].Status)
	assert.Equal(t, int64(999), events[0].AmountCents)
}

func TestStripe_UnknownEventTypeIsSkipped(t *testing.T) {
	n := NewStripe(nil)
	events, err := n.Normalize(context.Background(), "org-1",
		RawWebhook{Body: stripeEvent(t, "payment_intent.created", `{"id": "pi_1"}`, "")})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestStripe_VerifySignature(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"id": "evt_1"}`)
	now := time.Now().Unix()

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", now, body)
	sig := hex.EncodeToString(mac.Sum(nil))

	headers := http.Header{}
	headers.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", now, sig))

	n := NewStripe(nil)
	assert.True(t, n.VerifySignature(RawWebhook{Body: body, Headers: headers}, secret))
	assert.False(t, n.VerifySignature(RawWebhook{Body: body, Headers: headers}, "whsec_other"))

	// A signature older than the tolerance window is rejected.
	stale := now - 600
	mac = hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", stale, body)
	headers.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", stale, hex.EncodeToString(mac.Sum(nil))))
	assert.False(t, n.VerifySignature(RawWebhook{Body: body, Headers: headers}, secret))
}
