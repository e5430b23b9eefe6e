package entitlement

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/revback/revback/pkg/contracts"
)

func TestNext_CoreTransitions(t *testing.T) {
	cases := []struct {
		from  contracts.EntitlementState
		event contracts.EventType
		to    contracts.EntitlementState
		ok    bool
	}{
		{contracts.StateInactive, contracts.EventPurchase, contracts.StateActive, true},
		{contracts.StateInactive, contracts.EventTrialStart, contracts.StateTrial, true},
		{contracts.StateInactive, contracts.EventRenewal, contracts.StateActive, true},
		{contracts.StateInactive, contracts.EventOfferRedeemed, contracts.StateActive, true},
		{contracts.StateInactive, contracts.EventRefund, "", false},

		{contracts.StateTrial, contracts.EventTrialConversion, contracts.StateActive, true},
		{contracts.StateTrial, contracts.EventCancellation, contracts.StateTrial, true},
		{contracts.StateTrial, contracts.EventExpiration, contracts.StateExpired, true},
		{contracts.StateTrial, contracts.EventRefund, contracts.StateRefunded, true},
		{contracts.StateTrial, contracts.EventRenewal, "", false},

		{contracts.StateActive, contracts.EventRenewal, contracts.StateActive, true},
		{contracts.StateActive, contracts.EventCancellation, contracts.StateActive, true},
		{contracts.StateActive, contracts.EventGracePeriodStart, contracts.StateGracePeriod, true},
		{contracts.StateActive, contracts.EventBillingRetry, contracts.StateBillingRetry, true},
		{contracts.StateActive, contracts.EventChargeback, contracts.StateRefunded, true},
		{contracts.StateActive, contracts.EventRevoke, contracts.StateRevoked, true},
		{contracts.StateActive, contracts.EventPause, contracts.StatePaused, true},
		{contracts.StateActive, contracts.EventUpgrade, contracts.StateActive, true},
		{contracts.StateActive, contracts.EventPriceChange, contracts.StateActive, true},
		{contracts.StateActive, contracts.EventPurchase, "", false},
		{contracts.StateActive, contracts.EventResume, "", false},

		{contracts.StateGracePeriod, contracts.EventRenewal, contracts.StateActive, true},
		{contracts.StateGracePeriod, contracts.EventGracePeriodEnd, contracts.StateBillingRetry, true},
		{contracts.StateGracePeriod, contracts.EventBillingRetry, contracts.StateBillingRetry, true},
		{contracts.StateGracePeriod, contracts.EventCancellation, "", false},

		{contracts.StateBillingRetry, contracts.EventRenewal, contracts.StateActive, true},
		{contracts.StateBillingRetry, contracts.EventBillingRetry, contracts.StateBillingRetry, true},
		{contracts.StateBillingRetry, contracts.EventExpiration, contracts.StateExpired, true},

		{contracts.StatePastDue, contracts.EventPurchase, contracts.StateActive, true},
		{contracts.StatePastDue, contracts.EventRenewal, contracts.StateActive, true},
		{contracts.StatePastDue, contracts.EventRefund, "", false},

		{contracts.StatePaused, contracts.EventResume, contracts.StateActive, true},
		{contracts.StatePaused, contracts.EventCancellation, contracts.StateExpired, true},
		{contracts.StatePaused, contracts.EventExpiration, contracts.StateExpired, true},
		{contracts.StatePaused, contracts.EventRenewal, "", false},

		{contracts.StateExpired, contracts.EventPurchase, contracts.StateActive, true},
		{contracts.StateExpired, contracts.EventTrialStart, contracts.StateTrial, true},
		{contracts.StateExpired, contracts.EventOfferRedeemed, contracts.StateActive, true},

		{contracts.StateRevoked, contracts.EventPurchase, contracts.StateActive, true},
		{contracts.StateRevoked, contracts.EventRenewal, "", false},
		{contracts.StateRefunded, contracts.EventPurchase, contracts.StateActive, true},
		{contracts.StateRefunded, contracts.EventRefund, "", false},
	}
	for _, tc := range cases {
		to, ok := Next(tc.from, tc.event)
		assert.Equal(t, tc.ok, ok, "%s + %s", tc.from, tc.event)
		if tc.ok {
			assert.Equal(t, tc.to, to, "%s + %s", tc.from, tc.event)
		}
	}
}

func TestNext_ResubscribeFromEveryState(t *testing.T) {
	// There are no terminal states: expired, revoked and refunded all accept
	// a new purchase.
	for _, from := range []contracts.EntitlementState{
		contracts.StateExpired, contracts.StateRevoked, contracts.StateRefunded,
	} {
		to, ok := Next(from, contracts.EventPurchase)
		assert.True(t, ok, "purchase from %s", from)
		assert.Equal(t, contracts.StateActive, to)
	}
}
