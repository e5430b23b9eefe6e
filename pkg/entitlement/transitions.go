package entitlement

import "github.com/revback/revback/pkg/contracts"

// transitions enumerates every allowed (state, eventType) pair. A missing
// cell is a no-op. A reflexive target (to == from) still appends to history
// and may update period bounds.
var transitions = map[contracts.EntitlementState]map[contracts.EventType]contracts.EntitlementState{
	contracts.StateInactive: {
		contracts.EventPurchase:      contracts.StateActive,
		contracts.EventTrialStart:    contracts.StateTrial,
		contracts.EventRenewal:       contracts.StateActive,
		contracts.EventOfferRedeemed: contracts.StateActive,
	},
	contracts.StateTrial: {
		contracts.EventPurchase:        contracts.StateActive,
		contracts.EventTrialConversion: contracts.StateActive,
		contracts.EventCancellation:    contracts.StateTrial,
		contracts.EventExpiration:      contracts.StateExpired,
		contracts.EventRefund:          contracts.StateRefunded,
	},
	contracts.StateActive: {
		contracts.EventRenewal:          contracts.StateActive,
		contracts.EventCancellation:     contracts.StateActive,
		contracts.EventGracePeriodStart: contracts.StateGracePeriod,
		contracts.EventBillingRetry:     contracts.StateBillingRetry,
		contracts.EventExpiration:       contracts.StateExpired,
		contracts.EventRefund:           contracts.StateRefunded,
		contracts.EventChargeback:       contracts.StateRefunded,
		contracts.EventRevoke:           contracts.StateRevoked,
		contracts.EventPause:            contracts.StatePaused,
		contracts.EventUpgrade:          contracts.StateActive,
		contracts.EventDowngrade:        contracts.StateActive,
		contracts.EventCrossgrade:       contracts.StateActive,
		contracts.EventPriceChange:      contracts.StateActive,
	},
	contracts.StateGracePeriod: {
		contracts.EventRenewal:        contracts.StateActive,
		contracts.EventGracePeriodEnd: contracts.StateBillingRetry,
		contracts.EventBillingRetry:   contracts.StateBillingRetry,
		contracts.EventExpiration:     contracts.StateExpired,
		contracts.EventRefund:         contracts.StateRefunded,
	},
	contracts.StateBillingRetry: {
		contracts.EventRenewal:      contracts.StateActive,
		contracts.EventBillingRetry: contracts.StateBillingRetry,
		contracts.EventExpiration:   contracts.StateExpired,
		contracts.EventRefund:       contracts.StateRefunded,
	},
	contracts.StatePastDue: {
		contracts.EventPurchase:   contracts.StateActive,
		contracts.EventRenewal:    contracts.StateActive,
		contracts.EventExpiration: contracts.StateExpired,
	},
	contracts.StatePaused: {
		contracts.EventCancellation: contracts.StateExpired,
		contracts.EventExpiration:   contracts.StateExpired,
		contracts.EventResume:       contracts.StateActive,
	},
	contracts.StateExpired: {
		contracts.EventPurchase:      contracts.StateActive,
		contracts.EventTrialStart:    contracts.StateTrial,
		contracts.EventRenewal:       contracts.StateActive,
		contracts.EventOfferRedeemed: contracts.StateActive,
	},
	contracts.StateRevoked: {
		contracts.EventPurchase: contracts.StateActive,
	},
	contracts.StateRefunded: {
		contracts.EventPurchase: contracts.StateActive,
	},
}

// Next returns the target state for (from, event) and whether the pair is an
// allowed transition at all.
func Next(from contracts.EntitlementState, event contracts.EventType) (contracts.EntitlementState, bool) {
	to, ok := transitions[from][event]
	return to, ok
}
