package billing

import (
	stripe "github.com/stripe/stripe-go/v82"

	"tripledger/internal/types"
)

// MapProviderStatus maps a Stripe subscription status onto the internal
// enumeration. Anything not listed, including "incomplete", "paused" and the
// empty string, maps to trial so an unknown state never grants active.
func MapProviderStatus(status string) types.SubscriptionStatus {
	switch stripe.SubscriptionStatus(status) {
	case stripe.SubscriptionStatusTrialing:
		return types.SubStatusTrial
	case stripe.SubscriptionStatusActive:
		return types.SubStatusActive
	case stripe.SubscriptionStatusPastDue:
		return types.SubStatusPastDue
	case stripe.SubscriptionStatusCanceled:
		return types.SubStatusCanceled
	case stripe.SubscriptionStatusUnpaid:
		return types.SubStatusUnpaid
	default:
		return types.SubStatusTrial
	}
}
