package external

import "context"

// SubscriptionFetcher reads authoritative subscription state from the
// billing provider.
type SubscriptionFetcher interface {
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
}

// WebhookVerifier abstracts Stripe webhook signature checking.
type WebhookVerifier interface {
	// Verify validates a webhook payload against the provided signature header
	// and signing secret. Returns nil on success, an error on failure.
	Verify(payload []byte, header string, secret string) error
}

var _ SubscriptionFetcher = (*StripeClient)(nil)
