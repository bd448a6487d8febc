package external

import (
	"errors"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"tripledger/internal/types"
)

// DefaultWebhookTolerance is the replay window Stripe itself recommends.
const DefaultWebhookTolerance = 5 * time.Minute

// StripeVerifier checks the Stripe-Signature header against the raw request
// body using HMAC-SHA256 and rejects timestamps outside Tolerance.
type StripeVerifier struct {
	Tolerance time.Duration
}

func NewStripeVerifier(tolerance time.Duration) *StripeVerifier {
	if tolerance <= 0 {
		tolerance = DefaultWebhookTolerance
	}
	return &StripeVerifier{Tolerance: tolerance}
}

// Verify returns nil when header carries a valid v1 signature of payload
// under secret. Every failure is a validation_webhook_* AppError.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	if header == "" {
		return types.NewAppError(types.ErrCodeWebhookSignatureMissing, "missing Stripe-Signature header", webhook.ErrNotSigned)
	}

	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultWebhookTolerance
	}

	err := webhook.ValidatePayloadWithTolerance(payload, header, secret, tolerance)
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, webhook.ErrNotSigned):
		return types.NewAppError(types.ErrCodeWebhookSignatureMissing, "webhook has no v1 signature", err)
	case errors.Is(err, webhook.ErrInvalidHeader):
		return types.NewAppError(types.ErrCodeWebhookSignatureMalformed, "malformed Stripe-Signature header", err)
	case errors.Is(err, webhook.ErrTooOld):
		return types.NewAppError(types.ErrCodeWebhookTimestampStale, "webhook timestamp outside tolerance", err)
	default:
		return types.NewAppError(types.ErrCodeWebhookSignatureInvalid, "webhook signature does not match", err)
	}
}

var _ WebhookVerifier = (*StripeVerifier)(nil)
