package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// All handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400). Webhook authenticity failures live here so a bad
	// signature is always answered with 400.
	ErrCodeWebhookSignatureMissing   ErrorCode = "validation_webhook_signature_missing"
	ErrCodeWebhookSignatureMalformed ErrorCode = "validation_webhook_signature_malformed"
	ErrCodeWebhookSignatureInvalid   ErrorCode = "validation_webhook_signature_invalid"
	ErrCodeWebhookTimestampStale     ErrorCode = "validation_webhook_timestamp_stale"
	ErrCodeWebhookPayloadTooLarge    ErrorCode = "validation_webhook_payload_too_large"
	ErrCodeWebhookPayloadMalformed   ErrorCode = "validation_webhook_payload_malformed"
	ErrCodeValidationMissingField    ErrorCode = "validation_missing_required_field"

	// Billing domain. Never surfaced to the provider; logged and left for
	// reprocessing.
	ErrCodeBillingUnresolvedIdentity ErrorCode = "billing_unresolved_identity"
	ErrCodeBillingUnsupportedPayload ErrorCode = "billing_unsupported_payload"

	// Not Found (404)
	ErrCodeNotFoundWebhookEvent ErrorCode = "not_found_webhook_event"
	ErrCodeNotFoundBilling      ErrorCode = "not_found_organization_billing"
	ErrCodeNotFoundPlan         ErrorCode = "not_found_subscription_plan"

	// Conflict (409)
	ErrCodeConflictEventClaimed ErrorCode = "conflict_webhook_event_claimed"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB          ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamStripe      ErrorCode = "upstream_stripe_unavailable"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamQueue       ErrorCode = "upstream_queue_unavailable"
)

// HTTPStatus maps an ErrorCode to its HTTP status.
// Unrecognized codes map to 500.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case s == string(ErrCodeWebhookPayloadTooLarge):
		return http.StatusRequestEntityTooLarge // 413
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "billing_"):
		return http.StatusUnprocessableEntity // 422
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	case strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// IsTransient reports whether an error with this code may succeed on retry.
func (c ErrorCode) IsTransient() bool {
	s := string(c)
	return strings.HasPrefix(s, "upstream_") || c == ErrCodeInternalDB
}

// AppError is the standard application error type.
// All domain and handler errors should be expressed as AppError so the
// HTTP layer can format them and callers can branch on Code.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}
