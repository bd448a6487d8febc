package billing

import (
	"errors"
	"strings"

	"tripledger/internal/types"
)

func codeOf(err error) (types.ErrorCode, bool) {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr.Code, true
	}
	return "", false
}

// IsAuthenticityError reports whether err is a signature or replay failure.
// These are the only ingestion errors surfaced to the provider.
func IsAuthenticityError(err error) bool {
	code, ok := codeOf(err)
	if !ok {
		return false
	}
	switch code {
	case types.ErrCodeWebhookSignatureMissing,
		types.ErrCodeWebhookSignatureMalformed,
		types.ErrCodeWebhookSignatureInvalid,
		types.ErrCodeWebhookTimestampStale:
		return true
	}
	return false
}

// IsUnresolvedIdentity reports whether no organization could be matched.
func IsUnresolvedIdentity(err error) bool {
	code, ok := codeOf(err)
	return ok && code == types.ErrCodeBillingUnresolvedIdentity
}

// IsTransientProvider reports whether a call to the billing provider failed
// in a way that may succeed later.
func IsTransientProvider(err error) bool {
	code, ok := codeOf(err)
	return ok && strings.HasPrefix(string(code), "upstream_")
}

// IsPersistence reports whether a ledger or reconciliation write failed.
func IsPersistence(err error) bool {
	code, ok := codeOf(err)
	return ok && code == types.ErrCodeInternalDB
}

// Retryable reports whether a failed event is worth an automatic retry.
// Unresolved identities need an operator or a later event, not a retry.
// Errors without a code are retried.
func Retryable(err error) bool {
	if IsTransientProvider(err) || IsPersistence(err) {
		return true
	}
	_, ok := codeOf(err)
	return !ok
}

func errorCodeLabel(err error) string {
	if code, ok := codeOf(err); ok {
		return string(code)
	}
	return string(types.ErrCodeInternalUnexpected)
}
