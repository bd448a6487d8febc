package types

import "context"

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	eventIDKey   contextKey = "webhook_event_id"
)

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithWebhookEventID tags ctx with the provider event being handled so
// downstream logs and queue messages can be correlated.
func WithWebhookEventID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, eventIDKey, id)
}

func GetWebhookEventID(ctx context.Context) string {
	id, _ := ctx.Value(eventIDKey).(string)
	return id
}
