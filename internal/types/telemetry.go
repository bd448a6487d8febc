package types

// CloudWatch metric names and dimensions. All components MUST use these
// constants.
const (
	MetricWebhookReceived    = "WebhookReceived"
	MetricWebhookDuplicate   = "WebhookDuplicate"
	MetricWebhookRejected    = "WebhookRejected"
	MetricWebhookProcessed   = "WebhookProcessed"
	MetricWebhookFailed      = "WebhookFailed"
	MetricWebhookIgnored     = "WebhookIgnored"
	MetricWebhookPending     = "WebhookPending"
	MetricPlanFallback       = "PlanFallback"
	MetricExternalAPIFailure = "ExternalAPIFailure"
	MetricAPILatency         = "APILatency"

	DimEventType = "EventType"
	DimErrorCode = "ErrorCode"
	DimPriceID   = "PriceID"
	DimProvider  = "Provider"
	DimEndpoint  = "Endpoint"

	MetricNamespace = "TripLedger"
)
