package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"tripledger/internal/types"
)

// Metrics records ingestion outcomes. Implementations must not block the
// caller on failure; a lost datapoint is logged and dropped.
type Metrics interface {
	// RecordWebhook counts one event against an outcome metric such as
	// types.MetricWebhookProcessed.
	RecordWebhook(ctx context.Context, metric string, eventType string)
	RecordFailure(ctx context.Context, eventType string, code string)
	RecordPlanFallback(ctx context.Context, priceID string)
	RecordProviderFailure(ctx context.Context, code string)
	RecordPending(ctx context.Context, count int64)
}

// NopMetrics discards everything. Used for local runs and tests.
type NopMetrics struct{}

func (NopMetrics) RecordWebhook(context.Context, string, string) {}
func (NopMetrics) RecordFailure(context.Context, string, string) {}
func (NopMetrics) RecordPlanFallback(context.Context, string)    {}
func (NopMetrics) RecordProviderFailure(context.Context, string) {}
func (NopMetrics) RecordPending(context.Context, int64)          {}

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics publishes one PutMetricData call per datapoint.
//
// Metrics emitted:
//   - WebhookReceived/Duplicate/Processed/Ignored/Rejected: Dims {EventType}
//   - WebhookFailed: Dims {EventType, ErrorCode}
//   - PlanFallback: Dims {PriceID}
//   - ExternalAPIFailure: Dims {Provider, ErrorCode}
//   - WebhookPending: no dims, gauge of processed=false rows
//   - APILatency: Dims {Endpoint, Method, Status}, milliseconds
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ Metrics = (*CloudWatchMetrics)(nil)

func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

func (m *CloudWatchMetrics) RecordWebhook(ctx context.Context, metric string, eventType string) {
	m.put(ctx, metric, 1, cwtypes.StandardUnitCount, types.DimEventType, eventType)
}

func (m *CloudWatchMetrics) RecordFailure(ctx context.Context, eventType string, code string) {
	m.put(ctx, types.MetricWebhookFailed, 1, cwtypes.StandardUnitCount,
		types.DimEventType, eventType,
		types.DimErrorCode, code,
	)
}

func (m *CloudWatchMetrics) RecordPlanFallback(ctx context.Context, priceID string) {
	if priceID == "" {
		priceID = "none"
	}
	m.put(ctx, types.MetricPlanFallback, 1, cwtypes.StandardUnitCount, types.DimPriceID, priceID)
}

func (m *CloudWatchMetrics) RecordProviderFailure(ctx context.Context, code string) {
	m.put(ctx, types.MetricExternalAPIFailure, 1, cwtypes.StandardUnitCount,
		types.DimProvider, "stripe",
		types.DimErrorCode, code,
	)
}

func (m *CloudWatchMetrics) RecordPending(ctx context.Context, count int64) {
	m.put(ctx, types.MetricWebhookPending, float64(count), cwtypes.StandardUnitCount)
}

// RecordRequest satisfies core.MetricsCollector.
func (m *CloudWatchMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	m.put(context.Background(), types.MetricAPILatency, float64(duration.Milliseconds()), cwtypes.StandardUnitMilliseconds,
		types.DimEndpoint, endpoint,
		"Method", method,
		"Status", status,
	)
}

// put sends a single datum. dims is a flat name/value list.
func (m *CloudWatchMetrics) put(ctx context.Context, name string, value float64, unit cwtypes.StandardUnit, dims ...string) {
	datum := cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       unit,
	}
	for i := 0; i+1 < len(dims); i += 2 {
		datum.Dimensions = append(datum.Dimensions, cwtypes.Dimension{
			Name:  aws.String(dims[i]),
			Value: aws.String(dims[i+1]),
		})
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to publish metric",
			"metric", name,
			"error", err,
		)
	}
}
