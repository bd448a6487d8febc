// Package main is the entrypoint for the Billing Worker Lambda function.
//
// The worker consumes the reprocess queue. Each message names a webhook event
// whose first processing attempt failed; the worker claims the ledger row and
// replays it from the stored payload. Messages that carry a payload are
// recorded on the ledger first.
//
// Retryable failures (provider outage, database error) and rows currently
// leased by another worker are reported as batch item failures, so SQS
// delivers them again after the visibility timeout. Everything else is
// acknowledged: the ledger row keeps the failure reason and the scheduled
// sweep remains the backstop.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"tripledger/internal/app"
	"tripledger/internal/billing"
	"tripledger/internal/config"
	"tripledger/internal/types"
)

// errEventLeased asks SQS to redeliver a message whose row another worker
// is processing.
var errEventLeased = errors.New("webhook event leased by another worker")

// MessageReprocessor is satisfied by *billing.Reprocessor.
type MessageReprocessor interface {
	ReprocessMessage(ctx context.Context, msg types.ReprocessMessage) (billing.Outcome, error)
}

// Handler holds the dependencies for the worker Lambda handler.
type Handler struct {
	reprocessor MessageReprocessor
	logger      *slog.Logger
}

func NewHandler(reprocessor MessageReprocessor, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{reprocessor: reprocessor, logger: logger}
}

// Handle processes an SQS batch using partial batch responses so only the
// failed messages are redelivered.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		if err := h.processMessage(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "failed to process SQS message",
				"message_id", record.MessageId,
				"error", err,
			)
			response.BatchItemFailures = append(response.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}

// processMessage returns an error only when the message should be retried.
func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) error {
	var msg types.ReprocessMessage
	if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
		// Retrying cannot fix a body that does not parse.
		h.logger.ErrorContext(ctx, "discarding unparseable reprocess message",
			"message_id", record.MessageId,
			"error", err,
		)
		return nil
	}
	if msg.TraceID != "" {
		ctx = types.WithRequestID(ctx, msg.TraceID)
	}

	start := time.Now()
	outcome, err := h.reprocessor.ReprocessMessage(ctx, msg)
	logger := h.logger.With(
		"message_id", record.MessageId,
		"event_id", msg.EventID,
		"reason", msg.Reason,
		"outcome", string(outcome),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if err == nil && outcome == billing.OutcomeLeased {
		logger.InfoContext(ctx, "event leased elsewhere, leaving message for redelivery")
		return errEventLeased
	}
	if err == nil {
		logger.InfoContext(ctx, "reprocess message handled")
		return nil
	}
	if billing.Retryable(err) {
		return err
	}
	logger.WarnContext(ctx, "reprocess failed permanently, acknowledging", "error", err)
	return nil
}

func main() {
	bootLogger := app.NewLogger("info")
	bootLogger.Info("Billing Worker Lambda initializing (cold start)")

	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		bootLogger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	comps, err := app.New(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("Failed to wire components", "error", err)
		os.Exit(1)
	}

	handler := NewHandler(comps.Reprocessor, logger)

	logger.Info("Billing Worker Lambda initialized",
		"lease", cfg.Reprocess.Lease.String(),
		"metrics_enabled", cfg.Observability.EnableMetrics,
	)

	lambda.Start(handler.Handle)
}
