// Package main is the entrypoint for the Archiver Lambda function.
//
// The Archiver is a maintenance multiplexer. EventBridge rules send a JSON
// payload naming a task and the handler routes it to the reprocessor:
//
//	{"task": "reprocess_webhook_events", "limit": 50}   // limit optional
//	{"task": "report_webhook_backlog"}
//
// Concurrent invocations are safe: every ledger row is leased before it is
// replayed, so two sweeps never process the same event.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/google/uuid"

	"tripledger/internal/app"
	"tripledger/internal/billing"
	"tripledger/internal/config"
)

// TaskType identifies a maintenance task.
type TaskType string

const (
	// TaskReprocessWebhookEvents replays ledger rows still unprocessed after
	// the configured minimum age.
	TaskReprocessWebhookEvents TaskType = "reprocess_webhook_events"

	// TaskReportWebhookBacklog publishes the pending row count as a gauge.
	TaskReportWebhookBacklog TaskType = "report_webhook_backlog"
)

// maxSweepLimit bounds a manual limit override.
const maxSweepLimit = 1000

// MaintenancePayload is the EventBridge input.
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// Limit overrides the configured sweep batch size when positive.
	Limit int `json:"limit,omitempty"`
}

// BacklogService is satisfied by *billing.Reprocessor.
type BacklogService interface {
	Sweep(ctx context.Context, minAge time.Duration, limit int) (billing.SweepReport, error)
	ReportBacklog(ctx context.Context) (int64, error)
}

// Handler holds the dependencies for the maintenance handler.
type Handler struct {
	Backlog   BacklogService
	MinAge    time.Duration
	BatchSize int
	WorkerID  string
	Logger    *slog.Logger
}

// Handle routes payload to its task and returns a one-line summary.
func (h *Handler) Handle(ctx context.Context, payload MaintenancePayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	taskStr := string(payload.Task)
	logger.InfoContext(ctx, "archiver handler invoked",
		"task", taskStr,
		"worker_id", h.WorkerID,
	)

	if payload.Task == "" {
		return "", fmt.Errorf("empty task type in maintenance payload")
	}

	start := time.Now()
	result, err := h.dispatch(ctx, payload)
	if err != nil {
		logger.ErrorContext(ctx, "task execution failed",
			"task", taskStr,
			"error", err,
		)
		return "", fmt.Errorf("task %s failed: %w", taskStr, err)
	}

	logger.InfoContext(ctx, result,
		"task", taskStr,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

func (h *Handler) dispatch(ctx context.Context, payload MaintenancePayload) (string, error) {
	switch payload.Task {
	case TaskReprocessWebhookEvents:
		report, err := h.Backlog.Sweep(ctx, h.MinAge, h.limit(payload.Limit))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("task %s complete: scanned=%d processed=%d already_processed=%d leased=%d failed=%d",
			payload.Task, report.Scanned, report.Processed, report.AlreadyProcessed, report.Leased, report.Failed), nil

	case TaskReportWebhookBacklog:
		n, err := h.Backlog.ReportBacklog(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("task %s complete: %d events pending", payload.Task, n), nil

	default:
		return "", fmt.Errorf("unknown task type: %q", payload.Task)
	}
}

func (h *Handler) limit(override int) int {
	switch {
	case override > maxSweepLimit:
		return maxSweepLimit
	case override > 0:
		return override
	case h.BatchSize > 0:
		return h.BatchSize
	default:
		return 100
	}
}

func main() {
	bootLogger := app.NewLogger("info")
	bootLogger.Info("Archiver Lambda initializing (cold start)")

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

	workerID := uuid.New().String()
	handler := &Handler{
		Backlog:   comps.Reprocessor,
		MinAge:    cfg.Reprocess.MinAge,
		BatchSize: cfg.Reprocess.BatchSize,
		WorkerID:  workerID,
		Logger:    logger,
	}

	logger.Info("Archiver Lambda initialized",
		"worker_id", workerID,
		"min_age", cfg.Reprocess.MinAge.String(),
		"batch_size", cfg.Reprocess.BatchSize,
	)

	lambda.Start(handler.Handle)
}
