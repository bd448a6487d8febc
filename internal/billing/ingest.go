package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tripledger/internal/external"
	"tripledger/internal/types"
)

// Ledger is the idempotency store. Implemented by db.WebhookEventRepository.
type Ledger interface {
	RecordIfNew(ctx context.Context, eventID, eventType string, payload []byte) (bool, error)
	MarkProcessed(ctx context.Context, eventID string) error
	RecordFailure(ctx context.Context, eventID string, reason string) error
}

// ReprocessEnqueuer hands a failed event to the background worker.
// Implemented by queue.ReprocessPublisher.
type ReprocessEnqueuer interface {
	EnqueueReprocess(ctx context.Context, msg types.ReprocessMessage) error
}

// Result describes what ingestion did with one delivery. Err holds the
// swallowed processing error, if any; it is never an authenticity error.
type Result struct {
	EventID   string
	EventType string
	Duplicate bool
	Handled   bool
	Err       error
}

// Ingestor is the webhook pipeline: verify, record, dispatch, mark.
type Ingestor struct {
	verifier   external.WebhookVerifier
	secret     types.SecretString
	ledger     Ledger
	dispatcher *Dispatcher
	enqueuer   ReprocessEnqueuer
	metrics    Metrics
	logger     *slog.Logger
}

// IngestorConfig wires an Ingestor. Enqueuer and Metrics are optional.
type IngestorConfig struct {
	Verifier      external.WebhookVerifier
	WebhookSecret types.SecretString
	Ledger        Ledger
	Dispatcher    *Dispatcher
	Enqueuer      ReprocessEnqueuer
	Metrics       Metrics
	Logger        *slog.Logger
}

func NewIngestor(cfg IngestorConfig) *Ingestor {
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ingestor{
		verifier:   cfg.Verifier,
		secret:     cfg.WebhookSecret,
		ledger:     cfg.Ledger,
		dispatcher: cfg.Dispatcher,
		enqueuer:   cfg.Enqueuer,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
}

// Ingest processes one webhook delivery. The returned error is non-nil when
// the delivery must not be acknowledged: a failed signature check, an
// envelope that cannot be decoded, or a ledger insert failure that could
// not be handed to the reprocess queue either. Nothing is persisted in any
// of those cases, so a provider redelivery is safe. Every other failure is
// logged, recorded on the ledger row and reported through Result.Err.
func (i *Ingestor) Ingest(ctx context.Context, payload []byte, sigHeader string) (Result, error) {
	if err := i.verifier.Verify(payload, sigHeader, i.secret.Unmask()); err != nil {
		i.metrics.RecordWebhook(ctx, types.MetricWebhookRejected, "unknown")
		i.logger.WarnContext(ctx, "webhook signature verification failed", "error", err)
		return Result{}, err
	}

	evt, err := ParseEvent(payload)
	if err != nil {
		i.metrics.RecordWebhook(ctx, types.MetricWebhookRejected, "unknown")
		i.logger.WarnContext(ctx, "verified webhook has unreadable envelope", "error", err)
		return Result{}, err
	}

	ctx = types.WithWebhookEventID(ctx, evt.ID)
	res := Result{EventID: evt.ID, EventType: evt.Type}
	i.metrics.RecordWebhook(ctx, types.MetricWebhookReceived, evt.Type)

	isNew, err := i.ledger.RecordIfNew(ctx, evt.ID, evt.Type, payload)
	if err != nil {
		// Nothing is stored; carry the payload on the queue so the worker can
		// record it later. Without a queue the provider has to redeliver.
		i.logger.ErrorContext(ctx, "failed to record webhook event",
			"event_id", evt.ID,
			"event_type", evt.Type,
			"error", err,
		)
		i.metrics.RecordFailure(ctx, evt.Type, errorCodeLabel(err))
		if qerr := i.enqueue(ctx, evt, err, payload); qerr != nil {
			return res, err
		}
		res.Err = err
		return res, nil
	}
	if !isNew {
		i.metrics.RecordWebhook(ctx, types.MetricWebhookDuplicate, evt.Type)
		i.logger.InfoContext(ctx, "duplicate webhook delivery skipped",
			"event_id", evt.ID,
			"event_type", evt.Type,
		)
		res.Duplicate = true
		return res, nil
	}

	res.Handled, res.Err = i.process(ctx, evt)
	if res.Err != nil && Retryable(res.Err) {
		// The row stays pending; the scheduled sweep finds it if this fails.
		_ = i.enqueue(ctx, evt, res.Err, nil)
	}
	return res, nil
}

// process dispatches a recorded event and settles its ledger row. Shared
// by ingestion and reprocessing.
func (i *Ingestor) process(ctx context.Context, evt *Event) (bool, error) {
	return settle(ctx, i.dispatcher, i.ledger, i.metrics, i.logger, evt)
}

func settle(ctx context.Context, d *Dispatcher, ledger Ledger, metrics Metrics, logger *slog.Logger, evt *Event) (bool, error) {
	handled, err := d.Dispatch(ctx, evt)
	if err != nil {
		logger.ErrorContext(ctx, "webhook event processing failed",
			"event_id", evt.ID,
			"event_type", evt.Type,
			"error_code", errorCodeLabel(err),
			"error", err,
		)
		metrics.RecordFailure(ctx, evt.Type, errorCodeLabel(err))
		if ferr := ledger.RecordFailure(ctx, evt.ID, err.Error()); ferr != nil {
			logger.ErrorContext(ctx, "failed to record processing failure",
				"event_id", evt.ID,
				"error", ferr,
			)
		}
		return handled, err
	}

	if err := ledger.MarkProcessed(ctx, evt.ID); err != nil {
		logger.ErrorContext(ctx, "failed to mark webhook event processed",
			"event_id", evt.ID,
			"event_type", evt.Type,
			"error", err,
		)
		metrics.RecordFailure(ctx, evt.Type, errorCodeLabel(err))
		return handled, err
	}

	if handled {
		metrics.RecordWebhook(ctx, types.MetricWebhookProcessed, evt.Type)
	} else {
		metrics.RecordWebhook(ctx, types.MetricWebhookIgnored, evt.Type)
	}
	return handled, nil
}

var errNoReprocessQueue = errors.New("no reprocess queue configured")

func (i *Ingestor) enqueue(ctx context.Context, evt *Event, cause error, payload []byte) error {
	if i.enqueuer == nil {
		return errNoReprocessQueue
	}
	msg := types.ReprocessMessage{
		EventID:    evt.ID,
		EventType:  evt.Type,
		Reason:     errorCodeLabel(cause),
		TraceID:    types.GetRequestID(ctx),
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := i.enqueuer.EnqueueReprocess(ctx, msg); err != nil {
		i.logger.WarnContext(ctx, "failed to enqueue reprocess request",
			"event_id", evt.ID,
			"error", err,
		)
		return err
	}
	return nil
}
