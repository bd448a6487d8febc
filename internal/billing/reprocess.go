package billing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tripledger/internal/types"
)

// ReprocessLedger extends Ledger with the leasing and backlog queries the
// reprocessor needs. Implemented by db.WebhookEventRepository.
type ReprocessLedger interface {
	Ledger
	Claim(ctx context.Context, eventID string, lease time.Duration) (*types.WebhookEvent, error)
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*types.WebhookEvent, error)
	CountPending(ctx context.Context) (int64, error)
}

// Outcome is the result of reprocessing one ledger row.
type Outcome string

const (
	OutcomeProcessed        Outcome = "processed"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeLeased           Outcome = "leased"
	OutcomeFailed           Outcome = "failed"
)

// ReprocessorConfig tunes the reprocessor. Zero values take defaults.
type ReprocessorConfig struct {
	Lease       time.Duration
	Concurrency int
	Metrics     Metrics
	Logger      *slog.Logger
}

// Reprocessor replays pending ledger rows from their stored payload. The
// payload was verified when first recorded, so signatures are not checked
// again.
type Reprocessor struct {
	ledger      ReprocessLedger
	dispatcher  *Dispatcher
	lease       time.Duration
	concurrency int
	metrics     Metrics
	logger      *slog.Logger
	now         func() time.Time
}

func NewReprocessor(ledger ReprocessLedger, dispatcher *Dispatcher, cfg ReprocessorConfig) *Reprocessor {
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reprocessor{
		ledger:      ledger,
		dispatcher:  dispatcher,
		lease:       cfg.Lease,
		concurrency: cfg.Concurrency,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		now:         time.Now,
	}
}

// ReprocessByID claims the row for eventID and dispatches it again. A row
// leased by another worker is skipped, not treated as an error.
func (r *Reprocessor) ReprocessByID(ctx context.Context, eventID string) (Outcome, error) {
	ctx = types.WithWebhookEventID(ctx, eventID)

	row, err := r.ledger.Claim(ctx, eventID, r.lease)
	if err != nil {
		if code, ok := codeOf(err); ok && code == types.ErrCodeConflictEventClaimed {
			r.logger.InfoContext(ctx, "event leased by another worker", "event_id", eventID)
			return OutcomeLeased, nil
		}
		return OutcomeFailed, err
	}
	if row == nil {
		return OutcomeAlreadyProcessed, nil
	}

	evt, err := ParseEvent(row.Payload)
	if err != nil {
		// A stored payload that no longer parses will never succeed.
		if ferr := r.ledger.RecordFailure(ctx, eventID, err.Error()); ferr != nil {
			r.logger.ErrorContext(ctx, "failed to record processing failure",
				"event_id", eventID,
				"error", ferr,
			)
		}
		return OutcomeFailed, err
	}

	r.logger.InfoContext(ctx, "reprocessing webhook event",
		"event_id", evt.ID,
		"event_type", evt.Type,
		"attempt", row.Attempts,
	)
	if _, err := settle(ctx, r.dispatcher, r.ledger, r.metrics, r.logger, evt); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeProcessed, nil
}

// ReprocessMessage handles one queue message. When the message carries a
// payload the event is recorded first, covering deliveries whose ledger
// insert failed.
func (r *Reprocessor) ReprocessMessage(ctx context.Context, msg types.ReprocessMessage) (Outcome, error) {
	if len(msg.Payload) > 0 {
		evt, err := ParseEvent(msg.Payload)
		if err != nil {
			return OutcomeFailed, err
		}
		if _, err := r.ledger.RecordIfNew(ctx, evt.ID, evt.Type, msg.Payload); err != nil {
			return OutcomeFailed, err
		}
		msg.EventID = evt.ID
	}
	if msg.EventID == "" {
		return OutcomeFailed, types.NewAppError(types.ErrCodeValidationMissingField, "reprocess message has no event id", nil)
	}
	return r.ReprocessByID(ctx, msg.EventID)
}

// SweepReport summarises one Sweep.
type SweepReport struct {
	Scanned          int
	Processed        int
	AlreadyProcessed int
	Leased           int
	Failed           int
}

// Sweep reprocesses up to limit rows that have been pending for at least
// minAge. Individual failures are counted, not returned; the error is
// non-nil only if the backlog could not be listed.
func (r *Reprocessor) Sweep(ctx context.Context, minAge time.Duration, limit int) (SweepReport, error) {
	var report SweepReport

	pending, err := r.ledger.ListPending(ctx, r.now().Add(-minAge), limit)
	if err != nil {
		return report, err
	}
	report.Scanned = len(pending)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, row := range pending {
		eventID := row.StripeEventID
		g.Go(func() error {
			outcome, err := r.ReprocessByID(gctx, eventID)
			if err != nil {
				r.logger.WarnContext(gctx, "sweep failed to reprocess event",
					"event_id", eventID,
					"error", err,
				)
			}
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case OutcomeProcessed:
				report.Processed++
			case OutcomeAlreadyProcessed:
				report.AlreadyProcessed++
			case OutcomeLeased:
				report.Leased++
			default:
				report.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	r.logger.InfoContext(ctx, "webhook backlog sweep complete",
		"scanned", report.Scanned,
		"processed", report.Processed,
		"failed", report.Failed,
		"leased", report.Leased,
	)
	return report, nil
}

// ReportBacklog publishes the number of pending rows as a gauge.
func (r *Reprocessor) ReportBacklog(ctx context.Context) (int64, error) {
	n, err := r.ledger.CountPending(ctx)
	if err != nil {
		return 0, err
	}
	r.metrics.RecordPending(ctx, n)
	return n, nil
}
