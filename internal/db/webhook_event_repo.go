package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tripledger/internal/types"
)

const webhookEventColumns = `id, stripe_event_id, event_type, payload, processed, processed_at,
	attempts, last_error, last_attempt_at, claimed_until, created_at`

// WebhookEventRepository is the idempotency ledger. The unique key on
// stripe_event_id is the only concurrency control between racing deliveries
// of the same event.
type WebhookEventRepository struct {
	db DBTX
}

func NewWebhookEventRepository(db DBTX) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// RecordIfNew inserts the event unprocessed. isNew is false when a row for
// eventID already exists; the existing row is left untouched.
func (r *WebhookEventRepository) RecordIfNew(ctx context.Context, eventID, eventType string, payload []byte) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO webhook_events (stripe_event_id, event_type, payload)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (stripe_event_id) DO NOTHING`,
		eventID, eventType, payload,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record webhook event", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkProcessed flips processed to true. Already-processed rows are left
// unchanged, so repeated calls are harmless.
func (r *WebhookEventRepository) MarkProcessed(ctx context.Context, eventID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE webhook_events
		 SET processed = TRUE, processed_at = NOW(), last_error = NULL
		 WHERE stripe_event_id = $1 AND processed = FALSE`,
		eventID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark webhook event processed", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Either already processed or missing; only the latter is an error.
	_, err = r.GetByEventID(ctx, eventID)
	return err
}

// RecordFailure stores the latest handling error on an unprocessed row and
// releases any lease on it, so a queued retry can claim it straight away.
func (r *WebhookEventRepository) RecordFailure(ctx context.Context, eventID string, reason string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE webhook_events
		 SET last_error = $2, last_attempt_at = NOW(), claimed_until = NULL
		 WHERE stripe_event_id = $1 AND processed = FALSE`,
		eventID, reason,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record webhook event failure", err)
	}
	return nil
}

// Claim leases an unprocessed row for one reprocessing attempt by setting
// claimed_until. Only Claim takes a lease; recording or failing a row does
// not, so a freshly queued event is claimable at once.
//
// Returns (nil, nil) when the event is already processed, a conflict error
// when another worker holds the lease, and a not-found error when no row
// exists.
func (r *WebhookEventRepository) Claim(ctx context.Context, eventID string, lease time.Duration) (*types.WebhookEvent, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE webhook_events
		 SET attempts = attempts + 1,
		     last_attempt_at = NOW(),
		     claimed_until = NOW() + make_interval(secs => $2)
		 WHERE stripe_event_id = $1
		   AND processed = FALSE
		   AND (claimed_until IS NULL OR claimed_until < NOW())
		 RETURNING `+webhookEventColumns,
		eventID, lease.Seconds(),
	)
	evt, err := scanWebhookEvent(row)
	if err == nil {
		return evt, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to claim webhook event", err)
	}

	existing, err := r.GetByEventID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if existing.Processed {
		return nil, nil
	}
	return nil, types.NewAppErrorWithDetails(
		types.ErrCodeConflictEventClaimed,
		"webhook event is leased by another worker",
		nil,
		map[string]any{"event_id": eventID},
	)
}

// GetByEventID fetches one ledger row by provider event id.
func (r *WebhookEventRepository) GetByEventID(ctx context.Context, eventID string) (*types.WebhookEvent, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+webhookEventColumns+` FROM webhook_events WHERE stripe_event_id = $1`,
		eventID,
	)
	evt, err := scanWebhookEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundWebhookEvent, fmt.Sprintf("webhook event %s not found", eventID), nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get webhook event", err)
	}
	return evt, nil
}

// ListPending returns unclaimed, unprocessed rows created before olderThan.
// Rows attempted least recently come first, so rows that keep failing
// rotate to the back instead of filling every batch.
func (r *WebhookEventRepository) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*types.WebhookEvent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+webhookEventColumns+`
		 FROM webhook_events
		 WHERE processed = FALSE
		   AND created_at < $1
		   AND (claimed_until IS NULL OR claimed_until < NOW())
		 ORDER BY last_attempt_at ASC NULLS FIRST, created_at ASC
		 LIMIT $2`,
		olderThan, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list pending webhook events", err)
	}
	defer rows.Close()

	var out []*types.WebhookEvent
	for rows.Next() {
		evt, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan pending webhook event", err)
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate pending webhook events", err)
	}
	return out, nil
}

// CountPending returns the size of the unprocessed backlog.
func (r *WebhookEventRepository) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM webhook_events WHERE processed = FALSE`).Scan(&n)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count pending webhook events", err)
	}
	return n, nil
}

// scanWebhookEvent column order must match webhookEventColumns.
func scanWebhookEvent(row pgx.Row) (*types.WebhookEvent, error) {
	var (
		evt       types.WebhookEvent
		payload   []byte
		lastError *string
	)
	err := row.Scan(
		&evt.ID,
		&evt.StripeEventID,
		&evt.EventType,
		&payload,
		&evt.Processed,
		&evt.ProcessedAt,
		&evt.Attempts,
		&lastError,
		&evt.LastAttemptAt,
		&evt.ClaimedUntil,
		&evt.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	evt.Payload = payload
	evt.LastError = derefString(lastError)
	return &evt, nil
}
