package db

import (
	"context"

	"tripledger/internal/types"
)

// HistoryRepository appends to subscription_history. Rows are never updated.
type HistoryRepository struct {
	db DBTX
}

func NewHistoryRepository(db DBTX) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Append inserts entry and fills in its ID and CreatedAt.
func (r *HistoryRepository) Append(ctx context.Context, entry *types.SubscriptionHistoryEntry) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO subscription_history
			(organization_id, stripe_subscription_id, stripe_customer_id, plan_id, status,
			 period_start, period_end, cancel_at_period_end, canceled_at, source_event_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id, created_at`,
		entry.OrganizationID,
		nilIfEmpty(entry.StripeSubscriptionID),
		nilIfEmpty(entry.StripeCustomerID),
		nilIfEmpty(entry.PlanID),
		entry.Status,
		entry.PeriodStart,
		entry.PeriodEnd,
		entry.CancelAtPeriodEnd,
		entry.CanceledAt,
		nilIfEmpty(entry.SourceEventID),
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to append subscription history", err)
	}
	return nil
}
