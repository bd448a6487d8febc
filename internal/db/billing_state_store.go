package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"tripledger/internal/types"
)

// BillingStateStore writes an OrganizationBilling change and its history
// entry in one transaction.
type BillingStateStore struct {
	pool TxBeginner
}

func NewBillingStateStore(pool TxBeginner) *BillingStateStore {
	return &BillingStateStore{pool: pool}
}

// Apply upserts change and appends entry. entry.OrganizationID is taken from
// change; blank subscription and customer ids on entry are filled from the
// stored row. Nothing is written if either statement fails.
func (s *BillingStateStore) Apply(ctx context.Context, change types.BillingChange, entry *types.SubscriptionHistoryEntry) (*types.OrganizationBilling, error) {
	var result *types.OrganizationBilling

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		billing, err := NewBillingRepository(tx).Upsert(ctx, change)
		if err != nil {
			return err
		}

		entry.OrganizationID = billing.OrganizationID
		if entry.StripeCustomerID == "" {
			entry.StripeCustomerID = billing.StripeCustomerID
		}
		if entry.StripeSubscriptionID == "" && !change.ClearSubscription {
			entry.StripeSubscriptionID = billing.StripeSubscriptionID
		}
		if err := NewHistoryRepository(tx).Append(ctx, entry); err != nil {
			return err
		}

		result = billing
		return nil
	})
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "billing state transaction failed", err)
	}
	return result, nil
}
