package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"tripledger/internal/types"
)

// PlanRepository reads the subscription_plans reference table.
type PlanRepository struct {
	db DBTX
}

func NewPlanRepository(db DBTX) *PlanRepository {
	return &PlanRepository{db: db}
}

// GetByPriceID looks a plan up by provider price id. Inactive plans are
// still returned so grandfathered subscriptions keep their plan name.
func (r *PlanRepository) GetByPriceID(ctx context.Context, priceID string) (*types.SubscriptionPlan, error) {
	var p types.SubscriptionPlan
	err := r.db.QueryRow(ctx,
		`SELECT id, stripe_price_id, name, monthly_price_cents, active
		 FROM subscription_plans
		 WHERE stripe_price_id = $1`,
		priceID,
	).Scan(&p.ID, &p.StripePriceID, &p.Name, &p.MonthlyPriceCents, &p.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeNotFoundPlan,
				"no subscription plan for price",
				nil,
				map[string]any{"price_id": priceID},
			)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get subscription plan", err)
	}
	return &p, nil
}
