package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"tripledger/internal/types"
)

const billingColumns = `organization_id, stripe_customer_id, stripe_subscription_id,
	subscription_status, subscription_plan, updated_at`

// BillingRepository reads and writes organization_billing.
type BillingRepository struct {
	db DBTX
}

func NewBillingRepository(db DBTX) *BillingRepository {
	return &BillingRepository{db: db}
}

func (r *BillingRepository) GetByOrganizationID(ctx context.Context, orgID string) (*types.OrganizationBilling, error) {
	return r.getOne(ctx, "organization_id", orgID)
}

// FindBySubscriptionID is used by identity resolution. Returns a
// not_found_organization_billing error when nothing is linked.
func (r *BillingRepository) FindBySubscriptionID(ctx context.Context, subscriptionID string) (*types.OrganizationBilling, error) {
	return r.getOne(ctx, "stripe_subscription_id", subscriptionID)
}

func (r *BillingRepository) FindByCustomerID(ctx context.Context, customerID string) (*types.OrganizationBilling, error) {
	return r.getOne(ctx, "stripe_customer_id", customerID)
}

// getOne is only called with fixed column names, never user input.
func (r *BillingRepository) getOne(ctx context.Context, column, value string) (*types.OrganizationBilling, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+billingColumns+`
		 FROM organization_billing
		 WHERE `+column+` = $1
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		value,
	)
	b, err := scanBilling(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeNotFoundBilling,
				fmt.Sprintf("no organization billing with %s", column),
				nil,
				map[string]any{column: value},
			)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get organization billing", err)
	}
	return b, nil
}

// Upsert applies change and returns the resulting row. Writes are
// unconditional: the last change applied wins regardless of when the
// provider emitted it.
func (r *BillingRepository) Upsert(ctx context.Context, change types.BillingChange) (*types.OrganizationBilling, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO organization_billing
			(organization_id, stripe_customer_id, stripe_subscription_id, subscription_status, subscription_plan, updated_at)
		 VALUES ($1, $2, CASE WHEN $6::boolean THEN NULL ELSE $3 END, $4, $5, NOW())
		 ON CONFLICT (organization_id) DO UPDATE SET
			stripe_customer_id = COALESCE(EXCLUDED.stripe_customer_id, organization_billing.stripe_customer_id),
			stripe_subscription_id = CASE WHEN $6::boolean THEN NULL
				ELSE COALESCE(EXCLUDED.stripe_subscription_id, organization_billing.stripe_subscription_id) END,
			subscription_status = EXCLUDED.subscription_status,
			subscription_plan = COALESCE(EXCLUDED.subscription_plan, organization_billing.subscription_plan),
			updated_at = NOW()
		 RETURNING `+billingColumns,
		change.OrganizationID,
		nilIfEmpty(change.StripeCustomerID),
		nilIfEmpty(change.StripeSubscriptionID),
		change.Status,
		nilIfEmpty(change.Plan),
		change.ClearSubscription,
	)
	b, err := scanBilling(row)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert organization billing", err)
	}
	return b, nil
}

func scanBilling(row pgx.Row) (*types.OrganizationBilling, error) {
	var (
		b                       types.OrganizationBilling
		customerID, subID, plan *string
		status                  string
	)
	if err := row.Scan(&b.OrganizationID, &customerID, &subID, &status, &plan, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.StripeCustomerID = derefString(customerID)
	b.StripeSubscriptionID = derefString(subID)
	b.SubscriptionStatus = types.SubscriptionStatus(status)
	b.SubscriptionPlan = derefString(plan)
	return &b, nil
}
