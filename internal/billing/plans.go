// Package billing turns verified Stripe webhook events into organization
// billing state. It owns event dispatch, identity resolution, status and
// plan mapping, and the ingestion and reprocessing pipelines.
package billing

import (
	"context"
	"log/slog"

	"tripledger/internal/types"
)

// DefaultPlanName is the baseline plan assigned when a price is not in the
// catalog.
const DefaultPlanName = "basic"

// PlanLookup is the catalog read PlanResolver needs. Implemented by
// db.PlanRepository.
type PlanLookup interface {
	GetByPriceID(ctx context.Context, priceID string) (*types.SubscriptionPlan, error)
}

// ResolvedPlan is the outcome of a catalog lookup. ID is empty on fallback.
type ResolvedPlan struct {
	ID       string
	Name     string
	Fallback bool
}

// PlanResolver maps a Stripe price id to a plan name. It fails open: an
// unknown or missing price yields the default plan, and the fallback is
// logged and counted so catalog drift stays visible.
type PlanResolver struct {
	plans       PlanLookup
	defaultPlan string
	metrics     Metrics
	logger      *slog.Logger
}

func NewPlanResolver(plans PlanLookup, defaultPlan string, metrics Metrics, logger *slog.Logger) *PlanResolver {
	if defaultPlan == "" {
		defaultPlan = DefaultPlanName
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PlanResolver{plans: plans, defaultPlan: defaultPlan, metrics: metrics, logger: logger}
}

// Default returns the baseline plan without touching the catalog.
func (r *PlanResolver) Default() ResolvedPlan {
	return ResolvedPlan{Name: r.defaultPlan, Fallback: true}
}

// Resolve looks up priceID. Catalog misses fall back to the default plan;
// only storage failures are returned as errors.
func (r *PlanResolver) Resolve(ctx context.Context, priceID string) (ResolvedPlan, error) {
	if priceID == "" {
		r.fallback(ctx, priceID, "event carries no price")
		return r.Default(), nil
	}

	plan, err := r.plans.GetByPriceID(ctx, priceID)
	if err != nil {
		if code, ok := codeOf(err); ok && code == types.ErrCodeNotFoundPlan {
			r.fallback(ctx, priceID, "price not in plan catalog")
			return r.Default(), nil
		}
		return ResolvedPlan{}, err
	}
	return ResolvedPlan{ID: plan.ID, Name: plan.Name}, nil
}

func (r *PlanResolver) fallback(ctx context.Context, priceID, reason string) {
	r.logger.WarnContext(ctx, "falling back to default plan",
		"price_id", priceID,
		"default_plan", r.defaultPlan,
		"reason", reason,
		"event_id", types.GetWebhookEventID(ctx),
	)
	r.metrics.RecordPlanFallback(ctx, priceID)
}
