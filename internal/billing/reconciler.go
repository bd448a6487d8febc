package billing

import (
	"context"
	"log/slog"
	"time"

	"tripledger/internal/types"
)

// StateWriter persists one billing change and its history entry atomically.
// Implemented by db.BillingStateStore.
type StateWriter interface {
	Apply(ctx context.Context, change types.BillingChange, entry *types.SubscriptionHistoryEntry) (*types.OrganizationBilling, error)
}

// Period is a billing period as reported by Stripe. Either bound may be nil.
type Period struct {
	Start *time.Time
	End   *time.Time
}

// SubscriptionUpdate carries the fields of a checkout or subscription event.
type SubscriptionUpdate struct {
	OrganizationID string
	EventID        string
	Status         types.SubscriptionStatus
	PriceID        string
	SubscriptionID string
	CustomerID     string
	Period         Period

	CancelAtPeriodEnd bool
	CanceledAt        *time.Time

	// CaptureIdentifiers stores CustomerID and SubscriptionID on the
	// organization. Only checkout does this.
	CaptureIdentifiers bool
	// UseDefaultPlan skips the catalog. Set when the price is unknowable,
	// e.g. the provider could not be reached.
	UseDefaultPlan bool
}

// DeletionUpdate carries a customer.subscription.deleted event.
type DeletionUpdate struct {
	OrganizationID string
	EventID        string
	SubscriptionID string
	CustomerID     string
	Period         Period
	CanceledAt     *time.Time
}

// PaymentOutcome carries an invoice payment event.
type PaymentOutcome struct {
	OrganizationID string
	EventID        string
	Succeeded      bool
	SubscriptionID string
	CustomerID     string
	Period         Period
}

// Reconciler applies provider events to OrganizationBilling and appends a
// history entry for each application.
//
// Writes are last-write-wins. Event timestamps are not compared against
// stored state, so an older event delivered late overwrites a newer one
// until the next event corrects it.
type Reconciler struct {
	store  StateWriter
	plans  *PlanResolver
	logger *slog.Logger
	now    func() time.Time
}

func NewReconciler(store StateWriter, plans *PlanResolver, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, plans: plans, logger: logger, now: time.Now}
}

// ApplySubscription sets status and a re-resolved plan.
func (r *Reconciler) ApplySubscription(ctx context.Context, u SubscriptionUpdate) (*types.OrganizationBilling, error) {
	plan := r.plans.Default()
	if !u.UseDefaultPlan {
		var err error
		if plan, err = r.plans.Resolve(ctx, u.PriceID); err != nil {
			return nil, err
		}
	}

	change := types.BillingChange{
		OrganizationID: u.OrganizationID,
		Status:         u.Status,
		Plan:           plan.Name,
	}
	if u.CaptureIdentifiers {
		change.StripeCustomerID = u.CustomerID
		change.StripeSubscriptionID = u.SubscriptionID
	}

	entry := &types.SubscriptionHistoryEntry{
		StripeSubscriptionID: u.SubscriptionID,
		StripeCustomerID:     u.CustomerID,
		PlanID:               plan.ID,
		Status:               u.Status,
		PeriodStart:          u.Period.Start,
		PeriodEnd:            u.Period.End,
		CancelAtPeriodEnd:    u.CancelAtPeriodEnd,
		CanceledAt:           u.CanceledAt,
		SourceEventID:        u.EventID,
	}
	return r.apply(ctx, change, entry)
}

// ApplyDeletion force-sets canceled and clears the stored subscription id.
// The plan is left as it was.
func (r *Reconciler) ApplyDeletion(ctx context.Context, d DeletionUpdate) (*types.OrganizationBilling, error) {
	canceledAt := d.CanceledAt
	if canceledAt == nil {
		t := r.now().UTC()
		canceledAt = &t
	}

	change := types.BillingChange{
		OrganizationID:    d.OrganizationID,
		Status:            types.SubStatusCanceled,
		ClearSubscription: true,
	}
	entry := &types.SubscriptionHistoryEntry{
		StripeSubscriptionID: d.SubscriptionID,
		StripeCustomerID:     d.CustomerID,
		Status:               types.SubStatusCanceled,
		PeriodStart:          d.Period.Start,
		PeriodEnd:            d.Period.End,
		CanceledAt:           canceledAt,
		SourceEventID:        d.EventID,
	}
	return r.apply(ctx, change, entry)
}

// ApplyPaymentOutcome flips status to active or past_due. Plan and stored
// identifiers are untouched.
func (r *Reconciler) ApplyPaymentOutcome(ctx context.Context, p PaymentOutcome) (*types.OrganizationBilling, error) {
	status := types.SubStatusPastDue
	if p.Succeeded {
		status = types.SubStatusActive
	}

	change := types.BillingChange{
		OrganizationID: p.OrganizationID,
		Status:         status,
	}
	entry := &types.SubscriptionHistoryEntry{
		StripeSubscriptionID: p.SubscriptionID,
		StripeCustomerID:     p.CustomerID,
		Status:               status,
		PeriodStart:          p.Period.Start,
		PeriodEnd:            p.Period.End,
		SourceEventID:        p.EventID,
	}
	return r.apply(ctx, change, entry)
}

func (r *Reconciler) apply(ctx context.Context, change types.BillingChange, entry *types.SubscriptionHistoryEntry) (*types.OrganizationBilling, error) {
	b, err := r.store.Apply(ctx, change, entry)
	if err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "billing state reconciled",
		"org_id", b.OrganizationID,
		"status", b.SubscriptionStatus,
		"plan", b.SubscriptionPlan,
		"event_id", entry.SourceEventID,
		"history_id", entry.ID,
	)
	return b, nil
}
