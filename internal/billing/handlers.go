package billing

import (
	"context"
	"log/slog"
	"time"

	"tripledger/internal/external"
	"tripledger/internal/types"
)

// HandlerKind names the fixed set of event handlers.
type HandlerKind string

const (
	KindCheckoutCompleted    HandlerKind = "checkout_completed"
	KindSubscriptionUpserted HandlerKind = "subscription_upserted"
	KindSubscriptionDeleted  HandlerKind = "subscription_deleted"
	KindPaymentSucceeded     HandlerKind = "payment_succeeded"
	KindPaymentFailed        HandlerKind = "payment_failed"
)

// Handler applies one kind of event. Handlers decode the payload, resolve
// the organization and call the Reconciler; they hold no other state.
type Handler interface {
	Kind() HandlerKind
	Handle(ctx context.Context, evt *Event) error
}

// DefaultProviderTimeout bounds the subscription fetch during checkout.
const DefaultProviderTimeout = 10 * time.Second

// HandlerDeps are shared by every handler.
type HandlerDeps struct {
	Resolver        *IdentityResolver
	Reconciler      *Reconciler
	Subscriptions   external.SubscriptionFetcher
	ProviderTimeout time.Duration
	Metrics         Metrics
	Logger          *slog.Logger
}

func (d HandlerDeps) withDefaults() HandlerDeps {
	if d.ProviderTimeout <= 0 {
		d.ProviderTimeout = DefaultProviderTimeout
	}
	if d.Metrics == nil {
		d.Metrics = NopMetrics{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// ---------------------------------------------------------------------------
// checkout.session.completed
// ---------------------------------------------------------------------------

type checkoutCompletedHandler struct {
	HandlerDeps
}

func NewCheckoutCompletedHandler(deps HandlerDeps) Handler {
	return &checkoutCompletedHandler{deps.withDefaults()}
}

func (h *checkoutCompletedHandler) Kind() HandlerKind { return KindCheckoutCompleted }

// Handle fetches the subscription the checkout created to learn its status
// and price. If the provider cannot be reached the organization is still
// linked, with the fail-safe status and default plan, and a transient error
// is returned so the event stays pending for reprocessing.
func (h *checkoutCompletedHandler) Handle(ctx context.Context, evt *Event) error {
	cs, err := parseCheckoutSession(evt)
	if err != nil {
		return err
	}
	hints := cs.hints()

	orgID, err := h.Resolver.Resolve(ctx, hints)
	if err != nil {
		return err
	}

	if hints.SubscriptionID == "" {
		h.Logger.InfoContext(ctx, "checkout session has no subscription, nothing to reconcile",
			"event_id", evt.ID,
			"org_id", orgID,
			"mode", cs.Mode,
		)
		return nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, h.ProviderTimeout)
	sub, fetchErr := h.Subscriptions.RetrieveSubscription(fetchCtx, hints.SubscriptionID)
	cancel()

	if fetchErr != nil {
		fetchErr = asTransient(fetchErr)
		h.Metrics.RecordProviderFailure(ctx, errorCodeLabel(fetchErr))
		h.Logger.WarnContext(ctx, "subscription fetch failed, applying fail-safe state",
			"event_id", evt.ID,
			"org_id", orgID,
			"subscription_id", hints.SubscriptionID,
			"error", fetchErr,
		)

		if _, err := h.Reconciler.ApplySubscription(ctx, SubscriptionUpdate{
			OrganizationID:     orgID,
			EventID:            evt.ID,
			Status:             MapProviderStatus(""),
			SubscriptionID:     hints.SubscriptionID,
			CustomerID:         hints.CustomerID,
			CaptureIdentifiers: true,
			UseDefaultPlan:     true,
		}); err != nil {
			return err
		}
		return fetchErr
	}

	customerID := hints.CustomerID
	if customerID == "" {
		customerID = sub.CustomerID
	}

	_, err = h.Reconciler.ApplySubscription(ctx, SubscriptionUpdate{
		OrganizationID:     orgID,
		EventID:            evt.ID,
		Status:             MapProviderStatus(sub.Status),
		PriceID:            sub.PriceID,
		SubscriptionID:     sub.ID,
		CustomerID:         customerID,
		Period:             subscriptionPeriod(sub),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CanceledAt:         sub.CanceledAt,
		CaptureIdentifiers: true,
	})
	return err
}

// asTransient guarantees provider failures carry an upstream_* code.
func asTransient(err error) error {
	if IsTransientProvider(err) {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamStripe, "subscription fetch failed", err)
}

// ---------------------------------------------------------------------------
// customer.subscription.created / customer.subscription.updated
// ---------------------------------------------------------------------------

type subscriptionUpsertedHandler struct {
	HandlerDeps
}

func NewSubscriptionUpsertedHandler(deps HandlerDeps) Handler {
	return &subscriptionUpsertedHandler{deps.withDefaults()}
}

func (h *subscriptionUpsertedHandler) Kind() HandlerKind { return KindSubscriptionUpserted }

func (h *subscriptionUpsertedHandler) Handle(ctx context.Context, evt *Event) error {
	sub, err := parseSubscription(evt)
	if err != nil {
		return err
	}

	orgID, err := h.Resolver.Resolve(ctx, subscriptionHints(sub))
	if err != nil {
		return err
	}

	_, err = h.Reconciler.ApplySubscription(ctx, SubscriptionUpdate{
		OrganizationID:    orgID,
		EventID:           evt.ID,
		Status:            MapProviderStatus(sub.Status),
		PriceID:           sub.PriceID,
		SubscriptionID:    sub.ID,
		CustomerID:        sub.CustomerID,
		Period:            subscriptionPeriod(sub),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CanceledAt:        sub.CanceledAt,
	})
	return err
}

// ---------------------------------------------------------------------------
// customer.subscription.deleted
// ---------------------------------------------------------------------------

type subscriptionDeletedHandler struct {
	HandlerDeps
}

func NewSubscriptionDeletedHandler(deps HandlerDeps) Handler {
	return &subscriptionDeletedHandler{deps.withDefaults()}
}

func (h *subscriptionDeletedHandler) Kind() HandlerKind { return KindSubscriptionDeleted }

func (h *subscriptionDeletedHandler) Handle(ctx context.Context, evt *Event) error {
	sub, err := parseSubscription(evt)
	if err != nil {
		return err
	}

	orgID, err := h.Resolver.Resolve(ctx, subscriptionHints(sub))
	if err != nil {
		return err
	}

	canceledAt := sub.CanceledAt
	if canceledAt == nil && !evt.Created.IsZero() {
		t := evt.Created
		canceledAt = &t
	}

	_, err = h.Reconciler.ApplyDeletion(ctx, DeletionUpdate{
		OrganizationID: orgID,
		EventID:        evt.ID,
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		Period:         subscriptionPeriod(sub),
		CanceledAt:     canceledAt,
	})
	return err
}

// ---------------------------------------------------------------------------
// invoice.payment_succeeded / invoice.paid / invoice.payment_failed
// ---------------------------------------------------------------------------

type paymentHandler struct {
	HandlerDeps
	succeeded bool
}

func NewPaymentSucceededHandler(deps HandlerDeps) Handler {
	return &paymentHandler{HandlerDeps: deps.withDefaults(), succeeded: true}
}

func NewPaymentFailedHandler(deps HandlerDeps) Handler {
	return &paymentHandler{HandlerDeps: deps.withDefaults(), succeeded: false}
}

func (h *paymentHandler) Kind() HandlerKind {
	if h.succeeded {
		return KindPaymentSucceeded
	}
	return KindPaymentFailed
}

func (h *paymentHandler) Handle(ctx context.Context, evt *Event) error {
	inv, err := parseInvoice(evt)
	if err != nil {
		return err
	}
	hints := inv.hints()

	orgID, err := h.Resolver.Resolve(ctx, hints)
	if err != nil {
		return err
	}

	if !h.succeeded {
		h.Logger.WarnContext(ctx, "invoice payment failed",
			"event_id", evt.ID,
			"org_id", orgID,
			"invoice_id", inv.ID,
		)
	}

	_, err = h.Reconciler.ApplyPaymentOutcome(ctx, PaymentOutcome{
		OrganizationID: orgID,
		EventID:        evt.ID,
		Succeeded:      h.succeeded,
		SubscriptionID: hints.SubscriptionID,
		CustomerID:     hints.CustomerID,
		Period:         inv.period(),
	})
	return err
}
