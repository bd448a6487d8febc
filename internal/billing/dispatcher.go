package billing

import (
	"context"
	"log/slog"
	"sort"

	stripe "github.com/stripe/stripe-go/v82"
)

// Dispatcher routes an event to the single handler registered for its type.
type Dispatcher struct {
	routes map[string]Handler
	logger *slog.Logger
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{routes: make(map[string]Handler), logger: logger}
}

// NewStandardDispatcher registers the five handlers against the Stripe
// event types they consume.
func NewStandardDispatcher(deps HandlerDeps) *Dispatcher {
	d := NewDispatcher(deps.Logger)

	upserted := NewSubscriptionUpsertedHandler(deps)
	succeeded := NewPaymentSucceededHandler(deps)

	d.Register(stripe.EventTypeCheckoutSessionCompleted, NewCheckoutCompletedHandler(deps))
	d.Register(stripe.EventTypeCustomerSubscriptionCreated, upserted)
	d.Register(stripe.EventTypeCustomerSubscriptionUpdated, upserted)
	d.Register(stripe.EventTypeCustomerSubscriptionDeleted, NewSubscriptionDeletedHandler(deps))
	d.Register(stripe.EventTypeInvoicePaymentSucceeded, succeeded)
	d.Register(stripe.EventTypeInvoicePaid, succeeded)
	d.Register(stripe.EventTypeInvoicePaymentFailed, NewPaymentFailedHandler(deps))
	return d
}

// Register binds eventType to h, replacing any earlier binding.
func (d *Dispatcher) Register(eventType stripe.EventType, h Handler) {
	d.routes[string(eventType)] = h
}

// Dispatch runs the handler for evt synchronously. Unknown types return
// handled=false with no error.
func (d *Dispatcher) Dispatch(ctx context.Context, evt *Event) (bool, error) {
	h, ok := d.routes[evt.Type]
	if !ok {
		d.logger.InfoContext(ctx, "ignoring unhandled webhook event type",
			"event_id", evt.ID,
			"event_type", evt.Type,
		)
		return false, nil
	}

	d.logger.DebugContext(ctx, "dispatching webhook event",
		"event_id", evt.ID,
		"event_type", evt.Type,
		"handler", h.Kind(),
	)
	return true, h.Handle(ctx, evt)
}

// EventTypes lists the registered event types in sorted order.
func (d *Dispatcher) EventTypes() []string {
	out := make([]string, 0, len(d.routes))
	for t := range d.routes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
