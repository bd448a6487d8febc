package billing

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"tripledger/internal/external"
	"tripledger/internal/types"
)

// Event is the verified envelope of a Stripe webhook. Object holds the raw
// data.object for the handler to decode.
type Event struct {
	ID       string
	Type     string
	Created  time.Time
	Livemode bool
	Object   json.RawMessage
}

// ParseEvent decodes the envelope of a webhook payload. It does not check
// signatures.
func ParseEvent(payload []byte) (*Event, error) {
	var se stripe.Event
	if err := json.Unmarshal(payload, &se); err != nil {
		return nil, types.NewAppError(types.ErrCodeWebhookPayloadMalformed, "webhook payload is not a Stripe event", err)
	}
	if se.ID == "" || se.Type == "" {
		return nil, types.NewAppError(types.ErrCodeWebhookPayloadMalformed, "webhook payload has no event id or type", nil)
	}

	evt := &Event{
		ID:       se.ID,
		Type:     string(se.Type),
		Livemode: se.Livemode,
	}
	if se.Created > 0 {
		evt.Created = time.Unix(se.Created, 0).UTC()
	}
	if se.Data != nil {
		evt.Object = se.Data.Raw
	}
	return evt, nil
}

func unsupported(evt *Event, what string, err error) error {
	return types.NewAppErrorWithDetails(
		types.ErrCodeBillingUnsupportedPayload,
		fmt.Sprintf("%s: cannot decode %s", evt.Type, what),
		err,
		map[string]any{"event_id": evt.ID},
	)
}

type checkoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          json.RawMessage   `json:"customer"`
	Subscription      json.RawMessage   `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

func parseCheckoutSession(evt *Event) (*checkoutSession, error) {
	var cs checkoutSession
	if err := json.Unmarshal(evt.Object, &cs); err != nil {
		return nil, unsupported(evt, "checkout session", err)
	}
	return &cs, nil
}

func (cs *checkoutSession) hints() IdentityHints {
	return IdentityHints{
		Metadata:          cs.Metadata,
		ClientReferenceID: cs.ClientReferenceID,
		SubscriptionID:    external.ExpandableID(cs.Subscription),
		CustomerID:        external.ExpandableID(cs.Customer),
	}
}

func parseSubscription(evt *Event) (*external.Subscription, error) {
	sub, err := external.ParseSubscription(evt.Object)
	if err != nil {
		return nil, unsupported(evt, "subscription", err)
	}
	return sub, nil
}

func subscriptionHints(sub *external.Subscription) IdentityHints {
	return IdentityHints{
		Metadata:       sub.Metadata,
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
	}
}

func subscriptionPeriod(sub *external.Subscription) Period {
	return Period{Start: sub.CurrentPeriodStart, End: sub.CurrentPeriodEnd}
}

type subscriptionDetails struct {
	Subscription json.RawMessage   `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

type invoicePeriod struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

type invoice struct {
	ID                  string               `json:"id"`
	Customer            json.RawMessage      `json:"customer"`
	Subscription        json.RawMessage      `json:"subscription"`
	Metadata            map[string]string    `json:"metadata"`
	PeriodStart         int64                `json:"period_start"`
	PeriodEnd           int64                `json:"period_end"`
	SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *subscriptionDetails `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period invoicePeriod `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func parseInvoice(evt *Event) (*invoice, error) {
	var inv invoice
	if err := json.Unmarshal(evt.Object, &inv); err != nil {
		return nil, unsupported(evt, "invoice", err)
	}
	return &inv, nil
}

// subscriptionID reads the legacy top-level field first, then the
// parent.subscription_details location used by newer API versions.
func (inv *invoice) subscriptionID() string {
	if id := external.ExpandableID(inv.Subscription); id != "" {
		return id
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return external.ExpandableID(inv.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

// metadata merges subscription metadata under the invoice's own, so a key
// set directly on the invoice wins.
func (inv *invoice) metadata() map[string]string {
	out := map[string]string{}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		maps.Copy(out, inv.Parent.SubscriptionDetails.Metadata)
	}
	if inv.SubscriptionDetails != nil {
		maps.Copy(out, inv.SubscriptionDetails.Metadata)
	}
	maps.Copy(out, inv.Metadata)
	return out
}

func (inv *invoice) hints() IdentityHints {
	return IdentityHints{
		Metadata:       inv.metadata(),
		SubscriptionID: inv.subscriptionID(),
		CustomerID:     external.ExpandableID(inv.Customer),
	}
}

// period prefers the first line item, which carries the subscription
// period; the invoice's own bounds describe the usage window.
func (inv *invoice) period() Period {
	start, end := inv.PeriodStart, inv.PeriodEnd
	if len(inv.Lines.Data) > 0 {
		if p := inv.Lines.Data[0].Period; p.Start > 0 && p.End > 0 {
			start, end = p.Start, p.End
		}
	}
	return Period{Start: unixTime(start), End: unixTime(end)}
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
