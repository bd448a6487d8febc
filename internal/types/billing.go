package types

import (
	"encoding/json"
	"time"
)

// SubscriptionStatus is the internal subscription state of an organization.
// It is deliberately narrower than the provider's status vocabulary.
type SubscriptionStatus string

const (
	SubStatusTrial    SubscriptionStatus = "trial"
	SubStatusActive   SubscriptionStatus = "active"
	SubStatusPastDue  SubscriptionStatus = "past_due"
	SubStatusCanceled SubscriptionStatus = "canceled"
	SubStatusUnpaid   SubscriptionStatus = "unpaid"
)

// Valid reports whether s is one of the five internal states.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubStatusTrial, SubStatusActive, SubStatusPastDue, SubStatusCanceled, SubStatusUnpaid:
		return true
	}
	return false
}

// OrganizationBilling is the current billing linkage and state for one
// organization. Rows are created on first reconciliation and never deleted.
type OrganizationBilling struct {
	OrganizationID       string             `json:"organization_id" db:"organization_id"`
	StripeCustomerID     string             `json:"-" db:"stripe_customer_id"`
	StripeSubscriptionID string             `json:"-" db:"stripe_subscription_id"`
	SubscriptionStatus   SubscriptionStatus `json:"subscription_status" db:"subscription_status"`
	SubscriptionPlan     string             `json:"subscription_plan" db:"subscription_plan"`
	UpdatedAt            time.Time          `json:"updated_at" db:"updated_at"`
}

// SubscriptionPlan is reference data mapping a provider price to a plan.
type SubscriptionPlan struct {
	ID                string `json:"id" db:"id"`
	StripePriceID     string `json:"stripe_price_id" db:"stripe_price_id"`
	Name              string `json:"name" db:"name"`
	MonthlyPriceCents int64  `json:"monthly_price_cents" db:"monthly_price_cents"`
	Active            bool   `json:"active" db:"active"`
}

// SubscriptionHistoryEntry is an append-only audit record of a state change.
type SubscriptionHistoryEntry struct {
	ID                   int64              `json:"id" db:"id"`
	OrganizationID       string             `json:"organization_id" db:"organization_id"`
	StripeSubscriptionID string             `json:"stripe_subscription_id" db:"stripe_subscription_id"`
	StripeCustomerID     string             `json:"stripe_customer_id" db:"stripe_customer_id"`
	PlanID               string             `json:"plan_id,omitempty" db:"plan_id"`
	Status               SubscriptionStatus `json:"status" db:"status"`
	PeriodStart          *time.Time         `json:"period_start,omitempty" db:"period_start"`
	PeriodEnd            *time.Time         `json:"period_end,omitempty" db:"period_end"`
	CancelAtPeriodEnd    bool               `json:"cancel_at_period_end" db:"cancel_at_period_end"`
	CanceledAt           *time.Time         `json:"canceled_at,omitempty" db:"canceled_at"`
	SourceEventID        string             `json:"source_event_id,omitempty" db:"source_event_id"`
	CreatedAt            time.Time          `json:"created_at" db:"created_at"`
}

// WebhookEvent is the idempotency ledger row for one provider event.
type WebhookEvent struct {
	ID            int64           `json:"id" db:"id"`
	StripeEventID string          `json:"stripe_event_id" db:"stripe_event_id"`
	EventType     string          `json:"event_type" db:"event_type"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
	Processed     bool            `json:"processed" db:"processed"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
	Attempts      int             `json:"attempts" db:"attempts"`
	LastError     string          `json:"last_error,omitempty" db:"last_error"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	ClaimedUntil  *time.Time      `json:"claimed_until,omitempty" db:"claimed_until"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// BillingChange is one reconciled write to OrganizationBilling. Empty
// string fields leave the stored value untouched.
type BillingChange struct {
	OrganizationID       string
	Status               SubscriptionStatus
	Plan                 string
	StripeCustomerID     string
	StripeSubscriptionID string

	// ClearSubscription nulls the stored subscription id; it wins over
	// StripeSubscriptionID.
	ClearSubscription bool
}

// ReprocessMessage asks a worker to retry a pending ledger row. Payload is
// set only when the ledger insert itself failed, so the worker can record
// the event before processing it.
type ReprocessMessage struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type,omitempty"`
	Reason     string          `json:"reason"`
	TraceID    string          `json:"trace_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}
