package db

import (
	"context"
	"fmt"
)

// schemaStatements are idempotent; EnsureSchema may run on every boot.
// The UNIQUE constraint on webhook_events.stripe_event_id is what makes
// RecordIfNew race-free.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS organization_billing (
		organization_id        TEXT PRIMARY KEY,
		stripe_customer_id     TEXT,
		stripe_subscription_id TEXT,
		subscription_status    TEXT NOT NULL DEFAULT 'trial'
			CHECK (subscription_status IN ('trial', 'active', 'past_due', 'canceled', 'unpaid')),
		subscription_plan      TEXT,
		updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_org_billing_customer ON organization_billing (stripe_customer_id)`,
	`CREATE INDEX IF NOT EXISTS idx_org_billing_subscription ON organization_billing (stripe_subscription_id)`,

	`CREATE TABLE IF NOT EXISTS subscription_plans (
		id                  TEXT PRIMARY KEY,
		stripe_price_id     TEXT NOT NULL UNIQUE,
		name                TEXT NOT NULL,
		monthly_price_cents BIGINT NOT NULL DEFAULT 0,
		active              BOOLEAN NOT NULL DEFAULT TRUE
	)`,

	`CREATE TABLE IF NOT EXISTS subscription_history (
		id                     BIGSERIAL PRIMARY KEY,
		organization_id        TEXT NOT NULL,
		stripe_subscription_id TEXT,
		stripe_customer_id     TEXT,
		plan_id                TEXT,
		status                 TEXT NOT NULL,
		period_start           TIMESTAMPTZ,
		period_end             TIMESTAMPTZ,
		cancel_at_period_end   BOOLEAN NOT NULL DEFAULT FALSE,
		canceled_at            TIMESTAMPTZ,
		source_event_id        TEXT,
		created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sub_history_org ON subscription_history (organization_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS webhook_events (
		id              BIGSERIAL PRIMARY KEY,
		stripe_event_id TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		payload         JSONB NOT NULL,
		processed       BOOLEAN NOT NULL DEFAULT FALSE,
		processed_at    TIMESTAMPTZ,
		attempts        INTEGER NOT NULL DEFAULT 1,
		last_error      TEXT,
		last_attempt_at TIMESTAMPTZ DEFAULT NOW(),
		claimed_until   TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT webhook_events_stripe_event_id_key UNIQUE (stripe_event_id)
	)`,
	`ALTER TABLE webhook_events ADD COLUMN IF NOT EXISTS claimed_until TIMESTAMPTZ`,
	`DROP INDEX IF EXISTS idx_webhook_events_pending`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_events_sweep
		ON webhook_events (last_attempt_at NULLS FIRST, created_at) WHERE processed = FALSE`,
}

// EnsureSchema creates the billing tables if they do not exist.
func EnsureSchema(ctx context.Context, db DBTX) error {
	for i, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema (statement %d): %w", i, err)
		}
	}
	return nil
}
