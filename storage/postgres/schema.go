package postgres

import (
	"context"
	"fmt"
)

// schema is applied on startup. Idempotency and uniqueness live in the
// constraints: the ledger dedup key, payment references, verification
// codes and the one-statement-per-period rule are all enforced here so
// concurrent writers cannot race past the application checks.
const schema = `
CREATE TABLE IF NOT EXISTS webhook_events (
	id                 TEXT PRIMARY KEY,
	provider           TEXT NOT NULL,
	external_event_id  TEXT NOT NULL,
	kind               TEXT NOT NULL,
	provider_type      TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL,
	received_at        TIMESTAMPTZ NOT NULL,
	processed_at       TIMESTAMPTZ,
	processing_time_ms BIGINT NOT NULL DEFAULT 0,
	failure_reason     TEXT NOT NULL DEFAULT '',
	retryable          BOOLEAN NOT NULL DEFAULT FALSE,
	unmatched          BOOLEAN NOT NULL DEFAULT FALSE,
	CONSTRAINT webhook_events_provider_external_key UNIQUE (provider, external_event_id)
);
CREATE INDEX IF NOT EXISTS webhook_events_received_idx ON webhook_events (received_at);

CREATE TABLE IF NOT EXISTS subscriptions (
	id                       TEXT PRIMARY KEY,
	creator_id               TEXT NOT NULL,
	subscriber_id            TEXT NOT NULL,
	provider                 TEXT NOT NULL,
	provider_subscription_id TEXT NOT NULL DEFAULT '',
	status                   TEXT NOT NULL,
	amount_minor             BIGINT NOT NULL DEFAULT 0,
	currency                 TEXT NOT NULL DEFAULT '',
	interval_unit            TEXT NOT NULL DEFAULT 'month',
	current_period_end       TIMESTAMPTZ NOT NULL,
	cancel_at_period_end     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at               TIMESTAMPTZ NOT NULL,
	updated_at               TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS subscriptions_provider_sub_idx
	ON subscriptions (provider, provider_subscription_id)
	WHERE provider_subscription_id <> '';
CREATE INDEX IF NOT EXISTS subscriptions_due_cancel_idx
	ON subscriptions (current_period_end)
	WHERE cancel_at_period_end AND status <> 'canceled';

CREATE TABLE IF NOT EXISTS payments (
	id                 TEXT PRIMARY KEY,
	subscription_id    TEXT NOT NULL DEFAULT '',
	creator_id         TEXT NOT NULL,
	subscriber_id      TEXT NOT NULL DEFAULT '',
	provider           TEXT NOT NULL,
	provider_reference TEXT NOT NULL,
	amount_minor       BIGINT NOT NULL,
	net_minor          BIGINT NOT NULL,
	currency           TEXT NOT NULL,
	status             TEXT NOT NULL,
	dispute_reason     TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	CONSTRAINT payments_provider_reference_key UNIQUE (provider, provider_reference)
);
CREATE INDEX IF NOT EXISTS payments_creator_created_idx ON payments (creator_id, created_at);

CREATE TABLE IF NOT EXISTS scheduled_reminders (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL DEFAULT '',
	entity_type   TEXT NOT NULL,
	entity_id     TEXT NOT NULL,
	reminder_type TEXT NOT NULL,
	channel       TEXT NOT NULL DEFAULT '',
	scheduled_for TIMESTAMPTZ NOT NULL,
	status        TEXT NOT NULL,
	sent_at       TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS scheduled_reminders_pending_idx
	ON scheduled_reminders (entity_id, reminder_type)
	WHERE status = 'scheduled';
CREATE INDEX IF NOT EXISTS scheduled_reminders_due_idx
	ON scheduled_reminders (scheduled_for)
	WHERE status = 'scheduled';

CREATE TABLE IF NOT EXISTS payroll_periods (
	id                TEXT PRIMARY KEY,
	creator_id        TEXT NOT NULL,
	period_start      TIMESTAMPTZ NOT NULL,
	period_end        TIMESTAMPTZ NOT NULL,
	currency          TEXT NOT NULL,
	gross_minor       BIGINT NOT NULL,
	net_minor         BIGINT NOT NULL,
	payment_count     INTEGER NOT NULL,
	verification_code TEXT NOT NULL,
	pdf_url           TEXT NOT NULL DEFAULT '',
	generated_at      TIMESTAMPTZ NOT NULL,
	CONSTRAINT payroll_periods_verification_code_key UNIQUE (verification_code),
	CONSTRAINT payroll_periods_creator_period_key UNIQUE (creator_id, period_start)
);

CREATE TABLE IF NOT EXISTS creators (
	id                   TEXT PRIMARY KEY,
	provider             TEXT NOT NULL,
	provider_account_id  TEXT NOT NULL DEFAULT '',
	currency             TEXT NOT NULL DEFAULT '',
	service_mode         BOOLEAN NOT NULL DEFAULT FALSE,
	salary_mode_unlocked BOOLEAN NOT NULL DEFAULT FALSE,
	preferred_payday     INTEGER NOT NULL DEFAULT 0,
	created_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS creators_provider_account_idx ON creators (provider, provider_account_id);

CREATE TABLE IF NOT EXISTS payout_activity (
	id           TEXT PRIMARY KEY,
	creator_id   TEXT NOT NULL,
	provider     TEXT NOT NULL,
	kind         TEXT NOT NULL,
	amount_minor BIGINT NOT NULL,
	currency     TEXT NOT NULL DEFAULT '',
	reference    TEXT NOT NULL DEFAULT '',
	occurred_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS payout_activity_creator_idx ON payout_activity (creator_id, occurred_at DESC);

CREATE TABLE IF NOT EXISTS alert_state (
	name          TEXT PRIMARY KEY,
	last_alert_at TIMESTAMPTZ NOT NULL
);

-- Retention-managed datasets. Rows are written by collaborating
-- services; the cleanup jobs only delete expired ones.
CREATE TABLE IF NOT EXISTS auth_tokens (
	id         BIGSERIAL PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS sessions (
	id         BIGSERIAL PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS otps (
	id         BIGSERIAL PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS page_views (
	id         BIGSERIAL PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *Storage) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
