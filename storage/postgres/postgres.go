// Package postgres provides a PostgreSQL implementation of the engine.Storage
// interface. Idempotency keys are enforced with unique constraints, and
// InTransaction maps to a real database transaction so the ledger write and
// the state transitions of one webhook commit or roll back together.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/paywelt/billingcore/pkg/engine"
)

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Storage implements engine.Storage using PostgreSQL.
type Storage struct {
	db     querier
	pool   *pgxpool.Pool // nil inside a transaction
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Migrate applies the schema on startup
	Migrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		Migrate:         true,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{db: pool, pool: pool, config: config}

	if config.Migrate {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return s, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pool so a Locker can share connections.
func (s *Storage) Pool() *pgxpool.Pool {
	return s.pool
}

// InTransaction implements engine.Storage. Nested calls reuse the
// enclosing transaction.
func (s *Storage) InTransaction(ctx context.Context, fn func(ctx context.Context, st engine.Storage) error) error {
	if s.pool == nil {
		return fn(ctx, s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", engine.ErrTransientStorage, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	txStorage := &Storage{db: tx, config: s.config}
	if err := fn(ctx, txStorage); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", engine.ErrTransientStorage, err)
	}
	return nil
}

// mapUnique translates unique-violation errors onto the engine sentinels
// named by the violated constraint.
func mapUnique(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return err
	}
	switch pgErr.ConstraintName {
	case "webhook_events_provider_external_key":
		return engine.ErrDuplicateEvent
	case "payroll_periods_verification_code_key":
		return engine.ErrCodeTaken
	case "payroll_periods_creator_period_key":
		return engine.ErrDuplicatePeriod
	}
	return err
}

// InsertEvent implements engine.Storage.
func (s *Storage) InsertEvent(ctx context.Context, e *engine.LedgerEntry) error {
	if e == nil || e.ID == "" || e.ExternalEventID == "" {
		return fmt.Errorf("invalid ledger entry")
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO webhook_events
			(id, provider, external_event_id, kind, provider_type, status, received_at, failure_reason, retryable, unmatched)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.Provider, e.ExternalEventID, e.Kind, e.ProviderType, e.Status,
		e.ReceivedAt, e.FailureReason, e.Retryable, e.Unmatched,
	)
	if err != nil {
		if mapped := mapUnique(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func scanEvent(row pgx.Row) (*engine.LedgerEntry, error) {
	var e engine.LedgerEntry
	var processingMs int64
	err := row.Scan(
		&e.ID, &e.Provider, &e.ExternalEventID, &e.Kind, &e.ProviderType,
		&e.Status, &e.ReceivedAt, &e.ProcessedAt, &processingMs,
		&e.FailureReason, &e.Retryable, &e.Unmatched,
	)
	if err == pgx.ErrNoRows {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	e.ProcessingTime = time.Duration(processingMs) * time.Millisecond
	return &e, nil
}

const eventColumns = `id, provider, external_event_id, kind, provider_type, status,
	received_at, processed_at, processing_time_ms, failure_reason, retryable, unmatched`

// GetEvent implements engine.Storage.
func (s *Storage) GetEvent(ctx context.Context, id string) (*engine.LedgerEntry, error) {
	return scanEvent(s.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE id = $1`, id))
}

// GetEventByExternalID implements engine.Storage.
func (s *Storage) GetEventByExternalID(ctx context.Context, provider engine.Provider, externalID string) (*engine.LedgerEntry, error) {
	return scanEvent(s.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM webhook_events
			WHERE provider = $1 AND external_event_id = $2`,
		provider, externalID))
}

// UpdateEventStatus implements engine.Storage. The WHERE clause encodes
// the terminal rule: processed and skipped rows never move again, and a
// failed row moves only if its failure was retryable.
func (s *Storage) UpdateEventStatus(ctx context.Context, id string, status engine.EventStatus, processingTime time.Duration, reason string, retryable bool) error {
	var processedAt *time.Time
	var ms int64
	if status == engine.EventStatusProcessed || status == engine.EventStatusFailed || status == engine.EventStatusSkipped {
		now := time.Now().UTC()
		processedAt = &now
		ms = processingTime.Milliseconds()
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE webhook_events
			SET status = $2, failure_reason = $3, retryable = $4, processed_at = $5, processing_time_ms = $6
			WHERE id = $1
				AND status NOT IN ('processed', 'skipped')
				AND NOT (status = 'failed' AND NOT retryable)`,
		id, status, reason, retryable, processedAt, ms,
	)
	if err != nil {
		return fmt.Errorf("failed to update event status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM webhook_events WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check event: %w", err)
		}
		if !exists {
			return engine.ErrNotFound
		}
		return engine.ErrEventTerminal
	}
	return nil
}

// MarkEventUnmatched implements engine.Storage.
func (s *Storage) MarkEventUnmatched(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE webhook_events SET unmatched = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark event unmatched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return engine.ErrNotFound
	}
	return nil
}

// EventStats implements engine.Storage.
func (s *Storage) EventStats(ctx context.Context, since time.Time) (engine.EventStats, error) {
	var stats engine.EventStats
	err := s.db.QueryRow(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE status = 'processed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'skipped'),
			COUNT(*) FILTER (WHERE status NOT IN ('processed', 'failed', 'skipped'))
		FROM webhook_events WHERE received_at >= $1`,
		since).Scan(&stats.Processed, &stats.Failed, &stats.Skipped, &stats.Pending)
	if err != nil {
		return engine.EventStats{}, fmt.Errorf("failed to aggregate event stats: %w", err)
	}
	return stats, nil
}

// InsertSubscription implements engine.Storage.
func (s *Storage) InsertSubscription(ctx context.Context, sub *engine.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO subscriptions
			(id, creator_id, subscriber_id, provider, provider_subscription_id, status,
			 amount_minor, currency, interval_unit, current_period_end, cancel_at_period_end,
			 created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sub.ID, sub.CreatorID, sub.SubscriberID, sub.Provider, sub.ProviderSubscriptionID,
		sub.Status, sub.AmountMinor, sub.Currency, sub.IntervalUnit, sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

const subscriptionColumns = `id, creator_id, subscriber_id, provider, provider_subscription_id,
	status, amount_minor, currency, interval_unit, current_period_end, cancel_at_period_end,
	created_at, updated_at`

func scanSubscription(row pgx.Row) (*engine.Subscription, error) {
	var sub engine.Subscription
	err := row.Scan(
		&sub.ID, &sub.CreatorID, &sub.SubscriberID, &sub.Provider, &sub.ProviderSubscriptionID,
		&sub.Status, &sub.AmountMinor, &sub.Currency, &sub.IntervalUnit, &sub.CurrentPeriodEnd,
		&sub.CancelAtPeriodEnd, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	return &sub, nil
}

// GetSubscription implements engine.Storage.
func (s *Storage) GetSubscription(ctx context.Context, id string) (*engine.Subscription, error) {
	return scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
}

// GetSubscriptionByProviderID implements engine.Storage.
func (s *Storage) GetSubscriptionByProviderID(ctx context.Context, provider engine.Provider, providerSubID string) (*engine.Subscription, error) {
	return scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE provider = $1 AND provider_subscription_id = $2`,
		provider, providerSubID))
}

// UpdateSubscription implements engine.Storage.
func (s *Storage) UpdateSubscription(ctx context.Context, sub *engine.Subscription) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE subscriptions SET
			status = $2, amount_minor = $3, currency = $4, interval_unit = $5,
			current_period_end = $6, cancel_at_period_end = $7,
			provider_subscription_id = $8, updated_at = $9
			WHERE id = $1`,
		sub.ID, sub.Status, sub.AmountMinor, sub.Currency, sub.IntervalUnit,
		sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd, sub.ProviderSubscriptionID, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return engine.ErrNotFound
	}
	return nil
}

// ListDueCancellations implements engine.Storage.
func (s *Storage) ListDueCancellations(ctx context.Context, now time.Time) ([]*engine.Subscription, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE cancel_at_period_end AND status <> 'canceled' AND current_period_end < $1
			ORDER BY current_period_end`,
		now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due cancellations: %w", err)
	}
	defer rows.Close()

	var due []*engine.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, sub)
	}
	return due, rows.Err()
}

// InsertPayment implements engine.Storage.
func (s *Storage) InsertPayment(ctx context.Context, p *engine.Payment) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("invalid payment")
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO payments
			(id, subscription_id, creator_id, subscriber_id, provider, provider_reference,
			 amount_minor, net_minor, currency, status, dispute_reason, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		p.ID, p.SubscriptionID, p.CreatorID, p.SubscriberID, p.Provider, p.ProviderReference,
		p.AmountMinor, p.NetMinor, p.Currency, p.Status, p.DisputeReason, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

const paymentColumns = `id, subscription_id, creator_id, subscriber_id, provider,
	provider_reference, amount_minor, net_minor, currency, status, dispute_reason,
	created_at, updated_at`

func scanPayment(row pgx.Row) (*engine.Payment, error) {
	var p engine.Payment
	err := row.Scan(
		&p.ID, &p.SubscriptionID, &p.CreatorID, &p.SubscriberID, &p.Provider,
		&p.ProviderReference, &p.AmountMinor, &p.NetMinor, &p.Currency, &p.Status,
		&p.DisputeReason, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}
	return &p, nil
}

// GetPaymentByReference implements engine.Storage.
func (s *Storage) GetPaymentByReference(ctx context.Context, provider engine.Provider, ref string) (*engine.Payment, error) {
	return scanPayment(s.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments
			WHERE provider = $1 AND provider_reference = $2`,
		provider, ref))
}

// UpdatePayment implements engine.Storage.
func (s *Storage) UpdatePayment(ctx context.Context, p *engine.Payment) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE payments SET status = $2, dispute_reason = $3, updated_at = $4 WHERE id = $1`,
		p.ID, p.Status, p.DisputeReason, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return engine.ErrNotFound
	}
	return nil
}

// ListPayments implements engine.Storage.
func (s *Storage) ListPayments(ctx context.Context, creatorID string, from, to time.Time) ([]*engine.Payment, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments
			WHERE ($1 = '' OR creator_id = $1) AND created_at >= $2 AND created_at < $3
			ORDER BY created_at`,
		creatorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var out []*engine.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PaymentTotals implements engine.Storage.
func (s *Storage) PaymentTotals(ctx context.Context, provider engine.Provider, from, to time.Time) (engine.PaymentTotals, error) {
	var totals engine.PaymentTotals
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_minor), 0), COALESCE(SUM(net_minor), 0), COUNT(*)
			FROM payments
			WHERE provider = $1 AND status = 'succeeded' AND created_at >= $2 AND created_at < $3`,
		provider, from, to).Scan(&totals.GrossMinor, &totals.NetMinor, &totals.Count)
	if err != nil {
		return engine.PaymentTotals{}, fmt.Errorf("failed to aggregate payment totals: %w", err)
	}
	return totals, nil
}

// UpsertReminder implements engine.Storage. The partial unique index on
// scheduled rows makes ON CONFLICT fold repeated schedules of the same
// (entity, type) into one row.
func (s *Storage) UpsertReminder(ctx context.Context, r *engine.ScheduledReminder) error {
	if r == nil || r.EntityID == "" || r.Type == "" {
		return fmt.Errorf("invalid reminder")
	}
	if r.ID == "" {
		r.ID = newID()
	}
	if r.Status == "" {
		r.Status = engine.ReminderScheduled
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO scheduled_reminders
			(id, user_id, entity_type, entity_id, reminder_type, channel, scheduled_for, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (entity_id, reminder_type) WHERE status = 'scheduled'
			DO UPDATE SET scheduled_for = EXCLUDED.scheduled_for,
				channel = EXCLUDED.channel,
				user_id = EXCLUDED.user_id`,
		r.ID, r.UserID, r.EntityType, r.EntityID, r.Type, r.Channel, r.ScheduledFor,
		r.Status, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert reminder: %w", err)
	}
	return nil
}

// CancelReminder implements engine.Storage.
func (s *Storage) CancelReminder(ctx context.Context, entityID, reminderType string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE scheduled_reminders SET status = 'canceled'
			WHERE entity_id = $1 AND reminder_type = $2 AND status = 'scheduled'`,
		entityID, reminderType)
	if err != nil {
		return fmt.Errorf("failed to cancel reminder: %w", err)
	}
	return nil
}

const reminderColumns = `id, user_id, entity_type, entity_id, reminder_type, channel,
	scheduled_for, status, sent_at, created_at`

func scanReminder(row pgx.Row) (*engine.ScheduledReminder, error) {
	var r engine.ScheduledReminder
	err := row.Scan(
		&r.ID, &r.UserID, &r.EntityType, &r.EntityID, &r.Type, &r.Channel,
		&r.ScheduledFor, &r.Status, &r.SentAt, &r.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan reminder: %w", err)
	}
	return &r, nil
}

// DueReminders implements engine.Storage.
func (s *Storage) DueReminders(ctx context.Context, now time.Time) ([]*engine.ScheduledReminder, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+reminderColumns+` FROM scheduled_reminders
			WHERE status = 'scheduled' AND scheduled_for <= $1
			ORDER BY scheduled_for`,
		now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due reminders: %w", err)
	}
	defer rows.Close()

	var due []*engine.ScheduledReminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, r)
	}
	return due, rows.Err()
}

// ClaimReminder implements engine.Storage. The conditional UPDATE is the
// claim: exactly one of any number of concurrent runners flips the row.
func (s *Storage) ClaimReminder(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE scheduled_reminders SET status = 'sending'
			WHERE id = $1 AND status = 'scheduled'`,
		id)
	if err != nil {
		return false, fmt.Errorf("failed to claim reminder: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM scheduled_reminders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check reminder: %w", err)
	}
	if !exists {
		return false, engine.ErrNotFound
	}
	return false, nil
}

// FinishReminder implements engine.Storage.
func (s *Storage) FinishReminder(ctx context.Context, id string, status engine.ReminderStatus, at time.Time) error {
	var sentAt *time.Time
	if status == engine.ReminderSent {
		sentAt = &at
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE scheduled_reminders SET status = $2, sent_at = $3 WHERE id = $1`,
		id, status, sentAt)
	if err != nil {
		return fmt.Errorf("failed to finish reminder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return engine.ErrNotFound
	}
	return nil
}

// ScheduledReminderFor implements engine.Storage.
func (s *Storage) ScheduledReminderFor(ctx context.Context, entityID, reminderType string) (*engine.ScheduledReminder, error) {
	return scanReminder(s.db.QueryRow(ctx,
		`SELECT `+reminderColumns+` FROM scheduled_reminders
			WHERE entity_id = $1 AND reminder_type = $2 AND status = 'scheduled'`,
		entityID, reminderType))
}

// InsertPayrollPeriod implements engine.Storage.
func (s *Storage) InsertPayrollPeriod(ctx context.Context, p *engine.PayrollPeriod) error {
	if p == nil || p.ID == "" || p.VerificationCode == "" {
		return fmt.Errorf("invalid payroll period")
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO payroll_periods
			(id, creator_id, period_start, period_end, currency, gross_minor, net_minor,
			 payment_count, verification_code, pdf_url, generated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.CreatorID, p.PeriodStart, p.PeriodEnd, p.Currency, p.GrossMinor, p.NetMinor,
		p.PaymentCount, p.VerificationCode, p.PDFURL, p.GeneratedAt,
	)
	if err != nil {
		if mapped := mapUnique(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("failed to insert payroll period: %w", err)
	}
	return nil
}

// GetPayrollByCode implements engine.Storage.
func (s *Storage) GetPayrollByCode(ctx context.Context, code string) (*engine.PayrollPeriod, error) {
	var p engine.PayrollPeriod
	err := s.db.QueryRow(ctx,
		`SELECT id, creator_id, period_start, period_end, currency, gross_minor, net_minor,
			payment_count, verification_code, pdf_url, generated_at
			FROM payroll_periods WHERE verification_code = $1`,
		code).Scan(
		&p.ID, &p.CreatorID, &p.PeriodStart, &p.PeriodEnd, &p.Currency, &p.GrossMinor,
		&p.NetMinor, &p.PaymentCount, &p.VerificationCode, &p.PDFURL, &p.GeneratedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payroll period: %w", err)
	}
	return &p, nil
}

// HasPayrollPeriod implements engine.Storage.
func (s *Storage) HasPayrollPeriod(ctx context.Context, creatorID string, periodStart time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM payroll_periods WHERE creator_id = $1 AND period_start = $2)`,
		creatorID, periodStart).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check payroll period: %w", err)
	}
	return exists, nil
}

const creatorColumns = `id, provider, provider_account_id, currency, service_mode,
	salary_mode_unlocked, preferred_payday, created_at`

func scanCreator(row pgx.Row) (*engine.Creator, error) {
	var c engine.Creator
	err := row.Scan(
		&c.ID, &c.Provider, &c.ProviderAccountID, &c.Currency, &c.ServiceMode,
		&c.SalaryModeUnlocked, &c.PreferredPayday, &c.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan creator: %w", err)
	}
	return &c, nil
}

// ListCreators implements engine.Storage.
func (s *Storage) ListCreators(ctx context.Context) ([]*engine.Creator, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+creatorColumns+` FROM creators ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list creators: %w", err)
	}
	defer rows.Close()

	var out []*engine.Creator
	for rows.Next() {
		c, err := scanCreator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCreatorByProviderAccount implements engine.Storage.
func (s *Storage) GetCreatorByProviderAccount(ctx context.Context, provider engine.Provider, accountID string) (*engine.Creator, error) {
	return scanCreator(s.db.QueryRow(ctx,
		`SELECT `+creatorColumns+` FROM creators
			WHERE provider = $1 AND provider_account_id = $2`,
		provider, accountID))
}

// UpdateCreator implements engine.Storage.
func (s *Storage) UpdateCreator(ctx context.Context, c *engine.Creator) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE creators SET
			provider = $2, provider_account_id = $3, currency = $4, service_mode = $5,
			salary_mode_unlocked = $6, preferred_payday = $7
			WHERE id = $1`,
		c.ID, c.Provider, c.ProviderAccountID, c.Currency, c.ServiceMode,
		c.SalaryModeUnlocked, c.PreferredPayday,
	)
	if err != nil {
		return fmt.Errorf("failed to update creator: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return engine.ErrNotFound
	}
	return nil
}

// AppendActivity implements engine.Storage.
func (s *Storage) AppendActivity(ctx context.Context, a *engine.PayoutActivity) error {
	if a.ID == "" {
		a.ID = newID()
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO payout_activity
			(id, creator_id, provider, kind, amount_minor, currency, reference, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.CreatorID, a.Provider, a.Kind, a.AmountMinor, a.Currency, a.Reference, a.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append activity: %w", err)
	}
	return nil
}

// ListActivity implements engine.Storage.
func (s *Storage) ListActivity(ctx context.Context, creatorID string, limit int) ([]*engine.PayoutActivity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, creator_id, provider, kind, amount_minor, currency, reference, occurred_at
			FROM payout_activity WHERE creator_id = $1
			ORDER BY occurred_at DESC LIMIT $2`,
		creatorID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}
	defer rows.Close()

	var out []*engine.PayoutActivity
	for rows.Next() {
		var a engine.PayoutActivity
		if err := rows.Scan(&a.ID, &a.CreatorID, &a.Provider, &a.Kind, &a.AmountMinor,
			&a.Currency, &a.Reference, &a.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// datasetTables whitelists the tables PurgeBefore may touch. Dataset
// names come from code, never from request input, but the whitelist
// keeps the dynamic table name honest.
var datasetTables = map[engine.Dataset]string{
	engine.DatasetAuthTokens: "auth_tokens",
	engine.DatasetSessions:   "sessions",
	engine.DatasetOTPs:       "otps",
	engine.DatasetPageViews:  "page_views",
}

// PurgeBefore implements engine.Storage.
func (s *Storage) PurgeBefore(ctx context.Context, dataset engine.Dataset, cutoff time.Time) (int64, error) {
	table, ok := datasetTables[dataset]
	if !ok {
		return 0, fmt.Errorf("unknown dataset %q", dataset)
	}
	tag, err := s.db.Exec(ctx,
		`DELETE FROM `+table+` WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

// LastAlertAt implements engine.Storage.
func (s *Storage) LastAlertAt(ctx context.Context, name string) (time.Time, error) {
	var at time.Time
	err := s.db.QueryRow(ctx,
		`SELECT last_alert_at FROM alert_state WHERE name = $1`, name).Scan(&at)
	if err == pgx.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get alert state: %w", err)
	}
	return at, nil
}

// SetLastAlertAt implements engine.Storage.
func (s *Storage) SetLastAlertAt(ctx context.Context, name string, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO alert_state (name, last_alert_at) VALUES ($1, $2)
			ON CONFLICT (name) DO UPDATE SET last_alert_at = EXCLUDED.last_alert_at`,
		name, at)
	if err != nil {
		return fmt.Errorf("failed to set alert state: %w", err)
	}
	return nil
}
