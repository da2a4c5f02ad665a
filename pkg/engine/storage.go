package engine

import (
	"context"
	"time"
)

// Dataset names a retention-managed table purged by the cleanup jobs.
// The rows themselves are written by collaborators (auth, analytics);
// the engine only deletes expired ones.
type Dataset string

const (
	DatasetAuthTokens Dataset = "auth_tokens"
	DatasetSessions   Dataset = "sessions"
	DatasetOTPs       Dataset = "otps"
	DatasetPageViews  Dataset = "page_views"
)

// EventStats aggregates ledger entry counts over a window, consumed by
// the health monitoring job.
type EventStats struct {
	Processed int
	Failed    int
	Skipped   int
	Pending   int
}

// PaymentTotals aggregates payment amounts over a window, consumed by
// the reconciliation and payroll jobs.
type PaymentTotals struct {
	GrossMinor int64
	NetMinor   int64
	Count      int
}

// Storage defines the persistence interface for the engine.
// All methods use concrete types from this package to avoid import cycles.
// Implementations must make each method individually atomic; InTransaction
// groups the ledger write and state transitions of one webhook.
type Storage interface {
	// InTransaction runs fn atomically. Implementations without real
	// transactions (memory) serialize fn against other transactions.
	InTransaction(ctx context.Context, fn func(ctx context.Context, s Storage) error) error

	// InsertEvent appends a ledger entry. Returns ErrDuplicateEvent if an
	// entry with the same (provider, external event id) already exists.
	InsertEvent(ctx context.Context, e *LedgerEntry) error

	// GetEvent retrieves a ledger entry by id. Returns ErrNotFound.
	GetEvent(ctx context.Context, id string) (*LedgerEntry, error)

	// GetEventByExternalID retrieves a ledger entry by its dedup key.
	// Returns ErrNotFound.
	GetEventByExternalID(ctx context.Context, provider Provider, externalID string) (*LedgerEntry, error)

	// UpdateEventStatus transitions a ledger entry. Returns ErrEventTerminal
	// if the entry already reached a terminal status and the transition is
	// not a permitted re-claim of a retryable failure.
	UpdateEventStatus(ctx context.Context, id string, status EventStatus, processingTime time.Duration, reason string, retryable bool) error

	// MarkEventUnmatched flags a ledger entry for manual reconciliation.
	MarkEventUnmatched(ctx context.Context, id string) error

	// EventStats returns ledger entry counts for entries received since
	// the given time.
	EventStats(ctx context.Context, since time.Time) (EventStats, error)

	// InsertSubscription creates a subscription row.
	InsertSubscription(ctx context.Context, sub *Subscription) error

	// GetSubscription retrieves a subscription by id. Returns ErrNotFound.
	GetSubscription(ctx context.Context, id string) (*Subscription, error)

	// GetSubscriptionByProviderID retrieves a subscription by its provider
	// subscription id. Returns ErrNotFound.
	GetSubscriptionByProviderID(ctx context.Context, provider Provider, providerSubID string) (*Subscription, error)

	// UpdateSubscription persists subscription changes.
	UpdateSubscription(ctx context.Context, sub *Subscription) error

	// ListDueCancellations returns subscriptions with cancel_at_period_end
	// set whose period ended before now and which are not yet canceled.
	ListDueCancellations(ctx context.Context, now time.Time) ([]*Subscription, error)

	// InsertPayment creates a payment row.
	InsertPayment(ctx context.Context, p *Payment) error

	// GetPaymentByReference retrieves a payment by its provider reference.
	// Returns ErrNotFound.
	GetPaymentByReference(ctx context.Context, provider Provider, ref string) (*Payment, error)

	// UpdatePayment persists payment status changes.
	UpdatePayment(ctx context.Context, p *Payment) error

	// ListPayments returns a creator's payments created in [from, to).
	// Empty creatorID matches all creators.
	ListPayments(ctx context.Context, creatorID string, from, to time.Time) ([]*Payment, error)

	// PaymentTotals aggregates succeeded payments for a provider in [from, to).
	PaymentTotals(ctx context.Context, provider Provider, from, to time.Time) (PaymentTotals, error)

	// UpsertReminder inserts a scheduled reminder, or updates the existing
	// scheduled row for the same (entity id, type) instead of duplicating it.
	UpsertReminder(ctx context.Context, r *ScheduledReminder) error

	// CancelReminder marks the scheduled row for (entity id, type) canceled.
	// Missing rows are not an error.
	CancelReminder(ctx context.Context, entityID, reminderType string) error

	// DueReminders returns scheduled reminders with scheduled_for <= now.
	DueReminders(ctx context.Context, now time.Time) ([]*ScheduledReminder, error)

	// ClaimReminder atomically transitions a reminder from scheduled to
	// sending. Returns false if the reminder is no longer scheduled.
	ClaimReminder(ctx context.Context, id string) (bool, error)

	// FinishReminder records the delivery outcome of a claimed reminder.
	FinishReminder(ctx context.Context, id string, status ReminderStatus, at time.Time) error

	// ScheduledReminderFor returns the scheduled row for (entity id, type),
	// or ErrNotFound.
	ScheduledReminderFor(ctx context.Context, entityID, reminderType string) (*ScheduledReminder, error)

	// InsertPayrollPeriod creates a payroll period. Returns
	// ErrDuplicatePeriod if the (creator, period start) pair exists and
	// ErrCodeTaken if the verification code is already in use.
	InsertPayrollPeriod(ctx context.Context, p *PayrollPeriod) error

	// GetPayrollByCode retrieves a payroll period by verification code.
	// Returns ErrNotFound.
	GetPayrollByCode(ctx context.Context, code string) (*PayrollPeriod, error)

	// HasPayrollPeriod reports whether a period starting at periodStart was
	// already generated for the creator.
	HasPayrollPeriod(ctx context.Context, creatorID string, periodStart time.Time) (bool, error)

	// ListCreators returns all creator accounts.
	ListCreators(ctx context.Context) ([]*Creator, error)

	// GetCreatorByProviderAccount resolves a creator from a provider payout
	// account id. Returns ErrNotFound.
	GetCreatorByProviderAccount(ctx context.Context, provider Provider, accountID string) (*Creator, error)

	// UpdateCreator persists creator changes.
	UpdateCreator(ctx context.Context, c *Creator) error

	// AppendActivity appends a payout activity record.
	AppendActivity(ctx context.Context, a *PayoutActivity) error

	// ListActivity returns a creator's payout activity, newest first.
	ListActivity(ctx context.Context, creatorID string, limit int) ([]*PayoutActivity, error)

	// PurgeBefore deletes dataset rows created before cutoff and returns
	// the number deleted.
	PurgeBefore(ctx context.Context, dataset Dataset, cutoff time.Time) (int64, error)

	// LastAlertAt returns when the named alert last fired, or the zero
	// time if it never fired.
	LastAlertAt(ctx context.Context, name string) (time.Time, error)

	// SetLastAlertAt records when the named alert fired.
	SetLastAlertAt(ctx context.Context, name string, at time.Time) error
}
