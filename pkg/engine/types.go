package engine

import "time"

// Provider identifies a payment provider.
type Provider string

const (
	// ProviderStripe is the Stripe payment provider
	ProviderStripe Provider = "stripe"
	// ProviderPaystack is the Paystack payment provider
	ProviderPaystack Provider = "paystack"
)

// EventKind is the canonical, provider-agnostic event taxonomy.
// Adapters map provider-specific event names onto this closed set;
// anything they cannot map becomes EventUnhandled.
type EventKind string

const (
	EventChargeSucceeded     EventKind = "charge_succeeded"
	EventInvoicePaid         EventKind = "invoice_paid"
	EventSubscriptionUpdated EventKind = "subscription_updated"
	EventSubscriptionDeleted EventKind = "subscription_deleted"
	EventChargeRefunded      EventKind = "charge_refunded"
	EventDisputeCreated      EventKind = "dispute_created"
	EventPayoutPaid          EventKind = "payout_paid"
	EventPayoutFailed        EventKind = "payout_failed"
	EventTransferSucceeded   EventKind = "transfer_succeeded"
	EventTransferFailed      EventKind = "transfer_failed"
	EventUnhandled           EventKind = "unhandled"
)

// EventStatus is the lifecycle state of a ledger entry.
type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusProcessing EventStatus = "processing"
	EventStatusProcessed  EventStatus = "processed"
	EventStatusFailed     EventStatus = "failed"
	EventStatusSkipped    EventStatus = "skipped"
)

// Terminal reports whether the status permits no further transitions.
// Failed entries whose failure was retryable are re-claimable on
// redelivery and are therefore not terminal here; the ledger tracks
// retryability separately.
func (s EventStatus) Terminal() bool {
	return s == EventStatusProcessed || s == EventStatusSkipped
}

// Event is the canonical normalized representation of a webhook payload,
// produced by a provider adapter. Fields not relevant to a given kind are
// left at their zero value.
type Event struct {
	// Provider is the originating payment provider
	Provider Provider

	// ExternalID is the provider's own event id, used for dedup
	ExternalID string

	// Kind is the canonical event kind
	Kind EventKind

	// ProviderType is the raw provider event name (e.g.
	// "checkout.session.completed", "charge.success"), kept for audit
	ProviderType string

	// OccurredAt is when the event occurred according to the provider
	OccurredAt time.Time

	// AmountMinor is the gross amount in minor units (cents, kobo)
	AmountMinor int64

	// Currency is the ISO 4217 currency code, upper case
	Currency string

	// CreatorID and SubscriberID are internal identifiers carried in
	// provider metadata, when present
	CreatorID    string
	SubscriberID string

	// ProviderSubscriptionID matches events to Subscription rows
	ProviderSubscriptionID string

	// ProviderReference matches charge-level events to Payment rows
	ProviderReference string

	// ProviderAccountID resolves payout events to a creator account
	ProviderAccountID string

	// CancelAtPeriodEnd carries the flag from subscription_updated
	// events; nil means the event did not speak to it
	CancelAtPeriodEnd *bool

	// PeriodEnd is the subscription period end carried by the event
	PeriodEnd time.Time

	// IntervalUnit is the billing interval ("month", "week", "year")
	IntervalUnit string

	// DisputeReason is the provider-reported reason on dispute events
	DisputeReason string
}

// LedgerEntry is the durable record of one inbound provider event.
type LedgerEntry struct {
	ID              string
	Provider        Provider
	ExternalEventID string
	Kind            EventKind
	ProviderType    string
	Status          EventStatus
	ReceivedAt      time.Time
	ProcessedAt     *time.Time
	ProcessingTime  time.Duration
	FailureReason   string
	Retryable       bool
	Unmatched       bool
}

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionPendingFirstPayment SubscriptionStatus = "pending_first_payment"
	SubscriptionActive              SubscriptionStatus = "active"
	SubscriptionPastDue             SubscriptionStatus = "past_due"
	SubscriptionPaused              SubscriptionStatus = "paused"
	SubscriptionCanceled            SubscriptionStatus = "canceled"
)

// Subscription is a billing relationship between one creator and one
// subscriber. Rows are owned by the state machine; no other component
// writes them directly.
type Subscription struct {
	ID                     string
	CreatorID              string
	SubscriberID           string
	Provider               Provider
	ProviderSubscriptionID string
	Status                 SubscriptionStatus
	AmountMinor            int64
	Currency               string
	IntervalUnit           string
	CurrentPeriodEnd       time.Time

	// CancelAtPeriodEnd means "will not renew". It is orthogonal to
	// Status: a subscription stays active until period end even when
	// this flag is set.
	CancelAtPeriodEnd bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PaymentStatus is the settlement state of a payment.
type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
	PaymentDisputed  PaymentStatus = "disputed"
)

// Payment is a single charge/settlement record. Later events mutate
// Status but never amounts.
type Payment struct {
	ID                string
	SubscriptionID    string
	CreatorID         string
	SubscriberID      string
	Provider          Provider
	ProviderReference string
	AmountMinor       int64
	NetMinor          int64
	Currency          string
	Status            PaymentStatus
	DisputeReason     string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// EntityType classifies what a scheduled reminder is attached to.
type EntityType string

const (
	EntitySubscription EntityType = "subscription"
	EntityRequest      EntityType = "request"
	EntityProfile      EntityType = "profile"
	EntityPayroll      EntityType = "payroll"
	EntityPayment      EntityType = "payment"
)

// ReminderStatus is the delivery state of a scheduled reminder.
type ReminderStatus string

const (
	ReminderScheduled ReminderStatus = "scheduled"
	ReminderSending   ReminderStatus = "sending"
	ReminderSent      ReminderStatus = "sent"
	ReminderFailed    ReminderStatus = "failed"
	ReminderCanceled  ReminderStatus = "canceled"
)

// ScheduledReminder describes a future notification tied to an entity.
// At most one scheduled row may exist per (EntityID, Type).
type ScheduledReminder struct {
	ID           string
	UserID       string
	EntityType   EntityType
	EntityID     string
	Type         string
	Channel      string
	ScheduledFor time.Time
	Status       ReminderStatus
	SentAt       *time.Time
	CreatedAt    time.Time
}

// PayrollPeriod is a generated earnings statement for a service-mode
// creator. Immutable once generated; VerificationCode is globally unique
// and never reused.
type PayrollPeriod struct {
	ID               string
	CreatorID        string
	PeriodStart      time.Time
	PeriodEnd        time.Time
	Currency         string
	GrossMinor       int64
	NetMinor         int64
	PaymentCount     int
	VerificationCode string
	PDFURL           string
	GeneratedAt      time.Time
}

// Creator is the minimal creator account view the engine needs: payout
// account resolution, service-mode eligibility and salary-mode state.
type Creator struct {
	ID                 string
	Provider           Provider
	ProviderAccountID  string
	Currency           string
	ServiceMode        bool
	SalaryModeUnlocked bool
	PreferredPayday    int
	CreatedAt          time.Time
}

// PayoutActivity is an append-only record of payout/transfer events for
// a creator account.
type PayoutActivity struct {
	ID          string
	CreatorID   string
	Provider    Provider
	Kind        EventKind
	AmountMinor int64
	Currency    string
	Reference   string
	OccurredAt  time.Time
}
