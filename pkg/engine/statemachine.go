package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StateMachine owns the canonical lifecycle of subscriptions, payments
// and payout activity. All writes to those rows go through its
// transition methods.
type StateMachine struct {
	storage Storage
	clock   Clock
	logger  Logger
	metrics Metrics

	// feeBps is the platform fee in basis points applied when deriving
	// net amounts from gross
	feeBps int64
}

// StateMachineConfig configures a StateMachine.
type StateMachineConfig struct {
	// PlatformFeeBps is the platform fee in basis points (default 1000 = 10%)
	PlatformFeeBps int64

	// Clock overrides wall-clock time (optional)
	Clock Clock

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics tracks transitions (default: NoopMetrics)
	Metrics Metrics
}

// NewStateMachine creates a state machine over the given storage.
func NewStateMachine(storage Storage, cfg StateMachineConfig) *StateMachine {
	if cfg.PlatformFeeBps == 0 {
		cfg.PlatformFeeBps = 1000
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	return &StateMachine{
		storage: storage,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		feeBps:  cfg.PlatformFeeBps,
	}
}

// ApplyResult describes the effect of applying one canonical event.
type ApplyResult struct {
	// Unmatched is true when the event referenced no known entity; such
	// events are flagged for manual reconciliation, not dropped.
	Unmatched bool

	// AlreadyCanceled is true when a cancellation arrived for a
	// subscription that was canceled already. Success, not an error.
	AlreadyCanceled bool

	// NoOp is true when the event changed nothing (duplicate apply, or
	// target state equals current state)
	NoOp bool

	// SubscriptionID and PaymentID identify rows created or mutated
	SubscriptionID string
	PaymentID      string
}

// Apply executes the transition for one canonical event. Applying the
// same event twice is a pure no-op: every creating transition checks for
// the row it would create by provider reference first.
func (m *StateMachine) Apply(ctx context.Context, ev *Event) (*ApplyResult, error) {
	switch ev.Kind {
	case EventChargeSucceeded:
		return m.applyChargeSucceeded(ctx, ev)
	case EventInvoicePaid:
		return m.applyInvoicePaid(ctx, ev)
	case EventSubscriptionUpdated:
		return m.applySubscriptionUpdated(ctx, ev)
	case EventSubscriptionDeleted:
		return m.applySubscriptionDeleted(ctx, ev)
	case EventChargeRefunded:
		return m.applyPaymentStatus(ctx, ev, PaymentRefunded)
	case EventDisputeCreated:
		return m.applyPaymentStatus(ctx, ev, PaymentDisputed)
	case EventPayoutPaid, EventPayoutFailed, EventTransferSucceeded, EventTransferFailed:
		return m.applyPayout(ctx, ev)
	default:
		return &ApplyResult{NoOp: true}, nil
	}
}

func (m *StateMachine) netOf(gross int64) int64 {
	return gross - gross*m.feeBps/10000
}

// applyChargeSucceeded handles the first successful charge of a
// subscription (or a one-off charge with no subscription reference).
func (m *StateMachine) applyChargeSucceeded(ctx context.Context, ev *Event) (*ApplyResult, error) {
	// A payment with this reference means the event was applied before.
	if ev.ProviderReference != "" {
		if p, err := m.storage.GetPaymentByReference(ctx, ev.Provider, ev.ProviderReference); err == nil {
			return &ApplyResult{NoOp: true, PaymentID: p.ID, SubscriptionID: p.SubscriptionID}, nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	now := m.clock.Now()
	res := &ApplyResult{}

	if ev.ProviderSubscriptionID != "" {
		sub, err := m.storage.GetSubscriptionByProviderID(ctx, ev.Provider, ev.ProviderSubscriptionID)
		switch {
		case errors.Is(err, ErrNotFound):
			sub = &Subscription{
				ID:                     uuid.NewString(),
				CreatorID:              ev.CreatorID,
				SubscriberID:           ev.SubscriberID,
				Provider:               ev.Provider,
				ProviderSubscriptionID: ev.ProviderSubscriptionID,
				Status:                 SubscriptionActive,
				AmountMinor:            ev.AmountMinor,
				Currency:               ev.Currency,
				IntervalUnit:           intervalOrDefault(ev.IntervalUnit),
				CurrentPeriodEnd:       periodEndOrDefault(ev, now),
				CreatedAt:              now,
				UpdatedAt:              now,
			}
			if err := m.storage.InsertSubscription(ctx, sub); err != nil {
				return nil, err
			}
			m.metrics.RecordStateTransition("", string(SubscriptionActive))
		case err != nil:
			return nil, err
		}
		res.SubscriptionID = sub.ID
	}

	payment := &Payment{
		ID:                uuid.NewString(),
		SubscriptionID:    res.SubscriptionID,
		CreatorID:         ev.CreatorID,
		SubscriberID:      ev.SubscriberID,
		Provider:          ev.Provider,
		ProviderReference: ev.ProviderReference,
		AmountMinor:       ev.AmountMinor,
		NetMinor:          m.netOf(ev.AmountMinor),
		Currency:          ev.Currency,
		Status:            PaymentSucceeded,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := m.storage.InsertPayment(ctx, payment); err != nil {
		return nil, err
	}
	res.PaymentID = payment.ID
	return res, nil
}

// applyInvoicePaid extends the subscription period and records the
// renewal payment. The period end is monotonic: an out-of-order invoice
// with an earlier period never rolls it back.
func (m *StateMachine) applyInvoicePaid(ctx context.Context, ev *Event) (*ApplyResult, error) {
	sub, err := m.storage.GetSubscriptionByProviderID(ctx, ev.Provider, ev.ProviderSubscriptionID)
	if errors.Is(err, ErrNotFound) {
		return m.unmatched(ev), nil
	}
	if err != nil {
		return nil, err
	}

	if ev.ProviderReference != "" {
		if p, err := m.storage.GetPaymentByReference(ctx, ev.Provider, ev.ProviderReference); err == nil {
			return &ApplyResult{NoOp: true, PaymentID: p.ID, SubscriptionID: sub.ID}, nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	now := m.clock.Now()

	if sub.Status != SubscriptionCanceled {
		changed := false
		if ev.PeriodEnd.After(sub.CurrentPeriodEnd) {
			sub.CurrentPeriodEnd = ev.PeriodEnd
			changed = true
		}
		if sub.Status == SubscriptionPastDue || sub.Status == SubscriptionPendingFirstPayment {
			m.metrics.RecordStateTransition(string(sub.Status), string(SubscriptionActive))
			sub.Status = SubscriptionActive
			changed = true
		}
		if changed {
			sub.UpdatedAt = now
			if err := m.storage.UpdateSubscription(ctx, sub); err != nil {
				return nil, err
			}
		}
	}

	payment := &Payment{
		ID:                uuid.NewString(),
		SubscriptionID:    sub.ID,
		CreatorID:         sub.CreatorID,
		SubscriberID:      sub.SubscriberID,
		Provider:          ev.Provider,
		ProviderReference: ev.ProviderReference,
		AmountMinor:       ev.AmountMinor,
		NetMinor:          m.netOf(ev.AmountMinor),
		Currency:          ev.Currency,
		Status:            PaymentSucceeded,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := m.storage.InsertPayment(ctx, payment); err != nil {
		return nil, err
	}
	return &ApplyResult{SubscriptionID: sub.ID, PaymentID: payment.ID}, nil
}

func (m *StateMachine) applySubscriptionUpdated(ctx context.Context, ev *Event) (*ApplyResult, error) {
	sub, err := m.storage.GetSubscriptionByProviderID(ctx, ev.Provider, ev.ProviderSubscriptionID)
	if errors.Is(err, ErrNotFound) {
		return m.unmatched(ev), nil
	}
	if err != nil {
		return nil, err
	}

	if sub.Status == SubscriptionCanceled {
		// Canceled is terminal; late updates change nothing.
		return &ApplyResult{NoOp: true, AlreadyCanceled: true, SubscriptionID: sub.ID}, nil
	}

	changed := false
	if ev.CancelAtPeriodEnd != nil && sub.CancelAtPeriodEnd != *ev.CancelAtPeriodEnd {
		sub.CancelAtPeriodEnd = *ev.CancelAtPeriodEnd
		changed = true
	}
	if ev.PeriodEnd.After(sub.CurrentPeriodEnd) {
		sub.CurrentPeriodEnd = ev.PeriodEnd
		changed = true
	}
	if !changed {
		return &ApplyResult{NoOp: true, SubscriptionID: sub.ID}, nil
	}
	sub.UpdatedAt = m.clock.Now()
	if err := m.storage.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return &ApplyResult{SubscriptionID: sub.ID}, nil
}

func (m *StateMachine) applySubscriptionDeleted(ctx context.Context, ev *Event) (*ApplyResult, error) {
	sub, err := m.storage.GetSubscriptionByProviderID(ctx, ev.Provider, ev.ProviderSubscriptionID)
	if errors.Is(err, ErrNotFound) {
		return m.unmatched(ev), nil
	}
	if err != nil {
		return nil, err
	}
	return m.cancelNow(ctx, sub)
}

func (m *StateMachine) applyPaymentStatus(ctx context.Context, ev *Event, status PaymentStatus) (*ApplyResult, error) {
	p, err := m.storage.GetPaymentByReference(ctx, ev.Provider, ev.ProviderReference)
	if errors.Is(err, ErrNotFound) {
		return m.unmatched(ev), nil
	}
	if err != nil {
		return nil, err
	}
	if p.Status == status {
		return &ApplyResult{NoOp: true, PaymentID: p.ID}, nil
	}
	p.Status = status
	if status == PaymentDisputed {
		p.DisputeReason = ev.DisputeReason
	}
	p.UpdatedAt = m.clock.Now()
	if err := m.storage.UpdatePayment(ctx, p); err != nil {
		return nil, err
	}
	return &ApplyResult{PaymentID: p.ID}, nil
}

func (m *StateMachine) applyPayout(ctx context.Context, ev *Event) (*ApplyResult, error) {
	creator, err := m.storage.GetCreatorByProviderAccount(ctx, ev.Provider, ev.ProviderAccountID)
	if errors.Is(err, ErrNotFound) {
		return m.unmatched(ev), nil
	}
	if err != nil {
		return nil, err
	}
	activity := &PayoutActivity{
		ID:          uuid.NewString(),
		CreatorID:   creator.ID,
		Provider:    ev.Provider,
		Kind:        ev.Kind,
		AmountMinor: ev.AmountMinor,
		Currency:    ev.Currency,
		Reference:   ev.ProviderReference,
		OccurredAt:  occurredOrNow(ev, m.clock),
	}
	if err := m.storage.AppendActivity(ctx, activity); err != nil {
		return nil, err
	}
	return &ApplyResult{}, nil
}

// RequestCancellation sets cancel_at_period_end on a subscription. This
// is the transition behind the token-based unsubscribe flow; repeating
// it is a no-op reported via AlreadyCanceled.
func (m *StateMachine) RequestCancellation(ctx context.Context, subscriptionID string) (*ApplyResult, error) {
	sub, err := m.storage.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status == SubscriptionCanceled {
		return &ApplyResult{NoOp: true, AlreadyCanceled: true, SubscriptionID: sub.ID}, nil
	}
	if sub.CancelAtPeriodEnd {
		return &ApplyResult{NoOp: true, AlreadyCanceled: true, SubscriptionID: sub.ID}, nil
	}
	sub.CancelAtPeriodEnd = true
	sub.UpdatedAt = m.clock.Now()
	if err := m.storage.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return &ApplyResult{SubscriptionID: sub.ID}, nil
}

// FinalizeCancellation transitions a subscription to canceled. Used by
// the cancellation sweep once the period of a cancel_at_period_end
// subscription has ended.
func (m *StateMachine) FinalizeCancellation(ctx context.Context, subscriptionID string) (*ApplyResult, error) {
	sub, err := m.storage.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	return m.cancelNow(ctx, sub)
}

// Pause moves an active subscription to paused.
func (m *StateMachine) Pause(ctx context.Context, subscriptionID string) error {
	return m.setStatus(ctx, subscriptionID, SubscriptionActive, SubscriptionPaused)
}

// Resume moves a paused subscription back to active.
func (m *StateMachine) Resume(ctx context.Context, subscriptionID string) error {
	return m.setStatus(ctx, subscriptionID, SubscriptionPaused, SubscriptionActive)
}

func (m *StateMachine) setStatus(ctx context.Context, id string, from, to SubscriptionStatus) error {
	sub, err := m.storage.GetSubscription(ctx, id)
	if err != nil {
		return err
	}
	if sub.Status == SubscriptionCanceled {
		return ErrSubscriptionCanceled
	}
	if sub.Status == to {
		return nil
	}
	if sub.Status != from {
		return fmt.Errorf("cannot move subscription %s from %s to %s", id, sub.Status, to)
	}
	m.metrics.RecordStateTransition(string(from), string(to))
	sub.Status = to
	sub.UpdatedAt = m.clock.Now()
	return m.storage.UpdateSubscription(ctx, sub)
}

func (m *StateMachine) cancelNow(ctx context.Context, sub *Subscription) (*ApplyResult, error) {
	if sub.Status == SubscriptionCanceled {
		return &ApplyResult{NoOp: true, AlreadyCanceled: true, SubscriptionID: sub.ID}, nil
	}
	m.metrics.RecordStateTransition(string(sub.Status), string(SubscriptionCanceled))
	sub.Status = SubscriptionCanceled
	sub.UpdatedAt = m.clock.Now()
	if err := m.storage.UpdateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return &ApplyResult{SubscriptionID: sub.ID}, nil
}

func (m *StateMachine) unmatched(ev *Event) *ApplyResult {
	m.metrics.RecordUnmatchedEvent(string(ev.Provider), string(ev.Kind))
	m.logger.Warn("event matched no entity",
		Field{Key: "provider", Value: ev.Provider},
		Field{Key: "kind", Value: ev.Kind},
		Field{Key: "external_id", Value: ev.ExternalID},
	)
	return &ApplyResult{Unmatched: true}
}

func intervalOrDefault(unit string) string {
	if unit == "" {
		return "month"
	}
	return unit
}

func periodEndOrDefault(ev *Event, now time.Time) time.Time {
	if !ev.PeriodEnd.IsZero() {
		return ev.PeriodEnd
	}
	switch intervalOrDefault(ev.IntervalUnit) {
	case "week":
		return now.AddDate(0, 0, 7)
	case "year":
		return now.AddDate(1, 0, 0)
	default:
		return now.AddDate(0, 1, 0)
	}
}

func occurredOrNow(ev *Event, clock Clock) time.Time {
	if !ev.OccurredAt.IsZero() {
		return ev.OccurredAt
	}
	return clock.Now()
}
