// Package memory provides an in-memory implementation of the engine.Storage
// interface. This implementation is primarily intended for testing and
// development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paywelt/billingcore/pkg/engine"
)

// Storage implements engine.Storage using in-memory maps.
type Storage struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	events         map[string]*engine.LedgerEntry
	eventsByExtID  map[string]string
	subscriptions  map[string]*engine.Subscription
	subsByProvider map[string]string
	payments       map[string]*engine.Payment
	paymentsByRef  map[string]string
	reminders      map[string]*engine.ScheduledReminder
	payrolls       map[string]*engine.PayrollPeriod
	payrollByCode  map[string]string
	payrollPeriods map[string]bool
	creators       map[string]*engine.Creator
	creatorsByAcct map[string]string
	activity       []*engine.PayoutActivity
	retained       map[engine.Dataset][]time.Time
	alerts         map[string]time.Time
}

// New creates a new in-memory storage adapter.
func New() *Storage {
	return &Storage{
		events:         make(map[string]*engine.LedgerEntry),
		eventsByExtID:  make(map[string]string),
		subscriptions:  make(map[string]*engine.Subscription),
		subsByProvider: make(map[string]string),
		payments:       make(map[string]*engine.Payment),
		paymentsByRef:  make(map[string]string),
		reminders:      make(map[string]*engine.ScheduledReminder),
		payrolls:       make(map[string]*engine.PayrollPeriod),
		payrollByCode:  make(map[string]string),
		payrollPeriods: make(map[string]bool),
		creators:       make(map[string]*engine.Creator),
		creatorsByAcct: make(map[string]string),
		retained:       make(map[engine.Dataset][]time.Time),
		alerts:         make(map[string]time.Time),
	}
}

func extKey(p engine.Provider, id string) string  { return string(p) + "|" + id }
func refKey(p engine.Provider, ref string) string { return string(p) + "|" + ref }
func periodKey(creatorID string, start time.Time) string {
	return creatorID + "|" + start.UTC().Format("2006-01-02")
}

// InTransaction implements engine.Storage. The memory backend has no real
// transactions; it serializes transactional sections against each other.
func (s *Storage) InTransaction(ctx context.Context, fn func(ctx context.Context, st engine.Storage) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(ctx, s)
}

// InsertEvent implements engine.Storage.
func (s *Storage) InsertEvent(ctx context.Context, e *engine.LedgerEntry) error {
	if e == nil || e.ID == "" || e.ExternalEventID == "" {
		return fmt.Errorf("invalid ledger entry")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := extKey(e.Provider, e.ExternalEventID)
	if _, ok := s.eventsByExtID[key]; ok {
		return engine.ErrDuplicateEvent
	}
	cp := *e
	s.events[e.ID] = &cp
	s.eventsByExtID[key] = e.ID
	return nil
}

// GetEvent implements engine.Storage.
func (s *Storage) GetEvent(ctx context.Context, id string) (*engine.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// GetEventByExternalID implements engine.Storage.
func (s *Storage) GetEventByExternalID(ctx context.Context, provider engine.Provider, externalID string) (*engine.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.eventsByExtID[extKey(provider, externalID)]
	if !ok {
		return nil, engine.ErrNotFound
	}
	cp := *s.events[id]
	return &cp, nil
}

// UpdateEventStatus implements engine.Storage.
func (s *Storage) UpdateEventStatus(ctx context.Context, id string, status engine.EventStatus, processingTime time.Duration, reason string, retryable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return engine.ErrNotFound
	}
	if e.Status.Terminal() {
		return engine.ErrEventTerminal
	}
	if e.Status == engine.EventStatusFailed && !e.Retryable {
		return engine.ErrEventTerminal
	}
	e.Status = status
	e.FailureReason = reason
	e.Retryable = retryable
	if status == engine.EventStatusProcessed || status == engine.EventStatusFailed || status == engine.EventStatusSkipped {
		now := time.Now().UTC()
		e.ProcessedAt = &now
		e.ProcessingTime = processingTime
	} else {
		e.ProcessedAt = nil
		e.ProcessingTime = 0
	}
	return nil
}

// MarkEventUnmatched implements engine.Storage.
func (s *Storage) MarkEventUnmatched(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return engine.ErrNotFound
	}
	e.Unmatched = true
	return nil
}

// EventStats implements engine.Storage.
func (s *Storage) EventStats(ctx context.Context, since time.Time) (engine.EventStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats engine.EventStats
	for _, e := range s.events {
		if e.ReceivedAt.Before(since) {
			continue
		}
		switch e.Status {
		case engine.EventStatusProcessed:
			stats.Processed++
		case engine.EventStatusFailed:
			stats.Failed++
		case engine.EventStatusSkipped:
			stats.Skipped++
		default:
			stats.Pending++
		}
	}
	return stats, nil
}

// InsertSubscription implements engine.Storage.
func (s *Storage) InsertSubscription(ctx context.Context, sub *engine.Subscription) error {
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("invalid subscription")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ProviderSubscriptionID != "" {
		key := refKey(sub.Provider, sub.ProviderSubscriptionID)
		if _, ok := s.subsByProvider[key]; ok {
			return fmt.Errorf("subscription for provider id %s already exists", sub.ProviderSubscriptionID)
		}
		s.subsByProvider[key] = sub.ID
	}
	cp := *sub
	s.subscriptions[sub.ID] = &cp
	return nil
}

// GetSubscription implements engine.Storage.
func (s *Storage) GetSubscription(ctx context.Context, id string) (*engine.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

// GetSubscriptionByProviderID implements engine.Storage.
func (s *Storage) GetSubscriptionByProviderID(ctx context.Context, provider engine.Provider, providerSubID string) (*engine.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.subsByProvider[refKey(provider, providerSubID)]
	if !ok {
		return nil, engine.ErrNotFound
	}
	cp := *s.subscriptions[id]
	return &cp, nil
}

// UpdateSubscription implements engine.Storage.
func (s *Storage) UpdateSubscription(ctx context.Context, sub *engine.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscriptions[sub.ID]; !ok {
		return engine.ErrNotFound
	}
	cp := *sub
	s.subscriptions[sub.ID] = &cp
	return nil
}

// ListDueCancellations implements engine.Storage.
func (s *Storage) ListDueCancellations(ctx context.Context, now time.Time) ([]*engine.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*engine.Subscription
	for _, sub := range s.subscriptions {
		if sub.CancelAtPeriodEnd && sub.Status != engine.SubscriptionCanceled && sub.CurrentPeriodEnd.Before(now) {
			cp := *sub
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CurrentPeriodEnd.Before(due[j].CurrentPeriodEnd) })
	return due, nil
}

// InsertPayment implements engine.Storage.
func (s *Storage) InsertPayment(ctx context.Context, p *engine.Payment) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("invalid payment")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ProviderReference != "" {
		key := refKey(p.Provider, p.ProviderReference)
		if _, ok := s.paymentsByRef[key]; ok {
			return fmt.Errorf("payment with reference %s already exists", p.ProviderReference)
		}
		s.paymentsByRef[key] = p.ID
	}
	cp := *p
	s.payments[p.ID] = &cp
	return nil
}

// GetPaymentByReference implements engine.Storage.
func (s *Storage) GetPaymentByReference(ctx context.Context, provider engine.Provider, ref string) (*engine.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.paymentsByRef[refKey(provider, ref)]
	if !ok {
		return nil, engine.ErrNotFound
	}
	cp := *s.payments[id]
	return &cp, nil
}

// UpdatePayment implements engine.Storage.
func (s *Storage) UpdatePayment(ctx context.Context, p *engine.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[p.ID]; !ok {
		return engine.ErrNotFound
	}
	cp := *p
	s.payments[p.ID] = &cp
	return nil
}

// ListPayments implements engine.Storage.
func (s *Storage) ListPayments(ctx context.Context, creatorID string, from, to time.Time) ([]*engine.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*engine.Payment
	for _, p := range s.payments {
		if creatorID != "" && p.CreatorID != creatorID {
			continue
		}
		if p.CreatedAt.Before(from) || !p.CreatedAt.Before(to) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// PaymentTotals implements engine.Storage.
func (s *Storage) PaymentTotals(ctx context.Context, provider engine.Provider, from, to time.Time) (engine.PaymentTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var totals engine.PaymentTotals
	for _, p := range s.payments {
		if p.Provider != provider || p.Status != engine.PaymentSucceeded {
			continue
		}
		if p.CreatedAt.Before(from) || !p.CreatedAt.Before(to) {
			continue
		}
		totals.GrossMinor += p.AmountMinor
		totals.NetMinor += p.NetMinor
		totals.Count++
	}
	return totals, nil
}

// UpsertReminder implements engine.Storage.
func (s *Storage) UpsertReminder(ctx context.Context, r *engine.ScheduledReminder) error {
	if r == nil || r.EntityID == "" || r.Type == "" {
		return fmt.Errorf("invalid reminder")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.reminders {
		if existing.EntityID == r.EntityID && existing.Type == r.Type && existing.Status == engine.ReminderScheduled {
			existing.ScheduledFor = r.ScheduledFor
			existing.Channel = r.Channel
			existing.UserID = r.UserID
			return nil
		}
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = engine.ReminderScheduled
	}
	cp := *r
	s.reminders[r.ID] = &cp
	return nil
}

// CancelReminder implements engine.Storage.
func (s *Storage) CancelReminder(ctx context.Context, entityID, reminderType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reminders {
		if r.EntityID == entityID && r.Type == reminderType && r.Status == engine.ReminderScheduled {
			r.Status = engine.ReminderCanceled
		}
	}
	return nil
}

// DueReminders implements engine.Storage.
func (s *Storage) DueReminders(ctx context.Context, now time.Time) ([]*engine.ScheduledReminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*engine.ScheduledReminder
	for _, r := range s.reminders {
		if r.Status == engine.ReminderScheduled && !r.ScheduledFor.After(now) {
			cp := *r
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledFor.Before(due[j].ScheduledFor) })
	return due, nil
}

// ClaimReminder implements engine.Storage.
func (s *Storage) ClaimReminder(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok {
		return false, engine.ErrNotFound
	}
	if r.Status != engine.ReminderScheduled {
		return false, nil
	}
	r.Status = engine.ReminderSending
	return true, nil
}

// FinishReminder implements engine.Storage.
func (s *Storage) FinishReminder(ctx context.Context, id string, status engine.ReminderStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok {
		return engine.ErrNotFound
	}
	r.Status = status
	if status == engine.ReminderSent {
		sentAt := at
		r.SentAt = &sentAt
	}
	return nil
}

// ScheduledReminderFor implements engine.Storage.
func (s *Storage) ScheduledReminderFor(ctx context.Context, entityID, reminderType string) (*engine.ScheduledReminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.reminders {
		if r.EntityID == entityID && r.Type == reminderType && r.Status == engine.ReminderScheduled {
			cp := *r
			return &cp, nil
		}
	}
	return nil, engine.ErrNotFound
}

// InsertPayrollPeriod implements engine.Storage.
func (s *Storage) InsertPayrollPeriod(ctx context.Context, p *engine.PayrollPeriod) error {
	if p == nil || p.ID == "" || p.VerificationCode == "" {
		return fmt.Errorf("invalid payroll period")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payrollByCode[p.VerificationCode]; ok {
		return engine.ErrCodeTaken
	}
	pk := periodKey(p.CreatorID, p.PeriodStart)
	if s.payrollPeriods[pk] {
		return engine.ErrDuplicatePeriod
	}
	cp := *p
	s.payrolls[p.ID] = &cp
	s.payrollByCode[p.VerificationCode] = p.ID
	s.payrollPeriods[pk] = true
	return nil
}

// GetPayrollByCode implements engine.Storage.
func (s *Storage) GetPayrollByCode(ctx context.Context, code string) (*engine.PayrollPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.payrollByCode[code]
	if !ok {
		return nil, engine.ErrNotFound
	}
	cp := *s.payrolls[id]
	return &cp, nil
}

// PayrollForPeriod returns the payroll period for (creator, period start)
// without going through the verification code (test helper).
func (s *Storage) PayrollForPeriod(ctx context.Context, creatorID string, periodStart time.Time) (*engine.PayrollPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.payrolls {
		if p.CreatorID == creatorID && p.PeriodStart.Equal(periodStart) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, engine.ErrNotFound
}

// HasPayrollPeriod implements engine.Storage.
func (s *Storage) HasPayrollPeriod(ctx context.Context, creatorID string, periodStart time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.payrollPeriods[periodKey(creatorID, periodStart)], nil
}

// ListCreators implements engine.Storage.
func (s *Storage) ListCreators(ctx context.Context) ([]*engine.Creator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*engine.Creator, 0, len(s.creators))
	for _, c := range s.creators {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetCreatorByProviderAccount implements engine.Storage.
func (s *Storage) GetCreatorByProviderAccount(ctx context.Context, provider engine.Provider, accountID string) (*engine.Creator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.creatorsByAcct[refKey(provider, accountID)]
	if !ok {
		return nil, engine.ErrNotFound
	}
	cp := *s.creators[id]
	return &cp, nil
}

// UpdateCreator implements engine.Storage.
func (s *Storage) UpdateCreator(ctx context.Context, c *engine.Creator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creators[c.ID]; !ok {
		return engine.ErrNotFound
	}
	cp := *c
	s.creators[c.ID] = &cp
	return nil
}

// AddCreator seeds a creator account (bootstrap and test helper).
func (s *Storage) AddCreator(c *engine.Creator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.creators[c.ID] = &cp
	if c.ProviderAccountID != "" {
		s.creatorsByAcct[refKey(c.Provider, c.ProviderAccountID)] = c.ID
	}
}

// AppendActivity implements engine.Storage.
func (s *Storage) AppendActivity(ctx context.Context, a *engine.PayoutActivity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.activity = append(s.activity, &cp)
	return nil
}

// ListActivity implements engine.Storage.
func (s *Storage) ListActivity(ctx context.Context, creatorID string, limit int) ([]*engine.PayoutActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*engine.PayoutActivity
	for i := len(s.activity) - 1; i >= 0; i-- {
		if s.activity[i].CreatorID != creatorID {
			continue
		}
		cp := *s.activity[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// SeedRetained records dataset rows for the cleanup jobs (test helper;
// in production these rows are written by collaborators).
func (s *Storage) SeedRetained(dataset engine.Dataset, createdAt ...time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retained[dataset] = append(s.retained[dataset], createdAt...)
}

// RetainedCount returns the number of rows left in a dataset (test helper).
func (s *Storage) RetainedCount(dataset engine.Dataset) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.retained[dataset])
}

// PurgeBefore implements engine.Storage.
func (s *Storage) PurgeBefore(ctx context.Context, dataset engine.Dataset, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.retained[dataset][:0]
	var deleted int64
	for _, t := range s.retained[dataset] {
		if t.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, t)
	}
	s.retained[dataset] = kept
	return deleted, nil
}

// LastAlertAt implements engine.Storage.
func (s *Storage) LastAlertAt(ctx context.Context, name string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.alerts[name], nil
}

// SetLastAlertAt implements engine.Storage.
func (s *Storage) SetLastAlertAt(ctx context.Context, name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[name] = at
	return nil
}

// Clear removes all data (useful for testing).
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = make(map[string]*engine.LedgerEntry)
	s.eventsByExtID = make(map[string]string)
	s.subscriptions = make(map[string]*engine.Subscription)
	s.subsByProvider = make(map[string]string)
	s.payments = make(map[string]*engine.Payment)
	s.paymentsByRef = make(map[string]string)
	s.reminders = make(map[string]*engine.ScheduledReminder)
	s.payrolls = make(map[string]*engine.PayrollPeriod)
	s.payrollByCode = make(map[string]string)
	s.payrollPeriods = make(map[string]bool)
	s.creators = make(map[string]*engine.Creator)
	s.creatorsByAcct = make(map[string]string)
	s.activity = nil
	s.retained = make(map[engine.Dataset][]time.Time)
	s.alerts = make(map[string]time.Time)
}
