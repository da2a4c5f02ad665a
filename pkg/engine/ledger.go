package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// reclaimAfter is how long a pending/processing claim may sit before a
// redelivery treats it as abandoned by a crashed run. Normal webhook
// processing completes in seconds.
const reclaimAfter = 5 * time.Minute

// Ledger is the durable idempotency and audit record of inbound provider
// events. It is the single source of truth for "did we already handle
// this external event".
type Ledger struct {
	storage Storage
	clock   Clock
}

// NewLedger creates a ledger over the given storage.
func NewLedger(storage Storage, clock Clock) *Ledger {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Ledger{storage: storage, clock: clock}
}

// IngestResult describes the outcome of ingesting one provider event.
type IngestResult struct {
	// Entry is the ledger entry for this event (new or pre-existing)
	Entry *LedgerEntry

	// AlreadyProcessed is true when the event reached a terminal status
	// on a previous delivery; the caller must not re-apply it.
	AlreadyProcessed bool

	// Reclaimed is true when a previously failed (retryable) entry was
	// re-claimed for another attempt.
	Reclaimed bool
}

// Ingest records an inbound event. The (provider, external event id)
// uniqueness constraint in storage makes concurrent duplicate deliveries
// safe without application-level locking: exactly one insert wins, the
// rest observe the existing entry.
func (l *Ledger) Ingest(ctx context.Context, ev *Event) (*IngestResult, error) {
	entry := &LedgerEntry{
		ID:              uuid.NewString(),
		Provider:        ev.Provider,
		ExternalEventID: ev.ExternalID,
		Kind:            ev.Kind,
		ProviderType:    ev.ProviderType,
		Status:          EventStatusProcessing,
		ReceivedAt:      l.clock.Now(),
	}

	err := l.storage.InsertEvent(ctx, entry)
	if err == nil {
		return &IngestResult{Entry: entry}, nil
	}
	if !errors.Is(err, ErrDuplicateEvent) {
		return nil, fmt.Errorf("%w: insert event: %v", ErrTransientStorage, err)
	}

	existing, err := l.storage.GetEventByExternalID(ctx, ev.Provider, ev.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("%w: load duplicate event: %v", ErrTransientStorage, err)
	}

	if existing.Status.Terminal() || (existing.Status == EventStatusFailed && !existing.Retryable) {
		return &IngestResult{Entry: existing, AlreadyProcessed: true}, nil
	}

	// A failed-but-retryable entry is re-claimed so the provider's
	// redelivery can eventually succeed.
	if existing.Status == EventStatusFailed {
		if err := l.storage.UpdateEventStatus(ctx, existing.ID, EventStatusProcessing, 0, "", false); err != nil {
			return nil, fmt.Errorf("%w: reclaim event: %v", ErrTransientStorage, err)
		}
		existing.Status = EventStatusProcessing
		return &IngestResult{Entry: existing, Reclaimed: true}, nil
	}

	// Pending/processing: another delivery is, or was, working on this
	// event. A claim older than reclaimAfter belongs to a run that
	// crashed before stamping an outcome; the redelivery re-claims it so
	// the event is not lost. Applying is idempotent, so two redeliveries
	// racing over a stale claim cannot double-mutate.
	if l.clock.Now().Sub(existing.ReceivedAt) >= reclaimAfter {
		return &IngestResult{Entry: existing, Reclaimed: true}, nil
	}

	// Fresh claim; the other delivery will finish the work.
	return &IngestResult{Entry: existing, AlreadyProcessed: true}, nil
}

// MarkProcessed stamps an entry terminal-processed with its duration.
func (l *Ledger) MarkProcessed(ctx context.Context, id string, d time.Duration) error {
	return l.storage.UpdateEventStatus(ctx, id, EventStatusProcessed, d, "", false)
}

// MarkSkipped stamps an entry terminal-skipped. Used for event types the
// taxonomy does not cover; skipping is not an error.
func (l *Ledger) MarkSkipped(ctx context.Context, id string, d time.Duration) error {
	return l.storage.UpdateEventStatus(ctx, id, EventStatusSkipped, d, "", false)
}

// MarkFailed records a failure. Retryable failures may be re-claimed by
// a later redelivery; permanent ones are terminal.
func (l *Ledger) MarkFailed(ctx context.Context, id string, d time.Duration, reason string, retryable bool) error {
	return l.storage.UpdateEventStatus(ctx, id, EventStatusFailed, d, reason, retryable)
}

// MarkUnmatched flags an entry for manual reconciliation. The entry still
// finishes as processed; unmatched events are surfaced, never dropped.
func (l *Ledger) MarkUnmatched(ctx context.Context, id string) error {
	return l.storage.MarkEventUnmatched(ctx, id)
}

// Get returns a ledger entry for audit queries.
func (l *Ledger) Get(ctx context.Context, id string) (*LedgerEntry, error) {
	return l.storage.GetEvent(ctx, id)
}
