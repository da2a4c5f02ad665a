package engine

import (
	"context"
	"errors"
	"fmt"
)

// Adapter verifies and normalizes raw webhook payloads for one provider.
// Implementations live in pkg/provider.
type Adapter interface {
	// Name returns the provider this adapter handles.
	Name() Provider

	// Verify checks the payload signature. Returns ErrInvalidSignature
	// when it does not match; no ledger write happens in that case.
	Verify(body []byte, signature string) error

	// Normalize maps the raw payload to a canonical event. Event types
	// outside the taxonomy normalize to EventUnhandled, not an error.
	Normalize(body []byte) (*Event, error)
}

// Engine is the webhook ingestion pipeline: verify -> ledger ingest ->
// state machine apply -> ledger stamp. It is safe for concurrent use;
// correctness under duplicate delivery comes from the ledger's
// uniqueness constraint, not from in-memory locks.
type Engine struct {
	storage    Storage
	ledger     *Ledger
	machine    *StateMachine
	machineCfg StateMachineConfig
	adapters   map[Provider]Adapter
	clock      Clock
	logger     Logger
	metrics    Metrics
}

// Config configures an Engine.
type Config struct {
	// PlatformFeeBps is the platform fee in basis points (default 1000)
	PlatformFeeBps int64

	// Clock overrides wall-clock time (optional)
	Clock Clock

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics tracks webhook processing (default: NoopMetrics)
	Metrics Metrics
}

// New creates an Engine over the given storage.
func New(storage Storage, cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	machineCfg := StateMachineConfig{
		PlatformFeeBps: cfg.PlatformFeeBps,
		Clock:          cfg.Clock,
		Logger:         cfg.Logger,
		Metrics:        cfg.Metrics,
	}
	return &Engine{
		storage:    storage,
		ledger:     NewLedger(storage, cfg.Clock),
		machine:    NewStateMachine(storage, machineCfg),
		machineCfg: machineCfg,
		adapters:   make(map[Provider]Adapter),
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
}

// RegisterAdapter installs a provider adapter. Not safe to call after
// the engine started serving.
func (e *Engine) RegisterAdapter(a Adapter) {
	e.adapters[a.Name()] = a
}

// Ledger exposes the event ledger for audit reads.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// StateMachine exposes the transition entry points used by the
// unsubscribe flow and the job coordinator.
func (e *Engine) StateMachine() *StateMachine { return e.machine }

// Storage exposes the underlying storage for read-only collaborators.
func (e *Engine) Storage() Storage { return e.storage }

// Receipt describes the outcome of handling one webhook delivery.
type Receipt struct {
	// EventID is the ledger entry id, usable for audit lookups
	EventID string

	// Status is the terminal ledger status of this delivery
	Status EventStatus

	// AlreadyProcessed is true when this delivery was a duplicate of an
	// event handled before
	AlreadyProcessed bool

	// Unmatched is true when the event referenced no known entity
	Unmatched bool
}

// HandleWebhook runs the full ingestion pipeline for one delivery.
// Signature verification happens before any ledger write. Transient
// failures return an error so the HTTP layer responds non-2xx and the
// provider redelivers.
func (e *Engine) HandleWebhook(ctx context.Context, provider Provider, body []byte, signature string) (*Receipt, error) {
	adapter, ok := e.adapters[provider]
	if !ok {
		return nil, ErrUnknownProvider
	}

	if err := adapter.Verify(body, signature); err != nil {
		e.metrics.RecordWebhookError(string(provider), "auth_failed")
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	ev, err := adapter.Normalize(body)
	if err != nil {
		e.metrics.RecordWebhookError(string(provider), "invalid_payload")
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	start := e.clock.Now()

	// The ledger claim commits on its own so a later failure still leaves
	// a durable failed row for the provider's redelivery to re-claim.
	res, err := e.ledger.Ingest(ctx, ev)
	if err != nil {
		e.metrics.RecordWebhookError(string(provider), "ledger")
		return nil, err
	}
	if res.AlreadyProcessed {
		receipt := &Receipt{
			EventID:          res.Entry.ID,
			Status:           res.Entry.Status,
			AlreadyProcessed: true,
			Unmatched:        res.Entry.Unmatched,
		}
		e.metrics.RecordWebhookEvent(string(provider), string(ev.Kind), "duplicate")
		return receipt, nil
	}

	entryID := res.Entry.ID

	if ev.Kind == EventUnhandled {
		if err := e.ledger.MarkSkipped(ctx, entryID, e.clock.Now().Sub(start)); err != nil {
			return nil, err
		}
		e.metrics.RecordWebhookEvent(string(provider), string(ev.Kind), "skipped")
		e.metrics.RecordWebhookProcessingDuration(string(provider), string(ev.Kind), e.clock.Now().Sub(start))
		return &Receipt{EventID: entryID, Status: EventStatusSkipped}, nil
	}

	// Apply and the processed stamp commit together; a crash between them
	// can never leave an applied event the ledger thinks is unfinished.
	var receipt *Receipt
	err = e.storage.InTransaction(ctx, func(ctx context.Context, s Storage) error {
		ledger := NewLedger(s, e.clock)
		machine := NewStateMachine(s, e.machineCfg)

		applied, err := machine.Apply(ctx, ev)
		if err != nil {
			return fmt.Errorf("apply %s: %w", ev.Kind, err)
		}
		if applied.Unmatched {
			if err := ledger.MarkUnmatched(ctx, entryID); err != nil {
				return err
			}
		}
		if err := ledger.MarkProcessed(ctx, entryID, e.clock.Now().Sub(start)); err != nil {
			return err
		}
		receipt = &Receipt{EventID: entryID, Status: EventStatusProcessed, Unmatched: applied.Unmatched}
		return nil
	})
	if err != nil {
		elapsed := e.clock.Now().Sub(start)
		if markErr := e.ledger.MarkFailed(ctx, entryID, elapsed, err.Error(), true); markErr != nil {
			e.logger.Error("mark failed", Field{Key: "event_id", Value: entryID}, Field{Key: "error", Value: markErr})
		}
		e.metrics.RecordWebhookEvent(string(provider), string(ev.Kind), "failed")
		e.metrics.RecordWebhookProcessingDuration(string(provider), string(ev.Kind), elapsed)
		return nil, err
	}

	e.metrics.RecordWebhookEvent(string(provider), string(ev.Kind), "processed")
	e.metrics.RecordWebhookProcessingDuration(string(provider), string(ev.Kind), e.clock.Now().Sub(start))

	e.logger.Info("webhook handled",
		Field{Key: "provider", Value: provider},
		Field{Key: "kind", Value: ev.Kind},
		Field{Key: "event_id", Value: receipt.EventID},
		Field{Key: "unmatched", Value: receipt.Unmatched},
	)
	return receipt, nil
}

// IsRetryable reports whether a pipeline error should map to a non-2xx
// response so the provider retries delivery.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStorage) ||
		(err != nil && !errors.Is(err, ErrInvalidSignature) &&
			!errors.Is(err, ErrInvalidPayload) &&
			!errors.Is(err, ErrUnknownProvider))
}
