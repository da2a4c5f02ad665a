package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paywelt/billingcore/pkg/engine"
	"github.com/paywelt/billingcore/storage/memory"
)

func testEvent(extID string) *engine.Event {
	return &engine.Event{
		Provider:     engine.ProviderStripe,
		ExternalID:   extID,
		Kind:         engine.EventChargeSucceeded,
		ProviderType: "checkout.session.completed",
	}
}

func TestLedger_Ingest(t *testing.T) {
	store := memory.New()
	ledger := engine.NewLedger(store, nil)
	ctx := context.Background()

	res, err := ledger.Ingest(ctx, testEvent("evt_1"))
	require.NoError(t, err)
	assert.False(t, res.AlreadyProcessed)
	assert.Equal(t, engine.EventStatusProcessing, res.Entry.Status)
	assert.NotEmpty(t, res.Entry.ID)
}

func TestLedger_Ingest_DuplicateAfterProcessed(t *testing.T) {
	store := memory.New()
	ledger := engine.NewLedger(store, nil)
	ctx := context.Background()

	first, err := ledger.Ingest(ctx, testEvent("evt_1"))
	require.NoError(t, err)
	require.NoError(t, ledger.MarkProcessed(ctx, first.Entry.ID, 5*time.Millisecond))

	second, err := ledger.Ingest(ctx, testEvent("evt_1"))
	require.NoError(t, err)
	assert.True(t, second.AlreadyProcessed)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
	assert.Equal(t, engine.EventStatusProcessed, second.Entry.Status)
}

func TestLedger_Ingest_DuplicateInFlight(t *testing.T) {
	store := memory.New()
	ledger := engine.NewLedger(store, nil)
	ctx := context.Background()

	first, err := ledger.Ingest(ctx, testEvent("evt_1"))
	require.NoError(t, err)

	// Redelivery while the first delivery is still processing: the
	// second caller yields.
	second, err := ledger.Ingest(ctx, testEvent("evt_1"))
	require.NoError(t, err)
	assert.True(t, second.AlreadyProcessed)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)
}

func TestLedger_Ingest_ReclaimsStaleClaim(t *testing.T) {
	store := memory.New()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	// First delivery claims the event and crashes before stamping any
	// outcome, leaving the row in processing.
	first, err := engine.NewLedger(store, engine.FixedClock{T: t0}).Ingest(ctx, testEvent("evt_1"))
	require.NoError(t, err)
	require.Equal(t, engine.EventStatusProcessing, first.Entry.Status)

	// A redelivery minutes later re-claims the abandoned row instead of
	// being told the work is done.
	later := engine.NewLedger(store, engine.FixedClock{T: t0.Add(10 * time.Minute)})
	second, err := later.Ingest(ctx, testEvent("evt_1"))
	require.NoError(t, err)
	assert.True(t, second.Reclaimed)
	assert.False(t, second.AlreadyProcessed)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)

	// The re-claimed attempt can finish normally.
	require.NoError(t, later.MarkProcessed(ctx, second.Entry.ID, time.Millisecond))
	entry, err := later.Get(ctx, second.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.EventStatusProcessed, entry.Status)
}

func TestLedger_Ingest_ReclaimsRetryableFailure(t *testing.T) {
	store := memory.New()
	ledger := engine.NewLedger(store, nil)
	ctx := context.Background()

	first, err := ledger.Ingest(ctx, testEvent("evt_1"))
	require.NoError(t, err)
	require.NoError(t, ledger.MarkFailed(ctx, first.Entry.ID, time.Millisecond, "db timeout", true))

	second, err := ledger.Ingest(ctx, testEvent("evt_1"))
	require.NoError(t, err)
	assert.True(t, second.Reclaimed)
	assert.False(t, second.AlreadyProcessed)
	assert.Equal(t, engine.EventStatusProcessing, second.Entry.Status)

	// The reclaimed attempt can now finish.
	require.NoError(t, ledger.MarkProcessed(ctx, second.Entry.ID, time.Millisecond))
}

func TestLedger_Ingest_PermanentFailureIsTerminal(t *testing.T) {
	store := memory.New()
	ledger := engine.NewLedger(store, nil)
	ctx := context.Background()

	first, err := ledger.Ingest(ctx, testEvent("evt_1"))
	require.NoError(t, err)
	require.NoError(t, ledger.MarkFailed(ctx, first.Entry.ID, time.Millisecond, "malformed amount", false))

	second, err := ledger.Ingest(ctx, testEvent("evt_1"))
	require.NoError(t, err)
	assert.True(t, second.AlreadyProcessed)
	assert.False(t, second.Reclaimed)
}

func TestLedger_TerminalEntriesAreImmutable(t *testing.T) {
	store := memory.New()
	ledger := engine.NewLedger(store, nil)
	ctx := context.Background()

	res, err := ledger.Ingest(ctx, testEvent("evt_1"))
	require.NoError(t, err)
	require.NoError(t, ledger.MarkProcessed(ctx, res.Entry.ID, time.Millisecond))

	err = ledger.MarkFailed(ctx, res.Entry.ID, time.Millisecond, "late failure", true)
	assert.ErrorIs(t, err, engine.ErrEventTerminal)

	entry, err := ledger.Get(ctx, res.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.EventStatusProcessed, entry.Status)
}

func TestLedger_SameExternalIDAcrossProviders(t *testing.T) {
	store := memory.New()
	ledger := engine.NewLedger(store, nil)
	ctx := context.Background()

	stripeEv := testEvent("shared_id")
	paystackEv := testEvent("shared_id")
	paystackEv.Provider = engine.ProviderPaystack

	first, err := ledger.Ingest(ctx, stripeEv)
	require.NoError(t, err)
	second, err := ledger.Ingest(ctx, paystackEv)
	require.NoError(t, err)

	// Dedup is scoped per provider.
	assert.False(t, second.AlreadyProcessed)
	assert.NotEqual(t, first.Entry.ID, second.Entry.ID)
}
