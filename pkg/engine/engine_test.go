package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paywelt/billingcore/pkg/engine"
	"github.com/paywelt/billingcore/storage/memory"
)

// fakeAdapter verifies against a fixed secret string and normalizes a
// JSON-encoded engine.Event, standing in for a real provider.
type fakeAdapter struct {
	secret string
}

func (a *fakeAdapter) Name() engine.Provider { return engine.ProviderStripe }

func (a *fakeAdapter) Verify(body []byte, signature string) error {
	if signature != a.secret {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func (a *fakeAdapter) Normalize(body []byte) (*engine.Event, error) {
	var ev engine.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, err
	}
	ev.Provider = engine.ProviderStripe
	return &ev, nil
}

func newTestEngine(store *memory.Storage) *engine.Engine {
	eng := engine.New(store, engine.Config{})
	eng.RegisterAdapter(&fakeAdapter{secret: "good"})
	return eng
}

func mustBody(t *testing.T, ev *engine.Event) []byte {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return b
}

func TestEngine_HandleWebhook_Processed(t *testing.T) {
	store := memory.New()
	eng := newTestEngine(store)
	ctx := context.Background()

	body := mustBody(t, &engine.Event{
		ExternalID:             "evt_1",
		Kind:                   engine.EventChargeSucceeded,
		AmountMinor:            1000,
		Currency:               "USD",
		CreatorID:              "creator_1",
		SubscriberID:           "subscriber_1",
		ProviderSubscriptionID: "sub_1",
		ProviderReference:      "pi_1",
	})

	receipt, err := eng.HandleWebhook(ctx, engine.ProviderStripe, body, "good")
	require.NoError(t, err)
	assert.Equal(t, engine.EventStatusProcessed, receipt.Status)
	assert.False(t, receipt.AlreadyProcessed)

	entry, err := eng.Ledger().Get(ctx, receipt.EventID)
	require.NoError(t, err)
	assert.Equal(t, engine.EventStatusProcessed, entry.Status)
	assert.NotNil(t, entry.ProcessedAt)

	// The state transitions landed.
	p, err := store.GetPaymentByReference(ctx, engine.ProviderStripe, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, engine.PaymentSucceeded, p.Status)
}

func TestEngine_HandleWebhook_InvalidSignatureLeavesNoLedgerEntry(t *testing.T) {
	store := memory.New()
	eng := newTestEngine(store)
	ctx := context.Background()

	body := mustBody(t, &engine.Event{ExternalID: "evt_1", Kind: engine.EventChargeSucceeded})
	_, err := eng.HandleWebhook(ctx, engine.ProviderStripe, body, "bad")
	assert.ErrorIs(t, err, engine.ErrInvalidSignature)

	_, err = store.GetEventByExternalID(ctx, engine.ProviderStripe, "evt_1")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestEngine_HandleWebhook_DuplicateDelivery(t *testing.T) {
	store := memory.New()
	eng := newTestEngine(store)
	ctx := context.Background()

	body := mustBody(t, &engine.Event{
		ExternalID:             "evt_1",
		Kind:                   engine.EventChargeSucceeded,
		AmountMinor:            1000,
		Currency:               "USD",
		CreatorID:              "creator_1",
		ProviderSubscriptionID: "sub_1",
		ProviderReference:      "pi_1",
	})

	first, err := eng.HandleWebhook(ctx, engine.ProviderStripe, body, "good")
	require.NoError(t, err)

	second, err := eng.HandleWebhook(ctx, engine.ProviderStripe, body, "good")
	require.NoError(t, err)
	assert.True(t, second.AlreadyProcessed)
	assert.Equal(t, first.EventID, second.EventID)
}

func TestEngine_HandleWebhook_UnhandledEventSkipped(t *testing.T) {
	store := memory.New()
	eng := newTestEngine(store)
	ctx := context.Background()

	body := mustBody(t, &engine.Event{
		ExternalID:   "evt_odd",
		Kind:         engine.EventUnhandled,
		ProviderType: "customer.updated",
	})

	receipt, err := eng.HandleWebhook(ctx, engine.ProviderStripe, body, "good")
	require.NoError(t, err)
	assert.Equal(t, engine.EventStatusSkipped, receipt.Status)

	// Skipped deliveries stay terminal on redelivery.
	receipt, err = eng.HandleWebhook(ctx, engine.ProviderStripe, body, "good")
	require.NoError(t, err)
	assert.True(t, receipt.AlreadyProcessed)
}

func TestEngine_HandleWebhook_UnmatchedEventFlagged(t *testing.T) {
	store := memory.New()
	eng := newTestEngine(store)
	ctx := context.Background()

	body := mustBody(t, &engine.Event{
		ExternalID:             "evt_orphan",
		Kind:                   engine.EventInvoicePaid,
		ProviderSubscriptionID: "sub_unknown",
		ProviderReference:      "in_9",
	})

	receipt, err := eng.HandleWebhook(ctx, engine.ProviderStripe, body, "good")
	require.NoError(t, err)
	assert.Equal(t, engine.EventStatusProcessed, receipt.Status)
	assert.True(t, receipt.Unmatched)

	entry, err := eng.Ledger().Get(ctx, receipt.EventID)
	require.NoError(t, err)
	assert.True(t, entry.Unmatched)
}

func TestEngine_HandleWebhook_UnknownProvider(t *testing.T) {
	eng := newTestEngine(memory.New())
	_, err := eng.HandleWebhook(context.Background(), engine.ProviderPaystack, []byte("{}"), "good")
	assert.ErrorIs(t, err, engine.ErrUnknownProvider)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, engine.IsRetryable(engine.ErrInvalidSignature))
	assert.False(t, engine.IsRetryable(engine.ErrInvalidPayload))
	assert.True(t, engine.IsRetryable(engine.ErrTransientStorage))
	assert.True(t, engine.IsRetryable(errors.New("connection reset")))
}
