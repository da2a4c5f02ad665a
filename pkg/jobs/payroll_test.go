package jobs_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paywelt/billingcore/pkg/engine"
	"github.com/paywelt/billingcore/pkg/jobs"
	"github.com/paywelt/billingcore/storage/memory"
)

func seedServicePayments(t *testing.T, store *memory.Storage, creatorID string, inPeriod time.Time) {
	t.Helper()
	ctx := context.Background()
	store.AddCreator(&engine.Creator{
		ID:          creatorID,
		Provider:    engine.ProviderPaystack,
		Currency:    "NGN",
		ServiceMode: true,
	})
	for i, amount := range []int64{500000, 300000} {
		require.NoError(t, store.InsertPayment(ctx, &engine.Payment{
			ID:                uuid.NewString(),
			CreatorID:         creatorID,
			Provider:          engine.ProviderPaystack,
			ProviderReference: uuid.NewString(),
			AmountMinor:       amount,
			NetMinor:          amount - amount/10,
			Currency:          "NGN",
			Status:            engine.PaymentSucceeded,
			CreatedAt:         inPeriod.Add(time.Duration(i) * 24 * time.Hour),
		}))
	}
	// A failed payment in the same period must not count.
	require.NoError(t, store.InsertPayment(ctx, &engine.Payment{
		ID:                uuid.NewString(),
		CreatorID:         creatorID,
		Provider:          engine.ProviderPaystack,
		ProviderReference: uuid.NewString(),
		AmountMinor:       100000,
		Currency:          "NGN",
		Status:            engine.PaymentFailed,
		CreatedAt:         inPeriod,
	}))
}

func TestRunPayroll_GeneratesLastClosedMonth(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	// Running on March 5 covers February.
	now := time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC)
	seedServicePayments(t, store, "creator_1", time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC))

	c := newTestCoordinator(store, jobs.Config{})
	res, err := c.Run(ctx, jobs.JobPayroll, now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counters["generated"])

	has, err := store.HasPayrollPeriod(ctx, "creator_1", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, has)
}

func TestRunPayroll_Idempotent(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC)
	seedServicePayments(t, store, "creator_1", time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC))

	c := newTestCoordinator(store, jobs.Config{})
	_, err := c.Run(ctx, jobs.JobPayroll, now)
	require.NoError(t, err)

	res, err := c.Run(ctx, jobs.JobPayroll, now)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Counters["generated"])
	assert.Equal(t, 1, res.Counters["skipped"])
}

func TestRunPayroll_SkipsNonServiceAndEmptyPeriods(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC)

	// Service-mode creator with no February payments.
	store.AddCreator(&engine.Creator{ID: "creator_idle", Provider: engine.ProviderStripe, ServiceMode: true})
	// Non-service creator with payments.
	store.AddCreator(&engine.Creator{ID: "creator_plain", Provider: engine.ProviderStripe})
	require.NoError(t, store.InsertPayment(ctx, &engine.Payment{
		ID:                uuid.NewString(),
		CreatorID:         "creator_plain",
		Provider:          engine.ProviderStripe,
		ProviderReference: "pi_x",
		AmountMinor:       1000,
		NetMinor:          900,
		Currency:          "USD",
		Status:            engine.PaymentSucceeded,
		CreatedAt:         time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC),
	}))

	c := newTestCoordinator(store, jobs.Config{})
	res, err := c.Run(ctx, jobs.JobPayroll, now)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Counters["generated"])
}

func TestRunPayroll_AmountsAndCode(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC)
	seedServicePayments(t, store, "creator_1", time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC))

	c := newTestCoordinator(store, jobs.Config{})
	_, err := c.Run(ctx, jobs.JobPayroll, now)
	require.NoError(t, err)

	period, err := store.PayrollForPeriod(ctx, "creator_1", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Len(t, period.VerificationCode, jobs.VerificationCodeLength)
	assert.Equal(t, int64(800000), period.GrossMinor)
	assert.Equal(t, int64(720000), period.NetMinor)
	assert.Equal(t, 2, period.PaymentCount)
	assert.Equal(t, "NGN", period.Currency)

	got, err := store.GetPayrollByCode(ctx, period.VerificationCode)
	require.NoError(t, err)
	assert.Equal(t, period.ID, got.ID)
}
