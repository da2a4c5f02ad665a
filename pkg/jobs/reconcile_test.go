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

// stubReporter returns fixed totals, or blocks until the context dies.
type stubReporter struct {
	totals jobs.TotalsReport
	hang   bool
}

func (r *stubReporter) ReportedTotals(ctx context.Context, from, to time.Time) (jobs.TotalsReport, error) {
	if r.hang {
		<-ctx.Done()
		return jobs.TotalsReport{}, ctx.Err()
	}
	return r.totals, nil
}

func seedFebruaryPayments(t *testing.T, store *memory.Storage, provider engine.Provider, amounts ...int64) {
	t.Helper()
	ctx := context.Background()
	for _, amount := range amounts {
		require.NoError(t, store.InsertPayment(ctx, &engine.Payment{
			ID:                uuid.NewString(),
			CreatorID:         "creator_1",
			Provider:          provider,
			ProviderReference: uuid.NewString(),
			AmountMinor:       amount,
			NetMinor:          amount - amount/10,
			Currency:          "USD",
			Status:            engine.PaymentSucceeded,
			CreatedAt:         time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC),
		}))
	}
}

func TestRunReconciliation_Match(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	seedFebruaryPayments(t, store, engine.ProviderStripe, 1000, 2000)

	c := newTestCoordinator(store, jobs.Config{
		Reporters: map[engine.Provider]jobs.ProviderReporter{
			engine.ProviderStripe: &stubReporter{totals: jobs.TotalsReport{GrossMinor: 3000, Count: 2}},
		},
	})
	res, err := c.Run(context.Background(), jobs.JobReconciliation, now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counters["providers"])
	assert.Equal(t, 0, res.Counters["discrepancies"])
	assert.Empty(t, res.Errors)
}

func TestRunReconciliation_ReportsDiscrepancy(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	seedFebruaryPayments(t, store, engine.ProviderStripe, 1000, 2000)

	c := newTestCoordinator(store, jobs.Config{
		Reporters: map[engine.Provider]jobs.ProviderReporter{
			engine.ProviderStripe: &stubReporter{totals: jobs.TotalsReport{GrossMinor: 5000, Count: 3}},
		},
	})
	res, err := c.Run(context.Background(), jobs.JobReconciliation, now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counters["discrepancies"])
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "mismatch")

	// Reporting never corrects: the internal records are untouched.
	totals, err := store.PaymentTotals(context.Background(), engine.ProviderStripe,
		time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(3000), totals.GrossMinor)
	assert.Equal(t, 2, totals.Count)
}

func TestRunReconciliation_PerProvider(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	seedFebruaryPayments(t, store, engine.ProviderStripe, 1000)
	seedFebruaryPayments(t, store, engine.ProviderPaystack, 500000)

	c := newTestCoordinator(store, jobs.Config{
		Reporters: map[engine.Provider]jobs.ProviderReporter{
			engine.ProviderStripe:   &stubReporter{totals: jobs.TotalsReport{GrossMinor: 1000, Count: 1}},
			engine.ProviderPaystack: &stubReporter{totals: jobs.TotalsReport{GrossMinor: 400000, Count: 1}},
		},
	})
	res, err := c.Run(context.Background(), jobs.JobReconciliation, now)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Counters["providers"])
	assert.Equal(t, 1, res.Counters["discrepancies"])
}

func TestRunReconciliation_ReporterTimeout(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	seedFebruaryPayments(t, store, engine.ProviderStripe, 1000)

	c := newTestCoordinator(store, jobs.Config{
		ReporterTimeout: 50 * time.Millisecond,
		Reporters: map[engine.Provider]jobs.ProviderReporter{
			engine.ProviderStripe: &stubReporter{hang: true},
		},
	})
	res, err := c.Run(context.Background(), jobs.JobReconciliation, now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counters["unavailable"])
	assert.NotEmpty(t, res.Errors)
}

func TestRunReconciliation_NoReporters(t *testing.T) {
	c := newTestCoordinator(memory.New(), jobs.Config{})
	res, err := c.Run(context.Background(), jobs.JobReconciliation,
		time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Counters["providers"])
}
