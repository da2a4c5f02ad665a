package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// TotalsReport is what a provider reports for a period: settled gross
// amount and transaction count.
type TotalsReport struct {
	GrossMinor int64
	Count      int
}

// ProviderReporter fetches provider-reported totals for reconciliation.
// Implementations call the provider's reporting API; each call is
// bounded by Config.ReporterTimeout.
type ProviderReporter interface {
	ReportedTotals(ctx context.Context, from, to time.Time) (TotalsReport, error)
}

// runReconciliation compares internal payment totals against
// provider-reported totals for the last closed calendar month and
// reports discrepancies. It never corrects financial records.
func (c *Coordinator) runReconciliation(ctx context.Context, now time.Time, res *Result) error {
	from, to := lastClosedMonth(now)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for provider, reporter := range c.config.Reporters {
		g.Go(func() error {
			internal, err := c.storage.PaymentTotals(gctx, provider, from, to)
			if err != nil {
				return fmt.Errorf("%s internal totals: %w", provider, err)
			}

			callCtx, cancel := context.WithTimeout(gctx, c.config.ReporterTimeout)
			defer cancel()
			reported, err := reporter.ReportedTotals(callCtx, from, to)

			mu.Lock()
			defer mu.Unlock()
			res.Counters["providers"]++
			if err != nil {
				// A reporter outage is a per-provider finding, not a
				// batch failure; the run stays retryable.
				res.addError(fmt.Errorf("%s reported totals: %w", provider, err))
				res.Counters["unavailable"]++
				return nil
			}
			if internal.GrossMinor != reported.GrossMinor || internal.Count != reported.Count {
				res.Counters["discrepancies"]++
				res.addError(fmt.Errorf(
					"%s mismatch: internal gross=%d count=%d, reported gross=%d count=%d",
					provider, internal.GrossMinor, internal.Count, reported.GrossMinor, reported.Count))
			}
			return nil
		})
	}
	return g.Wait()
}
