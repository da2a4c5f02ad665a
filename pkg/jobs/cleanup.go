package jobs

import (
	"context"
	"time"

	"github.com/paywelt/billingcore/pkg/engine"
)

// cleanup builds a retention job for one dataset. Deleting is the only
// effect; the matching row count can only go down.
func (c *Coordinator) cleanup(dataset engine.Dataset, retention time.Duration) jobFunc {
	return func(ctx context.Context, now time.Time, res *Result) error {
		deleted, err := c.storage.PurgeBefore(ctx, dataset, now.Add(-retention))
		if err != nil {
			return err
		}
		res.Counters["deleted"] = int(deleted)
		return nil
	}
}
