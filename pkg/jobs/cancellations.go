package jobs

import (
	"context"
	"time"

	"github.com/paywelt/billingcore/pkg/engine"
)

// runCancellations finalizes subscriptions whose cancel_at_period_end
// flag is set and whose period has ended. Transitions go through the
// state machine; a subscription another runner already canceled counts
// as skipped, so the total canceled across overlapping runs equals the
// number of eligible rows.
func (c *Coordinator) runCancellations(ctx context.Context, now time.Time, res *Result) error {
	due, err := c.storage.ListDueCancellations(ctx, now)
	if err != nil {
		return err
	}
	res.Counters["due"] = len(due)

	for _, sub := range due {
		applied, err := c.machine.FinalizeCancellation(ctx, sub.ID)
		if err != nil {
			res.addError(err)
			continue
		}
		if applied.AlreadyCanceled {
			res.Counters["skipped"]++
			continue
		}
		res.Counters["canceled"]++

		// A canceled subscription no longer renews; drop its pending
		// renewal reminder.
		if err := c.storage.CancelReminder(ctx, sub.ID, "subscription_renewal"); err != nil {
			res.addError(err)
		}
	}
	return nil
}

// runSalaryMode unlocks the billing-date alignment feature for creators
// whose payment history crossed the configured threshold. Re-running
// after an unlock is a no-op.
func (c *Coordinator) runSalaryMode(ctx context.Context, now time.Time, res *Result) error {
	creators, err := c.storage.ListCreators(ctx)
	if err != nil {
		return err
	}

	since := now.Add(-c.config.SalaryModeWindow)
	for _, creator := range creators {
		if creator.SalaryModeUnlocked {
			continue
		}
		payments, err := c.storage.ListPayments(ctx, creator.ID, since, now.Add(time.Second))
		if err != nil {
			res.addError(err)
			continue
		}
		succeeded := 0
		for _, p := range payments {
			if p.Status == engine.PaymentSucceeded {
				succeeded++
			}
		}
		if succeeded < c.config.SalaryModePayments {
			continue
		}
		creator.SalaryModeUnlocked = true
		if err := c.storage.UpdateCreator(ctx, creator); err != nil {
			res.addError(err)
			continue
		}
		res.Counters["unlocked"]++
	}
	return nil
}
