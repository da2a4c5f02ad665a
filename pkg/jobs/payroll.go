package jobs

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/paywelt/billingcore/pkg/engine"
)

// VerificationCodeLength is the length of payroll verification codes.
const VerificationCodeLength = 16

// newVerificationCode derives a public lookup key from random UUID bytes.
// Codes are globally unique (storage enforces it) and carry no owner
// information.
func newVerificationCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(raw[:VerificationCodeLength])
}

// lastClosedMonth returns the start and end of the most recent fully
// elapsed calendar month before now.
func lastClosedMonth(now time.Time) (time.Time, time.Time) {
	firstOfCurrent := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	start := firstOfCurrent.AddDate(0, -1, 0)
	return start, firstOfCurrent
}

// runPayroll generates earnings statements for service-mode creators for
// the last closed calendar month. Re-running for an already-generated
// period is a no-op; periods with no payments generate nothing.
func (c *Coordinator) runPayroll(ctx context.Context, now time.Time, res *Result) error {
	creators, err := c.storage.ListCreators(ctx)
	if err != nil {
		return err
	}

	start, end := lastClosedMonth(now)

	for _, creator := range creators {
		if !creator.ServiceMode {
			continue
		}
		exists, err := c.storage.HasPayrollPeriod(ctx, creator.ID, start)
		if err != nil {
			res.addError(err)
			continue
		}
		if exists {
			res.Counters["skipped"]++
			continue
		}

		payments, err := c.storage.ListPayments(ctx, creator.ID, start, end)
		if err != nil {
			res.addError(err)
			continue
		}

		var gross, net int64
		count := 0
		currency := creator.Currency
		for _, p := range payments {
			if p.Status != engine.PaymentSucceeded {
				continue
			}
			gross += p.AmountMinor
			net += p.NetMinor
			count++
			if currency == "" {
				currency = p.Currency
			}
		}
		if count == 0 {
			continue
		}

		period := &engine.PayrollPeriod{
			ID:           uuid.NewString(),
			CreatorID:    creator.ID,
			PeriodStart:  start,
			PeriodEnd:    end,
			Currency:     currency,
			GrossMinor:   gross,
			NetMinor:     net,
			PaymentCount: count,
			GeneratedAt:  now,
		}

		if err := c.insertWithFreshCode(ctx, period); err != nil {
			if errors.Is(err, engine.ErrDuplicatePeriod) {
				// Another runner generated it between our check and insert.
				res.Counters["skipped"]++
				continue
			}
			res.addError(err)
			continue
		}
		res.Counters["generated"]++
	}
	return nil
}

// insertWithFreshCode retries code collisions; codes are random so a
// handful of attempts always suffices.
func (c *Coordinator) insertWithFreshCode(ctx context.Context, period *engine.PayrollPeriod) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		period.VerificationCode = newVerificationCode()
		err = c.storage.InsertPayrollPeriod(ctx, period)
		if !errors.Is(err, engine.ErrCodeTaken) {
			return err
		}
	}
	return err
}
