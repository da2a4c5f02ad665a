package jobs_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paywelt/billingcore/pkg/engine"
	"github.com/paywelt/billingcore/pkg/jobs"
	"github.com/paywelt/billingcore/storage/memory"
)

// countingNotifier records how many deliveries happened.
type countingNotifier struct {
	delivered atomic.Int64
	fail      bool
}

func (n *countingNotifier) Deliver(ctx context.Context, r *engine.ScheduledReminder) error {
	if n.fail {
		return fmt.Errorf("smtp unavailable")
	}
	n.delivered.Add(1)
	return nil
}

func TestScheduler_ScheduleIsUpsert(t *testing.T) {
	store := memory.New()
	scheduler := jobs.NewScheduler(store)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, scheduler.Schedule(ctx, "user_1", engine.EntitySubscription,
		"sub_1", "subscription_renewal", "email", now.Add(24*time.Hour)))
	// Rescheduling the same (entity, type) re-times the row instead of
	// duplicating it.
	require.NoError(t, scheduler.Schedule(ctx, "user_1", engine.EntitySubscription,
		"sub_1", "subscription_renewal", "email", now.Add(48*time.Hour)))

	due, err := store.DueReminders(ctx, now.Add(72*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.True(t, due[0].ScheduledFor.Equal(now.Add(48*time.Hour)))
}

func TestScheduler_Cancel(t *testing.T) {
	store := memory.New()
	scheduler := jobs.NewScheduler(store)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, scheduler.Schedule(ctx, "user_1", engine.EntitySubscription,
		"sub_1", "subscription_renewal", "email", now))
	require.NoError(t, scheduler.Cancel(ctx, "sub_1", "subscription_renewal"))

	due, err := store.DueReminders(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	// Canceling a missing reminder is not an error.
	assert.NoError(t, scheduler.Cancel(ctx, "sub_never", "subscription_renewal"))
}

func TestRunScheduledReminders_DeliversDueOnly(t *testing.T) {
	store := memory.New()
	scheduler := jobs.NewScheduler(store)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, scheduler.Schedule(ctx, "user_1", engine.EntitySubscription,
		"sub_1", "subscription_renewal", "email", now.Add(-time.Hour)))
	require.NoError(t, scheduler.Schedule(ctx, "user_2", engine.EntitySubscription,
		"sub_2", "subscription_renewal", "email", now.Add(time.Hour)))

	notifier := &countingNotifier{}
	c := newTestCoordinator(store, jobs.Config{Notifier: notifier})

	res, err := c.Run(ctx, jobs.JobScheduledReminders, now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counters["due"])
	assert.Equal(t, 1, res.Counters["sent"])
	assert.Equal(t, int64(1), notifier.delivered.Load())

	// Re-running does not resend; the sent row is no longer scheduled.
	res, err = c.Run(ctx, jobs.JobScheduledReminders, now)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Counters["due"])
	assert.Equal(t, int64(1), notifier.delivered.Load())
}

func TestRunScheduledReminders_FailedDelivery(t *testing.T) {
	store := memory.New()
	scheduler := jobs.NewScheduler(store)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, scheduler.Schedule(ctx, "user_1", engine.EntitySubscription,
		"sub_1", "subscription_renewal", "email", now.Add(-time.Hour)))

	c := newTestCoordinator(store, jobs.Config{Notifier: &countingNotifier{fail: true}})
	res, err := c.Run(ctx, jobs.JobScheduledReminders, now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counters["failed"])
	assert.NotEmpty(t, res.Errors)
}

func TestRunScheduledReminders_ParallelRunnersSendOnce(t *testing.T) {
	store := memory.New()
	scheduler := jobs.NewScheduler(store)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 20; i++ {
		require.NoError(t, scheduler.Schedule(ctx, "user", engine.EntitySubscription,
			fmt.Sprintf("sub_%d", i), "subscription_renewal", "email", now.Add(-time.Hour)))
	}

	notifier := &countingNotifier{}
	// Independent lockers simulate runners on separate instances with no
	// shared lock backend; the storage-level claim still dedups sends.
	c1 := newTestCoordinator(store, jobs.Config{Locker: jobs.NewMemoryLocker(), Notifier: notifier})
	c2 := newTestCoordinator(store, jobs.Config{Locker: jobs.NewMemoryLocker(), Notifier: notifier})

	var wg sync.WaitGroup
	for _, c := range []*jobs.Coordinator{c1, c2} {
		wg.Add(1)
		go func(c *jobs.Coordinator) {
			defer wg.Done()
			_, err := c.Run(ctx, jobs.JobScheduledReminders, now)
			assert.NoError(t, err)
		}(c)
	}
	wg.Wait()

	assert.Equal(t, int64(20), notifier.delivered.Load())
}
