package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/paywelt/billingcore/pkg/engine"
)

// Scheduler decides when reminders fire and guarantees at most one
// active reminder per (entity id, type).
type Scheduler struct {
	storage engine.Storage
}

// NewScheduler creates a reminder scheduler over the given storage.
func NewScheduler(storage engine.Storage) *Scheduler {
	return &Scheduler{storage: storage}
}

// Schedule upserts a reminder. An existing scheduled row for the same
// (entity id, type) is reused and re-timed rather than duplicated.
func (s *Scheduler) Schedule(ctx context.Context, userID string, entityType engine.EntityType, entityID, reminderType, channel string, scheduledFor time.Time) error {
	return s.storage.UpsertReminder(ctx, &engine.ScheduledReminder{
		ID:           uuid.NewString(),
		UserID:       userID,
		EntityType:   entityType,
		EntityID:     entityID,
		Type:         reminderType,
		Channel:      channel,
		ScheduledFor: scheduledFor,
		Status:       engine.ReminderScheduled,
		CreatedAt:    time.Now().UTC(),
	})
}

// Cancel marks the scheduled reminder for (entity id, type) canceled so
// the delivery job skips it. Used when the underlying entity's state
// change makes the reminder irrelevant.
func (s *Scheduler) Cancel(ctx context.Context, entityID, reminderType string) error {
	return s.storage.CancelReminder(ctx, entityID, reminderType)
}

// runScheduledReminders delivers due reminders. A storage-level claim
// moves each row scheduled -> sending before delivery, so two
// overlapping runs never send the same reminder twice even with
// independent lockers.
func (c *Coordinator) runScheduledReminders(ctx context.Context, now time.Time, res *Result) error {
	due, err := c.storage.DueReminders(ctx, now)
	if err != nil {
		return err
	}
	res.Counters["due"] = len(due)

	for _, r := range due {
		claimed, err := c.storage.ClaimReminder(ctx, r.ID)
		if err != nil {
			res.addError(err)
			continue
		}
		if !claimed {
			// Another runner took it.
			continue
		}

		if err := c.config.Notifier.Deliver(ctx, r); err != nil {
			res.addError(err)
			res.Counters["failed"]++
			if err := c.storage.FinishReminder(ctx, r.ID, engine.ReminderFailed, now); err != nil {
				res.addError(err)
			}
			continue
		}
		if err := c.storage.FinishReminder(ctx, r.ID, engine.ReminderSent, now); err != nil {
			res.addError(err)
			continue
		}
		res.Counters["sent"]++
	}
	return nil
}
