package engine

import "errors"

var (
	// ErrInvalidSignature is returned when webhook signature verification fails.
	// Requests failing verification never reach the ledger.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrInvalidPayload is returned when a webhook payload cannot be parsed
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrUnknownProvider is returned for a provider with no registered adapter
	ErrUnknownProvider = errors.New("unknown payment provider")

	// ErrDuplicateEvent is returned by storage when a ledger entry with the
	// same (provider, external event id) already exists
	ErrDuplicateEvent = errors.New("duplicate provider event")

	// ErrEventTerminal is returned when writing to a ledger entry that has
	// already reached a terminal status
	ErrEventTerminal = errors.New("ledger entry is terminal")

	// ErrNotFound is returned when a requested entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrSubscriptionCanceled is returned when a transition would move a
	// canceled subscription to any other status
	ErrSubscriptionCanceled = errors.New("subscription is canceled")

	// ErrTransientStorage marks a storage failure the provider should retry
	ErrTransientStorage = errors.New("transient storage error")

	// ErrCodeTaken is returned by storage when a payroll verification code
	// is already in use
	ErrCodeTaken = errors.New("verification code already in use")

	// ErrDuplicatePeriod is returned by storage when a payroll period for
	// the same creator and period start already exists
	ErrDuplicatePeriod = errors.New("payroll period already generated")
)
