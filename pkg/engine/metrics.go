package engine

import "time"

// Metrics defines the interface for tracking engine operations.
// All methods are optional - callers should gracefully handle nil metrics
// by substituting NoopMetrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from a provider.
	// status: "processed", "skipped", "failed", "duplicate" or "rejected"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long a webhook took end to end.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: "auth_failed", "invalid_payload", "processing_error"
	RecordWebhookError(provider, errorType string)

	// RecordStateTransition records a subscription status change.
	RecordStateTransition(from, to string)

	// RecordUnmatchedEvent records an event that could not be matched to
	// an existing subscription or payment.
	RecordUnmatchedEvent(provider, eventType string)

	// RecordJobRun records a coordinator job execution.
	// status: "ok", "error" or "locked"
	RecordJobRun(job, status string)

	// RecordJobDuration records how long a job run took.
	RecordJobDuration(job string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordStateTransition(_, _ string)                            {}
func (n *NoopMetrics) RecordUnmatchedEvent(_, _ string)                             {}
func (n *NoopMetrics) RecordJobRun(_, _ string)                                     {}
func (n *NoopMetrics) RecordJobDuration(_ string, _ time.Duration)                  {}
