package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements engine.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal      *prometheus.CounterVec
	webhookDuration         *prometheus.HistogramVec
	webhookErrorsTotal      *prometheus.CounterVec
	stateTransitionsTotal   *prometheus.CounterVec
	unmatchedEventsTotal    *prometheus.CounterVec
	jobRunsTotal            *prometheus.CounterVec
	jobDuration             *prometheus.HistogramVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Total number of webhook events by provider, type and outcome.",
		}, []string{"provider", "event_type", "status"}),

		webhookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_processing_duration_seconds",
			Help:      "End-to-end webhook processing latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "event_type"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_errors_total",
			Help:      "Total number of webhook processing errors.",
		}, []string{"provider", "error_type"}),

		stateTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_transitions_total",
			Help:      "Total number of subscription status transitions.",
		}, []string{"from", "to"}),

		unmatchedEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unmatched_events_total",
			Help:      "Events that referenced no known subscription or payment.",
		}, []string{"provider", "event_type"}),

		jobRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Total number of coordinator job runs by outcome.",
		}, []string{"job", "status"}),

		jobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Coordinator job execution latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
	}
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, status string) {
	m.webhookEventsTotal.WithLabelValues(provider, eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration) {
	m.webhookDuration.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, errorType string) {
	m.webhookErrorsTotal.WithLabelValues(provider, errorType).Inc()
}

func (m *Metrics) RecordStateTransition(from, to string) {
	m.stateTransitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordUnmatchedEvent(provider, eventType string) {
	m.unmatchedEventsTotal.WithLabelValues(provider, eventType).Inc()
}

func (m *Metrics) RecordJobRun(job, status string) {
	m.jobRunsTotal.WithLabelValues(job, status).Inc()
}

func (m *Metrics) RecordJobDuration(job string, duration time.Duration) {
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}
