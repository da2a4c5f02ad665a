// Package jobs implements the coordinator for the engine's scheduled
// work: a fixed catalog of named, idempotent operations that scan
// current state and perform due work. Each job is safe to invoke
// concurrently or repeatedly; a named lock serializes runners of the
// same job.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/paywelt/billingcore/pkg/engine"
)

// Job names accepted by Coordinator.Run.
const (
	JobScheduledReminders = "scheduled-reminders"
	JobCancellations      = "cancellations"
	JobCleanupAuth        = "cleanup-auth"
	JobCleanupSessions    = "cleanup-sessions"
	JobCleanupOTPs        = "cleanup-otps"
	JobCleanupPageViews   = "cleanup-pageviews"
	JobPayroll            = "payroll"
	JobDisputeMonitoring  = "dispute-monitoring"
	JobMonitorHealth      = "monitor-health"
	JobReconciliation     = "reconciliation"
	JobSalaryMode         = "salary-mode"
)

// ErrUnknownJob is returned for names outside the catalog.
var ErrUnknownJob = fmt.Errorf("unknown job")

// Result describes one job run. Counters carry job-specific counts
// (processed, sent, deleted, generated, ...); Errors collects per-item
// failures that did not abort the batch.
type Result struct {
	Job      string             `json:"job"`
	Counters map[string]int     `json:"counters"`
	Rates    map[string]float64 `json:"rates,omitempty"`
	Health   string             `json:"health,omitempty"`
	Errors   []string           `json:"errors,omitempty"`
	Duration time.Duration      `json:"-"`
}

func newResult(job string) *Result {
	return &Result{Job: job, Counters: make(map[string]int)}
}

func (r *Result) addError(err error) {
	r.Errors = append(r.Errors, err.Error())
}

// Notifier delivers reminder notifications. Delivery transport (email,
// push) is a collaborator, not part of the engine.
type Notifier interface {
	Deliver(ctx context.Context, r *engine.ScheduledReminder) error
}

// NoopNotifier accepts every delivery without doing anything.
type NoopNotifier struct{}

func (NoopNotifier) Deliver(context.Context, *engine.ScheduledReminder) error { return nil }

// AlertSink receives health alerts raised by monitor-health.
type AlertSink interface {
	RaiseAlert(ctx context.Context, level, message string) error
}

// NoopAlertSink swallows alerts.
type NoopAlertSink struct{}

func (NoopAlertSink) RaiseAlert(context.Context, string, string) error { return nil }

// Config configures a Coordinator.
type Config struct {
	// Locker serializes runs per job name (default: NewMemoryLocker)
	Locker Locker

	// Notifier delivers reminders (default: NoopNotifier)
	Notifier Notifier

	// Alerts receives health alerts (default: NoopAlertSink)
	Alerts AlertSink

	// Reporters provide provider-reported totals for reconciliation,
	// keyed by provider. Optional; reconciliation reports nothing for
	// providers without a reporter.
	Reporters map[engine.Provider]ProviderReporter

	// Retention windows for the cleanup jobs
	AuthTokenRetention time.Duration // default 30 days
	SessionRetention   time.Duration // default 30 days
	OTPRetention       time.Duration // default 24 hours
	PageViewRetention  time.Duration // default 90 days

	// DisputeWindow is the trailing window for dispute-monitoring
	// (default 90 days)
	DisputeWindow time.Duration

	// HealthWindow is the trailing window for monitor-health (default 24h)
	HealthWindow time.Duration

	// AlertCooldown suppresses repeat alerts (default 30 minutes)
	AlertCooldown time.Duration

	// ReporterTimeout bounds each external reporter call (default 8s)
	ReporterTimeout time.Duration

	// SalaryModePayments is the number of succeeded payments that
	// unlocks salary mode (default 3)
	SalaryModePayments int

	// SalaryModeWindow is the trailing window those payments must fall
	// in (default 180 days)
	SalaryModeWindow time.Duration

	// Logger is used for structured logging (default: NoopLogger)
	Logger engine.Logger

	// Metrics tracks job runs (default: NoopMetrics)
	Metrics engine.Metrics
}

func (c *Config) applyDefaults() {
	if c.Locker == nil {
		c.Locker = NewMemoryLocker()
	}
	if c.Notifier == nil {
		c.Notifier = NoopNotifier{}
	}
	if c.Alerts == nil {
		c.Alerts = NoopAlertSink{}
	}
	if c.AuthTokenRetention == 0 {
		c.AuthTokenRetention = 30 * 24 * time.Hour
	}
	if c.SessionRetention == 0 {
		c.SessionRetention = 30 * 24 * time.Hour
	}
	if c.OTPRetention == 0 {
		c.OTPRetention = 24 * time.Hour
	}
	if c.PageViewRetention == 0 {
		c.PageViewRetention = 90 * 24 * time.Hour
	}
	if c.DisputeWindow == 0 {
		c.DisputeWindow = 90 * 24 * time.Hour
	}
	if c.HealthWindow == 0 {
		c.HealthWindow = 24 * time.Hour
	}
	if c.AlertCooldown == 0 {
		c.AlertCooldown = 30 * time.Minute
	}
	if c.ReporterTimeout == 0 {
		c.ReporterTimeout = 8 * time.Second
	}
	if c.SalaryModePayments == 0 {
		c.SalaryModePayments = 3
	}
	if c.SalaryModeWindow == 0 {
		c.SalaryModeWindow = 180 * 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = &engine.NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &engine.NoopMetrics{}
	}
}

// Coordinator runs the job catalog over engine state.
type Coordinator struct {
	storage engine.Storage
	machine *engine.StateMachine
	config  Config
}

// NewCoordinator creates a coordinator over the given storage and state
// machine. The state machine is the only writer of subscription rows;
// jobs that transition subscriptions go through it.
func NewCoordinator(storage engine.Storage, machine *engine.StateMachine, config Config) *Coordinator {
	config.applyDefaults()
	return &Coordinator{storage: storage, machine: machine, config: config}
}

// Run executes one job. A zero now means wall clock; tests and operators
// inject an explicit instant to make time-dependent jobs deterministic.
// Overlapping runs of the same name are rejected with ErrJobLocked; the
// rejected caller yields because the holder completes the work.
func (c *Coordinator) Run(ctx context.Context, name string, now time.Time) (*Result, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	fn, ok := c.catalog()[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	release, err := c.config.Locker.Acquire(ctx, name)
	if err != nil {
		c.config.Metrics.RecordJobRun(name, "locked")
		return nil, err
	}
	defer release()

	start := time.Now()
	result := newResult(name)
	runErr := fn(ctx, now, result)
	result.Duration = time.Since(start)

	status := "ok"
	if runErr != nil {
		status = "error"
	}
	c.config.Metrics.RecordJobRun(name, status)
	c.config.Metrics.RecordJobDuration(name, result.Duration)
	c.config.Logger.Info("job run finished",
		engine.Field{Key: "job", Value: name},
		engine.Field{Key: "status", Value: status},
		engine.Field{Key: "counters", Value: result.Counters},
		engine.Field{Key: "duration_ms", Value: result.Duration.Milliseconds()},
	)
	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

type jobFunc func(ctx context.Context, now time.Time, res *Result) error

func (c *Coordinator) catalog() map[string]jobFunc {
	return map[string]jobFunc{
		JobScheduledReminders: c.runScheduledReminders,
		JobCancellations:      c.runCancellations,
		JobCleanupAuth:        c.cleanup(engine.DatasetAuthTokens, c.config.AuthTokenRetention),
		JobCleanupSessions:    c.cleanup(engine.DatasetSessions, c.config.SessionRetention),
		JobCleanupOTPs:        c.cleanup(engine.DatasetOTPs, c.config.OTPRetention),
		JobCleanupPageViews:   c.cleanup(engine.DatasetPageViews, c.config.PageViewRetention),
		JobPayroll:            c.runPayroll,
		JobDisputeMonitoring:  c.runDisputeMonitoring,
		JobMonitorHealth:      c.runMonitorHealth,
		JobReconciliation:     c.runReconciliation,
		JobSalaryMode:         c.runSalaryMode,
	}
}

// Catalog returns the job names this coordinator accepts.
func (c *Coordinator) Catalog() []string {
	names := make([]string, 0)
	for name := range c.catalog() {
		names = append(names, name)
	}
	return names
}
