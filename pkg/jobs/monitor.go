package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/paywelt/billingcore/pkg/engine"
)

// Card-network compliance thresholds for the dispute ratio.
const (
	DisputeRatioStandard  = 0.0075
	DisputeRatioExcessive = 0.015
)

// Health levels reported by monitor-health.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthCritical = "critical"
)

const healthAlertName = "system-health"

// runDisputeMonitoring computes dispute, fraud and refund rates over the
// trailing window and compares them to the compliance thresholds. It is
// observability, not enforcement: it reports, never blocks processing.
func (c *Coordinator) runDisputeMonitoring(ctx context.Context, now time.Time, res *Result) error {
	payments, err := c.storage.ListPayments(ctx, "", now.Add(-c.config.DisputeWindow), now.Add(time.Second))
	if err != nil {
		return err
	}

	total := len(payments)
	disputed, fraud, refunded := 0, 0, 0
	for _, p := range payments {
		switch p.Status {
		case engine.PaymentDisputed:
			disputed++
			if p.DisputeReason == "fraudulent" {
				fraud++
			}
		case engine.PaymentRefunded:
			refunded++
		}
	}

	res.Counters["payments"] = total
	res.Counters["disputed"] = disputed
	res.Counters["refunded"] = refunded

	res.Rates = map[string]float64{
		"dispute_ratio": ratio(disputed, total),
		"fraud_rate":    ratio(fraud, total),
		"refund_rate":   ratio(refunded, total),
	}

	switch {
	case res.Rates["dispute_ratio"] >= DisputeRatioExcessive:
		res.Health = "excessive"
	case res.Rates["dispute_ratio"] >= DisputeRatioStandard:
		res.Health = "elevated"
	default:
		res.Health = "normal"
	}
	return nil
}

// runMonitorHealth evaluates aggregate pipeline health and conditionally
// raises an alert. Alerting has a cooldown: a second run inside the
// window stays quiet even if the condition persists.
func (c *Coordinator) runMonitorHealth(ctx context.Context, now time.Time, res *Result) error {
	stats, err := c.storage.EventStats(ctx, now.Add(-c.config.HealthWindow))
	if err != nil {
		return err
	}

	res.Counters["processed"] = stats.Processed
	res.Counters["failed"] = stats.Failed
	res.Counters["skipped"] = stats.Skipped
	res.Counters["pending"] = stats.Pending

	total := stats.Processed + stats.Failed + stats.Skipped
	failureRate := ratio(stats.Failed, total)

	switch {
	case failureRate >= 0.25 || stats.Pending >= 100:
		res.Health = HealthCritical
	case failureRate >= 0.05 || stats.Pending >= 25:
		res.Health = HealthDegraded
	default:
		res.Health = HealthHealthy
	}

	if res.Health == HealthHealthy {
		return nil
	}

	lastAlert, err := c.storage.LastAlertAt(ctx, healthAlertName)
	if err != nil {
		return err
	}
	if !lastAlert.IsZero() && now.Sub(lastAlert) < c.config.AlertCooldown {
		res.Counters["alert_suppressed"] = 1
		return nil
	}

	msg := fmt.Sprintf("system %s: failure rate %.1f%%, %d pending events",
		res.Health, failureRate*100, stats.Pending)
	if err := c.config.Alerts.RaiseAlert(ctx, res.Health, msg); err != nil {
		res.addError(err)
		return nil
	}
	if err := c.storage.SetLastAlertAt(ctx, healthAlertName, now); err != nil {
		return err
	}
	res.Counters["alerted"] = 1
	return nil
}

func ratio(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total)
}
