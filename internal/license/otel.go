package license

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	TracerName = "license-manager"
	MeterName  = "license-manager"
)

// Metrics holds the license lifecycle OpenTelemetry instruments.
type Metrics struct {
	IssueAttempts metric.Int64Counter
	IssueSuccess  metric.Int64Counter
	IssueFailures metric.Int64Counter
	IssueDuration metric.Float64Histogram
	KeyCollisions metric.Int64Counter

	VerifyAttempts metric.Int64Counter
	VerifyOutcomes metric.Int64Counter
	VerifyDuration metric.Float64Histogram
	ExpiredPurged  metric.Int64Counter
}

// NewMetrics registers the license instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.IssueAttempts, err = meter.Int64Counter("license_issue_attempts_total",
		metric.WithDescription("Total license issuance attempts")); err != nil {
		return nil, err
	}
	if m.IssueSuccess, err = meter.Int64Counter("license_issue_success_total",
		metric.WithDescription("Successful license issuances")); err != nil {
		return nil, err
	}
	if m.IssueFailures, err = meter.Int64Counter("license_issue_failures_total",
		metric.WithDescription("Failed license issuances")); err != nil {
		return nil, err
	}
	if m.IssueDuration, err = meter.Float64Histogram("license_issue_duration_seconds",
		metric.WithDescription("License issuance latency"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.KeyCollisions, err = meter.Int64Counter("license_key_collisions_total",
		metric.WithDescription("Generated keys rejected by the store as duplicates")); err != nil {
		return nil, err
	}
	if m.VerifyAttempts, err = meter.Int64Counter("license_verify_attempts_total",
		metric.WithDescription("Total license verification attempts")); err != nil {
		return nil, err
	}
	if m.VerifyOutcomes, err = meter.Int64Counter("license_verify_outcomes_total",
		metric.WithDescription("License verification outcomes by status")); err != nil {
		return nil, err
	}
	if m.VerifyDuration, err = meter.Float64Histogram("license_verify_duration_seconds",
		metric.WithDescription("License verification latency"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.ExpiredPurged, err = meter.Int64Counter("license_expired_purged_total",
		metric.WithDescription("Expired licenses removed from the store")); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) recordIssue(ctx context.Context, start time.Time, err error) {
	if m == nil {
		return
	}
	m.IssueAttempts.Add(ctx, 1)
	if err != nil {
		m.IssueFailures.Add(ctx, 1)
	} else {
		m.IssueSuccess.Add(ctx, 1)
	}
	m.IssueDuration.Record(ctx, time.Since(start).Seconds())
}

func (m *Metrics) recordVerify(ctx context.Context, start time.Time, status VerifyStatus) {
	if m == nil {
		return
	}
	m.VerifyAttempts.Add(ctx, 1)
	m.VerifyOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status.String()),
	))
	m.VerifyDuration.Record(ctx, time.Since(start).Seconds())
}

func (m *Metrics) recordCollision(ctx context.Context) {
	if m == nil {
		return
	}
	m.KeyCollisions.Add(ctx, 1)
}

func (m *Metrics) recordPurged(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ExpiredPurged.Add(ctx, int64(n))
}
