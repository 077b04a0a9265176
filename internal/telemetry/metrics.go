package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// JobMetrics records sub-agent job activity through the global meter provider.
type JobMetrics struct {
	submitted metric.Int64Counter
	completed metric.Int64Counter
	duration  metric.Float64Histogram
}

// NewJobMetrics creates the job instruments on the "storyloom/jobs" meter.
func NewJobMetrics() (*JobMetrics, error) {
	meter := otel.Meter("storyloom/jobs")

	submitted, err := meter.Int64Counter(
		"storyloom.jobs.submitted",
		metric.WithDescription("Background jobs accepted by the manager"),
	)
	if err != nil {
		return nil, err
	}

	completed, err := meter.Int64Counter(
		"storyloom.jobs.completed",
		metric.WithDescription("Background jobs that reached a terminal status"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"storyloom.jobs.duration",
		metric.WithDescription("Wall time between start and finish of a job"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &JobMetrics{
		submitted: submitted,
		completed: completed,
		duration:  duration,
	}, nil
}

// JobSubmitted counts one accepted submission for role.
func (m *JobMetrics) JobSubmitted(ctx context.Context, role string) {
	if m == nil {
		return
	}
	m.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// JobFinished counts a terminal job. errorKind is empty for successes and
// "command" or "unexpected" for failures.
func (m *JobMetrics) JobFinished(ctx context.Context, role, status, errorKind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("status", status),
		attribute.String("error_kind", errorKind),
	)
	m.completed.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}
