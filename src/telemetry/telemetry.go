// Package telemetry holds the OpenTelemetry instruments used by the job engine.
// Without a configured provider every instrument is a noop.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "wholesync"

// Metrics holds the job engine metric instruments.
type Metrics struct {
	jobsStarted  metric.Int64Counter
	jobsFinished metric.Int64Counter
	items        metric.Int64Counter
	itemDuration metric.Float64Histogram
	httpRetries  metric.Int64Counter
}

// NewMetrics creates the instruments on mp. A nil provider yields noop instruments.
func NewMetrics(mp metric.MeterProvider) *Metrics {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	m := &Metrics{}

	var err error
	m.jobsStarted, err = meter.Int64Counter(
		"jobs.started",
		metric.WithDescription("Jobs that reached the running state"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		m.jobsStarted, _ = meter.Int64Counter("jobs.started")
	}

	m.jobsFinished, err = meter.Int64Counter(
		"jobs.finished",
		metric.WithDescription("Jobs that reached a terminal state"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		m.jobsFinished, _ = meter.Int64Counter("jobs.finished")
	}

	m.items, err = meter.Int64Counter(
		"jobs.items",
		metric.WithDescription("Per-item outcomes recorded on job ledgers"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		m.items, _ = meter.Int64Counter("jobs.items")
	}

	m.itemDuration, err = meter.Float64Histogram(
		"jobs.item.duration",
		metric.WithDescription("Time spent processing one unit of a job"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		m.itemDuration, _ = meter.Float64Histogram("jobs.item.duration")
	}

	m.httpRetries, err = meter.Int64Counter(
		"http.retries",
		metric.WithDescription("Marketplace requests resent after a rate limit or transport failure"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.httpRetries, _ = meter.Int64Counter("http.retries")
	}

	return m
}

// NewNoopMetrics returns instruments that record nothing.
func NewNoopMetrics() *Metrics {
	return NewMetrics(nil)
}

func (m *Metrics) JobStarted(ctx context.Context, jobType string) {
	m.jobsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("job.type", jobType)))
}

func (m *Metrics) JobFinished(ctx context.Context, jobType, status string) {
	m.jobsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job.type", jobType),
		attribute.String("job.status", status),
	))
}

func (m *Metrics) ItemRecorded(ctx context.Context, jobType, status string, took time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("job.type", jobType),
		attribute.String("item.status", status),
	)
	m.items.Add(ctx, 1, attrs)
	if took > 0 {
		m.itemDuration.Record(ctx, float64(took.Milliseconds()), attrs)
	}
}

// Retry counts one resend; reason is "rate_limit" or "transport".
func (m *Metrics) Retry(ctx context.Context, reason string) {
	m.httpRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("retry.reason", reason)))
}

// Tracer returns a tracer from tp, or a noop tracer when tp is nil.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = tracenoop.NewTracerProvider()
	}
	return tp.Tracer(instrumentationName)
}
