package telemetry

import (
	"context"
	"time"
)

// Metrics records operational counters and durations with variadic key-value
// labels (k1, v1, k2, v2, ...). The engine reports stage and workflow timings
// through it; binaries back it with the log-based reporter while tests use
// the no-op.
type Metrics interface {
	Count(ctx context.Context, name string, delta int64, keyvals ...any)
	Duration(ctx context.Context, name string, d time.Duration, keyvals ...any)
}

// NoopMetrics discards all measurements.
type NoopMetrics struct{}

// NewNoopMetrics constructs a Metrics that discards all measurements.
func NewNoopMetrics() Metrics {
	return NoopMetrics{}
}

// Count discards the measurement.
func (NoopMetrics) Count(context.Context, string, int64, ...any) {}

// Duration discards the measurement.
func (NoopMetrics) Duration(context.Context, string, time.Duration, ...any) {}

// LogMetrics reports measurements as structured log lines, one per
// measurement, so they can be scraped from the log stream.
type LogMetrics struct {
	logger Logger
}

// NewLogMetrics constructs a Metrics that reports through the given logger.
func NewLogMetrics(logger Logger) Metrics {
	if logger == nil {
		logger = NewNoopLogger()
	}
	return LogMetrics{logger: logger}
}

// Count reports a counter increment.
func (m LogMetrics) Count(ctx context.Context, name string, delta int64, keyvals ...any) {
	kvs := append([]any{"metric", name, "delta", delta}, keyvals...)
	m.logger.Info(ctx, "metric", kvs...)
}

// Duration reports an elapsed-time measurement in seconds.
func (m LogMetrics) Duration(ctx context.Context, name string, d time.Duration, keyvals ...any) {
	kvs := append([]any{"metric", name, "seconds", d.Seconds()}, keyvals...)
	m.logger.Info(ctx, "metric", kvs...)
}
