// Package telemetry defines the logging and metrics seams used throughout
// the orchestrator. Components depend on the small Logger and Metrics
// interfaces; production wiring delegates to goa.design/clue/log and OTEL
// while tests use the no-op implementations.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger emits structured log records with key-value pairs.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and timers for run and node instrumentation.
	// Tags are flat key-value string pairs (k1, v1, k2, v2, ...).
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// NopLogger discards all log records.
	NopLogger struct{}

	// NopMetrics discards all measurements.
	NopMetrics struct{}
)

// Metric names emitted by the engine and coordinator.
const (
	// MetricNodeCompleted counts completed plan nodes, tagged by kind.
	MetricNodeCompleted = "flex.node.completed"
	// MetricNodeLatency times node execution, tagged by kind.
	MetricNodeLatency = "flex.node.latency"
	// MetricRunCompleted counts terminal runs, tagged by status.
	MetricRunCompleted = "flex.run.completed"
	// MetricReplanCount counts re-plan rounds, tagged by reason.
	MetricReplanCount = "flex.replan.count"
)

// Debug implements Logger.
func (NopLogger) Debug(context.Context, string, ...any) {}

// Info implements Logger.
func (NopLogger) Info(context.Context, string, ...any) {}

// Warn implements Logger.
func (NopLogger) Warn(context.Context, string, ...any) {}

// Error implements Logger.
func (NopLogger) Error(context.Context, string, ...any) {}

// IncCounter implements Metrics.
func (NopMetrics) IncCounter(string, float64, ...string) {}

// RecordTimer implements Metrics.
func (NopMetrics) RecordTimer(string, time.Duration, ...string) {}
