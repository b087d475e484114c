// Package telemetry defines the observability seams of the execution core:
// structured logging, metrics, and tracing interfaces with clue/OTEL-backed
// and no-op implementations. Handlers receive these instead of concrete
// providers so tests run silent.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Metric names recorded by the coordinator.
const (
	MetricProcessesStarted   = "ratio.processes.started"
	MetricProcessesCompleted = "ratio.processes.completed"
	MetricProcessesFailed    = "ratio.processes.failed"
	MetricEventsHandled      = "ratio.events.handled"
	MetricHandlerDuration    = "ratio.handler.duration"
)

type (
	// Logger emits structured log messages.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers, and gauges.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer starts and retrieves spans.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span is a minimal span handle.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)
