// Package telemetry defines the logging, metrics and tracing contracts used by
// the capability pipeline, together with Clue/OpenTelemetry backed and no-op
// implementations.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger captures structured logging. keyvals are alternating keys and
	// values.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers and gauges. tags are alternating
	// dimension names and values.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer abstracts span creation.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span is an in-flight tracing span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Metric names emitted by the pipeline.
const (
	MetricCalls         = "capflow.calls"
	MetricDuration      = "capflow.duration"
	MetricHintDuration  = "capflow.hint.metrics.duration"
	MetricHintCalls     = "capflow.hint.metrics.calls"
	MetricCircuitStatus = "capflow.circuit.status"
	MetricRejections    = "capflow.rejections"
)
