package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

const instrumentationName = "goa.design/capflow"

type (
	// ClueLogger delegates to goa.design/clue/log. Formatting and debug
	// settings are read from the context (log.Context, log.WithFormat,
	// log.WithDebug).
	ClueLogger struct{}

	// OtelMetrics records metrics with the global OpenTelemetry meter.
	// Instruments are created lazily and reused.
	OtelMetrics struct {
		meter      metric.Meter
		counters   sync.Map // name -> metric.Float64Counter
		histograms sync.Map // name -> metric.Float64Histogram
		gauges     sync.Map // name -> metric.Float64Gauge
	}

	// OtelTracer starts spans with the global OpenTelemetry tracer.
	OtelTracer struct {
		tracer trace.Tracer
	}

	otelSpan struct {
		span trace.Span
	}
)

// NewClueLogger returns a Logger backed by Clue.
func NewClueLogger() Logger {
	return ClueLogger{}
}

// NewOtelMetrics returns a Metrics recorder using the global MeterProvider.
// Configure the provider with otel.SetMeterProvider before recording.
func NewOtelMetrics() Metrics {
	return &OtelMetrics{meter: otel.Meter(instrumentationName)}
}

// NewOtelTracer returns a Tracer using the global TracerProvider.
func NewOtelTracer() Tracer {
	return &OtelTracer{tracer: otel.Tracer(instrumentationName)}
}

// Debug logs at debug level.
func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fielders(msg, keyvals)...)
}

// Info logs at info level.
func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fielders(msg, keyvals)...)
}

// Warn logs at warning level.
func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, fielders(msg, keyvals)...)
}

// Error logs at error level. An error value found under the "err" key is
// passed to Clue as the logged error.
func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	var err error
	for i := 0; i+1 < len(keyvals); i += 2 {
		if k, ok := keyvals[i].(string); ok && k == "err" {
			if e, ok := keyvals[i+1].(error); ok {
				err = e
			}
		}
	}
	log.Error(ctx, err, fielders(msg, keyvals)...)
}

// IncCounter adds value to the named counter.
func (m *OtelMetrics) IncCounter(name string, value float64, tags ...string) {
	c, ok := m.counters.Load(name)
	if !ok {
		counter, err := m.meter.Float64Counter(name)
		if err != nil {
			return
		}
		c, _ = m.counters.LoadOrStore(name, counter)
	}
	c.(metric.Float64Counter).Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordTimer records duration in seconds on the named histogram.
func (m *OtelMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	h, ok := m.histograms.Load(name)
	if !ok {
		hist, err := m.meter.Float64Histogram(name, metric.WithUnit("s"))
		if err != nil {
			return
		}
		h, _ = m.histograms.LoadOrStore(name, hist)
	}
	h.(metric.Float64Histogram).Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordGauge sets the named gauge to value.
func (m *OtelMetrics) RecordGauge(name string, value float64, tags ...string) {
	g, ok := m.gauges.Load(name)
	if !ok {
		gauge, err := m.meter.Float64Gauge(name)
		if err != nil {
			return
		}
		g, _ = m.gauges.LoadOrStore(name, gauge)
	}
	g.(metric.Float64Gauge).Record(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// Start starts a span.
func (t *OtelTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name, opts...)
	return ctx, otelSpan{span: span}
}

func (s otelSpan) End(opts ...trace.SpanEndOption) {
	s.span.End(opts...)
}

func (s otelSpan) AddEvent(name string, attrs ...any) {
	s.span.AddEvent(name, trace.WithAttributes(kvToAttrs(attrs)...))
}

func (s otelSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

func (s otelSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}

// fielders converts a message and alternating key/values into Clue fields.
// Non-string keys are skipped; a dangling key is paired with nil.
func fielders(msg string, keyvals []any) []log.Fielder {
	fs := make([]log.Fielder, 0, 1+len(keyvals)/2)
	fs = append(fs, log.KV{K: "msg", V: msg})
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		fs = append(fs, log.KV{K: k, V: v})
	}
	return fs
}

func tagsToAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2+1)
	for i := 0; i < len(tags); i += 2 {
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(tags[i], v))
	}
	return attrs
}

func kvToAttrs(keyvals []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(keyvals)/2+1)
	for i := 0; i < len(keyvals); i += 2 {
		k, _ := keyvals[i].(string)
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		case time.Duration:
			attrs = append(attrs, attribute.Int64(k, val.Milliseconds()))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprint(val)))
		}
	}
	return attrs
}
