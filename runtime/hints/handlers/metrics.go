package handlers

import (
	"context"
	"time"

	"goa.design/capflow/runtime/capability"
	"goa.design/capflow/runtime/caperr"
	"goa.design/capflow/runtime/chain"
	"goa.design/capflow/runtime/hints"
	"goa.design/capflow/runtime/telemetry"
)

const metricsSchema = `{
	"type": "object",
	"properties": {
		"label": {"type": "string", "minLength": 1},
		"emit-to-chain": {"type": "boolean"}
	}
}`

// Metrics is a pass-through handler timing the rest of the chain. It never
// alters the result; only a fatal ledger error can surface from it.
type Metrics struct {
	base
	now func() time.Time
}

// NewMetrics returns a metrics handler for runtime.learning.metrics hints.
func NewMetrics() *Metrics {
	return &Metrics{
		base: base{
			key:         hints.KeyMetrics,
			priority:    PriorityMetrics,
			description: "Records call timing and outcome",
			schema:      hints.MustCompileSchema("metrics", metricsSchema),
		},
		now: time.Now,
	}
}

// Validate implements hints.Handler.
func (m *Metrics) Validate(v any) error {
	_, err := m.validate(v)
	return err
}

// Apply implements hints.Handler.
func (m *Metrics) Apply(ctx context.Context, call *capability.Call, v any, ec hints.ExecutionContext, next hints.Next) (any, error) {
	id := string(call.CapabilityID)
	p, err := m.validate(v)
	if err != nil {
		return nil, caperr.Wrap(caperr.KindPolicyRejection, id, err, "")
	}
	label, _ := p.String("label", id)
	emit, _ := p.Bool("emit-to-chain", true)

	start := m.now()
	res, err := next(ctx)
	elapsed := m.now().Sub(start)

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	ec.Stats().RecordTimer(telemetry.MetricHintDuration, elapsed, "capability", label, "outcome", outcome)
	ec.Stats().IncCounter(telemetry.MetricHintCalls, 1, "capability", label, "outcome", outcome)

	if emit {
		meta := map[string]any{
			"label":       label,
			"duration_ms": float64(elapsed.Microseconds()) / 1000,
		}
		if err != nil {
			meta[chain.MetaErrorCategory] = string(caperr.KindOf(err))
		}
		if rerr := ec.Record(ctx, call, "metrics:"+outcome, meta); rerr != nil && caperr.IsFatal(rerr) {
			return nil, rerr
		}
	}
	return res, err
}
