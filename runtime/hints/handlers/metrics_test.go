package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/capflow/runtime/caperr"
	"goa.design/capflow/runtime/chain"
	"goa.design/capflow/runtime/hints"
	"goa.design/capflow/runtime/telemetry"
)

func TestMetricsPassThrough(t *testing.T) {
	t.Parallel()

	h := newHarness(t, NewMetrics())
	rec := telemetry.NewRecorder()
	h.ec.Metrics = rec

	out, err := h.run("X", hints.Hints{hints.KeyMetrics: nil})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	h.exec.push(errBoom)
	_, err = h.run("X", hints.Hints{hints.KeyMetrics: map[string]any{"label": "weather"}})
	require.ErrorIs(t, err, errBoom)

	assert.Equal(t, 1.0, rec.Counter(telemetry.MetricHintCalls, "capability", "X", "outcome", "success"))
	assert.Equal(t, 1.0, rec.Counter(telemetry.MetricHintCalls, "capability", "weather", "outcome", "failure"))
	assert.Len(t, rec.Timers(telemetry.MetricHintDuration, "capability", "X", "outcome", "success"), 1)

	recorded := h.ledger.Query(chain.Query{Type: chain.ActionHintApplied})
	require.Len(t, recorded, 2)
	assert.Equal(t, "metrics:success", recorded[0].Metadata[chain.MetaHint])
	assert.Equal(t, "metrics:failure", recorded[1].Metadata[chain.MetaHint])
	assert.Equal(t, string(caperr.KindInvocationFailure), recorded[1].Metadata[chain.MetaErrorCategory])
}

func TestMetricsWithoutChainEmission(t *testing.T) {
	t.Parallel()

	h := newHarness(t, NewMetrics())
	_, err := h.run("X", hints.Hints{hints.KeyMetrics: map[string]any{"emit-to-chain": false}})
	require.NoError(t, err)
	assert.Zero(t, h.ledger.Len())
}

func TestMetricsValidate(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	require.NoError(t, m.Validate(nil))
	require.Error(t, m.Validate(map[string]any{"emit-to-chain": "yes"}))
}
