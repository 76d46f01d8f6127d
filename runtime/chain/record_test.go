package chain

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordsRestoreIntoVerifiedLedger(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := New()
	callID, err := src.Append(ctx, &Action{
		Type:         ActionCapabilityCall,
		CapabilityID: "weather.get",
		FunctionName: "weather.get",
		SessionID:    "s-1",
		Arguments:    []any{"Paris", 3, map[string]any{"units": "metric", "days": int64(1 << 40)}},
		Metadata:     map[string]any{"hints": []any{"runtime.learning.retry"}},
		Cost:         0.25,
	})
	require.NoError(t, err)
	_, err = src.Append(ctx, &Action{
		Type:     ActionHintApplied,
		ParentID: callID,
		Metadata: map[string]any{MetaHint: "retry:attempt 2", MetaAttempt: 2},
	})
	require.NoError(t, err)
	_, err = src.Append(ctx, &Action{Type: ActionInternalStep, Metadata: map[string]any{}})
	require.NoError(t, err)
	res := Success(map[string]any{"temp": 21.5, "sky": "clear"})
	res.Duration = 1500 * time.Microsecond
	res.Cost = 0.1
	require.NoError(t, src.RecordResult(ctx, callID, res))

	var restored []Action
	for _, a := range src.Actions() {
		rec, err := NewRecord(a)
		require.NoError(t, err)
		raw, err := json.Marshal(rec)
		require.NoError(t, err)
		var decoded Record
		require.NoError(t, json.Unmarshal(raw, &decoded))
		back, err := decoded.Action()
		require.NoError(t, err)
		restored = append(restored, back)
	}

	dst := New()
	require.NoError(t, dst.Restore(restored))
	require.NoError(t, dst.VerifyIntegrity())
	assert.Equal(t, src.Head(), dst.Head())
	assert.InDelta(t, src.TotalCost(), dst.TotalCost(), 1e-9)

	m, ok := dst.CapabilityMetrics("weather.get")
	require.True(t, ok)
	assert.Equal(t, uint64(1), m.SuccessfulCalls)
	assert.Len(t, dst.Children(callID), 1)

	got, _ := dst.Get(callID)
	assert.Equal(t, src.Actions()[0].Timestamp.UnixNano(), got.Timestamp.UnixNano())
	assert.Equal(t, json.Number("1099511627776"), got.Arguments[2].(map[string]any)["days"])
}

func TestRestoreDetectsTamperedRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := New()
	id, err := src.Append(ctx, &Action{Type: ActionCapabilityCall, CapabilityID: "pay", Arguments: []any{100}})
	require.NoError(t, err)
	require.NoError(t, src.RecordResult(ctx, id, Success("done")))

	rec, err := NewRecord(src.Actions()[0])
	require.NoError(t, err)
	rec.Arguments = json.RawMessage(`[1000]`)
	a, err := rec.Action()
	require.NoError(t, err)
	err = New().Restore([]Action{a})
	require.Error(t, err)

	rec, err = NewRecord(src.Actions()[0])
	require.NoError(t, err)
	rec.Result.Value = json.RawMessage(`"refunded"`)
	a, err = rec.Action()
	require.NoError(t, err)
	err = New().Restore([]Action{a})
	require.Error(t, err)
}

func TestRecordEncodesUnsupportedValues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := New()
	ch := make(chan int)
	_, err := l.Append(ctx, &Action{Type: ActionInternalStep, Arguments: []any{ch}, Metadata: map[string]any{"err": errors.New("x")}})
	require.NoError(t, err)

	rec, err := NewRecord(l.Actions()[0])
	require.NoError(t, err)
	a, err := rec.Action()
	require.NoError(t, err)
	require.NoError(t, New().Restore([]Action{a}))
}
