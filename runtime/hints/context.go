package hints

import (
	"context"
	"errors"
	"maps"

	"goa.design/capflow/runtime/capability"
	"goa.design/capflow/runtime/caperr"
	"goa.design/capflow/runtime/chain"
	"goa.design/capflow/runtime/telemetry"
)

// ExecutionContext bundles the collaborators shared by every handler of one
// call. It is passed by value; copies share the underlying ledger, executor
// and telemetry.
type ExecutionContext struct {
	// Ledger receives the audit actions recorded by handlers. Optional.
	Ledger *chain.Ledger
	// Executor is the terminal capability executor. Required.
	Executor capability.Executor
	// Policy holds the process-wide hint ceilings. The registry sets it.
	Policy Policy
	// Logger and Metrics default to no-op implementations when nil.
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	// ParentID is the ledger action of the call being executed. Handler
	// actions are recorded as its children.
	ParentID string
	// PlanID, IntentID and SessionID scope recorded actions.
	PlanID    string
	IntentID  string
	SessionID string
}

// ErrNoExecutor is returned when an ExecutionContext has no executor.
var ErrNoExecutor = errors.New("execution context has no executor")

type abandonScopeKey struct{}

// WithAbandonScope marks ctx as the scope of a call its caller stops waiting
// for once ctx is done. Record drops actions for ended scopes so an abandoned
// call never writes to the ledger.
func WithAbandonScope(ctx context.Context) context.Context {
	return context.WithValue(ctx, abandonScopeKey{}, true)
}

// Abandoned reports whether ctx belongs to an abandon scope that has ended.
func Abandoned(ctx context.Context) bool {
	scoped, _ := ctx.Value(abandonScopeKey{}).(bool)
	return scoped && ctx.Err() != nil
}

// WithParent returns a copy of ec recording under parent.
func (ec ExecutionContext) WithParent(parent string) ExecutionContext {
	ec.ParentID = parent
	return ec
}

// Log returns the context logger or a no-op logger.
func (ec ExecutionContext) Log() telemetry.Logger {
	if ec.Logger == nil {
		return telemetry.NoopLogger{}
	}
	return ec.Logger
}

// Stats returns the context metrics recorder or a no-op recorder.
func (ec ExecutionContext) Stats() telemetry.Metrics {
	if ec.Metrics == nil {
		return telemetry.NoopMetrics{}
	}
	return ec.Metrics
}

// Execute runs call on the terminal executor. Errors that are not already
// classified are reported as invocation failures wrapping the executor
// error.
func (ec ExecutionContext) Execute(ctx context.Context, call *capability.Call) (any, error) {
	if ec.Executor == nil {
		return nil, ErrNoExecutor
	}
	v, err := ec.Executor.Execute(ctx, call)
	if err == nil {
		return v, nil
	}
	var ce *caperr.Error
	if errors.As(err, &ce) {
		return nil, err
	}
	return nil, caperr.InvocationFailure(string(call.CapabilityID), err)
}

// Record appends a hint-applied action tagged with tag under the current
// parent. meta is merged into the action metadata. Record is a no-op without
// a ledger and logs instead of appending once ctx is abandoned. Any ledger
// failure is returned as a chain integrity error.
func (ec ExecutionContext) Record(ctx context.Context, call *capability.Call, tag string, meta map[string]any) error {
	if ec.Ledger == nil {
		return nil
	}
	if Abandoned(ctx) {
		ec.Log().Debug(ctx, "dropped hint record of abandoned call", "hint", tag)
		return nil
	}
	md := make(map[string]any, len(meta)+1)
	maps.Copy(md, meta)
	md[chain.MetaHint] = tag
	a := &chain.Action{
		Type:      chain.ActionHintApplied,
		ParentID:  ec.ParentID,
		PlanID:    ec.PlanID,
		IntentID:  ec.IntentID,
		SessionID: ec.SessionID,
		Metadata:  md,
	}
	if call != nil {
		a.CapabilityID = string(call.CapabilityID)
	}
	if _, err := ec.Ledger.Append(ctx, a); err != nil {
		if caperr.IsFatal(err) {
			return err
		}
		return caperr.ChainIntegrity(err, "record %q", tag)
	}
	return nil
}
