// Package invoker is the entry point of the capability pipeline. An Invoker
// records each call in the causal chain, runs it under the hint handlers
// applicable to it and finalizes the recorded action with the outcome.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/capflow/runtime/capability"
	"goa.design/capflow/runtime/caperr"
	"goa.design/capflow/runtime/chain"
	"goa.design/capflow/runtime/hints"
	"goa.design/capflow/runtime/telemetry"
)

// MetadataHints is the call metadata key Execute reads hints from.
const MetadataHints = "hints"

type (
	// Invoker executes capability calls under hints and records them.
	Invoker struct {
		ledger   *chain.Ledger
		registry *hints.Registry
		executor capability.Executor
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		tracer   telemetry.Tracer
		now      func() time.Time
		cost     func(call *capability.Call, value any) float64
		redact   bool
	}

	// Option configures an Invoker.
	Option func(*Invoker)

	// Scope identifies the plan, intent and session calls belong to and the
	// action that caused them.
	Scope struct {
		PlanID    string
		IntentID  string
		SessionID string
		ParentID  string
	}

	scopeKey struct{}
)

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(i *Invoker) { i.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(i *Invoker) { i.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(i *Invoker) { i.tracer = t }
}

// WithClock sets the clock used to measure call durations.
func WithClock(now func() time.Time) Option {
	return func(i *Invoker) { i.now = now }
}

// WithCost sets the function attributing a cost to successful calls.
func WithCost(fn func(call *capability.Call, value any) float64) Option {
	return func(i *Invoker) { i.cost = fn }
}

// WithRedactedArguments omits call arguments from recorded actions.
func WithRedactedArguments() Option {
	return func(i *Invoker) { i.redact = true }
}

// New returns an Invoker recording into ledger, applying the handlers of
// registry and executing calls with executor.
func New(ledger *chain.Ledger, registry *hints.Registry, executor capability.Executor, opts ...Option) (*Invoker, error) {
	if ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	i := &Invoker{
		ledger:   ledger,
		registry: registry,
		executor: executor,
		logger:   telemetry.NoopLogger{},
		metrics:  telemetry.NoopMetrics{},
		tracer:   telemetry.NoopTracer{},
		now:      time.Now,
	}
	for _, o := range opts {
		o(i)
	}
	return i, nil
}

// WithScope returns a context carrying s. Calls executed with the returned
// context are recorded under s.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom returns the scope carried by ctx.
func ScopeFrom(ctx context.Context) Scope {
	s, _ := ctx.Value(scopeKey{}).(Scope)
	return s
}

// Ledger returns the ledger the invoker records into.
func (i *Invoker) Ledger() *chain.Ledger {
	return i.ledger
}

// Execute runs call with the hints found in its metadata under
// MetadataHints.
func (i *Invoker) Execute(ctx context.Context, call *capability.Call) (any, error) {
	if call == nil {
		return nil, errors.New("call is required")
	}
	var hs hints.Hints
	if raw, ok := call.Metadata[MetadataHints]; ok {
		switch v := raw.(type) {
		case hints.Hints:
			hs = v
		case map[string]any:
			hs = hints.Hints(v)
		case nil:
		default:
			return nil, caperr.PolicyRejection(string(call.CapabilityID), "call metadata %q must be a map, got %T", MetadataHints, raw)
		}
	}
	return i.ExecuteWithHints(ctx, call, hs)
}

// ExecuteWithHints records call in the ledger, runs it under the handlers
// selected by hs and finalizes the recorded action with the outcome. Domain
// failures are recorded and returned; only chain integrity errors abort
// recording.
func (i *Invoker) ExecuteWithHints(ctx context.Context, call *capability.Call, hs hints.Hints) (any, error) {
	if call == nil {
		return nil, errors.New("call is required")
	}
	id := string(call.CapabilityID)
	scope := ScopeFrom(ctx)
	ctx, span := i.tracer.Start(ctx, "capflow.execute", trace.WithAttributes(
		attribute.String("capflow.capability", id),
		attribute.Int("capflow.hints", len(hs)),
	))
	defer span.End()

	action := &chain.Action{
		Type:         chain.ActionCapabilityCall,
		ParentID:     scope.ParentID,
		PlanID:       scope.PlanID,
		IntentID:     scope.IntentID,
		SessionID:    scope.SessionID,
		CapabilityID: id,
		FunctionName: id,
	}
	if !i.redact {
		action.Arguments = call.Args
	}
	if len(hs) > 0 {
		keys := make([]any, 0, len(hs))
		for _, k := range sortedKeys(hs) {
			keys = append(keys, k)
		}
		action.Metadata = map[string]any{MetadataHints: keys}
	}
	start := i.now()
	callID, err := i.ledger.Append(ctx, action)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record call")
		if !caperr.IsFatal(err) && !errors.Is(err, chain.ErrUnknownParent) {
			err = caperr.ChainIntegrity(err, "record call to %s", id)
		}
		return nil, err
	}

	ec := hints.ExecutionContext{
		Ledger:    i.ledger,
		Executor:  i.executor,
		Logger:    i.logger,
		Metrics:   i.metrics,
		ParentID:  callID,
		PlanID:    scope.PlanID,
		IntentID:  scope.IntentID,
		SessionID: scope.SessionID,
	}
	res, execErr := i.registry.Execute(ctx, call, hs, ec)
	elapsed := i.now().Sub(start)

	var result chain.ExecutionResult
	outcome := "success"
	if execErr != nil {
		outcome = "failure"
		result = chain.Failure(string(caperr.KindOf(execErr)), execErr)
	} else {
		result = chain.Success(res)
		if i.cost != nil {
			result.Cost = i.cost(call, res)
		}
	}
	result.Duration = elapsed

	i.metrics.IncCounter(telemetry.MetricCalls, 1, "capability", id, "outcome", outcome)
	i.metrics.RecordTimer(telemetry.MetricDuration, elapsed, "capability", id, "outcome", outcome)

	if rerr := i.ledger.RecordResult(ctx, callID, result); rerr != nil {
		i.logger.Error(ctx, "failed to record call result", "capability", id, "action", callID, "err", rerr)
		span.RecordError(rerr)
		span.SetStatus(codes.Error, "record result")
		if !caperr.IsFatal(rerr) {
			rerr = caperr.ChainIntegrity(rerr, "record result of %s", callID)
		}
		return nil, errors.Join(rerr, execErr)
	}

	if execErr != nil {
		i.logger.Warn(ctx, "capability call failed", "capability", id, "action", callID, "kind", string(caperr.KindOf(execErr)), "err", execErr)
		span.RecordError(execErr)
		span.SetStatus(codes.Error, string(caperr.KindOf(execErr)))
		return nil, execErr
	}
	i.logger.Debug(ctx, "capability call succeeded", "capability", id, "action", callID, "duration", elapsed.String())
	span.SetStatus(codes.Ok, "")
	return res, nil
}

// RecordPlanEvent appends a plan lifecycle action for planID and returns its
// ID. typ must be one of the plan action types.
func (i *Invoker) RecordPlanEvent(ctx context.Context, typ chain.ActionType, planID string, meta map[string]any) (string, error) {
	if !slices.Contains(planEvents, typ) {
		return "", fmt.Errorf("%w: %q is not a plan lifecycle type", chain.ErrInvalidAction, typ)
	}
	if planID == "" {
		return "", fmt.Errorf("%w: plan ID is required", chain.ErrInvalidAction)
	}
	scope := ScopeFrom(ctx)
	return i.ledger.Append(ctx, &chain.Action{
		Type:      typ,
		ParentID:  scope.ParentID,
		PlanID:    planID,
		IntentID:  scope.IntentID,
		SessionID: scope.SessionID,
		Metadata:  meta,
	})
}

var planEvents = []chain.ActionType{
	chain.ActionPlanStarted,
	chain.ActionPlanCompleted,
	chain.ActionPlanAborted,
	chain.ActionPlanPaused,
	chain.ActionPlanResumed,
}

func sortedKeys(hs hints.Hints) []string {
	keys := make([]string, 0, len(hs))
	for k := range hs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
