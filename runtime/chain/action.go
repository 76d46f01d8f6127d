// Package chain implements the causal chain: an append-only, hash-linked
// ledger of Actions recording every attempted capability invocation and every
// policy decision taken on its behalf.
//
// Actions are immutable once appended except for a single finalization that
// attaches an ExecutionResult. The ledger maintains indexes and rolling
// metrics incrementally so downstream readers (governance checkpoints,
// metrics export, working memory ingestion) never scan the full chain.
package chain

import (
	"time"
)

// ActionType classifies a ledger entry.
type ActionType string

const (
	// ActionCapabilityCall records one invocation of a capability.
	ActionCapabilityCall ActionType = "capability_call"
	// ActionHintApplied records a decision taken by a policy handler.
	ActionHintApplied ActionType = "hint_applied"
	// ActionInternalStep records an internal processing step.
	ActionInternalStep ActionType = "internal_step"
	// ActionPlanStarted records the start of a plan execution.
	ActionPlanStarted ActionType = "plan_started"
	// ActionPlanCompleted records the successful end of a plan execution.
	ActionPlanCompleted ActionType = "plan_completed"
	// ActionPlanAborted records an aborted plan execution.
	ActionPlanAborted ActionType = "plan_aborted"
	// ActionPlanPaused records a paused plan execution.
	ActionPlanPaused ActionType = "plan_paused"
	// ActionPlanResumed records a resumed plan execution.
	ActionPlanResumed ActionType = "plan_resumed"
	// ActionIntentCreated records the creation of an intent.
	ActionIntentCreated ActionType = "intent_created"
	// ActionIntentStatusChanged records an intent status transition.
	ActionIntentStatusChanged ActionType = "intent_status_changed"
)

// Well-known metadata keys written by the pipeline.
const (
	MetaHint          = "hint"
	MetaErrorCategory = "error_category"
	MetaErrorMessage  = "error"
	MetaAttempt       = "attempt"
	MetaCircuitState  = "circuit_state"
	MetaFailureCount  = "failure_count"
)

type (
	// Action is one ledger entry.
	Action struct {
		// ID is the stable identity of the action, assigned at append when
		// empty.
		ID string
		// ParentID links the action to the action that caused it.
		ParentID string
		// Seq is the zero-based position of the action in the ledger.
		Seq uint64
		// Type classifies the action.
		Type ActionType
		// PlanID, IntentID and SessionID scope the action.
		PlanID    string
		IntentID  string
		SessionID string
		// CapabilityID identifies the capability the action relates to.
		CapabilityID string
		// FunctionName identifies the function the action relates to.
		FunctionName string
		// Arguments are the call arguments. They may be omitted or redacted.
		Arguments []any
		// Timestamp is assigned at append when zero.
		Timestamp time.Time
		// Metadata annotates the action (hint applied, circuit state, ...).
		Metadata map[string]any
		// Cost is an optional cost known when the action is appended. Costs
		// measured at finalization are carried by the result.
		Cost float64
		// Duration is an optional duration known when the action is appended.
		Duration time.Duration
		// Result is set once the action is finalized.
		Result *ExecutionResult
		// Hash links the action into the chain. Assigned at append.
		Hash string
		// ResultHash seals the result. Assigned at finalization.
		ResultHash string
	}

	// ExecutionResult is the outcome attached to an action by RecordResult.
	ExecutionResult struct {
		Success  bool
		Value    any
		Metadata map[string]any
		// Duration is the measured duration of the finalized operation.
		Duration time.Duration
		// Cost is the cost attributed to the finalized operation.
		Cost float64
	}
)

// Finalized reports whether a result has been attached to the action.
func (a *Action) Finalized() bool {
	return a.Result != nil
}

// TotalCost returns the cost of the action including its result.
func (a *Action) TotalCost() float64 {
	if a.Result == nil {
		return a.Cost
	}
	return a.Cost + a.Result.Cost
}

// Elapsed returns the measured duration of the action: the result duration
// once finalized, the append-time duration otherwise.
func (a *Action) Elapsed() time.Duration {
	if a.Result != nil && a.Result.Duration > 0 {
		return a.Result.Duration
	}
	return a.Duration
}

// Clone returns a deep copy of the action: nested arguments, metadata and
// result values are not shared with a.
func (a *Action) Clone() Action {
	cp := *a
	cp.Arguments = cloneArgs(a.Arguments)
	cp.Metadata = cloneMeta(a.Metadata)
	if a.Result != nil {
		r := a.Result.Clone()
		cp.Result = &r
	}
	return cp
}

// Clone returns a deep copy of the result.
func (r ExecutionResult) Clone() ExecutionResult {
	r.Value = CloneValue(r.Value)
	r.Metadata = cloneMeta(r.Metadata)
	return r
}

// Success returns a successful result carrying value.
func Success(value any) ExecutionResult {
	return ExecutionResult{Success: true, Value: value}
}

// Failure returns a failed result annotated with the error category and
// message.
func Failure(category string, err error) ExecutionResult {
	meta := map[string]any{MetaErrorCategory: category}
	if err != nil {
		meta[MetaErrorMessage] = err.Error()
	}
	return ExecutionResult{Success: false, Metadata: meta}
}
