// Package capability defines the boundary between the execution pipeline and
// the externally supplied capability runtime: the call shape and the terminal
// Executor contract. Resolution, versioning and sandboxing happen behind the
// Executor and are not modeled here.
package capability

import (
	"context"
	"maps"
	"slices"
)

type (
	// Ident is the fully qualified identifier of a capability, for example
	// "weather.get_forecast".
	Ident string

	// Call is one already-resolved capability invocation.
	Call struct {
		// CapabilityID identifies the capability to execute.
		CapabilityID Ident
		// Args are the positional arguments passed to the capability.
		Args []any
		// Metadata carries call-scoped annotations forwarded to the executor.
		Metadata map[string]any
	}

	// Executor is the terminal capability-execution primitive. Implementations
	// must be safe for concurrent use.
	Executor interface {
		Execute(ctx context.Context, call *Call) (any, error)
	}

	// ExecutorFunc adapts a function to the Executor interface.
	ExecutorFunc func(ctx context.Context, call *Call) (any, error)
)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, call *Call) (any, error) {
	return f(ctx, call)
}

// String returns the identifier as a string.
func (id Ident) String() string {
	return string(id)
}

// Clone returns a copy of the call whose slices and maps may be modified
// without affecting c.
func (c *Call) Clone() *Call {
	if c == nil {
		return nil
	}
	return &Call{
		CapabilityID: c.CapabilityID,
		Args:         slices.Clone(c.Args),
		Metadata:     maps.Clone(c.Metadata),
	}
}

// WithCapability returns a copy of the call targeting id with the same
// arguments and metadata.
func (c *Call) WithCapability(id Ident) *Call {
	cp := c.Clone()
	cp.CapabilityID = id
	return cp
}
