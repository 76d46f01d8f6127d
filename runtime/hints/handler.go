package hints

import (
	"context"

	"goa.design/capflow/runtime/capability"
)

type (
	// Next runs the remainder of the handler chain, ending with the terminal
	// executor.
	Next func(ctx context.Context) (any, error)

	// Handler is a policy applied to calls carrying its hint key.
	// Implementations must be safe for concurrent use and guard their private
	// state independently of the ledger.
	Handler interface {
		// Key is the hint key activating the handler.
		Key() string
		// Priority orders handlers: lower numbers wrap higher numbers.
		Priority() int
		// Description is a human-readable summary of the handler.
		Description() string
		// Validate checks a hint value without applying it.
		Validate(value any) error
		// Apply runs the policy around next. Handlers that reject the call
		// return without invoking next.
		Apply(ctx context.Context, call *capability.Call, value any, ec ExecutionContext, next Next) (any, error)
	}

	// HandlerInfo describes a registered handler.
	HandlerInfo struct {
		Key         string
		Priority    int
		Description string
	}
)
