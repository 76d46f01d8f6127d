package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

type (
	// Func implements a capability in process.
	Func func(ctx context.Context, args []any) (any, error)

	// Local is an in-process Executor dispatching calls to registered
	// functions. It is intended for tests, demos and embedding.
	Local struct {
		mu    sync.RWMutex
		funcs map[Ident]Func
	}
)

// ErrUnknownCapability is returned by Local when no function is registered
// for the requested capability.
var ErrUnknownCapability = errors.New("unknown capability")

// NewLocal returns an empty Local executor.
func NewLocal() *Local {
	return &Local{funcs: make(map[Ident]Func)}
}

// Register binds fn to id, replacing any previous binding.
func (l *Local) Register(id Ident, fn Func) error {
	if id == "" {
		return errors.New("capability id is required")
	}
	if fn == nil {
		return fmt.Errorf("capability %q: function is required", id)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.funcs[id] = fn
	return nil
}

// Capabilities returns the registered identifiers in lexical order.
func (l *Local) Capabilities() []Ident {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]Ident, 0, len(l.funcs))
	for id := range l.funcs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Execute implements Executor.
func (l *Local) Execute(ctx context.Context, call *Call) (any, error) {
	if call == nil {
		return nil, errors.New("call is required")
	}
	l.mu.RLock()
	fn, ok := l.funcs[call.CapabilityID]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, call.CapabilityID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return fn(ctx, call.Args)
}
