package hints

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"goa.design/capflow/runtime/capability"
	"goa.design/capflow/runtime/caperr"
	"goa.design/capflow/runtime/telemetry"
)

// MaxHandlers caps the number of handlers a registry holds and therefore the
// depth of any composed chain.
const MaxHandlers = 64

type (
	// Registry holds handlers ordered by ascending priority. Handlers with
	// equal priorities keep their registration order. Registry is safe for
	// concurrent use; registration is expected to happen at startup.
	Registry struct {
		mu       sync.RWMutex
		handlers []Handler
		policy   Policy
		logger   telemetry.Logger
	}

	// RegistryOption configures a Registry.
	RegistryOption func(*Registry)
)

var (
	// ErrDuplicateHandler is returned when registering a key twice.
	ErrDuplicateHandler = errors.New("handler already registered")
	// ErrTooManyHandlers is returned when the registry is full.
	ErrTooManyHandlers = fmt.Errorf("registry holds at most %d handlers", MaxHandlers)
)

// WithPolicy sets the policy ceilings applied to every call.
func WithPolicy(p Policy) RegistryOption {
	return func(r *Registry) {
		r.policy = p
	}
}

// WithLogger sets the registry logger.
func WithLogger(l telemetry.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry returns an empty registry using DefaultPolicy.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{policy: DefaultPolicy(), logger: telemetry.NoopLogger{}}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds h and re-sorts the handlers by priority.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return errors.New("handler is required")
	}
	key := h.Key()
	if key == "" {
		return errors.New("handler key is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.ContainsFunc(r.handlers, func(x Handler) bool { return x.Key() == key }) {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, key)
	}
	if len(r.handlers) >= MaxHandlers {
		return ErrTooManyHandlers
	}
	r.handlers = append(r.handlers, h)
	slices.SortStableFunc(r.handlers, func(a, b Handler) int { return cmp.Compare(a.Priority(), b.Priority()) })
	return nil
}

// Unregister removes the handler registered under key and reports whether
// one was found.
func (r *Registry) Unregister(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.handlers)
	r.handlers = slices.DeleteFunc(r.handlers, func(h Handler) bool { return h.Key() == key })
	return len(r.handlers) != n
}

// Handlers returns the registered handlers in composition order.
func (r *Registry) Handlers() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.handlers)
}

// Info describes the registered handlers in composition order.
func (r *Registry) Info() []HandlerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]HandlerInfo, len(r.handlers))
	for i, h := range r.handlers {
		infos[i] = HandlerInfo{Key: h.Key(), Priority: h.Priority(), Description: h.Description()}
	}
	return infos
}

// Lookup returns the handler registered under key.
func (r *Registry) Lookup(key string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handlers {
		if h.Key() == key {
			return h, true
		}
	}
	return nil, false
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Policy returns the policy ceilings applied by the registry.
func (r *Registry) Policy() Policy {
	return r.policy
}

// Execute runs call under the handlers whose keys appear in hints. Without
// applicable handlers the terminal executor is called directly. Hints that
// fail validation reject the call before any handler or the executor runs.
//
// The lowest priority handler is the outermost wrapper: it runs first and
// observes the outcome of every handler it wraps.
func (r *Registry) Execute(ctx context.Context, call *capability.Call, h Hints, ec ExecutionContext) (any, error) {
	if call == nil {
		return nil, errors.New("call is required")
	}
	if len(h) == 0 {
		return ec.Execute(ctx, call)
	}
	applied := r.applicable(h)
	if len(applied) == 0 {
		return ec.Execute(ctx, call)
	}

	capID := string(call.CapabilityID)
	if err := r.policy.Validate(h); err != nil {
		r.logger.Warn(ctx, "hints rejected by policy", "capability", capID, "err", err)
		return nil, caperr.Wrap(caperr.KindPolicyRejection, capID, err, "hint policy violation")
	}
	for _, handler := range applied {
		if err := handler.Validate(h[handler.Key()]); err != nil {
			r.logger.Warn(ctx, "invalid hint", "capability", capID, "hint", handler.Key(), "err", err)
			return nil, caperr.Wrap(caperr.KindPolicyRejection, capID, err, fmt.Sprintf("invalid %s hint", handler.Key()))
		}
	}
	ec.Policy = r.policy

	next := Next(func(ctx context.Context) (any, error) {
		return ec.Execute(ctx, call)
	})
	for i := len(applied) - 1; i >= 0; i-- {
		handler, value, inner := applied[i], h[applied[i].Key()], next
		next = func(ctx context.Context) (any, error) {
			return handler.Apply(ctx, call, value, ec, inner)
		}
	}
	return next(ctx)
}

// applicable returns the handlers whose key appears in h, in composition
// order.
func (r *Registry) applicable(h Hints) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Handler
	for _, handler := range r.handlers {
		if _, ok := h[handler.Key()]; ok {
			out = append(out, handler)
		}
	}
	return out
}
