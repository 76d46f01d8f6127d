// Package pulse publishes circuit breaker status to a Pulse replicated map so
// every node sharing the map can see which capabilities are tripped.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"

	"goa.design/capflow/runtime/hints/handlers"
	"goa.design/capflow/runtime/telemetry"
)

type (
	// Map is the replicated-map contract required by the board. It is
	// satisfied by *rmap.Map.
	Map interface {
		Delete(ctx context.Context, key string) (string, error)
		Get(key string) (string, bool)
		Keys() []string
		Set(ctx context.Context, key, value string) (string, error)
	}

	// Board mirrors circuit transitions into a replicated map. It implements
	// handlers.CircuitObserver.
	Board struct {
		m      Map
		node   string
		now    func() time.Time
		logger telemetry.Logger
	}

	// Option configures a Board.
	Option func(*Board)

	// Entry is the replicated status of one circuit.
	Entry struct {
		Capability    string    `json:"capability"`
		Status        string    `json:"status"`
		FailureCount  int       `json:"failure_count"`
		SuccessCount  int       `json:"success_count"`
		LastFailureAt time.Time `json:"last_failure_at,omitzero"`
		Node          string    `json:"node,omitempty"`
		UpdatedAt     time.Time `json:"updated_at"`
	}
)

const keyPrefix = "circuit:"

var _ handlers.CircuitObserver = (*Board)(nil)

// Join joins the replicated map called name.
func Join(ctx context.Context, name string, rdb *redis.Client) (*rmap.Map, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	m, err := rmap.Join(ctx, name, rdb)
	if err != nil {
		return nil, fmt.Errorf("join circuit map %q: %w", name, err)
	}
	return m, nil
}

// WithNode tags entries with the node that observed the transition.
func WithNode(node string) Option {
	return func(b *Board) { b.node = node }
}

// WithLogger sets the logger used to report replication failures.
func WithLogger(l telemetry.Logger) Option {
	return func(b *Board) { b.logger = l }
}

// WithClock sets the clock stamping entries.
func WithClock(now func() time.Time) Option {
	return func(b *Board) { b.now = now }
}

// New returns a board writing to m.
func New(m Map, opts ...Option) (*Board, error) {
	if m == nil {
		return nil, errors.New("map is required")
	}
	b := &Board{m: m, now: time.Now, logger: telemetry.NoopLogger{}}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// CircuitTransition implements handlers.CircuitObserver. Replication errors
// are logged; they never affect the call being executed.
func (b *Board) CircuitTransition(ctx context.Context, capability string, from, to handlers.CircuitStatus, state handlers.CircuitState) {
	e := Entry{
		Capability:    capability,
		Status:        to.String(),
		FailureCount:  state.FailureCount,
		SuccessCount:  state.SuccessCount,
		LastFailureAt: state.LastFailureAt,
		Node:          b.node,
		UpdatedAt:     b.now().UTC(),
	}
	if err := b.publish(ctx, e); err != nil {
		b.logger.Warn(ctx, "failed to replicate circuit status", "capability", capability, "from", from.String(), "to", to.String(), "err", err)
	}
}

// Get returns the replicated status of capability.
func (b *Board) Get(capability string) (Entry, bool, error) {
	raw, ok := b.m.Get(keyPrefix + capability)
	if !ok {
		return Entry{}, false, nil
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode circuit %q: %w", capability, err)
	}
	return e, true, nil
}

// Open returns the capabilities whose circuit is not closed.
func (b *Board) Open() ([]Entry, error) {
	var out []Entry
	for _, k := range b.m.Keys() {
		if !strings.HasPrefix(k, keyPrefix) {
			continue
		}
		e, ok, err := b.Get(strings.TrimPrefix(k, keyPrefix))
		if err != nil {
			return nil, err
		}
		if ok && e.Status != handlers.CircuitClosed.String() {
			out = append(out, e)
		}
	}
	return out, nil
}

// Clear removes the replicated status of capability.
func (b *Board) Clear(ctx context.Context, capability string) error {
	if _, err := b.m.Delete(ctx, keyPrefix+capability); err != nil {
		return fmt.Errorf("clear circuit %q: %w", capability, err)
	}
	return nil
}

func (b *Board) publish(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = b.m.Set(ctx, keyPrefix+e.Capability, string(raw))
	return err
}
