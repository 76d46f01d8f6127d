package chain

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// EventKind identifies the ledger mutation an Event reports.
type EventKind string

const (
	// EventAppended reports a newly appended action.
	EventAppended EventKind = "appended"
	// EventFinalized reports a result attached to an action.
	EventFinalized EventKind = "finalized"
)

type (
	// Event is delivered to sinks after the ledger lock has been released.
	// Concurrent appends may be delivered out of order; Seq carries the
	// authoritative position.
	Event struct {
		Kind   EventKind
		Seq    uint64
		Action Action
	}

	// Sink consumes ledger events, typically to mirror the chain into a
	// durable store or a stream. A returned error is reported to the
	// appender as a chain integrity failure.
	Sink interface {
		HandleEvent(ctx context.Context, ev Event) error
	}

	// SinkFunc adapts a function to the Sink interface.
	SinkFunc func(ctx context.Context, ev Event) error

	// Subscription is an active sink registration. Close is idempotent.
	Subscription struct {
		fanout *fanout
		id     uint64
		once   sync.Once
	}

	// fanout delivers events synchronously to sinks in registration order.
	fanout struct {
		mu     sync.RWMutex
		nextID uint64
		sinks  []registered
	}

	registered struct {
		id   uint64
		sink Sink
	}
)

// HandleEvent implements Sink.
func (f SinkFunc) HandleEvent(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Close removes the sink. In-flight deliveries may still reach it.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.fanout.mu.Lock()
		defer s.fanout.mu.Unlock()
		s.fanout.sinks = slices.DeleteFunc(s.fanout.sinks, func(r registered) bool { return r.id == s.id })
	})
	return nil
}

func (f *fanout) add(sink Sink) (*Subscription, error) {
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sinks = append(f.sinks, registered{id: f.nextID, sink: sink})
	return &Subscription{fanout: f, id: f.nextID}, nil
}

func (f *fanout) empty() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sinks) == 0
}

// publish delivers ev to every sink and joins their errors. Every sink
// receives the event even when an earlier one fails.
func (f *fanout) publish(ctx context.Context, ev Event) error {
	f.mu.RLock()
	sinks := slices.Clone(f.sinks)
	f.mu.RUnlock()
	var errs []error
	for _, r := range sinks {
		if err := r.sink.HandleEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
