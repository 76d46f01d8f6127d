package chain

import (
	"context"
	"fmt"
	"sync"

	"goa.design/capflow/runtime/caperr"
)

// Replica rebuilds a ledger from the events of another one. Events may arrive
// out of order or more than once: appended actions are held until every
// earlier sequence number has been applied, and finalizations wait for their
// action. Every applied action is verified against the replica's chain.
// Replica implements Sink.
type Replica struct {
	ledger *Ledger

	mu      sync.Mutex
	pending map[uint64]Action
	results map[string]Action
}

// NewReplica returns a replica writing into l, which should start empty.
func NewReplica(l *Ledger) *Replica {
	return &Replica{
		ledger:  l,
		pending: make(map[uint64]Action),
		results: make(map[string]Action),
	}
}

// Ledger returns the ledger the replica writes into.
func (r *Replica) Ledger() *Ledger {
	return r.ledger
}

// Pending returns the number of received actions not applied yet.
func (r *Replica) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// HandleEvent implements Sink.
func (r *Replica) HandleEvent(_ context.Context, ev Event) error {
	if ev.Seq != ev.Action.Seq {
		return caperr.ChainIntegrity(nil, "event seq %d does not match action %s seq %d", ev.Seq, ev.Action.ID, ev.Action.Seq)
	}
	if err := ev.Action.VerifySeal(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Kind {
	case EventAppended, EventFinalized:
	default:
		return fmt.Errorf("unknown ledger event %q", ev.Kind)
	}
	if ev.Action.Result != nil {
		r.results[ev.Action.ID] = ev.Action
	}
	open := ev.Action
	open.Result, open.ResultHash = nil, ""
	if err := r.admit(open); err != nil {
		return err
	}
	if err := r.drain(); err != nil {
		return err
	}
	return r.finalize()
}

// admit queues a unless it is already applied, in which case it must match.
func (r *Replica) admit(a Action) error {
	if a.Seq >= uint64(r.ledger.Len()) { //nolint:gosec // lengths are non-negative
		r.pending[a.Seq] = a
		return nil
	}
	got, ok := r.ledger.Get(a.ID)
	if !ok || got.Seq != a.Seq || got.Hash != a.Hash {
		return caperr.ChainIntegrity(nil, "replayed action %s conflicts with seq %d", a.ID, a.Seq)
	}
	return nil
}

func (r *Replica) drain() error {
	for {
		next := uint64(r.ledger.Len()) //nolint:gosec // lengths are non-negative
		a, ok := r.pending[next]
		if !ok {
			return nil
		}
		delete(r.pending, next)
		if err := r.ledger.Restore([]Action{a}); err != nil {
			return err
		}
	}
}

func (r *Replica) finalize() error {
	for id, a := range r.results {
		if _, ok := r.ledger.Get(id); !ok {
			continue
		}
		if err := r.ledger.RestoreResult(id, *a.Result, a.ResultHash); err != nil {
			return err
		}
		delete(r.results, id)
	}
	return nil
}
