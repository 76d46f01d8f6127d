package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/capflow/runtime/caperr"
	"goa.design/capflow/runtime/telemetry"
)

var (
	// ErrActionNotFound is returned when an action ID is not in the ledger.
	ErrActionNotFound = errors.New("action not found")
	// ErrAlreadyFinalized is returned by RecordResult when the action already
	// carries a result.
	ErrAlreadyFinalized = errors.New("action already finalized")
	// ErrDuplicateAction is returned by Append when the action ID is taken.
	ErrDuplicateAction = errors.New("duplicate action id")
	// ErrUnknownParent is returned by Append when the parent ID is not in the
	// ledger.
	ErrUnknownParent = errors.New("unknown parent action")
	// ErrInvalidAction is returned by Append for malformed actions.
	ErrInvalidAction = errors.New("invalid action")
)

type (
	// Ledger is the in-memory causal chain. It is safe for concurrent use.
	// Writers hold the lock only to link, index and aggregate a single
	// action; digests are computed before the lock is taken and sinks are
	// notified after it is released.
	Ledger struct {
		mu      sync.RWMutex
		entries []*entry
		head    string
		byID    map[string]int
		idx     indexes

		capMetrics map[string]*aggregate
		fnMetrics  map[string]*aggregate
		totalCost  float64

		now    func() time.Time
		newID  func() string
		logger telemetry.Logger
		sinks  fanout
	}

	// Option configures a Ledger.
	Option func(*Ledger)

	entry struct {
		action Action
	}
)

// WithClock sets the clock used to timestamp actions appended without a
// timestamp.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithIDGenerator sets the generator used to assign action IDs.
func WithIDGenerator(gen func() string) Option {
	return func(l *Ledger) {
		if gen != nil {
			l.newID = gen
		}
	}
}

// WithLogger sets the logger used to report sink failures.
func WithLogger(logger telemetry.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New returns an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		head:       GenesisHash,
		byID:       make(map[string]int),
		idx:        newIndexes(),
		capMetrics: make(map[string]*aggregate),
		fnMetrics:  make(map[string]*aggregate),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
		logger:     telemetry.NoopLogger{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Subscribe registers sink to receive every subsequent ledger event.
func (l *Ledger) Subscribe(sink Sink) (*Subscription, error) {
	return l.sinks.add(sink)
}

// Append records a at the tail of the chain and returns its ID. The ID is
// generated when a.ID is empty. Append sets the ID, Seq, Timestamp and Hash
// fields of a. A result carried by a is ignored; use RecordResult.
//
// A sink failure is returned as a chain integrity error; the action remains
// in the ledger.
func (l *Ledger) Append(ctx context.Context, a *Action) (string, error) {
	if a == nil {
		return "", fmt.Errorf("%w: action is required", ErrInvalidAction)
	}
	if a.Type == "" {
		return "", fmt.Errorf("%w: action type is required", ErrInvalidAction)
	}
	if a.ID == "" {
		a.ID = l.newID()
	}
	stored := a.Clone()
	stored.Result = nil
	stored.ResultHash = ""
	digest := contentDigest(&stored)

	l.mu.Lock()
	if _, dup := l.byID[stored.ID]; dup {
		l.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateAction, stored.ID)
	}
	if stored.ParentID != "" {
		if _, ok := l.byID[stored.ParentID]; !ok {
			l.mu.Unlock()
			return "", fmt.Errorf("%w: %s", ErrUnknownParent, stored.ParentID)
		}
	}
	stored.Seq = uint64(len(l.entries))
	if stored.Timestamp.IsZero() {
		stored.Timestamp = l.now()
	}
	stored.Hash = link(l.head, stored.Seq, stored.Timestamp.UnixNano(), digest)
	l.insertLocked(&entry{action: stored})
	l.mu.Unlock()

	a.Seq, a.Timestamp, a.Hash = stored.Seq, stored.Timestamp, stored.Hash
	if err := l.notify(ctx, EventAppended, &stored); err != nil {
		return stored.ID, err
	}
	return stored.ID, nil
}

// RecordResult finalizes the action identified by id. It returns
// ErrActionNotFound when the ID was never appended and ErrAlreadyFinalized
// when the action already carries a result; in both cases the ledger is left
// unchanged. Finalization never changes the position or identity of any
// action.
func (l *Ledger) RecordResult(ctx context.Context, id string, result ExecutionResult) error {
	r := result.Clone()
	digest := resultDigest(&r)

	l.mu.Lock()
	i, ok := l.byID[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	e := l.entries[i]
	if e.action.Result != nil {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyFinalized, id)
	}
	e.action.Result = &r
	e.action.ResultHash = seal(e.action.Hash, digest)
	l.finalizeMetricsLocked(&e.action)
	snap := e.action
	l.mu.Unlock()

	return l.notify(ctx, EventFinalized, &snap)
}

// Get returns a copy of the action identified by id.
func (l *Ledger) Get(id string) (Action, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.byID[id]
	if !ok {
		return Action{}, false
	}
	return l.entries[i].action.Clone(), true
}

// Actions returns a copy of every action in append order.
func (l *Ledger) Actions() []Action {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Action, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.action.Clone()
	}
	return out
}

// Len returns the number of appended actions.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Head returns the hash of the last appended action, or GenesisHash when the
// ledger is empty.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// VerifyIntegrity recomputes every chain link and result seal. It returns a
// chain integrity error describing the first mismatch.
func (l *Ledger) VerifyIntegrity() error {
	l.mu.RLock()
	snap := make([]Action, len(l.entries))
	for i, e := range l.entries {
		snap[i] = e.action
	}
	head := l.head
	l.mu.RUnlock()

	prev := GenesisHash
	for i := range snap {
		if err := verifyEntry(prev, uint64(i), &snap[i]); err != nil {
			return err
		}
		prev = snap[i].Hash
	}
	if prev != head {
		return caperr.ChainIntegrity(nil, "chain head %s does not match last entry %s", head, prev)
	}
	return nil
}

// Restore appends previously persisted actions, for example loaded from a
// durable sink, verifying their positions, hashes and seals. Actions must be
// given in sequence order starting at the current length of the ledger.
// Sinks are not notified.
func (l *Ledger) Restore(actions []Action) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	staged := make([]Action, len(actions))
	seen := make(map[string]struct{}, len(actions))
	known := func(id string) bool {
		if _, ok := l.byID[id]; ok {
			return true
		}
		_, ok := seen[id]
		return ok
	}
	prev, base := l.head, len(l.entries)
	for i := range actions {
		a := actions[i].Clone()
		seq := uint64(base + i) //nolint:gosec // lengths are non-negative
		if a.Seq != seq {
			return caperr.ChainIntegrity(nil, "restore: action %s has seq %d, want %d", a.ID, a.Seq, seq)
		}
		if a.ID == "" || a.Type == "" {
			return fmt.Errorf("%w: restore requires id and type at seq %d", ErrInvalidAction, seq)
		}
		if known(a.ID) {
			return fmt.Errorf("%w: %s", ErrDuplicateAction, a.ID)
		}
		if a.ParentID != "" && !known(a.ParentID) {
			return fmt.Errorf("%w: %s", ErrUnknownParent, a.ParentID)
		}
		if err := verifyEntry(prev, seq, &a); err != nil {
			return err
		}
		prev = a.Hash
		seen[a.ID] = struct{}{}
		staged[i] = a
	}

	for i := range staged {
		l.insertLocked(&entry{action: staged[i]})
		if staged[i].Result != nil {
			l.finalizeMetricsLocked(&l.entries[base+i].action)
		}
	}
	return nil
}

// RestoreResult attaches a previously persisted result to the action id,
// verifying resultHash against the action's seal. Restoring the same result
// twice is a no-op. Sinks are not notified.
func (l *Ledger) RestoreResult(id string, result ExecutionResult, resultHash string) error {
	r := result.Clone()
	digest := resultDigest(&r)

	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	e := l.entries[i]
	if want := seal(e.action.Hash, digest); resultHash != want {
		return caperr.ChainIntegrity(nil, "restore: result seal mismatch for action %s", id)
	}
	if e.action.Result != nil {
		if e.action.ResultHash == resultHash {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAlreadyFinalized, id)
	}
	e.action.Result = &r
	e.action.ResultHash = resultHash
	l.finalizeMetricsLocked(&e.action)
	return nil
}

// VerifySeal checks the result seal of a. Unlike VerifyIntegrity it needs no
// neighbouring actions, so it applies to actions received one at a time.
func (a *Action) VerifySeal() error {
	if a.Result == nil {
		if a.ResultHash != "" {
			return caperr.ChainIntegrity(nil, "action %s carries a seal without a result", a.ID)
		}
		return nil
	}
	if a.ResultHash != seal(a.Hash, resultDigest(a.Result)) {
		return caperr.ChainIntegrity(nil, "result seal mismatch (action %s)", a.ID)
	}
	return nil
}

// insertLocked appends e and updates the head, indexes and aggregates.
func (l *Ledger) insertLocked(e *entry) {
	a := &e.action
	pos := len(l.entries)
	l.entries = append(l.entries, e)
	l.head = a.Hash
	l.byID[a.ID] = pos
	l.idx.add(pos, a)
	l.totalCost += a.Cost
	if a.Type == ActionCapabilityCall && a.CapabilityID != "" {
		aggregateFor(l.capMetrics, a.CapabilityID).onAppend(a)
	}
	if a.FunctionName != "" {
		aggregateFor(l.fnMetrics, a.FunctionName).onAppend(a)
	}
}

func (l *Ledger) finalizeMetricsLocked(a *Action) {
	r := a.Result
	l.totalCost += r.Cost
	if a.Type == ActionCapabilityCall && a.CapabilityID != "" {
		aggregateFor(l.capMetrics, a.CapabilityID).onFinalize(r.Success, r.Cost, r.Duration)
	}
	if a.FunctionName != "" {
		aggregateFor(l.fnMetrics, a.FunctionName).onFinalize(r.Success, r.Cost, r.Duration)
	}
}

func (l *Ledger) notify(ctx context.Context, kind EventKind, a *Action) error {
	if l.sinks.empty() {
		return nil
	}
	ev := Event{Kind: kind, Seq: a.Seq, Action: a.Clone()}
	if err := l.sinks.publish(ctx, ev); err != nil {
		l.logger.Error(ctx, "ledger sink failed", "action_id", a.ID, "seq", a.Seq, "event", string(kind), "err", err)
		return caperr.ChainIntegrity(err, "notify sinks of %s action %s", kind, a.ID)
	}
	return nil
}

func verifyEntry(prev string, seq uint64, a *Action) error {
	if a.Seq != seq {
		return caperr.ChainIntegrity(nil, "action %s has seq %d at position %d", a.ID, a.Seq, seq)
	}
	want := link(prev, seq, a.Timestamp.UnixNano(), contentDigest(a))
	if a.Hash != want {
		return caperr.ChainIntegrity(nil, "hash mismatch at seq %d (action %s)", seq, a.ID)
	}
	if a.Result != nil && a.ResultHash != seal(a.Hash, resultDigest(a.Result)) {
		return caperr.ChainIntegrity(nil, "result seal mismatch at seq %d (action %s)", seq, a.ID)
	}
	return nil
}

func aggregateFor(m map[string]*aggregate, key string) *aggregate {
	g, ok := m[key]
	if !ok {
		g = &aggregate{}
		m[key] = g
	}
	return g
}
