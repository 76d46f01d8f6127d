package chain

import (
	"strings"
	"time"
)

type (
	// Query selects actions. Zero-valued fields do not filter. Results are
	// returned in append order.
	Query struct {
		IntentID     string
		PlanID       string
		SessionID    string
		CapabilityID string
		ParentID     string
		Type         ActionType
		// FunctionPrefix selects actions whose function name starts with the
		// prefix.
		FunctionPrefix string
		// Since and Until bound the action timestamp (inclusive).
		Since time.Time
		Until time.Time
		// Limit caps the number of returned actions when positive.
		Limit int
	}

	// indexes maps lookup keys to entry positions in append order.
	indexes struct {
		intent     map[string][]int
		plan       map[string][]int
		session    map[string][]int
		capability map[string][]int
		children   map[string][]int
	}
)

func newIndexes() indexes {
	return indexes{
		intent:     make(map[string][]int),
		plan:       make(map[string][]int),
		session:    make(map[string][]int),
		capability: make(map[string][]int),
		children:   make(map[string][]int),
	}
}

func (x indexes) add(pos int, a *Action) {
	if a.IntentID != "" {
		x.intent[a.IntentID] = append(x.intent[a.IntentID], pos)
	}
	if a.PlanID != "" {
		x.plan[a.PlanID] = append(x.plan[a.PlanID], pos)
	}
	if a.SessionID != "" {
		x.session[a.SessionID] = append(x.session[a.SessionID], pos)
	}
	if a.CapabilityID != "" {
		x.capability[a.CapabilityID] = append(x.capability[a.CapabilityID], pos)
	}
	if a.ParentID != "" {
		x.children[a.ParentID] = append(x.children[a.ParentID], pos)
	}
}

// candidates returns the narrowest index list matching q, or nil and false
// when q names no indexed key and the full chain must be scanned.
func (x indexes) candidates(q *Query) ([]int, bool) {
	var best []int
	found := false
	consider := func(m map[string][]int, key string) {
		if key == "" {
			return
		}
		list := m[key]
		if !found || len(list) < len(best) {
			best, found = list, true
		}
	}
	consider(x.children, q.ParentID)
	consider(x.capability, q.CapabilityID)
	consider(x.intent, q.IntentID)
	consider(x.plan, q.PlanID)
	consider(x.session, q.SessionID)
	return best, found
}

func (q *Query) matches(a *Action) bool {
	switch {
	case q.IntentID != "" && a.IntentID != q.IntentID:
		return false
	case q.PlanID != "" && a.PlanID != q.PlanID:
		return false
	case q.SessionID != "" && a.SessionID != q.SessionID:
		return false
	case q.CapabilityID != "" && a.CapabilityID != q.CapabilityID:
		return false
	case q.ParentID != "" && a.ParentID != q.ParentID:
		return false
	case q.Type != "" && a.Type != q.Type:
		return false
	case q.FunctionPrefix != "" && !strings.HasPrefix(a.FunctionName, q.FunctionPrefix):
		return false
	case !q.Since.IsZero() && a.Timestamp.Before(q.Since):
		return false
	case !q.Until.IsZero() && a.Timestamp.After(q.Until):
		return false
	}
	return true
}

// Query returns copies of the actions selected by q in append order.
func (l *Ledger) Query(q Query) []Action {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Action
	collect := func(pos int) bool {
		a := &l.entries[pos].action
		if !q.matches(a) {
			return true
		}
		out = append(out, a.Clone())
		return q.Limit <= 0 || len(out) < q.Limit
	}
	if positions, ok := l.idx.candidates(&q); ok {
		for _, pos := range positions {
			if !collect(pos) {
				break
			}
		}
		return out
	}
	for pos := range l.entries {
		if !collect(pos) {
			break
		}
	}
	return out
}

// Children returns copies of the actions whose parent is id, in append order.
func (l *Ledger) Children(id string) []Action {
	if id == "" {
		return nil
	}
	return l.Query(Query{ParentID: id})
}

// Parent returns a copy of the parent of the action identified by id.
func (l *Ledger) Parent(id string) (Action, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.byID[id]
	if !ok {
		return Action{}, false
	}
	p, ok := l.byID[l.entries[i].action.ParentID]
	if !ok {
		return Action{}, false
	}
	return l.entries[p].action.Clone(), true
}

// Lineage returns the path from the root ancestor down to the action
// identified by id. It returns nil when id is unknown.
func (l *Ledger) Lineage(id string) []Action {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var path []Action
	for id != "" {
		i, ok := l.byID[id]
		if !ok {
			break
		}
		a := &l.entries[i].action
		path = append(path, a.Clone())
		id = a.ParentID
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
