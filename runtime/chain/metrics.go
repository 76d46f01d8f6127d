package chain

import "time"

type (
	// CapabilityMetrics aggregates the capability call actions recorded for
	// one capability.
	CapabilityMetrics struct {
		CapabilityID      string
		TotalCalls        uint64
		SuccessfulCalls   uint64
		FailedCalls       uint64
		AverageDurationMs float64
		TotalCost         float64
		LastCalledAt      time.Time
	}

	// FunctionMetrics aggregates every action recorded for one function name.
	FunctionMetrics struct {
		FunctionName      string
		TotalCalls        uint64
		SuccessfulCalls   uint64
		FailedCalls       uint64
		AverageDurationMs float64
		TotalCost         float64
		LastCalledAt      time.Time
	}

	// aggregate is the mutable accumulator behind both metric views.
	aggregate struct {
		calls     uint64
		successes uint64
		failures  uint64
		samples   uint64
		totalMs   float64
		cost      float64
		last      time.Time
	}
)

func (g *aggregate) onAppend(a *Action) {
	g.calls++
	g.cost += a.Cost
	if a.Timestamp.After(g.last) {
		g.last = a.Timestamp
	}
	if a.Duration > 0 {
		g.addDuration(a.Duration)
	}
}

func (g *aggregate) onFinalize(success bool, cost float64, d time.Duration) {
	if success {
		g.successes++
	} else {
		g.failures++
	}
	g.cost += cost
	if d > 0 {
		g.addDuration(d)
	}
}

func (g *aggregate) addDuration(d time.Duration) {
	g.samples++
	g.totalMs += float64(d) / float64(time.Millisecond)
}

func (g *aggregate) averageMs() float64 {
	if g.samples == 0 {
		return 0
	}
	return g.totalMs / float64(g.samples)
}

func (g *aggregate) capability(id string) CapabilityMetrics {
	return CapabilityMetrics{
		CapabilityID:      id,
		TotalCalls:        g.calls,
		SuccessfulCalls:   g.successes,
		FailedCalls:       g.failures,
		AverageDurationMs: g.averageMs(),
		TotalCost:         g.cost,
		LastCalledAt:      g.last,
	}
}

func (g *aggregate) function(name string) FunctionMetrics {
	return FunctionMetrics{
		FunctionName:      name,
		TotalCalls:        g.calls,
		SuccessfulCalls:   g.successes,
		FailedCalls:       g.failures,
		AverageDurationMs: g.averageMs(),
		TotalCost:         g.cost,
		LastCalledAt:      g.last,
	}
}

// CapabilityMetrics returns the aggregates of capability id and whether any
// call to it was recorded.
func (l *Ledger) CapabilityMetrics(id string) (CapabilityMetrics, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	g, ok := l.capMetrics[id]
	if !ok {
		return CapabilityMetrics{}, false
	}
	return g.capability(id), true
}

// FunctionMetrics returns the aggregates of function name and whether any
// action for it was recorded.
func (l *Ledger) FunctionMetrics(name string) (FunctionMetrics, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	g, ok := l.fnMetrics[name]
	if !ok {
		return FunctionMetrics{}, false
	}
	return g.function(name), true
}

// AllCapabilityMetrics returns the aggregates of every capability keyed by
// id.
func (l *Ledger) AllCapabilityMetrics() map[string]CapabilityMetrics {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]CapabilityMetrics, len(l.capMetrics))
	for id, g := range l.capMetrics {
		out[id] = g.capability(id)
	}
	return out
}

// TotalCost returns the sum of the cost recorded across all actions.
func (l *Ledger) TotalCost() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalCost
}
