package telemetry

import (
	"strings"
	"sync"
	"time"
)

// Recorder is an in-memory Metrics implementation that keeps every sample.
// It is safe for concurrent use and is mostly useful in tests.
type Recorder struct {
	mu       sync.Mutex
	counters map[string]float64
	timers   map[string][]time.Duration
	gauges   map[string]float64
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		counters: make(map[string]float64),
		timers:   make(map[string][]time.Duration),
		gauges:   make(map[string]float64),
	}
}

// IncCounter implements Metrics.
func (r *Recorder) IncCounter(name string, value float64, tags ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[seriesKey(name, tags)] += value
}

// RecordTimer implements Metrics.
func (r *Recorder) RecordTimer(name string, d time.Duration, tags ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := seriesKey(name, tags)
	r.timers[k] = append(r.timers[k], d)
}

// RecordGauge implements Metrics.
func (r *Recorder) RecordGauge(name string, value float64, tags ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[seriesKey(name, tags)] = value
}

// Counter returns the accumulated value of the series identified by name and
// tags.
func (r *Recorder) Counter(name string, tags ...string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[seriesKey(name, tags)]
}

// Timers returns the recorded samples of the series.
func (r *Recorder) Timers(name string, tags ...string) []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.timers[seriesKey(name, tags)]...)
}

// Gauge returns the last value of the series and whether it was set.
func (r *Recorder) Gauge(name string, tags ...string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.gauges[seriesKey(name, tags)]
	return v, ok
}

func seriesKey(name string, tags []string) string {
	if len(tags) == 0 {
		return name
	}
	return name + "{" + strings.Join(tags, ",") + "}"
}
