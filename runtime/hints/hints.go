// Package hints composes per-call policy handlers around the terminal
// capability executor.
//
// A call carries Hints: a map from hint key to a structured value. The
// Registry selects the registered handlers whose key appears in the hints,
// orders them by priority (lowest number outermost) and folds them into a
// single continuation ending at the terminal executor. Calls without
// applicable hints go straight to the executor.
package hints

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Hint keys understood by the built-in handlers.
const (
	KeyMetrics        = "runtime.learning.metrics"
	KeyCache          = "runtime.learning.cache"
	KeyCircuitBreaker = "runtime.learning.circuit-breaker"
	KeyRateLimit      = "runtime.learning.rate-limit"
	KeyRetry          = "runtime.learning.retry"
	KeyTimeout        = "runtime.learning.timeout"
	KeyFallback       = "runtime.learning.fallback"
)

type (
	// Hints maps hint keys to hint values. Values are JSON-like structured
	// maps; a nil value selects the handler with all defaults.
	Hints map[string]any

	// Params is a decoded hint value. All keys are optional; getters return
	// the documented default when a key is absent.
	Params map[string]any
)

// AsParams converts a hint value to Params. nil converts to empty Params.
func AsParams(v any) (Params, error) {
	switch val := v.(type) {
	case nil:
		return Params{}, nil
	case Params:
		return val, nil
	case map[string]any:
		return Params(val), nil
	case map[string]string:
		p := make(Params, len(val))
		for k, s := range val {
			p[k] = s
		}
		return p, nil
	default:
		return nil, fmt.Errorf("hint value must be a map, got %T", v)
	}
}

// Has reports whether key is set.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Int returns the integer value of key or def when absent.
func (p Params) Int(key string, def int64) (int64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	f, err := number(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("%s: %v is not an integer", key, v)
	}
	return int64(f), nil
}

// Float returns the numeric value of key or def when absent.
func (p Params) Float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	f, err := number(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

// maxMillis is the largest millisecond count a time.Duration can hold.
const maxMillis = float64(math.MaxInt64 / int64(time.Millisecond))

// Millis returns the value of key, expressed in milliseconds, as a duration
// or def when absent.
func (p Params) Millis(key string, def time.Duration) (time.Duration, error) {
	if !p.Has(key) {
		return def, nil
	}
	ms, err := p.Float(key, 0)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(ms) || math.Abs(ms) > maxMillis {
		return 0, fmt.Errorf("%s: %v ms is out of range", key, p[key])
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}

// String returns the string value of key or def when absent.
func (p Params) String(key, def string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: expected string, got %T", key, v)
	}
	return s, nil
}

// Bool returns the boolean value of key or def when absent.
func (p Params) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s: expected bool, got %T", key, v)
	}
	return b, nil
}

func number(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}
