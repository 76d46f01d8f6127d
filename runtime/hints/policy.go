package hints

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Policy holds the process-wide ceilings applied to hints. Retry counts are
// clamped to MaxRetries by the retry handler; Validate rejects timeout and
// fallback hints exceeding the other ceilings.
type Policy struct {
	// MaxRetries caps the number of retries any call may request.
	MaxRetries int
	// BaseTimeout is the timeout scaled by a timeout hint multiplier.
	BaseTimeout time.Duration
	// MaxTimeoutMultiplier caps timeout hint multipliers.
	MaxTimeoutMultiplier float64
	// MaxAbsoluteTimeout caps absolute timeout hints.
	MaxAbsoluteTimeout time.Duration
	// AllowedFallbackPatterns lists the glob patterns ('*' and '?') fallback
	// capabilities must match.
	AllowedFallbackPatterns []string
	// RequireApprovedFallbacks restricts fallback capabilities to
	// ApprovedFallbacks.
	RequireApprovedFallbacks bool
	ApprovedFallbacks        []string
}

// DefaultPolicy returns the default ceilings.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:              5,
		BaseTimeout:             5 * time.Second,
		MaxTimeoutMultiplier:    10,
		MaxAbsoluteTimeout:      5 * time.Minute,
		AllowedFallbackPatterns: []string{"*"},
	}
}

// ClampRetries returns requested bounded by the policy ceiling.
func (p Policy) ClampRetries(requested int) int {
	if requested < 0 {
		return 0
	}
	if p.MaxRetries >= 0 && requested > p.MaxRetries {
		return p.MaxRetries
	}
	return requested
}

// Validate checks hints against the policy ceilings.
func (p Policy) Validate(h Hints) error {
	var errs []error
	if v, ok := h[KeyTimeout]; ok {
		if err := p.validateTimeout(v); err != nil {
			errs = append(errs, err)
		}
	}
	if v, ok := h[KeyFallback]; ok {
		if err := p.validateFallback(v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AllowsFallback reports whether capability may be used as a fallback.
func (p Policy) AllowsFallback(capability string) bool {
	if p.RequireApprovedFallbacks && !slices.Contains(p.ApprovedFallbacks, capability) {
		return false
	}
	for _, pattern := range p.AllowedFallbackPatterns {
		if Match(pattern, capability) {
			return true
		}
	}
	return false
}

func (p Policy) validateTimeout(v any) error {
	params, err := AsParams(v)
	if err != nil {
		return fmt.Errorf("%s: %w", KeyTimeout, err)
	}
	mult, err := params.Float("multiplier", 0)
	if err != nil {
		return fmt.Errorf("%s: %w", KeyTimeout, err)
	}
	if p.MaxTimeoutMultiplier > 0 && mult > p.MaxTimeoutMultiplier {
		return fmt.Errorf("%s: multiplier %g exceeds policy limit %g", KeyTimeout, mult, p.MaxTimeoutMultiplier)
	}
	for _, key := range []string{"timeout-ms", "absolute-ms"} {
		d, err := params.Millis(key, 0)
		if err != nil {
			return fmt.Errorf("%s: %w", KeyTimeout, err)
		}
		if p.MaxAbsoluteTimeout > 0 && d > p.MaxAbsoluteTimeout {
			return fmt.Errorf("%s: %s %s exceeds policy limit %s", KeyTimeout, key, d, p.MaxAbsoluteTimeout)
		}
	}
	return nil
}

func (p Policy) validateFallback(v any) error {
	params, err := AsParams(v)
	if err != nil {
		return fmt.Errorf("%s: %w", KeyFallback, err)
	}
	capability, err := params.String("capability", "")
	if err != nil {
		return fmt.Errorf("%s: %w", KeyFallback, err)
	}
	if capability != "" && !p.AllowsFallback(capability) {
		return fmt.Errorf("%s: capability %q is not an allowed fallback", KeyFallback, capability)
	}
	return nil
}

// Match reports whether s matches pattern, where '*' matches any sequence
// of characters and '?' matches any single character.
func Match(pattern, s string) bool {
	if !strings.ContainsAny(pattern, "*?") {
		return pattern == s
	}
	p, str := []rune(pattern), []rune(s)
	pi, si := 0, 0
	star, mark := -1, 0
	for si < len(str) {
		switch {
		case pi < len(p) && p[pi] == '*':
			star, mark = pi, si
			pi++
		case pi < len(p) && (p[pi] == '?' || p[pi] == str[si]):
			pi++
			si++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}
