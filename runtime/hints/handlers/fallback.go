package handlers

import (
	"context"
	"errors"
	"fmt"

	"goa.design/capflow/runtime/capability"
	"goa.design/capflow/runtime/caperr"
	"goa.design/capflow/runtime/chain"
	"goa.design/capflow/runtime/hints"
)

const fallbackSchema = `{
	"type": "object",
	"properties": {
		"capability": {"type": "string", "minLength": 1}
	},
	"anyOf": [
		{"required": ["capability"]},
		{"required": ["value"]}
	]
}`

type (
	// Fallback converts a failure of the rest of the chain into a recovered
	// success by running an alternate capability or returning a static value.
	// When both are configured the alternate capability is tried first.
	// Failures observed after the call's context ended are returned as is.
	Fallback struct {
		base
	}

	fallbackConfig struct {
		capability string
		value      any
		hasValue   bool
	}
)

// NewFallback returns a fallback handler for runtime.learning.fallback hints.
func NewFallback() *Fallback {
	return &Fallback{
		base: base{
			key:         hints.KeyFallback,
			priority:    PriorityFallback,
			description: "Substitutes an alternate capability or a static value on failure",
			schema:      hints.MustCompileSchema("fallback", fallbackSchema),
		},
	}
}

// Validate implements hints.Handler.
func (f *Fallback) Validate(v any) error {
	_, err := f.config(v)
	return err
}

// Apply implements hints.Handler.
func (f *Fallback) Apply(ctx context.Context, call *capability.Call, v any, ec hints.ExecutionContext, next hints.Next) (any, error) {
	id := string(call.CapabilityID)
	cfg, err := f.config(v)
	if err != nil {
		return nil, caperr.Wrap(caperr.KindPolicyRejection, id, err, "")
	}
	res, err := next(ctx)
	if err == nil || caperr.IsFatal(err) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return res, err
	}
	meta := map[string]any{
		chain.MetaErrorCategory: string(caperr.KindOf(err)),
		chain.MetaErrorMessage:  err.Error(),
	}

	if cfg.capability != "" {
		if !ec.Policy.AllowsFallback(cfg.capability) {
			if rerr := ec.Record(ctx, call, "fallback:denied "+cfg.capability, meta); rerr != nil {
				return nil, rerr
			}
			return nil, caperr.PolicyRejection(id, "fallback %q not allowed by policy", cfg.capability)
		}
		alt, aerr := ec.Execute(ctx, call.WithCapability(capability.Ident(cfg.capability)))
		if aerr == nil {
			if rerr := ec.Record(ctx, call, "fallback:capability "+cfg.capability, meta); rerr != nil {
				return nil, rerr
			}
			return alt, nil
		}
		if caperr.IsFatal(aerr) {
			return nil, aerr
		}
		ec.Log().Warn(ctx, "fallback capability failed", "capability", id, "fallback", cfg.capability, "err", aerr)
		if !cfg.hasValue {
			if rerr := ec.Record(ctx, call, "fallback:failed "+cfg.capability, meta); rerr != nil {
				return nil, rerr
			}
			return nil, fmt.Errorf("fallback %s: %w", cfg.capability, errors.Join(err, aerr))
		}
	}

	if rerr := ec.Record(ctx, call, "fallback:value", meta); rerr != nil {
		return nil, rerr
	}
	return cfg.value, nil
}

func (f *Fallback) config(v any) (fallbackConfig, error) {
	p, err := f.validate(v)
	if err != nil {
		return fallbackConfig{}, err
	}
	capID, err := p.String("capability", "")
	if err != nil {
		return fallbackConfig{}, err
	}
	value, hasValue := p["value"]
	return fallbackConfig{capability: capID, value: value, hasValue: hasValue}, nil
}
