package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"goa.design/clue/log"

	"goa.design/capflow/runtime/capability"
	"goa.design/capflow/runtime/chain"
	"goa.design/capflow/runtime/hints"
	"goa.design/capflow/runtime/invoker"
)

var cities = []string{"Paris", "Oslo", "Lima", "Accra"}

// demoExecutor returns the in-process capabilities exercised by the demo.
// weather.get fails every third call, inventory.lookup always fails and
// geo.resolve is slow for the "slow" argument.
func demoExecutor() (*capability.Local, error) {
	var weatherCalls atomic.Int64
	funcs := map[capability.Ident]capability.Func{
		"weather.get": func(_ context.Context, args []any) (any, error) {
			if weatherCalls.Add(1)%3 == 0 {
				return nil, errors.New("weather upstream returned 503")
			}
			city := argString(args)
			return map[string]any{"city": city, "temp_c": 10 + len(city)}, nil
		},
		"weather.cached": func(_ context.Context, args []any) (any, error) {
			return map[string]any{"city": argString(args), "stale": true}, nil
		},
		"inventory.lookup": func(context.Context, []any) (any, error) {
			return nil, errors.New("inventory backend unreachable")
		},
		"geo.resolve": func(ctx context.Context, args []any) (any, error) {
			d := 2 * time.Millisecond
			if argString(args) == "slow" {
				d = 200 * time.Millisecond
			}
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-t.C:
				return map[string]any{"lat": 48.85, "lon": 2.35}, nil
			}
		},
		"mail.send": func(context.Context, []any) (any, error) {
			return "queued", nil
		},
	}
	l := capability.NewLocal()
	for id, fn := range funcs {
		if err := l.Register(id, fn); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// demoCalls returns the i-th batch of demo calls.
func demoCalls(i int) []*capability.Call {
	city := cities[i%len(cities)]
	geoArg := city
	if i%4 == 3 {
		geoArg = "slow"
	}
	return []*capability.Call{
		withHints("weather.get", hints.Hints{
			hints.KeyMetrics:  map[string]any{"emit-to-chain": true},
			hints.KeyRetry:    map[string]any{"max-retries": 1, "initial-delay-ms": 5},
			hints.KeyFallback: map[string]any{"capability": "weather.cached"},
		}, city),
		withHints("inventory.lookup", hints.Hints{
			hints.KeyCircuitBreaker: map[string]any{"failure-threshold": 3, "cooldown-ms": 60000},
		}, "sku-"+city),
		withHints("geo.resolve", hints.Hints{
			hints.KeyCache:    map[string]any{"ttl-ms": 60000},
			hints.KeyTimeout:  map[string]any{"timeout-ms": 50},
			hints.KeyFallback: map[string]any{"value": map[string]any{"lat": 0, "lon": 0}},
		}, geoArg),
		withHints("mail.send", hints.Hints{
			hints.KeyRateLimit: map[string]any{"requests-per-second": 2, "burst": 3},
		}, "ops@example.com"),
	}
}

func withHints(id capability.Ident, hs hints.Hints, args ...any) *capability.Call {
	return &capability.Call{
		CapabilityID: id,
		Args:         args,
		Metadata:     map[string]any{invoker.MetadataHints: hs},
	}
}

func argString(args []any) string {
	if len(args) == 0 {
		return ""
	}
	s, _ := args[0].(string)
	return s
}

// demoCost charges a flat fee per successful weather and geo call.
func demoCost(call *capability.Call, _ any) float64 {
	switch call.CapabilityID {
	case "weather.get", "geo.resolve":
		return 0.01
	default:
		return 0
	}
}

// runDemo executes rounds batches of demo calls under one plan and returns
// the number of failed calls.
func runDemo(ctx context.Context, inv *invoker.Invoker, rounds int) (int, error) {
	planID := fmt.Sprintf("demo-%d", time.Now().UnixNano())
	ctx = invoker.WithScope(ctx, invoker.Scope{PlanID: planID, SessionID: "demo"})
	started, err := inv.RecordPlanEvent(ctx, chain.ActionPlanStarted, planID, map[string]any{"rounds": rounds})
	if err != nil {
		return 0, err
	}
	ctx = invoker.WithScope(ctx, invoker.Scope{PlanID: planID, SessionID: "demo", ParentID: started})

	failed := 0
	for i := range rounds {
		for _, call := range demoCalls(i) {
			if err := ctx.Err(); err != nil {
				_, _ = inv.RecordPlanEvent(context.WithoutCancel(ctx), chain.ActionPlanAborted, planID, map[string]any{"reason": err.Error()})
				return failed, err
			}
			if _, err := inv.Execute(ctx, call); err != nil {
				if chainErr := fatal(err); chainErr != nil {
					return failed, chainErr
				}
				failed++
				log.Debug(ctx, log.KV{K: "msg", V: "demo call failed"}, log.KV{K: "capability", V: string(call.CapabilityID)}, log.KV{K: "err", V: err.Error()})
			}
		}
	}
	_, err = inv.RecordPlanEvent(ctx, chain.ActionPlanCompleted, planID, map[string]any{"failed": failed})
	return failed, err
}

// printSummary writes per-capability metrics and the chain state to w.
func printSummary(w io.Writer, l *chain.Ledger, failed int) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CAPABILITY\tCALLS\tOK\tFAILED\tAVG MS\tCOST")
	all := l.AllCapabilityMetrics()
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		m := all[id]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.2f\t%.2f\n", id, m.TotalCalls, m.SuccessfulCalls, m.FailedCalls, m.AverageDurationMs, m.TotalCost)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	hintsApplied := len(l.Query(chain.Query{Type: chain.ActionHintApplied}))
	fmt.Fprintf(w, "\nactions: %d (hint decisions: %d), failed calls: %d, total cost: %.2f\n", l.Len(), hintsApplied, failed, l.TotalCost())
	fmt.Fprintf(w, "chain head: %s\n", l.Head())
	return nil
}
