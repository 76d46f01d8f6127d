// Command capflow runs a demo workload through the capability pipeline and
// prints the resulting causal chain summary.
//
// # Configuration
//
// Settings are read from the YAML file given with -config and overridden by
// environment variables:
//
//	CAPFLOW_CHAIN_ID            - persisted chain name (default: "default")
//	CAPFLOW_SQLITE              - SQLite ledger sink DSN (optional)
//	CAPFLOW_MONGO_URI           - MongoDB ledger sink URI (optional)
//	CAPFLOW_MONGO_DATABASE      - MongoDB database (required with the URI)
//	CAPFLOW_PULSE               - publish ledger events to Pulse streams
//	CAPFLOW_PULSE_MIRROR        - replay the published chain into a verified replica
//	CAPFLOW_REDIS_ADDR          - Redis address used by Redis backed components
//	CAPFLOW_RATE_LIMIT_BACKEND  - "memory" or "redis"
//	CAPFLOW_CACHE_BACKEND       - "memory" or "redis"
//	CAPFLOW_CIRCUIT_MAP         - replicated map publishing circuit status
//	CAPFLOW_LOG_FORMAT          - "auto", "json" or "terminal"
//	CAPFLOW_DEBUG               - enable debug logs
//
// # Example
//
//	CAPFLOW_SQLITE=chain.db go run ./cmd/capflow -rounds 10
//	CAPFLOW_SQLITE=chain.db go run ./cmd/capflow -restore -rounds 5
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"goa.design/clue/log"

	"goa.design/capflow/config"
	"goa.design/capflow/runtime/caperr"
)

func main() {
	var (
		configF  = flag.String("config", "", "Path to the YAML configuration file")
		roundsF  = flag.Int("rounds", 8, "Number of demo call batches")
		restoreF = flag.Bool("restore", false, "Reload the persisted chain before running")
		dbgF     = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	cfg, err := config.Load(*configF)
	if err != nil {
		fmt.Fprintf(os.Stderr, "capflow: %v\n", err)
		os.Exit(2)
	}
	if *dbgF {
		cfg.Log.Debug = true
	}
	ctx, stop := signal.NotifyContext(logContext(context.Background(), cfg.Log), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, *roundsF, *restoreF, os.Stdout)
	stop()
	if err != nil {
		log.Errorf(ctx, err, "capflow failed")
		os.Exit(1)
	}
}

// logContext configures Clue from the log settings.
func logContext(ctx context.Context, lc config.LogConfig) context.Context {
	var format log.FormatFunc
	switch lc.Format {
	case config.LogJSON:
		format = log.FormatJSON
	case config.LogTerminal:
		format = log.FormatTerminal
	default:
		format = log.FormatJSON
		if log.IsTerminal() {
			format = log.FormatTerminal
		}
	}
	ctx = log.Context(ctx, log.WithFormat(format))
	if lc.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx
}

func run(ctx context.Context, cfg *config.Config, rounds int, restore bool, out io.Writer) error {
	exec, err := demoExecutor()
	if err != nil {
		return err
	}
	s, err := build(ctx, cfg, exec, restore)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.close(context.WithoutCancel(ctx)); err != nil {
			log.Errorf(ctx, err, "failed to release resources")
		}
	}()
	if restore {
		log.Info(ctx, log.KV{K: "msg", V: "restored chain"}, log.KV{K: "actions", V: s.ledger.Len()}, log.KV{K: "head", V: s.ledger.Head()})
	}

	failed, err := runDemo(ctx, s.invoker, rounds)
	if err != nil {
		return err
	}
	if err := printSummary(out, s.ledger, failed); err != nil {
		return err
	}
	if s.board != nil {
		open, err := s.board.Open()
		if err != nil {
			return err
		}
		for _, e := range open {
			fmt.Fprintf(out, "circuit %s: %s (%d failures)\n", e.Capability, e.Status, e.FailureCount)
		}
	}
	if h, ok := s.checker.Check(ctx); !ok {
		return fmt.Errorf("unhealthy dependencies: %v", h.Status)
	}
	if err := s.ledger.VerifyIntegrity(); err != nil {
		return err
	}
	fmt.Fprintln(out, "integrity: verified")
	if s.mirror != nil {
		if err := s.mirror.wait(ctx, s.ledger.Head()); err != nil {
			return fmt.Errorf("pulse mirror: %w", err)
		}
		fmt.Fprintf(out, "mirror: verified %d actions\n", s.mirror.replica.Ledger().Len())
	}
	return nil
}

// fatal returns err when it reports a chain integrity failure.
func fatal(err error) error {
	if caperr.IsFatal(err) {
		return err
	}
	return nil
}
