package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"

	cacheredis "goa.design/capflow/features/cache/redis"
	chainmongo "goa.design/capflow/features/chain/mongo"
	clientsmongo "goa.design/capflow/features/chain/mongo/clients/mongo"
	chainpulse "goa.design/capflow/features/chain/pulse"
	clientspulse "goa.design/capflow/features/chain/pulse/clients/pulse"
	chainsqlite "goa.design/capflow/features/chain/sqlite"
	circuitpulse "goa.design/capflow/features/circuit/pulse"
	ratelimitredis "goa.design/capflow/features/ratelimit/redis"

	"goa.design/capflow/config"
	"goa.design/capflow/runtime/capability"
	"goa.design/capflow/runtime/chain"
	"goa.design/capflow/runtime/hints/handlers"
	"goa.design/capflow/runtime/invoker"
	"goa.design/capflow/runtime/retry"
	"goa.design/capflow/runtime/telemetry"
)

type (
	// stack holds the wired components and the functions releasing them.
	stack struct {
		ledger  *chain.Ledger
		invoker *invoker.Invoker
		board   *circuitpulse.Board
		mirror  *mirror
		checker health.Checker
		closers []func(context.Context) error
	}

	// restorer reloads a persisted chain into an empty ledger.
	restorer interface {
		Restore(ctx context.Context, l *chain.Ledger) error
	}

	redisPinger struct {
		rdb *redis.Client
	}
)

func (p redisPinger) Name() string                   { return "redis" }
func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

// build wires the ledger, its sinks, the handler backends and the invoker
// described by cfg. When restore is set the chain persisted by the first
// durable sink is reloaded before any sink is subscribed.
func build(ctx context.Context, cfg *config.Config, exec capability.Executor, restore bool) (_ *stack, err error) {
	s := &stack{}
	defer func() {
		if err != nil {
			_ = s.close(context.WithoutCancel(ctx))
		}
	}()
	logger := telemetry.NewClueLogger()
	s.ledger = chain.New(chain.WithLogger(logger))

	var (
		pingers []health.Pinger
		rdb     *redis.Client
	)
	if cfg.NeedsRedis() {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		s.closers = append(s.closers, func(context.Context) error { return rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		pingers = append(pingers, redisPinger{rdb: rdb})
	}

	opts := handlers.Options{Logger: logger}
	policy := cfg.HintPolicy()
	opts.Policy = &policy
	if cfg.Backends.RateLimit == config.BackendRedis {
		if opts.Limiter, err = ratelimitredis.New(rdb); err != nil {
			return nil, err
		}
	}
	if cfg.Backends.Cache == config.BackendRedis {
		if opts.Cache, err = cacheredis.New(rdb, ""); err != nil {
			return nil, err
		}
	}
	if name := cfg.Backends.CircuitMap; name != "" {
		m, err := circuitpulse.Join(ctx, name, rdb)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func(context.Context) error {
			m.Close()
			return nil
		})
		if s.board, err = circuitpulse.New(m, circuitpulse.WithNode(cfg.Backends.Node), circuitpulse.WithLogger(logger)); err != nil {
			return nil, err
		}
		opts.CircuitObserver = s.board
	}
	reg, err := handlers.Defaults(opts)
	if err != nil {
		return nil, err
	}

	var (
		sinks        []chain.Sink
		durable      []restorer
		mirrorClient clientspulse.Client
	)
	if dsn := cfg.Ledger.SQLite; dsn != "" {
		st, err := chainsqlite.Open(ctx, dsn, cfg.Ledger.ChainID)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func(context.Context) error { return st.Close() })
		sinks = append(sinks, st)
		durable = append(durable, st)
		pingers = append(pingers, st)
	}
	if mc := cfg.Ledger.Mongo; mc.URI != "" {
		client, err := mongodriver.Connect(options.Client().ApplyURI(mc.URI))
		if err != nil {
			return nil, fmt.Errorf("connect to mongo: %w", err)
		}
		s.closers = append(s.closers, client.Disconnect)
		mcli, err := clientsmongo.New(clientsmongo.Options{
			Client:     client,
			Database:   mc.Database,
			Collection: mc.Collection,
			Timeout:    mc.Timeout,
		})
		if err != nil {
			return nil, err
		}
		sink, err := chainmongo.NewSink(mcli, cfg.Ledger.ChainID, chainmongo.WithRetry(retry.DefaultConfig()))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
		durable = append(durable, sink)
		pingers = append(pingers, mcli)
	}
	if cfg.Ledger.Pulse.Enabled {
		pc, err := clientspulse.New(clientspulse.Options{Redis: rdb, StreamMaxLen: cfg.Ledger.Pulse.StreamMaxLen})
		if err != nil {
			return nil, err
		}
		sink, err := chainpulse.NewSink(chainpulse.Options{Client: pc})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, sink.Close)
		sinks = append(sinks, sink)
		if cfg.Ledger.Pulse.Mirror {
			msink, err := chainpulse.NewSink(chainpulse.Options{
				Client:   pc,
				StreamID: chainpulse.SingleStream(mirrorStream(cfg.Ledger.ChainID)),
			})
			if err != nil {
				return nil, err
			}
			// sink.Close releases the shared client.
			sinks = append(sinks, msink)
			mirrorClient = pc
		}
	}

	if restore {
		if len(durable) == 0 {
			return nil, errors.New("restore requires a durable ledger sink (sqlite or mongo)")
		}
		if err := durable[0].Restore(ctx, s.ledger); err != nil {
			return nil, fmt.Errorf("restore chain %s: %w", cfg.Ledger.ChainID, err)
		}
	}
	if mirrorClient != nil {
		if s.mirror, err = startMirror(ctx, mirrorClient, mirrorStream(cfg.Ledger.ChainID), s.ledger); err != nil {
			return nil, err
		}
		s.closers = append(s.closers, s.mirror.close)
	}
	for _, sink := range sinks {
		if _, err := s.ledger.Subscribe(sink); err != nil {
			return nil, err
		}
	}
	s.checker = health.NewChecker(pingers...)

	invOpts := []invoker.Option{
		invoker.WithLogger(logger),
		invoker.WithMetrics(telemetry.NewOtelMetrics()),
		invoker.WithTracer(telemetry.NewOtelTracer()),
		invoker.WithCost(demoCost),
	}
	if cfg.Ledger.RedactArguments {
		invOpts = append(invOpts, invoker.WithRedactedArguments())
	}
	if s.invoker, err = invoker.New(s.ledger, reg, exec, invOpts...); err != nil {
		return nil, err
	}
	return s, nil
}

// close releases resources in reverse acquisition order.
func (s *stack) close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i](ctx))
	}
	return errors.Join(errs...)
}
