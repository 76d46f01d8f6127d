package mongo

import (
	"context"
	"errors"
	"fmt"

	clientsmongo "goa.design/capflow/features/chain/mongo/clients/mongo"
	"goa.design/capflow/runtime/chain"
	"goa.design/capflow/runtime/retry"
)

type (
	// Sink implements chain.Sink by delegating to the Mongo client.
	Sink struct {
		client  clientsmongo.Client
		chainID string
		retry   retry.Config
	}

	// SinkOption configures a Sink.
	SinkOption func(*Sink)
)

// WithRetry retries failed writes with cfg. Writes are idempotent so a
// retried insert or replace never duplicates an action. By default each
// write is attempted once.
func WithRetry(cfg retry.Config) SinkOption {
	return func(s *Sink) { s.retry = cfg }
}

// NewSink builds a Mongo-backed ledger sink storing actions under chainID.
func NewSink(client clientsmongo.Client, chainID string, opts ...SinkOption) (*Sink, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	if chainID == "" {
		return nil, errors.New("chain id is required")
	}
	s := &Sink{client: client, chainID: chainID, retry: retry.Config{MaxAttempts: 1}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// HandleEvent implements chain.Sink. Appended actions are only inserted when
// absent so a finalization delivered first is never overwritten.
func (s *Sink) HandleEvent(ctx context.Context, ev chain.Event) error {
	rec, err := chain.NewRecord(ev.Action)
	if err != nil {
		return err
	}
	var write func(context.Context, string, chain.Record) error
	switch ev.Kind {
	case chain.EventAppended:
		write = s.client.Insert
	case chain.EventFinalized:
		write = s.client.Replace
	default:
		return fmt.Errorf("unknown ledger event %q", ev.Kind)
	}
	_, err = retry.Do(ctx, s.retry, func(ctx context.Context, _ int) (struct{}, error) {
		return struct{}{}, write(ctx, s.chainID, rec)
	})
	return err
}

// Restore loads the persisted chain into l, which must be empty.
func (s *Sink) Restore(ctx context.Context, l *chain.Ledger) error {
	recs, err := s.client.Load(ctx, s.chainID)
	if err != nil {
		return fmt.Errorf("load chain %s: %w", s.chainID, err)
	}
	actions := make([]chain.Action, 0, len(recs))
	for _, r := range recs {
		a, err := r.Action()
		if err != nil {
			return err
		}
		actions = append(actions, a)
	}
	return l.Restore(actions)
}
