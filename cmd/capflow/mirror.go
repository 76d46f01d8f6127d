package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	chainpulse "goa.design/capflow/features/chain/pulse"
	clientspulse "goa.design/capflow/features/chain/pulse/clients/pulse"
	"goa.design/capflow/runtime/chain"
)

// mirrorTimeout bounds how long run waits for the replica to catch up.
const mirrorTimeout = 5 * time.Second

// mirror replays the chain published to a single Pulse stream into a replica
// ledger seeded with the actions recorded before it started.
type mirror struct {
	replica *chain.Replica
	done    chan error
	stop    context.CancelFunc
}

func mirrorStream(chainID string) string {
	return "capflow/" + chainID
}

// startMirror opens a fresh consumer group on stream before any event of the
// run is published and replays it in the background.
func startMirror(ctx context.Context, pc clientspulse.Client, stream string, src *chain.Ledger) (*mirror, error) {
	sub, err := chainpulse.NewSubscriber(chainpulse.SubscriberOptions{
		Client:   pc,
		SinkName: "capflow_mirror_" + uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}
	dst := chain.New()
	if err := dst.Restore(src.Actions()); err != nil {
		return nil, fmt.Errorf("seed mirror: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	events, errs, stop, err := sub.Subscribe(runCtx, stream)
	if err != nil {
		cancel()
		return nil, err
	}
	m := &mirror{replica: chain.NewReplica(dst), done: make(chan error, 1)}
	m.stop = func() {
		stop()
		cancel()
	}
	go func() { m.done <- chainpulse.Replay(runCtx, events, errs, m.replica) }()
	return m, nil
}

// wait blocks until the replica head reaches head, then verifies the replica.
func (m *mirror) wait(ctx context.Context, head string) error {
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	l := m.replica.Ledger()
	for l.Head() != head {
		select {
		case err := <-m.done:
			if err == nil {
				err = fmt.Errorf("mirror stream closed at seq %d", l.Len())
			}
			return err
		case <-ctx.Done():
			return fmt.Errorf("mirror behind at %d actions (%d pending): %w", l.Len(), m.replica.Pending(), ctx.Err())
		case <-tick.C:
		}
	}
	return l.VerifyIntegrity()
}

func (m *mirror) close(context.Context) error {
	m.stop()
	return nil
}
