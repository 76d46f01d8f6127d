package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/capflow/features/chain/pulse/clients/pulse"
	"goa.design/capflow/runtime/caperr"
	"goa.design/capflow/runtime/chain"
)

type (
	// SubscriberOptions configures a Pulse-backed ledger subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// SinkName identifies the consumer group. Defaults to
		// "capflow_chain_subscriber".
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber consumes ledger streams and emits decoded ledger events.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
	}
)

// NewSubscriber constructs a Pulse-backed ledger subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "capflow_chain_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, buffer: buffer, name: name}, nil
}

// Subscribe opens a consumer group on streamID and returns channels of
// events and errors. Events are verified on receipt and acknowledged once
// delivered. The returned
// cancel function stops consumption and closes both channels.
func (s *Subscriber) Subscribe(ctx context.Context, streamID string, opts ...streamopts.Sink) (<-chan chain.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan chain.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	return events, errs, func() {
		cancel()
		sink.Close(context.Background())
	}, nil
}

// Replay applies the events returned by Subscriber.Subscribe to r until events
// is closed. It stops at the first error and returns ctx.Err() once ctx ends.
func Replay(ctx context.Context, events <-chan chain.Event, errs <-chan error, r *chain.Replica) error {
	for events != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if ok && err != nil {
				return err
			}
			if !ok {
				errs = nil
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := r.HandleEvent(ctx, ev); err != nil {
				return fmt.Errorf("replay %s seq %d: %w", ev.Action.ID, ev.Seq, err)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if errs == nil {
		return nil
	}
	// consume reports its last error before closing events.
	return <-errs
}

// verify rejects events whose sequence number disagrees with their action or
// whose result does not match the action's seal.
func verify(ev chain.Event) error {
	if ev.Seq != ev.Action.Seq {
		return caperr.ChainIntegrity(nil, "envelope seq %d does not match action %s seq %d", ev.Seq, ev.Action.ID, ev.Action.Seq)
	}
	return ev.Action.VerifySeal()
}

func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- chain.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			decoded, err := env.Event()
			if err != nil {
				errs <- fmt.Errorf("pulse decode action: %w", err)
				return
			}
			if err := verify(decoded); err != nil {
				errs <- fmt.Errorf("pulse verify action: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
		}
	}
}
