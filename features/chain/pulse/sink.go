// Package pulse publishes causal chain ledger events to goa.design/pulse
// streams and reads them back. Services build a Redis client, pass it to the
// Pulse client in clients/pulse and subscribe the resulting Sink to a ledger.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/capflow/features/chain/pulse/clients/pulse"
	"goa.design/capflow/runtime/chain"
)

// DefaultStream is the stream used for actions recorded outside a session.
const DefaultStream = "chain/default"

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// StreamID derives the target stream from an event. Defaults to
		// `chain/<SessionID>`, or DefaultStream without a session.
		StreamID func(chain.Event) (string, error)
		// Now stamps envelopes. Defaults to time.Now.
		Now func() time.Time
	}

	// Sink publishes ledger events into Pulse streams. It implements
	// chain.Sink and is safe for concurrent use.
	Sink struct {
		client   pulse.Client
		streamID func(chain.Event) (string, error)
		now      func() time.Time

		mu      sync.Mutex
		streams map[string]pulse.Stream
	}

	// Envelope is the JSON payload of every published entry.
	Envelope struct {
		// Kind is the ledger event kind, also used as the entry name.
		Kind chain.EventKind `json:"kind"`
		// Seq is the position of the action in the ledger.
		Seq uint64 `json:"seq"`
		// Action is the storage form of the action snapshot.
		Action chain.Record `json:"action"`
		// PublishedAt records when the entry was published (UTC).
		PublishedAt time.Time `json:"published_at"`
	}
)

// NewSink constructs a Pulse-backed ledger sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Sink{
		client:   opts.Client,
		streamID: defaultStreamID,
		now:      time.Now,
		streams:  make(map[string]pulse.Stream),
	}
	if opts.StreamID != nil {
		s.streamID = opts.StreamID
	}
	if opts.Now != nil {
		s.now = opts.Now
	}
	return s, nil
}

// HandleEvent implements chain.Sink.
func (s *Sink) HandleEvent(ctx context.Context, ev chain.Event) error {
	name, err := s.streamID(ev)
	if err != nil {
		return err
	}
	str, err := s.stream(name)
	if err != nil {
		return err
	}
	rec, err := chain.NewRecord(ev.Action)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(Envelope{
		Kind:        ev.Kind,
		Seq:         ev.Seq,
		Action:      rec,
		PublishedAt: s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	_, err = str.Add(ctx, string(ev.Kind), payload)
	return err
}

// Close releases resources owned by the sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func (s *Sink) stream(name string) (pulse.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if str, ok := s.streams[name]; ok {
		return str, nil
	}
	str, err := s.client.Stream(name)
	if err != nil {
		return nil, err
	}
	s.streams[name] = str
	return str, nil
}

// StreamFor returns the default stream name for sessionID.
func StreamFor(sessionID string) string {
	if sessionID == "" {
		return DefaultStream
	}
	return "chain/" + sessionID
}

// SingleStream routes every event to the stream name, keeping the whole chain
// in one ordered stream that a chain.Replica can rebuild.
func SingleStream(name string) func(chain.Event) (string, error) {
	return func(chain.Event) (string, error) { return name, nil }
}

func defaultStreamID(ev chain.Event) (string, error) {
	return StreamFor(ev.Action.SessionID), nil
}

// Event decodes the envelope into a ledger event.
func (e Envelope) Event() (chain.Event, error) {
	a, err := e.Action.Action()
	if err != nil {
		return chain.Event{}, err
	}
	return chain.Event{Kind: e.Kind, Seq: e.Seq, Action: a}, nil
}
