// Package pulse publishes dataflow lifecycle events to goa.design/pulse
// streams over Redis. Each dataflow gets its own stream so observers can
// follow a single execution without filtering a shared firehose.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	clientspulse "goa.design/dataflow/features/events/pulse/clients/pulse"
	"goa.design/dataflow/runtime/flow/stream"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// StreamID derives the target stream from an event. Defaults to
		// `dataflow/<DataflowID>`.
		StreamID func(stream.Event) (string, error)
	}

	// Sink publishes lifecycle events into Pulse streams. Safe for
	// concurrent Publish calls.
	Sink struct {
		client   clientspulse.Client
		streamID func(stream.Event) (string, error)
	}
)

var _ stream.Sink = (*Sink)(nil)

// NewSink constructs a Pulse-backed event sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

// Publish implements stream.Sink. The event itself is the wire envelope; its
// JSON form round-trips through the subscriber unchanged.
func (s *Sink) Publish(ctx context.Context, ev stream.Event) error {
	streamID, err := s.streamID(ev)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, string(ev.Type), payload); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultStreamID(ev stream.Event) (string, error) {
	if ev.DataflowID == "" {
		return "", errors.New("event missing dataflow id")
	}
	return fmt.Sprintf("dataflow/%s", ev.DataflowID), nil
}
