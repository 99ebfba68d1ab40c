package pulse

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/dataflow/features/events/pulse/clients/pulse"
	"goa.design/dataflow/runtime/flow/stream"
)

func TestSubscribeEmitsEvents(t *testing.T) {
	t.Parallel()

	eventCh := make(chan *streaming.Event, 1)
	var acked []string
	sinkFake := &fakeSink{ch: eventCh, ackFn: func(_ context.Context, evt *streaming.Event) error {
		acked = append(acked, evt.ID)
		return nil
	}}
	client := &fakeClient{streamFn: func(name string) (clientspulse.Stream, error) {
		require.Equal(t, "dataflow/df-1", name)
		return &fakeStream{newSinkFn: func(_ context.Context, name string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
			require.Equal(t, "dataflow_subscriber", name)
			return sinkFake, nil
		}}, nil
	}}

	sub, err := NewSubscriber(SubscriberOptions{Client: client, Buffer: 2})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "dataflow/df-1")
	require.NoError(t, err)
	defer cancel()

	published := stream.New(stream.EventNodeFailed, "df-1", "node-9")
	payload, merr := json.Marshal(published)
	require.NoError(t, merr)
	eventCh <- &streaming.Event{ID: "1-0", Payload: payload}
	close(eventCh)

	got := <-events
	require.Equal(t, stream.EventNodeFailed, got.Type)
	require.Equal(t, "df-1", got.DataflowID)
	require.Equal(t, "node-9", got.NodeID)
	require.Empty(t, errs)
	require.Equal(t, []string{"1-0"}, acked)
}

func TestSubscribeDecodeError(t *testing.T) {
	t.Parallel()

	eventCh := make(chan *streaming.Event, 1)
	sinkFake := &fakeSink{ch: eventCh}
	client := &fakeClient{streamFn: func(string) (clientspulse.Stream, error) {
		return &fakeStream{newSinkFn: func(context.Context, string, ...streamopts.Sink) (clientspulse.Sink, error) {
			return sinkFake, nil
		}}, nil
	}}

	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "dataflow/df-1")
	require.NoError(t, err)
	defer cancel()

	eventCh <- &streaming.Event{Payload: []byte("not json")}
	close(eventCh)

	require.Empty(t, events)
	require.ErrorContains(t, <-errs, "pulse decode payload")
}

func TestNewSubscriberRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := NewSubscriber(SubscriberOptions{})
	require.EqualError(t, err, "pulse client is required")
}
