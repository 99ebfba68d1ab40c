package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/dataflow/features/events/pulse/clients/pulse"
	"goa.design/dataflow/runtime/flow/stream"
)

type fakeClient struct {
	streamFn func(name string) (clientspulse.Stream, error)
	closed   bool
}

func (c *fakeClient) Stream(name string) (clientspulse.Stream, error) {
	return c.streamFn(name)
}

func (c *fakeClient) Close(context.Context) error {
	c.closed = true
	return nil
}

type fakeStream struct {
	addFn     func(ctx context.Context, event string, payload []byte) (string, error)
	newSinkFn func(ctx context.Context, name string, opts ...streamopts.Sink) (clientspulse.Sink, error)
}

func (s *fakeStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return s.addFn(ctx, event, payload)
}

func (s *fakeStream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (clientspulse.Sink, error) {
	return s.newSinkFn(ctx, name, opts...)
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

type fakeSink struct {
	ch    chan *streaming.Event
	ackFn func(ctx context.Context, evt *streaming.Event) error
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(ctx context.Context, evt *streaming.Event) error {
	if s.ackFn == nil {
		return nil
	}
	return s.ackFn(ctx, evt)
}

func (s *fakeSink) Close(context.Context) {}

func TestPublishRoutesToDataflowStream(t *testing.T) {
	t.Parallel()

	var gotStream, gotEvent string
	var gotPayload []byte
	client := &fakeClient{streamFn: func(name string) (clientspulse.Stream, error) {
		gotStream = name
		return &fakeStream{addFn: func(_ context.Context, event string, payload []byte) (string, error) {
			gotEvent = event
			gotPayload = payload
			return "1-0", nil
		}}, nil
	}}

	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	ev := stream.New(stream.EventNodeCompleted, "df-1", "node-1")
	require.NoError(t, sink.Publish(context.Background(), ev))
	require.Equal(t, "dataflow/df-1", gotStream)
	require.Equal(t, "node_completed", gotEvent)

	var decoded stream.Event
	require.NoError(t, json.Unmarshal(gotPayload, &decoded))
	require.Equal(t, ev.ID, decoded.ID)
	require.Equal(t, "node-1", decoded.NodeID)
}

func TestPublishRejectsMissingDataflowID(t *testing.T) {
	t.Parallel()

	client := &fakeClient{streamFn: func(string) (clientspulse.Stream, error) {
		t.Fatal("stream should not be opened")
		return nil, nil
	}}
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	err = sink.Publish(context.Background(), stream.Event{Type: stream.EventNodeStarted})
	require.EqualError(t, err, "event missing dataflow id")
}

func TestPublishPropagatesAddError(t *testing.T) {
	t.Parallel()

	client := &fakeClient{streamFn: func(string) (clientspulse.Stream, error) {
		return &fakeStream{addFn: func(context.Context, string, []byte) (string, error) {
			return "", errors.New("redis down")
		}}, nil
	}}
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)

	err = sink.Publish(context.Background(), stream.New(stream.EventDataflowStarted, "df-1", ""))
	require.EqualError(t, err, "redis down")
}

func TestNewSinkRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := NewSink(Options{})
	require.EqualError(t, err, "pulse client is required")
}

func TestCloseDelegates(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	sink, err := NewSink(Options{Client: client})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))
	require.True(t, client.closed)
}
