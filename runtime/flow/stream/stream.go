// Package stream defines the lifecycle event sink. The scheduler publishes an
// event for every dataflow and node transition; sinks fan them out to
// observers (the pulse backend streams them over Redis).
//
// Publishing is best-effort: a sink error never fails the transition that
// produced the event.
package stream

import (
	"context"
	"sync"
	"time"

	"goa.design/dataflow/runtime/flow"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	// EventDataflowStarted is published when the scheduler picks up a
	// dataflow.
	EventDataflowStarted EventType = "dataflow_started"
	// EventDataflowCompleted is published when a dataflow completes.
	EventDataflowCompleted EventType = "dataflow_completed"
	// EventDataflowFailed is published when a dataflow fails.
	EventDataflowFailed EventType = "dataflow_failed"
	// EventDataflowCanceled is published when a dataflow is canceled or
	// terminated.
	EventDataflowCanceled EventType = "dataflow_canceled"

	// EventNodeStarted is published when a node is dispatched to a worker.
	EventNodeStarted EventType = "node_started"
	// EventNodeCompleted is published when a node completes.
	EventNodeCompleted EventType = "node_completed"
	// EventNodeFailed is published when a node fails.
	EventNodeFailed EventType = "node_failed"
	// EventNodeCanceled is published when a node is canceled.
	EventNodeCanceled EventType = "node_canceled"
	// EventNodeSuspended is published when a node yields.
	EventNodeSuspended EventType = "node_suspended"
	// EventNodeResumed is published when a suspended node resumes.
	EventNodeResumed EventType = "node_resumed"
)

type (
	// Event is one lifecycle notification.
	Event struct {
		// ID is the UUID v7 event identifier.
		ID string `json:"id"`
		// Type is the event kind.
		Type EventType `json:"type"`
		// DataflowID is the dataflow the event belongs to.
		DataflowID string `json:"dataflow_id"`
		// NodeID is set for node events.
		NodeID string `json:"node_id,omitempty"`
		// ErrorCode is set for failure and cancellation events.
		ErrorCode string `json:"error_code,omitempty"`
		// Message carries extra context.
		Message string `json:"message,omitempty"`
		// At is the event time.
		At time.Time `json:"at"`
	}

	// Sink receives lifecycle events.
	Sink interface {
		// Publish delivers one event. Errors are logged by the caller and
		// otherwise ignored.
		Publish(ctx context.Context, ev Event) error
	}

	// NoopSink discards all events.
	NoopSink struct{}

	// MemorySink buffers events in memory, for tests and local inspection.
	MemorySink struct {
		mu     sync.Mutex
		events []Event
	}
)

// New builds an event with a fresh identifier and the current time.
func New(t EventType, dataflowID, nodeID string) Event {
	return Event{
		ID:         flow.NewID(),
		Type:       t,
		DataflowID: dataflowID,
		NodeID:     nodeID,
		At:         time.Now().UTC(),
	}
}

// Publish implements Sink.
func (NoopSink) Publish(context.Context, Event) error { return nil }

// Publish implements Sink.
func (s *MemorySink) Publish(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// Events returns a snapshot of the published events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Types returns the published event types in order, for terse assertions.
func (s *MemorySink) Types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}
