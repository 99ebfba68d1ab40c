package flow

import "fmt"

// ErrInvalidTransition is returned when a node status change violates the
// state machine. Callers should treat it as a permanent error: the transition
// will never become legal.
type ErrInvalidTransition struct {
	NodeID string
	From   NodeStatus
	To     NodeStatus
}

// Error implements error.
func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid_transition: node %s cannot move from %s to %s", e.NodeID, e.From, e.To)
}

// nodeTransitions enumerates the legal node status transitions. Template does
// not appear: it is assigned at creation time and template nodes never change
// status (they are cloned, not executed).
var nodeTransitions = map[NodeStatus][]NodeStatus{
	NodePending: {NodeRunning, NodeCanceled},
	NodeRunning: {NodeCompleted, NodeFailed, NodeCanceled},
}

// CanTransition reports whether a node may move from one status to another.
func CanTransition(from, to NodeStatus) bool {
	for _, next := range nodeTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates and applies a status change on the node. It returns
// *ErrInvalidTransition when the change is not legal.
func (n *Node) Transition(to NodeStatus) error {
	if !CanTransition(n.Status, to) {
		return &ErrInvalidTransition{NodeID: n.ID, From: n.Status, To: to}
	}
	n.Status = to
	return nil
}

// dataflowTransitions enumerates the legal dataflow status transitions.
// Terminate is allowed from any non-terminal state.
var dataflowTransitions = map[DataflowStatus][]DataflowStatus{
	DataflowPending: {DataflowRunning, DataflowCanceled, DataflowTerminated},
	DataflowRunning: {DataflowCompleted, DataflowFailed, DataflowCanceled, DataflowTerminated},
}

// CanTransitionDataflow reports whether a dataflow may move from one status to
// another. Statuses only move toward terminal values.
func CanTransitionDataflow(from, to DataflowStatus) bool {
	for _, next := range dataflowTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
