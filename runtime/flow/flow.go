// Package flow defines the core data model for the dataflow execution engine:
// dataflows, nodes, data items, their lifecycle statuses, and the node status
// state machine.
//
// # Core Concepts
//
// Dataflow (top level):
//   - One durable workflow execution instance owning nodes and data items
//   - Status moves monotonically toward a terminal value; once terminal no
//     further node status changes are accepted
//
// Node (computational step):
//   - Selected by an opaque type string (e.g. "func", "map_reduce") that maps
//     to a runtime implementation
//   - Nodes with status "template" are prototypes: never executed themselves,
//     cloned per input item by the iterator
//
// Data item (typed artifact):
//   - Immutable after creation; model-level updates create new items
//   - Reference items (content type "dataflow/reference") point at another
//     data item by identifier and may be dereferenced one hop deep
//
// Identifiers are UUID v7 strings so that lexicographic ordering follows
// creation time, which makes pagination by creation time cheap in every store
// backend.
package flow

import (
	"time"

	"github.com/google/uuid"
)

type (
	// DataflowStatus is the lifecycle state of a dataflow execution.
	DataflowStatus string

	// NodeStatus is the lifecycle state of a single node.
	NodeStatus string

	// DataType identifies the slot a data item occupies.
	DataType string

	// Dataflow is the top-level execution instance. It owns its nodes and
	// data items; deleting a dataflow cascades to both.
	Dataflow struct {
		// ID is the UUID v7 identifier of the dataflow.
		ID string `json:"id"`
		// OwnerID identifies the user that created the dataflow.
		OwnerID string `json:"owner"`
		// Status is the current lifecycle state.
		Status DataflowStatus `json:"status"`
		// CreatedAt records when the dataflow was created.
		CreatedAt time.Time `json:"created_at"`
		// UpdatedAt records the last mutation time.
		UpdatedAt time.Time `json:"updated_at"`
		// ParentID references the parent dataflow for nested flows. Empty for
		// top-level dataflows.
		ParentID string `json:"parent_id,omitempty"`
		// Metadata stores free-form key/value pairs.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Node is one computational step inside a dataflow.
	Node struct {
		// ID is the UUID v7 identifier of the node.
		ID string `json:"id"`
		// DataflowID is the owning dataflow.
		DataflowID string `json:"dataflow_id"`
		// Type selects the runtime that executes this node (e.g. "func",
		// "map_reduce"). Opaque to the engine core.
		Type string `json:"type"`
		// Status is the current lifecycle state.
		Status NodeStatus `json:"status"`
		// ParentID references the parent node, when any. A node with status
		// template always has a parent (the owning map-reduce node).
		ParentID string `json:"parent_id,omitempty"`
		// Ancestors is the ordered ancestor path, root first. It is
		// consistent with ParentID: Ancestors = parent.Ancestors + parent.ID.
		Ancestors []string `json:"ancestor_path,omitempty"`
		// Config is the opaque per-type configuration object, JSON-encoded.
		Config []byte `json:"config,omitempty"`
		// Metadata stores free-form key/value pairs.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// DataItem is a typed artifact: an input, output, configuration value or
	// reference. Items are immutable after creation.
	DataItem struct {
		// ID is the UUID v7 identifier of the item.
		ID string `json:"id"`
		// DataflowID is the owning dataflow.
		DataflowID string `json:"dataflow_id"`
		// NodeID is the owning node. Set for node.input/node.output items,
		// optional for workflow-level items.
		NodeID string `json:"node_id,omitempty"`
		// Type is the slot this item occupies.
		Type DataType `json:"data_type"`
		// Key distinguishes multiple inputs/outputs of the same node.
		Key string `json:"key,omitempty"`
		// Content is the raw item content, encoded per ContentType.
		Content []byte `json:"content"`
		// ContentType describes the content encoding. For reference items it
		// is ContentTypeReference and Content holds the target item ID.
		ContentType string `json:"content_type"`
		// Discriminator distinguishes success from error outputs.
		Discriminator string `json:"discriminator,omitempty"`
		// Metadata stores free-form key/value pairs.
		Metadata map[string]any `json:"metadata,omitempty"`
		// CreatedAt records when the item was created.
		CreatedAt time.Time `json:"created_at"`
	}
)

const (
	// DataflowPending indicates the dataflow has been created but not started.
	DataflowPending DataflowStatus = "pending"
	// DataflowRunning indicates the scheduler is driving the dataflow.
	DataflowRunning DataflowStatus = "running"
	// DataflowCompleted indicates every node settled and no root-level
	// failure remained unconsumed.
	DataflowCompleted DataflowStatus = "completed"
	// DataflowFailed indicates a root-level node failed without error targets
	// consuming the failure.
	DataflowFailed DataflowStatus = "failed"
	// DataflowCanceled indicates the dataflow was canceled gracefully.
	DataflowCanceled DataflowStatus = "canceled"
	// DataflowTerminated indicates the dataflow was terminated immediately,
	// without draining running workers.
	DataflowTerminated DataflowStatus = "terminated"
)

const (
	// NodePending indicates the node has not been dispatched yet.
	NodePending NodeStatus = "pending"
	// NodeRunning indicates a worker is executing the node (or the node is
	// suspended on a yield).
	NodeRunning NodeStatus = "running"
	// NodeTemplate marks a prototype node. Template nodes are cloned by the
	// iterator and never executed themselves. The status is assigned at
	// creation time and never changes.
	NodeTemplate NodeStatus = "template"
	// NodeCompleted indicates the node ran successfully.
	NodeCompleted NodeStatus = "completed"
	// NodeFailed indicates the node run returned an error.
	NodeFailed NodeStatus = "failed"
	// NodeCanceled indicates the node was canceled before or during its run.
	NodeCanceled NodeStatus = "canceled"
)

const (
	// DataWorkflowInput is a workflow-level input item.
	DataWorkflowInput DataType = "workflow.input"
	// DataWorkflowOutput is a workflow-level output item.
	DataWorkflowOutput DataType = "workflow.output"
	// DataNodeInput is an input item owned by a node.
	DataNodeInput DataType = "node.input"
	// DataNodeOutput is an output item owned by a node.
	DataNodeOutput DataType = "node.output"
	// DataNodeConfig is a configuration value delivered to a node.
	DataNodeConfig DataType = "node.config"
)

const (
	// ContentTypeJSON marks JSON-encoded content.
	ContentTypeJSON = "application/json"
	// ContentTypeText marks plain-text content.
	ContentTypeText = "text/plain"
	// ContentTypeReference marks a reference item whose content is the
	// identifier of another data item.
	ContentTypeReference = "dataflow/reference"
)

const (
	// DiscriminatorSuccess marks an output produced by a successful run.
	DiscriminatorSuccess = "success"
	// DiscriminatorError marks an output produced by a failed run.
	DiscriminatorError = "error"
)

// NewID returns a fresh UUID v7 identifier. UUID v7 encodes the creation time
// in the most significant bits, so identifiers sort by creation time.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source is exhausted; fall back to
		// the v4 generator which panics on the same condition.
		return uuid.NewString()
	}
	return id.String()
}

// Terminal reports whether the dataflow status is terminal.
func (s DataflowStatus) Terminal() bool {
	switch s {
	case DataflowCompleted, DataflowFailed, DataflowCanceled, DataflowTerminated:
		return true
	}
	return false
}

// Valid reports whether s is a known dataflow status.
func (s DataflowStatus) Valid() bool {
	switch s {
	case DataflowPending, DataflowRunning, DataflowCompleted, DataflowFailed, DataflowCanceled, DataflowTerminated:
		return true
	}
	return false
}

// Terminal reports whether the node status is terminal. Template is not
// terminal: template nodes are outside the execution lifecycle entirely.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeCanceled:
		return true
	}
	return false
}

// Valid reports whether s is a known node status.
func (s NodeStatus) Valid() bool {
	switch s {
	case NodePending, NodeRunning, NodeTemplate, NodeCompleted, NodeFailed, NodeCanceled:
		return true
	}
	return false
}

// Valid reports whether t is a known data type.
func (t DataType) Valid() bool {
	switch t {
	case DataWorkflowInput, DataWorkflowOutput, DataNodeInput, DataNodeOutput, DataNodeConfig:
		return true
	}
	return false
}

// NodeOwned reports whether items of this type require an owning node.
func (t DataType) NodeOwned() bool {
	return t == DataNodeInput || t == DataNodeOutput || t == DataNodeConfig
}

// IsReference reports whether the item is a reference to another data item.
func (d *DataItem) IsReference() bool {
	return d.ContentType == ContentTypeReference
}

// ReferenceTarget returns the identifier of the referenced data item. Empty
// when the item is not a reference.
func (d *DataItem) ReferenceTarget() string {
	if !d.IsReference() {
		return ""
	}
	return string(d.Content)
}

// Clone returns a deep copy of the node. Config bytes and metadata are copied
// so mutations of the clone never leak into the original; template prototypes
// rely on this to stay immutable snapshots.
func (n *Node) Clone() *Node {
	dup := *n
	if n.Config != nil {
		dup.Config = append([]byte(nil), n.Config...)
	}
	if n.Ancestors != nil {
		dup.Ancestors = append([]string(nil), n.Ancestors...)
	}
	if n.Metadata != nil {
		dup.Metadata = make(map[string]any, len(n.Metadata))
		for k, v := range n.Metadata {
			dup.Metadata[k] = v
		}
	}
	return &dup
}
