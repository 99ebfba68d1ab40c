// Package command defines the append-only command log vocabulary: ordered,
// serialisable descriptions of every state mutation applied to a dataflow.
//
// All engine writes are expressed as commands and routed through
// store.Apply, which appends them to the per-dataflow log and applies them to
// the dataflow, node and data tables in one transaction. Commands carry UUID
// v7 identifiers so replay after a crash is idempotent: a command that is
// already logged for its (dataflow, seq) slot is skipped.
//
// The command types form a closed tagged union. Unknown types are rejected at
// decode time, never dispatched dynamically.
package command

import (
	"encoding/json"
	"fmt"
	"time"

	"goa.design/dataflow/runtime/flow"
)

// Type identifies a command payload shape.
type Type string

const (
	// TypeCreateNode creates a node row.
	TypeCreateNode Type = "create_node"
	// TypeUpdateNodeStatus applies a node status transition.
	TypeUpdateNodeStatus Type = "update_node_status"
	// TypeCreateData creates an immutable data item.
	TypeCreateData Type = "create_data"
	// TypeCompleteNode marks a node completed.
	TypeCompleteNode Type = "complete_node"
	// TypeFailNode marks a node failed and records the error.
	TypeFailNode Type = "fail_node"
)

type (
	// Command is one record in the append-only log. Seq is assigned by the
	// store when the command is appended; AppliedAt is set once the command
	// has been applied to the tables it describes.
	Command struct {
		// ID is the UUID v7 identifier making the command content-addressable.
		ID string
		// DataflowID scopes the command to one dataflow log.
		DataflowID string
		// Seq is the store-assigned sequence number, monotone per dataflow.
		Seq int64
		// Type discriminates the payload.
		Type Type
		// Payload is the typed mutation description.
		Payload Payload
		// AppliedAt is zero until the command has been applied.
		AppliedAt time.Time
	}

	// Payload is implemented by every command payload.
	Payload interface {
		// Validate checks the payload shape in isolation.
		Validate() error

		commandType() Type
	}

	// CreateNode creates a node. The ancestor path is not part of the
	// payload: the store derives it from the parent node at apply time so it
	// can never disagree with parent_node_id.
	CreateNode struct {
		NodeID       string          `json:"node_id"`
		NodeType     string          `json:"node_type"`
		ParentNodeID string          `json:"parent_node_id,omitempty"`
		Status       flow.NodeStatus `json:"status"`
		Config       json.RawMessage `json:"config,omitempty"`
		Metadata     map[string]any  `json:"metadata,omitempty"`
	}

	// UpdateNodeStatus applies a node status transition.
	UpdateNodeStatus struct {
		NodeID string          `json:"node_id"`
		Status flow.NodeStatus `json:"status"`
		Reason string          `json:"reason,omitempty"`
	}

	// CreateData creates one immutable data item.
	CreateData struct {
		DataID        string         `json:"data_id"`
		DataType      flow.DataType  `json:"data_type"`
		NodeID        string         `json:"node_id,omitempty"`
		Key           string         `json:"key,omitempty"`
		Content       []byte         `json:"content"`
		ContentType   string         `json:"content_type"`
		Discriminator string         `json:"discriminator,omitempty"`
		Metadata      map[string]any `json:"metadata,omitempty"`
	}

	// CompleteNode marks a node completed.
	CompleteNode struct {
		NodeID  string `json:"node_id"`
		Message string `json:"message,omitempty"`
	}

	// FailNode marks a node failed and records the engine error code and
	// message for post-mortem inspection.
	FailNode struct {
		NodeID       string `json:"node_id"`
		ErrorCode    string `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	}
)

// New builds a command for the given dataflow with a fresh identifier. The
// sequence number is assigned later, when the store appends the command.
func New(dataflowID string, p Payload) *Command {
	return &Command{
		ID:         flow.NewID(),
		DataflowID: dataflowID,
		Type:       p.commandType(),
		Payload:    p,
	}
}

func (CreateNode) commandType() Type       { return TypeCreateNode }
func (UpdateNodeStatus) commandType() Type { return TypeUpdateNodeStatus }
func (CreateData) commandType() Type       { return TypeCreateData }
func (CompleteNode) commandType() Type     { return TypeCompleteNode }
func (FailNode) commandType() Type         { return TypeFailNode }

// Validate implements Payload.
func (p CreateNode) Validate() error {
	if p.NodeID == "" {
		return fmt.Errorf("create_node: node_id is required")
	}
	if p.NodeType == "" {
		return fmt.Errorf("create_node: node_type is required")
	}
	if !p.Status.Valid() {
		return fmt.Errorf("create_node: invalid status %q", p.Status)
	}
	if p.Status != flow.NodePending && p.Status != flow.NodeTemplate {
		return fmt.Errorf("create_node: nodes are created pending or template, got %q", p.Status)
	}
	if p.Status == flow.NodeTemplate && p.ParentNodeID == "" {
		return fmt.Errorf("create_node: template nodes require parent_node_id")
	}
	return nil
}

// Validate implements Payload.
func (p UpdateNodeStatus) Validate() error {
	if p.NodeID == "" {
		return fmt.Errorf("update_node_status: node_id is required")
	}
	if !p.Status.Valid() {
		return fmt.Errorf("update_node_status: invalid status %q", p.Status)
	}
	if p.Status == flow.NodeTemplate {
		return fmt.Errorf("update_node_status: template is assigned at creation time only")
	}
	return nil
}

// Validate implements Payload.
func (p CreateData) Validate() error {
	if p.DataID == "" {
		return fmt.Errorf("create_data: data_id is required")
	}
	if !p.DataType.Valid() {
		return fmt.Errorf("create_data: invalid data_type %q", p.DataType)
	}
	if p.DataType.NodeOwned() && p.NodeID == "" {
		return fmt.Errorf("create_data: data_type %q requires node_id", p.DataType)
	}
	if p.ContentType == "" {
		return fmt.Errorf("create_data: content_type is required")
	}
	return nil
}

// Validate implements Payload.
func (p CompleteNode) Validate() error {
	if p.NodeID == "" {
		return fmt.Errorf("complete_node: node_id is required")
	}
	return nil
}

// Validate implements Payload.
func (p FailNode) Validate() error {
	if p.NodeID == "" {
		return fmt.Errorf("fail_node: node_id is required")
	}
	if p.ErrorCode == "" {
		return fmt.Errorf("fail_node: error_code is required")
	}
	return nil
}

// Validate checks the command header and payload.
func (c *Command) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("command id is required")
	}
	if c.DataflowID == "" {
		return fmt.Errorf("command dataflow_id is required")
	}
	if c.Payload == nil {
		return fmt.Errorf("command payload is required")
	}
	if c.Type != c.Payload.commandType() {
		return fmt.Errorf("command type %q does not match payload type %q", c.Type, c.Payload.commandType())
	}
	return c.Payload.Validate()
}

// ValidateBatch validates every command in the batch and checks that all of
// them target the given dataflow.
func ValidateBatch(dataflowID string, cmds []*Command) error {
	if len(cmds) == 0 {
		return fmt.Errorf("command batch is empty")
	}
	for i, c := range cmds {
		if c == nil {
			return fmt.Errorf("command %d is nil", i)
		}
		if c.DataflowID != dataflowID {
			return fmt.Errorf("command %d targets dataflow %q, want %q", i, c.DataflowID, dataflowID)
		}
		if err := c.Validate(); err != nil {
			return fmt.Errorf("command %d: %w", i, err)
		}
	}
	return nil
}
