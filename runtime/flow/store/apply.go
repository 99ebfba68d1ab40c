package store

import (
	"fmt"
	"time"

	"goa.design/dataflow/runtime/flow"
	"goa.design/dataflow/runtime/flow/command"
)

type (
	// View is the mutable state slice Replay operates on. Backends implement
	// it over their native transaction primitive: the in-memory store mutates
	// a staged copy of its maps, the Mongo store buffers writes inside a
	// session transaction.
	View interface {
		// Dataflow returns the dataflow owning the log.
		Dataflow() *flow.Dataflow
		// Node returns a node of the dataflow by identifier.
		Node(id string) (*flow.Node, bool)
		// PutNode stages a created or updated node.
		PutNode(n *flow.Node)
		// PutData stages a created data item.
		PutData(d *flow.DataItem)
	}

	// applyFunc applies one command payload to the view.
	applyFunc func(v View, c *command.Command, now time.Time) error
)

// appliers maps each command type to its application logic. The table is the
// single place command semantics live; every backend funnels through it.
var appliers = map[command.Type]applyFunc{
	command.TypeCreateNode:       applyCreateNode,
	command.TypeUpdateNodeStatus: applyUpdateNodeStatus,
	command.TypeCreateData:       applyCreateData,
	command.TypeCompleteNode:     applyCompleteNode,
	command.TypeFailNode:         applyFailNode,
}

// Replay applies a validated command batch to the view. It enforces the node
// state machine and the terminal-dataflow guard; any error aborts the whole
// batch (the caller discards the staged writes).
func Replay(v View, cmds []*command.Command, now time.Time) error {
	df := v.Dataflow()
	for _, c := range cmds {
		if df.Status.Terminal() {
			return fmt.Errorf("%w: dataflow %s is %s, no further changes accepted", ErrInvalidPayload, df.ID, df.Status)
		}
		apply, ok := appliers[c.Type]
		if !ok {
			return fmt.Errorf("%w: unknown command type %q", ErrInvalidPayload, c.Type)
		}
		if err := apply(v, c, now); err != nil {
			return err
		}
	}
	return nil
}

func applyCreateNode(v View, c *command.Command, _ time.Time) error {
	p := c.Payload.(command.CreateNode)
	if _, exists := v.Node(p.NodeID); exists {
		return fmt.Errorf("%w: node %s already exists", ErrInvalidPayload, p.NodeID)
	}
	n := &flow.Node{
		ID:         p.NodeID,
		DataflowID: c.DataflowID,
		Type:       p.NodeType,
		Status:     p.Status,
		ParentID:   p.ParentNodeID,
		Config:     append([]byte(nil), p.Config...),
		Metadata:   p.Metadata,
	}
	if p.ParentNodeID != "" {
		parent, ok := v.Node(p.ParentNodeID)
		if !ok {
			return fmt.Errorf("%w: parent node %s not found", ErrInvalidPayload, p.ParentNodeID)
		}
		n.Ancestors = append(append([]string(nil), parent.Ancestors...), parent.ID)
	}
	v.PutNode(n)
	return nil
}

func applyUpdateNodeStatus(v View, c *command.Command, _ time.Time) error {
	p := c.Payload.(command.UpdateNodeStatus)
	return transition(v, p.NodeID, p.Status, nil)
}

func applyCreateData(v View, c *command.Command, now time.Time) error {
	p := c.Payload.(command.CreateData)
	if p.NodeID != "" {
		if _, ok := v.Node(p.NodeID); !ok {
			return fmt.Errorf("%w: data item %s references unknown node %s", ErrInvalidPayload, p.DataID, p.NodeID)
		}
	}
	v.PutData(&flow.DataItem{
		ID:            p.DataID,
		DataflowID:    c.DataflowID,
		NodeID:        p.NodeID,
		Type:          p.DataType,
		Key:           p.Key,
		Content:       append([]byte(nil), p.Content...),
		ContentType:   p.ContentType,
		Discriminator: p.Discriminator,
		Metadata:      p.Metadata,
		CreatedAt:     now,
	})
	return nil
}

func applyCompleteNode(v View, c *command.Command, _ time.Time) error {
	p := c.Payload.(command.CompleteNode)
	var meta map[string]any
	if p.Message != "" {
		meta = map[string]any{"message": p.Message}
	}
	return transition(v, p.NodeID, flow.NodeCompleted, meta)
}

func applyFailNode(v View, c *command.Command, _ time.Time) error {
	p := c.Payload.(command.FailNode)
	return transition(v, p.NodeID, flow.NodeFailed, map[string]any{
		"error_code":    p.ErrorCode,
		"error_message": p.ErrorMessage,
	})
}

// transition loads the node, applies the status change through the state
// machine and stages the result. Extra metadata entries are merged in.
func transition(v View, nodeID string, to flow.NodeStatus, meta map[string]any) error {
	n, ok := v.Node(nodeID)
	if !ok {
		return fmt.Errorf("%w: node %s not found", ErrInvalidPayload, nodeID)
	}
	dup := n.Clone()
	if err := dup.Transition(to); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPayload, err)
	}
	if len(meta) > 0 {
		if dup.Metadata == nil {
			dup.Metadata = make(map[string]any, len(meta))
		}
		for k, val := range meta {
			dup.Metadata[k] = val
		}
	}
	v.PutNode(dup)
	return nil
}
