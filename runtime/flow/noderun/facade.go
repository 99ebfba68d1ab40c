package noderun

import (
	"context"
	"encoding/json"
	"fmt"

	"goa.design/dataflow/runtime/flow"
	"goa.design/dataflow/runtime/flow/command"
	"goa.design/dataflow/runtime/flow/funcs"
	"goa.design/dataflow/runtime/flow/store"
)

// ApplyFunc appends a command batch to the node's dataflow log. The scheduler
// supplies it so the facade inherits the single-writer sequence tracking.
type ApplyFunc func(ctx context.Context, cmds []*command.Command) error

// storeFacade is the production Facade, backed by a store reader.
type storeFacade struct {
	node   *flow.Node
	reader store.Reader
	apply  ApplyFunc
	funcs  *funcs.Registry
}

// NewFacade builds the facade handed to runtimes. All reads are scoped to the
// node's dataflow.
func NewFacade(node *flow.Node, reader store.Reader, apply ApplyFunc, registry *funcs.Registry) (Facade, error) {
	if node == nil {
		return nil, fmt.Errorf("node is required")
	}
	if reader == nil || apply == nil || registry == nil {
		return nil, fmt.Errorf("reader, apply func and function registry are required")
	}
	return &storeFacade{node: node, reader: reader, apply: apply, funcs: registry}, nil
}

func (f *storeFacade) Node() *flow.Node { return f.node }

func (f *storeFacade) Config(v any) error {
	if len(f.node.Config) == 0 {
		return nil
	}
	return json.Unmarshal(f.node.Config, v)
}

func (f *storeFacade) Inputs(ctx context.Context) ([]*flow.DataItem, error) {
	return f.reader.ListData(ctx, f.node.DataflowID, store.DataFilter{
		NodeID:            f.node.ID,
		Type:              flow.DataNodeInput,
		ResolveReferences: true,
	})
}

func (f *storeFacade) Children(ctx context.Context, status flow.NodeStatus) ([]*flow.Node, error) {
	return f.reader.ListNodes(ctx, f.node.DataflowID, store.NodeFilter{
		ParentID: f.node.ID,
		Status:   status,
	})
}

func (f *storeFacade) NodeOutputs(ctx context.Context, nodeID string) ([]*flow.DataItem, error) {
	return f.reader.ListData(ctx, f.node.DataflowID, store.DataFilter{
		NodeID:            nodeID,
		Type:              flow.DataNodeOutput,
		ResolveReferences: true,
	})
}

func (f *storeFacade) Apply(ctx context.Context, cmds []*command.Command) error {
	return f.apply(ctx, cmds)
}

func (f *storeFacade) Funcs() *funcs.Registry { return f.funcs }
