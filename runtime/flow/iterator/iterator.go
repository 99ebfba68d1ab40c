// Package iterator expands a template graph into per-item clone subgraphs.
//
// For every input item the iterator clones each prototype node with a fresh
// identifier, rewrites intra-template routing targets to point at the clone
// identifiers, and seeds the clone roots with the item as node.input. The
// clones are ordinary pending nodes under the map-reduce parent; the scheduler
// executes them like any other node. Collection reads the node.output items of
// the terminal clones back into Go values.
package iterator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"goa.design/dataflow/runtime/flow"
	"goa.design/dataflow/runtime/flow/command"
	"goa.design/dataflow/runtime/flow/graph"
	"goa.design/dataflow/runtime/flow/router"
)

// InputKey is the key under which the iterator seeds each clone root with its
// item.
const InputKey = "default"

// Metadata keys stamped on every clone.
const (
	// MetaIteration holds the zero-based iteration index.
	MetaIteration = "iteration"
	// MetaTemplateSource holds the identifier of the prototype the clone was
	// created from.
	MetaTemplateSource = "template_source"
	// MetaTitle is the human-readable node title; clones get an " (#<n>)"
	// suffix.
	MetaTitle = "title"
)

type (
	// Iteration describes one expanded clone subgraph.
	Iteration struct {
		// Index is the zero-based position of the item in the input collection.
		Index int
		// NodeIDs are all clone identifiers, ordered by prototype identifier.
		NodeIDs []string
		// RootIDs are the clones of the graph roots, the entry points that
		// receive the item as input.
		RootIDs []string
		// ByTemplate maps prototype identifier to clone identifier.
		ByTemplate map[string]string
	}

	// Output is one decoded node.output item of an iteration clone.
	Output struct {
		// TemplateID is the prototype the producing clone was created from.
		TemplateID string `json:"template_id"`
		// NodeID is the producing clone.
		NodeID string `json:"node_id"`
		// Key is the output key.
		Key string `json:"key"`
		// Discriminator is success or error.
		Discriminator string `json:"discriminator"`
		// Value is the decoded content.
		Value any `json:"content"`
	}

	// OutputsFunc returns the node.output items of a node, references already
	// resolved.
	OutputsFunc func(ctx context.Context, nodeID string) ([]*flow.DataItem, error)

	// Iterator expands one template graph.
	Iterator struct {
		parent *flow.Node
		graph  *graph.TemplateGraph
	}
)

// New returns an iterator over the parent's template graph.
func New(parent *flow.Node, g *graph.TemplateGraph) (*Iterator, error) {
	if parent == nil || g == nil {
		return nil, fmt.Errorf("parent node and template graph are required")
	}
	if g.ParentID != parent.ID {
		return nil, fmt.Errorf("graph belongs to node %s, not %s", g.ParentID, parent.ID)
	}
	return &Iterator{parent: parent, graph: g}, nil
}

// CreateIteration clones the template graph for one item and returns the
// iteration descriptor with the create_node and create_data commands that
// materialise it. inputKey names the slot the item is seeded under, defaulting
// to InputKey. The commands are not applied here; the caller batches them
// through the store.
func (it *Iterator) CreateIteration(item any, index int, inputKey string) (*Iteration, []*command.Command, error) {
	if inputKey == "" {
		inputKey = InputKey
	}
	ids := make([]string, 0, len(it.graph.Nodes))
	for id := range it.graph.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	iter := &Iteration{
		Index:      index,
		ByTemplate: make(map[string]string, len(ids)),
	}
	for _, id := range ids {
		iter.ByTemplate[id] = flow.NewID()
	}

	var cmds []*command.Command
	for _, id := range ids {
		proto := it.graph.Nodes[id]
		cloneID := iter.ByTemplate[id]
		iter.NodeIDs = append(iter.NodeIDs, cloneID)

		config, err := rewriteConfig(proto.Config, iter.ByTemplate)
		if err != nil {
			return nil, nil, flow.Coded(flow.CodeTemplateDiscoveryFailed,
				"template %s: %v", id, err)
		}
		cmds = append(cmds, command.New(it.parent.DataflowID, command.CreateNode{
			NodeID:       cloneID,
			NodeType:     proto.Type,
			ParentNodeID: it.parent.ID,
			Status:       flow.NodePending,
			Config:       config,
			Metadata:     cloneMetadata(proto.Metadata, id, index),
		}))
	}

	content, contentType, err := router.Encode(item, "")
	if err != nil {
		return nil, nil, fmt.Errorf("encode iteration %d item: %w", index, err)
	}
	for _, rootTemplate := range it.graph.Roots {
		rootClone := iter.ByTemplate[rootTemplate]
		iter.RootIDs = append(iter.RootIDs, rootClone)
		cmds = append(cmds, command.New(it.parent.DataflowID, command.CreateData{
			DataID:      flow.NewID(),
			DataType:    flow.DataNodeInput,
			NodeID:      rootClone,
			Key:         inputKey,
			Content:     append([]byte(nil), content...),
			ContentType: contentType,
			Metadata:    map[string]any{MetaIteration: index},
		}))
	}
	return iter, cmds, nil
}

// CreateBatch expands a contiguous slice of items starting at startIndex.
func (it *Iterator) CreateBatch(items []any, startIndex int, inputKey string) ([]*Iteration, []*command.Command, error) {
	iters := make([]*Iteration, 0, len(items))
	var cmds []*command.Command
	for i, item := range items {
		iter, itemCmds, err := it.CreateIteration(item, startIndex+i, inputKey)
		if err != nil {
			return nil, nil, err
		}
		iters = append(iters, iter)
		cmds = append(cmds, itemCmds...)
	}
	return iters, cmds, nil
}

// CollectResults reads the node.output items of every clone in the iteration
// and decodes them. Outputs are ordered by prototype identifier then key.
func (it *Iterator) CollectResults(ctx context.Context, outputs OutputsFunc, iter *Iteration) ([]Output, error) {
	byClone := make(map[string]string, len(iter.ByTemplate))
	for templateID, cloneID := range iter.ByTemplate {
		byClone[cloneID] = templateID
	}

	var results []Output
	for _, cloneID := range iter.NodeIDs {
		items, err := outputs(ctx, cloneID)
		if err != nil {
			return nil, fmt.Errorf("collect outputs of node %s: %w", cloneID, err)
		}
		sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
		for _, item := range items {
			value, err := router.Decode(item)
			if err != nil {
				return nil, err
			}
			results = append(results, Output{
				TemplateID:    byClone[cloneID],
				NodeID:        cloneID,
				Key:           item.Key,
				Discriminator: item.Discriminator,
				Value:         value,
			})
		}
	}
	return results, nil
}

// Value reduces the outputs of one iteration to a single Go value: the lone
// successful output's value when there is exactly one, otherwise the full
// output slice.
func Value(outputs []Output) any {
	if len(outputs) == 1 {
		return outputs[0].Value
	}
	return outputs
}

// rewriteConfig deep-copies the prototype configuration and rewrites every
// data_targets/error_targets node_id that names a prototype in the mapping to
// the corresponding clone identifier. Targets pointing outside the template
// set are left untouched.
func rewriteConfig(config []byte, mapping map[string]string) (json.RawMessage, error) {
	if len(config) == 0 {
		return nil, nil
	}
	var cfg map[string]any
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	for _, field := range []string{"data_targets", "error_targets"} {
		targets, ok := cfg[field].([]any)
		if !ok {
			continue
		}
		for _, raw := range targets {
			target, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			id, ok := target["node_id"].(string)
			if !ok {
				continue
			}
			if cloneID, inSet := mapping[id]; inSet {
				target["node_id"] = cloneID
			}
		}
	}
	out, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// cloneMetadata copies the prototype metadata and stamps the iteration index
// and template source. A title gets an iteration suffix so clone lists stay
// readable.
func cloneMetadata(meta map[string]any, templateID string, index int) map[string]any {
	out := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	if title, ok := out[MetaTitle].(string); ok {
		out[MetaTitle] = fmt.Sprintf("%s (#%d)", title, index)
	}
	out[MetaIteration] = index
	out[MetaTemplateSource] = templateID
	return out
}
