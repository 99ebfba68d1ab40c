// Package router resolves a node's declared data_targets and error_targets
// into create_data commands, and pairs them with the terminal status command
// for the producing node.
//
// The router never writes: it builds command batches that the scheduler
// applies through the store in one transaction, so routed outputs and the
// producer's status change are always committed atomically. Observers can
// never see a completed node without its outputs.
package router

import (
	"context"
	"encoding/json"
	"fmt"

	"goa.design/dataflow/runtime/flow"
	"goa.design/dataflow/runtime/flow/command"
)

// DefaultReferenceThreshold is the encoded size above which outputs are
// stored once and fanned out as dataflow/reference items, when the producing
// node opts in with "reference_outputs": true.
const DefaultReferenceThreshold = 32 * 1024

// OutputKey is the key assigned to the canonical node.output item every
// completing node produces.
const OutputKey = "default"

type (
	// ExistsFunc reports whether a node still exists (and so can receive
	// routed items). Targets naming missing nodes are dropped silently:
	// targets are additive, not required.
	ExistsFunc func(ctx context.Context, nodeID string) bool

	// Router builds routing command batches.
	Router struct {
		exists    ExistsFunc
		threshold int
	}

	// routerConfig is the slice of node configuration the router reads.
	routerConfig struct {
		ReferenceOutputs bool `json:"reference_outputs,omitempty"`
	}
)

// New returns a Router. exists is required; the reference threshold defaults
// to DefaultReferenceThreshold when non-positive.
func New(exists ExistsFunc, referenceThreshold int) (*Router, error) {
	if exists == nil {
		return nil, fmt.Errorf("exists func is required")
	}
	if referenceThreshold <= 0 {
		referenceThreshold = DefaultReferenceThreshold
	}
	return &Router{exists: exists, threshold: referenceThreshold}, nil
}

// RouteSuccess encodes the result, records it as the producer's node.output,
// fans it out to the node's data_targets and appends the complete_node
// command. All commands share one batch.
func (r *Router) RouteSuccess(ctx context.Context, node *flow.Node, result any, message string) ([]*command.Command, error) {
	targets, _, err := flow.Targets(node.Config)
	if err != nil {
		return nil, err
	}
	cmds, err := r.route(ctx, node, result, targets, flow.DiscriminatorSuccess)
	if err != nil {
		return nil, err
	}
	cmds = append(cmds, command.New(node.DataflowID, command.CompleteNode{NodeID: node.ID, Message: message}))
	return cmds, nil
}

// RouteFailure records the error payload as the producer's node.output, fans
// it out to the node's error_targets and appends the fail_node command.
func (r *Router) RouteFailure(ctx context.Context, node *flow.Node, code, message string) ([]*command.Command, error) {
	_, targets, err := flow.Targets(node.Config)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{"error_code": code, "error_message": message}
	cmds, err := r.route(ctx, node, payload, targets, flow.DiscriminatorError)
	if err != nil {
		return nil, err
	}
	cmds = append(cmds, command.New(node.DataflowID, command.FailNode{NodeID: node.ID, ErrorCode: code, ErrorMessage: message}))
	return cmds, nil
}

// route builds the canonical node.output item plus one item per surviving
// target.
func (r *Router) route(ctx context.Context, node *flow.Node, value any, targets []flow.Target, discriminator string) ([]*command.Command, error) {
	content, contentType, err := Encode(value, "")
	if err != nil {
		return nil, fmt.Errorf("encode output of node %s: %w", node.ID, err)
	}

	outputID := flow.NewID()
	cmds := []*command.Command{command.New(node.DataflowID, command.CreateData{
		DataID:        outputID,
		DataType:      flow.DataNodeOutput,
		NodeID:        node.ID,
		Key:           OutputKey,
		Content:       content,
		ContentType:   contentType,
		Discriminator: discriminator,
	})}

	useReferences := r.referenceOutputs(node) && len(content) > r.threshold
	for _, target := range targets {
		if err := target.Validate(); err != nil {
			return nil, fmt.Errorf("node %s: %w", node.ID, err)
		}
		if target.NodeID != "" && !r.exists(ctx, target.NodeID) {
			// Destination is gone (e.g. canceled); drop the target silently.
			continue
		}
		item := command.CreateData{
			DataID:        flow.NewID(),
			DataType:      target.DataType,
			NodeID:        target.NodeID,
			Key:           target.Key,
			Discriminator: discriminator,
		}
		switch {
		case useReferences && target.ContentType == "":
			item.Content = []byte(outputID)
			item.ContentType = flow.ContentTypeReference
		case target.ContentType != "":
			encoded, ct, err := Encode(value, target.ContentType)
			if err != nil {
				return nil, fmt.Errorf("encode target %s/%s of node %s: %w", target.DataType, target.Key, node.ID, err)
			}
			item.Content = encoded
			item.ContentType = ct
		default:
			item.Content = append([]byte(nil), content...)
			item.ContentType = contentType
		}
		cmds = append(cmds, command.New(node.DataflowID, item))
	}
	return cmds, nil
}

func (r *Router) referenceOutputs(node *flow.Node) bool {
	if len(node.Config) == 0 {
		return false
	}
	var cfg routerConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return false
	}
	return cfg.ReferenceOutputs
}

// Encode serialises a routed value. With no forced content type, strings and
// byte slices are stored as text and everything else is JSON-encoded.
func Encode(value any, forced string) ([]byte, string, error) {
	switch forced {
	case "":
		switch v := value.(type) {
		case nil:
			return []byte("null"), flow.ContentTypeJSON, nil
		case string:
			return []byte(v), flow.ContentTypeText, nil
		case []byte:
			return append([]byte(nil), v...), flow.ContentTypeText, nil
		case json.RawMessage:
			return append([]byte(nil), v...), flow.ContentTypeJSON, nil
		default:
			content, err := json.Marshal(value)
			if err != nil {
				return nil, "", err
			}
			return content, flow.ContentTypeJSON, nil
		}
	case flow.ContentTypeText:
		switch v := value.(type) {
		case string:
			return []byte(v), flow.ContentTypeText, nil
		case []byte:
			return append([]byte(nil), v...), flow.ContentTypeText, nil
		default:
			return []byte(fmt.Sprint(v)), flow.ContentTypeText, nil
		}
	case flow.ContentTypeJSON:
		if raw, ok := value.(json.RawMessage); ok {
			return append([]byte(nil), raw...), flow.ContentTypeJSON, nil
		}
		content, err := json.Marshal(value)
		if err != nil {
			return nil, "", err
		}
		return content, flow.ContentTypeJSON, nil
	default:
		// Unknown content types are stored verbatim.
		switch v := value.(type) {
		case string:
			return []byte(v), forced, nil
		case []byte:
			return append([]byte(nil), v...), forced, nil
		default:
			content, err := json.Marshal(value)
			if err != nil {
				return nil, "", err
			}
			return content, forced, nil
		}
	}
}

// Decode parses data item content per its content type: JSON content is
// decoded into Go values, everything else is returned as a string.
func Decode(item *flow.DataItem) (any, error) {
	if item.ContentType == flow.ContentTypeJSON {
		var v any
		if err := json.Unmarshal(item.Content, &v); err != nil {
			return nil, fmt.Errorf("decode data item %s: %w", item.ID, err)
		}
		return v, nil
	}
	return string(item.Content), nil
}
