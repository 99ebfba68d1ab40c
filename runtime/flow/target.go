package flow

import (
	"encoding/json"
	"fmt"
)

type (
	// Target is a declared destination for a node's output (data_targets) or
	// error (error_targets). The router fulfils each target by creating one
	// data item.
	Target struct {
		// DataType is the destination slot: workflow output, another node's
		// input, or another node's config.
		DataType DataType `json:"data_type"`
		// NodeID is the destination node, when the slot is node-scoped.
		NodeID string `json:"node_id,omitempty"`
		// Key is the slot name within the destination.
		Key string `json:"key,omitempty"`
		// ContentType forces the encoding of the routed content. Empty means
		// JSON for structured values, text otherwise.
		ContentType string `json:"content_type,omitempty"`
	}

	// commonConfig is the slice of node configuration shared by every node
	// type: routing targets and input readiness declarations. Type-specific
	// configuration lives alongside these fields in the same JSON object and
	// is decoded by the owning runtime.
	commonConfig struct {
		DataTargets       []Target  `json:"data_targets,omitempty"`
		ErrorTargets      []Target  `json:"error_targets,omitempty"`
		RequiredInputKeys *[]string `json:"required_input_keys,omitempty"`
	}
)

// Validate checks the target in isolation.
func (t Target) Validate() error {
	if !t.DataType.Valid() {
		return fmt.Errorf("invalid target data_type %q", t.DataType)
	}
	if t.DataType.NodeOwned() && t.NodeID == "" {
		return fmt.Errorf("target data_type %q requires node_id", t.DataType)
	}
	return nil
}

// Targets decodes the routing targets declared in a node configuration.
// A nil or empty config yields no targets.
func Targets(config []byte) (data, errs []Target, err error) {
	if len(config) == 0 {
		return nil, nil, nil
	}
	var cc commonConfig
	if jerr := json.Unmarshal(config, &cc); jerr != nil {
		return nil, nil, fmt.Errorf("decode targets: %w", jerr)
	}
	return cc.DataTargets, cc.ErrorTargets, nil
}

// RequiredInputKeys decodes the input readiness declaration of a node
// configuration. The boolean reports whether the key was declared at all: a
// declared empty list means "runs with no inputs", while an undeclared list
// means readiness requires at least one node.input item.
func RequiredInputKeys(config []byte) ([]string, bool, error) {
	if len(config) == 0 {
		return nil, false, nil
	}
	var cc commonConfig
	if err := json.Unmarshal(config, &cc); err != nil {
		return nil, false, fmt.Errorf("decode required_input_keys: %w", err)
	}
	if cc.RequiredInputKeys == nil {
		return nil, false, nil
	}
	return *cc.RequiredInputKeys, true, nil
}
