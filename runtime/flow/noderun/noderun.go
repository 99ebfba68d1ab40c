// Package noderun defines the contract between the scheduler and node type
// implementations.
//
// A Runtime executes one node and reports an Outcome: complete, fail,
// canceled, or yield. Yield suspends the node until a set of child nodes
// settles; the runtime hands back an opaque continuation state and is resumed
// with it later. Runtimes never write to the store directly except through
// the facade's Apply, which batches commands atomically.
package noderun

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"goa.design/dataflow/runtime/flow"
	"goa.design/dataflow/runtime/flow/command"
	"goa.design/dataflow/runtime/flow/funcs"
)

// Kind discriminates node run outcomes.
type Kind string

const (
	// KindComplete reports a successful run with a result value.
	KindComplete Kind = "complete"
	// KindFail reports a failed run with an engine error code.
	KindFail Kind = "fail"
	// KindCanceled reports a run stopped by cancellation.
	KindCanceled Kind = "canceled"
	// KindYield suspends the node until child nodes settle.
	KindYield Kind = "yield"
)

type (
	// Outcome is the result of one Run or Resume call.
	Outcome struct {
		// Kind discriminates which of the remaining fields are meaningful.
		Kind Kind
		// Result is the node output value. Set for KindComplete.
		Result any
		// Message is an optional completion message. Set for KindComplete.
		Message string
		// ErrorCode is the engine error code. Set for KindFail and
		// KindCanceled.
		ErrorCode string
		// ErrorMessage describes the failure. Set for KindFail and
		// KindCanceled.
		ErrorMessage string
		// Yield carries the suspension request. Set for KindYield.
		Yield *Yield
	}

	// Yield asks the scheduler to suspend the node.
	Yield struct {
		// Run lists pending node identifiers to enqueue now.
		Run []string
		// Wait lists the node identifiers whose settlement resumes the
		// suspended node. The node resumes once all of them are terminal.
		Wait []string
		// State is the opaque continuation handed back on Resume.
		State json.RawMessage
	}

	// Facade is the node's window onto the engine. Implementations scope every
	// call to the node's dataflow.
	Facade interface {
		// Node returns the node being executed.
		Node() *flow.Node

		// Config decodes the node configuration into v.
		Config(v any) error

		// Inputs returns the node's node.input items, references resolved.
		Inputs(ctx context.Context) ([]*flow.DataItem, error)

		// Children returns the node's direct children, optionally filtered by
		// status. Empty status means all children.
		Children(ctx context.Context, status flow.NodeStatus) ([]*flow.Node, error)

		// NodeOutputs returns the node.output items of another node of the
		// same dataflow, references resolved.
		NodeOutputs(ctx context.Context, nodeID string) ([]*flow.DataItem, error)

		// Apply appends a command batch to the dataflow log atomically.
		Apply(ctx context.Context, cmds []*command.Command) error

		// Funcs returns the function registry.
		Funcs() *funcs.Registry
	}

	// Runtime executes nodes of one type.
	Runtime interface {
		// Run executes the node from its initial state.
		Run(ctx context.Context, f Facade) Outcome

		// Resume continues a node suspended by a yield, with the continuation
		// state the yield carried.
		Resume(ctx context.Context, f Facade, state json.RawMessage) Outcome
	}

	// Registry maps node types to runtimes. Safe for concurrent use.
	Registry struct {
		mu       sync.RWMutex
		runtimes map[string]Runtime
	}
)

// Complete builds a successful outcome.
func Complete(result any, message string) Outcome {
	return Outcome{Kind: KindComplete, Result: result, Message: message}
}

// Fail builds a failed outcome with a formatted message.
func Fail(code, format string, args ...any) Outcome {
	return Outcome{Kind: KindFail, ErrorCode: code, ErrorMessage: fmt.Sprintf(format, args...)}
}

// FailErr builds a failed outcome from an error, extracting its engine code.
func FailErr(err error) Outcome {
	return Outcome{Kind: KindFail, ErrorCode: flow.ErrorCode(err), ErrorMessage: err.Error()}
}

// Canceled builds a canceled outcome.
func Canceled(code, format string, args ...any) Outcome {
	return Outcome{Kind: KindCanceled, ErrorCode: code, ErrorMessage: fmt.Sprintf(format, args...)}
}

// Suspend builds a yield outcome. The scheduler enqueues run, records wait as
// the resume condition and stores state for the Resume call.
func Suspend(run, wait []string, state json.RawMessage) Outcome {
	return Outcome{Kind: KindYield, Yield: &Yield{Run: run, Wait: wait, State: state}}
}

// NewRegistry returns an empty runtime registry.
func NewRegistry() *Registry {
	return &Registry{runtimes: make(map[string]Runtime)}
}

// Register adds a runtime for a node type. Duplicate types are rejected.
func (r *Registry) Register(nodeType string, rt Runtime) error {
	if nodeType == "" {
		return fmt.Errorf("node type is required")
	}
	if rt == nil {
		return fmt.Errorf("runtime for %q is nil", nodeType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.runtimes[nodeType]; dup {
		return fmt.Errorf("runtime for %q already registered", nodeType)
	}
	r.runtimes[nodeType] = rt
	return nil
}

// Lookup returns the runtime for a node type.
func (r *Registry) Lookup(nodeType string) (Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[nodeType]
	return rt, ok
}

// Types returns the registered node types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.runtimes))
	for t := range r.runtimes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// SelectInput reduces a node's input items to the value handed to its
// function:
//
//   - an item with key "default" wins outright, then an item with an empty
//     key,
//   - a single item contributes its value directly,
//   - multiple items are merged into a map keyed by item key.
//
// With no items the result is nil and ok is false; whether that is an error
// depends on the node's readiness declaration.
func SelectInput(items []*flow.DataItem, decode func(*flow.DataItem) (any, error)) (any, bool, error) {
	if len(items) == 0 {
		return nil, false, nil
	}
	for _, key := range []string{"default", ""} {
		for _, item := range items {
			if item.Key == key {
				v, err := decode(item)
				return v, true, err
			}
		}
	}
	if len(items) == 1 {
		v, err := decode(items[0])
		return v, true, err
	}
	merged := make(map[string]any, len(items))
	for _, item := range items {
		v, err := decode(item)
		if err != nil {
			return nil, false, err
		}
		merged[item.Key] = v
	}
	return merged, true, nil
}
