package noderun

import (
	"context"
	"encoding/json"
	"errors"

	"goa.design/dataflow/runtime/flow"
	"goa.design/dataflow/runtime/flow/router"
)

// FuncConfig is the configuration of a "func" node.
type FuncConfig struct {
	// FuncID names the registered function to invoke.
	FuncID string `json:"func_id"`
	// Context is an optional object handed to the function alongside the
	// input.
	Context map[string]any `json:"context,omitempty"`
}

// FuncRuntime executes "func" nodes: it selects the node input, invokes the
// registered function asynchronously and races the invocation against
// cancellation.
type FuncRuntime struct{}

// NewFuncRuntime returns the runtime for "func" nodes.
func NewFuncRuntime() *FuncRuntime { return &FuncRuntime{} }

// Run implements Runtime.
func (r *FuncRuntime) Run(ctx context.Context, f Facade) Outcome {
	node := f.Node()

	var cfg FuncConfig
	if err := f.Config(&cfg); err != nil {
		return Fail(flow.CodeMissingFuncID, "node %s has invalid config: %v", node.ID, err)
	}
	if cfg.FuncID == "" {
		return Fail(flow.CodeMissingFuncID, "node %s config has no func_id", node.ID)
	}

	items, err := f.Inputs(ctx)
	if err != nil {
		return FailErr(err)
	}
	input, ok, err := SelectInput(items, router.Decode)
	if err != nil {
		return Fail(flow.CodeInvalidInputStructure, "node %s: %v", node.ID, err)
	}
	if !ok && !runsWithoutInput(node.Config) {
		return Fail(flow.CodeNoInputData, "node %s has no input data", node.ID)
	}

	out, err := f.Funcs().Call(ctx, cfg.FuncID, input, cfg.Context)
	if err != nil {
		return Fail(flow.CodeFunctionExecutionFailed, "node %s: %v", node.ID, err)
	}
	select {
	case <-ctx.Done():
		// The function goroutine observes the same context and unwinds on
		// its own; the node settles as canceled immediately.
		return Canceled(flow.CodeFunctionCanceled, "node %s canceled: %v", node.ID, ctx.Err())
	case res := <-out:
		if res.Err != nil {
			if errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded) {
				return Canceled(flow.CodeFunctionCanceled, "node %s canceled: %v", node.ID, res.Err)
			}
			return Fail(flow.CodeFunctionExecutionFailed, "function %s: %v", cfg.FuncID, res.Err)
		}
		return Complete(res.Value, "")
	}
}

// Resume implements Runtime. Func nodes never yield.
func (r *FuncRuntime) Resume(_ context.Context, f Facade, _ json.RawMessage) Outcome {
	return Fail(flow.CodeInternal, "func node %s cannot be resumed", f.Node().ID)
}

// runsWithoutInput reports whether the node declared an empty
// required_input_keys list, opting in to running with no inputs.
func runsWithoutInput(config []byte) bool {
	keys, declared, err := flow.RequiredInputKeys(config)
	return err == nil && declared && len(keys) == 0
}
