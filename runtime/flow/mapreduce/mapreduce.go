// Package mapreduce implements the map_reduce node runtime: batched template
// expansion, per-item pipelines, failure strategies and reduction.
//
// The runtime never blocks on child execution. It materialises one batch of
// iterations, yields to the scheduler with the clone identifiers to run and
// wait on, and is resumed with its continuation state once every clone of the
// batch settled. The continuation state is plain JSON so suspended nodes
// survive process restarts.
package mapreduce

import (
	"context"
	"encoding/json"
	"fmt"

	"goa.design/dataflow/runtime/flow"
	"goa.design/dataflow/runtime/flow/graph"
	"goa.design/dataflow/runtime/flow/iterator"
	"goa.design/dataflow/runtime/flow/noderun"
	"goa.design/dataflow/runtime/flow/router"
)

type (
	// Runtime executes map_reduce nodes.
	Runtime struct{}

	// SuccessEntry is one successful iteration in the aggregate result.
	SuccessEntry struct {
		// Iteration is the zero-based item index.
		Iteration int `json:"iteration"`
		// Value is the iteration result after item steps.
		Value any `json:"value"`
	}

	// FailureEntry is one failed iteration in the aggregate result.
	FailureEntry struct {
		// Iteration is the zero-based item index.
		Iteration int `json:"iteration"`
		// ErrorCode is the engine error code of the failure.
		ErrorCode string `json:"error_code"`
		// ErrorMessage describes the failure.
		ErrorMessage string `json:"error_message"`
	}

	// Result is the raw aggregate structure assembled after all iterations.
	Result struct {
		Successes       []SuccessEntry `json:"successes"`
		Failures        []FailureEntry `json:"failures"`
		SuccessCount    int            `json:"success_count"`
		FailureCount    int            `json:"failure_count"`
		TotalIterations int            `json:"total_iterations"`
	}

	// iterationState is the persisted shape of one in-flight iteration.
	iterationState struct {
		Index      int               `json:"index"`
		NodeIDs    []string          `json:"node_ids"`
		RootIDs    []string          `json:"root_ids"`
		ByTemplate map[string]string `json:"by_template"`
	}

	// state is the continuation carried across yields.
	state struct {
		Items     []any            `json:"items"`
		Next      int              `json:"next"`
		Pending   []iterationState `json:"pending"`
		Successes []SuccessEntry   `json:"successes"`
		Failures  []FailureEntry   `json:"failures"`
	}
)

// NewRuntime returns the runtime for map_reduce nodes.
func NewRuntime() *Runtime { return &Runtime{} }

// Run implements noderun.Runtime.
func (r *Runtime) Run(ctx context.Context, f noderun.Facade) noderun.Outcome {
	if err := ctx.Err(); err != nil {
		return noderun.Canceled(flow.CodeNodeCanceled, "node %s canceled: %v", f.Node().ID, err)
	}
	cfg, err := ParseConfig(f.Node().Config)
	if err != nil {
		return noderun.FailErr(err)
	}

	items, out := r.loadItems(ctx, f, cfg)
	if out != nil {
		return *out
	}

	it, err := r.buildIterator(ctx, f)
	if err != nil {
		return noderun.FailErr(err)
	}

	st := &state{Items: items}
	if len(items) == 0 {
		return r.finalize(ctx, f, cfg, st)
	}
	return r.expandBatch(ctx, f, cfg, it, st)
}

// Resume implements noderun.Runtime. Called once every clone of the pending
// batch reached a terminal status.
func (r *Runtime) Resume(ctx context.Context, f noderun.Facade, raw json.RawMessage) noderun.Outcome {
	if err := ctx.Err(); err != nil {
		return noderun.Canceled(flow.CodeNodeCanceled, "node %s canceled: %v", f.Node().ID, err)
	}
	cfg, err := ParseConfig(f.Node().Config)
	if err != nil {
		return noderun.FailErr(err)
	}
	var st state
	if err := json.Unmarshal(raw, &st); err != nil {
		return noderun.Fail(flow.CodeInternal, "node %s has corrupt continuation state: %v", f.Node().ID, err)
	}
	it, err := r.buildIterator(ctx, f)
	if err != nil {
		return noderun.FailErr(err)
	}

	for _, pending := range st.Pending {
		iter := &iterator.Iteration{
			Index:      pending.Index,
			NodeIDs:    pending.NodeIDs,
			RootIDs:    pending.RootIDs,
			ByTemplate: pending.ByTemplate,
		}
		outputs, err := it.CollectResults(ctx, f.NodeOutputs, iter)
		if err != nil {
			return noderun.FailErr(flow.WrapCoded(flow.CodeIterationFailed, err))
		}
		success, failure := settleIteration(pending.Index, outputs)
		if failure == nil {
			value, dropped, err := ApplyItemSteps(ctx, f.Funcs(), cfg.ItemSteps, success.Value)
			switch {
			case err != nil:
				failure = &FailureEntry{Iteration: pending.Index, ErrorCode: flow.ErrorCode(err), ErrorMessage: err.Error()}
			case dropped:
				continue
			default:
				success.Value = value
			}
		}
		if failure != nil {
			if cfg.FailureStrategy == StrategyFailFast {
				return noderun.Fail(flow.CodeIterationFailed,
					"iteration %d failed: %s: %s", failure.Iteration, failure.ErrorCode, failure.ErrorMessage)
			}
			st.Failures = append(st.Failures, *failure)
			continue
		}
		st.Successes = append(st.Successes, *success)
	}
	st.Pending = nil

	if st.Next < len(st.Items) {
		return r.expandBatch(ctx, f, cfg, it, &st)
	}
	return r.finalize(ctx, f, cfg, &st)
}

// loadItems selects the node input and extracts the iteration items.
func (r *Runtime) loadItems(ctx context.Context, f noderun.Facade, cfg *Config) ([]any, *noderun.Outcome) {
	fail := func(o noderun.Outcome) ([]any, *noderun.Outcome) { return nil, &o }

	inputs, err := f.Inputs(ctx)
	if err != nil {
		return fail(noderun.FailErr(err))
	}
	input, ok, err := noderun.SelectInput(inputs, router.Decode)
	if err != nil {
		return fail(noderun.Fail(flow.CodeInvalidInputStructure, "node %s: %v", f.Node().ID, err))
	}
	if !ok {
		return fail(noderun.Fail(flow.CodeNoInputData, "node %s has no input data", f.Node().ID))
	}

	if cfg.SourceArrayKey == "" {
		items, ok := input.([]any)
		if !ok {
			return fail(noderun.Fail(flow.CodeMissingSourceArrayKey,
				"node %s: input is not an array and no source_array_key is configured", f.Node().ID))
		}
		return items, nil
	}
	obj, ok := input.(map[string]any)
	if !ok {
		return fail(noderun.Fail(flow.CodeInvalidInputStructure,
			"node %s: input is not an object, cannot read key %q", f.Node().ID, cfg.SourceArrayKey))
	}
	items, ok := obj[cfg.SourceArrayKey].([]any)
	if !ok {
		return fail(noderun.Fail(flow.CodeInvalidInputStructure,
			"node %s: input key %q is missing or not an array", f.Node().ID, cfg.SourceArrayKey))
	}
	return items, nil
}

// buildIterator discovers the template children and builds the iteration
// machinery over their graph.
func (r *Runtime) buildIterator(ctx context.Context, f noderun.Facade) (*iterator.Iterator, error) {
	templates, err := f.Children(ctx, flow.NodeTemplate)
	if err != nil {
		return nil, flow.WrapCoded(flow.CodeTemplateDiscoveryFailed, err)
	}
	g, err := graph.Build(f.Node(), templates)
	if err != nil {
		return nil, err
	}
	return iterator.New(f.Node(), g)
}

// expandBatch materialises the next batch of iterations and yields until every
// clone settles.
func (r *Runtime) expandBatch(ctx context.Context, f noderun.Facade, cfg *Config, it *iterator.Iterator, st *state) noderun.Outcome {
	end := st.Next + cfg.BatchSize
	if end > len(st.Items) {
		end = len(st.Items)
	}
	iters, cmds, err := it.CreateBatch(st.Items[st.Next:end], st.Next, cfg.IterationInputKey)
	if err != nil {
		return noderun.FailErr(err)
	}
	if err := f.Apply(ctx, cmds); err != nil {
		return noderun.FailErr(flow.WrapCoded(flow.CodeIterationFailed, err))
	}

	var run, wait []string
	for _, iter := range iters {
		st.Pending = append(st.Pending, iterationState{
			Index:      iter.Index,
			NodeIDs:    iter.NodeIDs,
			RootIDs:    iter.RootIDs,
			ByTemplate: iter.ByTemplate,
		})
		run = append(run, iter.RootIDs...)
		wait = append(wait, iter.NodeIDs...)
	}
	st.Next = end

	raw, err := json.Marshal(st)
	if err != nil {
		return noderun.Fail(flow.CodeInternal, "node %s: encode continuation state: %v", f.Node().ID, err)
	}
	return noderun.Suspend(run, wait, raw)
}

// finalize assembles the aggregate result, applies the extractor and the
// reduction pipeline and completes the node.
func (r *Runtime) finalize(ctx context.Context, f noderun.Facade, cfg *Config, st *state) noderun.Outcome {
	res := &Result{
		Successes:       st.Successes,
		Failures:        st.Failures,
		SuccessCount:    len(st.Successes),
		FailureCount:    len(st.Failures),
		TotalIterations: len(st.Items),
	}
	if res.Successes == nil {
		res.Successes = []SuccessEntry{}
	}
	if res.Failures == nil {
		res.Failures = []FailureEntry{}
	}

	var value any
	switch {
	case cfg.ReductionExtract != "":
		value = extract(cfg.ReductionExtract, res)
	case cfg.FailureStrategy == StrategyIgnoreFailures:
		value = successValues(res.Successes)
	default:
		value = res
	}
	if len(cfg.ReductionSteps) > 0 {
		reduced, err := ApplyReductionSteps(ctx, f.Funcs(), cfg.ReductionSteps, value)
		if err != nil {
			return noderun.FailErr(err)
		}
		value = reduced
	}
	msg := fmt.Sprintf("%d/%d iterations succeeded", res.SuccessCount, res.TotalIterations)
	return noderun.Complete(value, msg)
}

// settleIteration classifies the collected outputs of one iteration. An error
// output or an empty output set fails the iteration.
func settleIteration(index int, outputs []iterator.Output) (*SuccessEntry, *FailureEntry) {
	if len(outputs) == 0 {
		return nil, &FailureEntry{
			Iteration:    index,
			ErrorCode:    flow.CodeIterationFailed,
			ErrorMessage: "iteration produced no output",
		}
	}
	for _, out := range outputs {
		if out.Discriminator != flow.DiscriminatorError {
			continue
		}
		fe := &FailureEntry{Iteration: index, ErrorCode: flow.CodeIterationFailed}
		if m, ok := out.Value.(map[string]any); ok {
			if code, ok := m["error_code"].(string); ok && code != "" {
				fe.ErrorCode = code
			}
			if msg, ok := m["error_message"].(string); ok {
				fe.ErrorMessage = msg
			}
		}
		return nil, fe
	}
	return &SuccessEntry{Iteration: index, Value: iterator.Value(outputs)}, nil
}

// extract projects the raw result to the business-data array handed to the
// reduction pipeline.
func extract(extractor string, res *Result) any {
	switch extractor {
	case ExtractSuccesses:
		return successValues(res.Successes)
	case ExtractFailures:
		out := make([]any, 0, len(res.Failures))
		for _, fe := range res.Failures {
			out = append(out, failureValue(fe))
		}
		return out
	case ExtractAll:
		// Merge both lists in iteration order.
		out := make([]any, 0, len(res.Successes)+len(res.Failures))
		si, fi := 0, 0
		for si < len(res.Successes) || fi < len(res.Failures) {
			switch {
			case fi == len(res.Failures):
				out = append(out, res.Successes[si].Value)
				si++
			case si == len(res.Successes):
				out = append(out, failureValue(res.Failures[fi]))
				fi++
			case res.Successes[si].Iteration < res.Failures[fi].Iteration:
				out = append(out, res.Successes[si].Value)
				si++
			default:
				out = append(out, failureValue(res.Failures[fi]))
				fi++
			}
		}
		return out
	}
	return res
}

func successValues(entries []SuccessEntry) []any {
	out := make([]any, 0, len(entries))
	for _, se := range entries {
		out = append(out, se.Value)
	}
	return out
}

func failureValue(fe FailureEntry) map[string]any {
	return map[string]any{
		"iteration":     fe.Iteration,
		"error_code":    fe.ErrorCode,
		"error_message": fe.ErrorMessage,
	}
}
