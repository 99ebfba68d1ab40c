package mapreduce

import (
	"context"
	"fmt"
	"sort"

	"goa.design/dataflow/runtime/flow"
)

// Invoker calls registered functions by identifier. *funcs.Registry satisfies
// it.
type Invoker interface {
	Invoke(ctx context.Context, id string, input any, fnCtx map[string]any) (any, error)
}

// ApplyItemSteps runs the per-iteration pipeline over one iteration result.
// dropped reports a filter rejection, which removes the iteration from the
// success list without counting as a failure. Errors carry
// item_pipeline_failed.
func ApplyItemSteps(ctx context.Context, inv Invoker, steps []Step, value any) (out any, dropped bool, err error) {
	for i, step := range steps {
		switch step.Type {
		case StepMap:
			mapped, err := inv.Invoke(ctx, step.FuncID, value, step.Context)
			if err != nil {
				return nil, false, flow.Coded(flow.CodeItemPipelineFailed, "item_steps[%d] %s: %v", i, step.FuncID, err)
			}
			value = mapped
		case StepFilter:
			keep, err := inv.Invoke(ctx, step.FuncID, value, step.Context)
			if err != nil {
				return nil, false, flow.Coded(flow.CodeItemPipelineFailed, "item_steps[%d] %s: %v", i, step.FuncID, err)
			}
			if !truthy(keep) {
				return nil, true, nil
			}
		default:
			return nil, false, flow.Coded(flow.CodeInvalidPipelineStep, "item_steps[%d]: unknown type %q", i, step.Type)
		}
	}
	return value, false, nil
}

// ApplyReductionSteps runs the reduction pipeline over the extracted data.
// Errors carry pipeline_failed.
func ApplyReductionSteps(ctx context.Context, inv Invoker, steps []Step, value any) (any, error) {
	for i, step := range steps {
		var err error
		switch step.Type {
		case StepMap:
			value, err = reduceMap(ctx, inv, step, value)
		case StepFilter:
			value, err = reduceFilter(ctx, inv, step, value)
		case StepGroup:
			value, err = reduceGroup(ctx, inv, step, value)
		case StepReduceGroups:
			value, err = reduceGroups(ctx, inv, step, value)
		case StepAggregate:
			value, err = inv.Invoke(ctx, step.FuncID, value, step.Context)
			if err != nil {
				err = fmt.Errorf("%s: %w", step.FuncID, err)
			}
		case StepFlatten:
			value = flatten(value)
		default:
			return nil, flow.Coded(flow.CodeInvalidPipelineStep, "reduction_steps[%d]: unknown type %q", i, step.Type)
		}
		if err != nil {
			return nil, flow.Coded(flow.CodePipelineFailed, "reduction_steps[%d]: %v", i, err)
		}
	}
	return value, nil
}

func reduceMap(ctx context.Context, inv Invoker, step Step, value any) (any, error) {
	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("map requires an array, got %T", value)
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		mapped, err := inv.Invoke(ctx, step.FuncID, item, step.Context)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", step.FuncID, err)
		}
		out = append(out, mapped)
	}
	return out, nil
}

func reduceFilter(ctx context.Context, inv Invoker, step Step, value any) (any, error) {
	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("filter requires an array, got %T", value)
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		keep, err := inv.Invoke(ctx, step.FuncID, item, step.Context)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", step.FuncID, err)
		}
		if truthy(keep) {
			out = append(out, item)
		}
	}
	return out, nil
}

// reduceGroup buckets the array by the key function. Keys are rendered as
// strings.
func reduceGroup(ctx context.Context, inv Invoker, step Step, value any) (any, error) {
	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("group requires an array, got %T", value)
	}
	grouped := make(map[string]any, len(items))
	for _, item := range items {
		key, err := inv.Invoke(ctx, step.KeyFuncID, item, step.Context)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", step.KeyFuncID, err)
		}
		k := fmt.Sprint(key)
		bucket, _ := grouped[k].([]any)
		grouped[k] = append(bucket, item)
	}
	return grouped, nil
}

// reduceGroups reduces each bucket to one value. The function receives
// {"key": <k>, "items": <bucket>}; results are ordered by key.
func reduceGroups(ctx context.Context, inv Invoker, step Step, value any) (any, error) {
	grouped, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("reduce_groups requires grouped data, got %T", value)
	}
	keys := make([]string, 0, len(grouped))
	for k := range grouped {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		reduced, err := inv.Invoke(ctx, step.FuncID, map[string]any{"key": k, "items": grouped[k]}, step.Context)
		if err != nil {
			return nil, fmt.Errorf("%s group %q: %w", step.FuncID, k, err)
		}
		out = append(out, reduced)
	}
	return out, nil
}

// flatten removes one level of array nesting. Non-array values pass through
// unchanged.
func flatten(value any) any {
	items, ok := value.([]any)
	if !ok {
		return value
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		if nested, ok := item.([]any); ok {
			out = append(out, nested...)
			continue
		}
		out = append(out, item)
	}
	return out
}

// truthy interprets a filter function result.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	default:
		return true
	}
}
