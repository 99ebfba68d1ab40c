package mapreduce

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/dataflow/runtime/flow"
)

// Failure strategies.
const (
	// StrategyFailFast aborts the node on the first failed iteration.
	StrategyFailFast = "fail_fast"
	// StrategyIgnoreFailures drops failed iterations silently.
	StrategyIgnoreFailures = "ignore_failures"
	// StrategyCollectErrors records failures inside the aggregate result.
	StrategyCollectErrors = "collect_errors"
)

// Extractors project the raw result structure to a business-data array.
const (
	// ExtractSuccesses projects the success values.
	ExtractSuccesses = "successes"
	// ExtractFailures projects the failure records.
	ExtractFailures = "failures"
	// ExtractAll projects successes and failures interleaved by iteration.
	ExtractAll = "all"
)

// Pipeline step types.
const (
	// StepMap replaces each element with the function result.
	StepMap = "map"
	// StepFilter drops elements the function rejects.
	StepFilter = "filter"
	// StepGroup buckets an array by a key function.
	StepGroup = "group"
	// StepReduceGroups reduces each bucket of a grouped object to one value.
	StepReduceGroups = "reduce_groups"
	// StepAggregate reduces the whole value to one result.
	StepAggregate = "aggregate"
	// StepFlatten flattens one level of array nesting.
	StepFlatten = "flatten"
)

// MaxBatchSize caps how many iterations one batch may materialise.
const MaxBatchSize = 1000

type (
	// Step is one pipeline step.
	Step struct {
		// Type is the step kind.
		Type string `json:"type"`
		// FuncID names the function the step invokes. Unused by flatten.
		FuncID string `json:"func_id,omitempty"`
		// KeyFuncID names the key function of a group step.
		KeyFuncID string `json:"key_func_id,omitempty"`
		// Context is handed to the step function. Contexts do not accumulate
		// across steps; each step sees only its own.
		Context map[string]any `json:"context,omitempty"`
	}

	// Config is the configuration of a map_reduce node.
	Config struct {
		// SourceArrayKey names the input key holding the items. Empty means
		// the input itself must be the items array.
		SourceArrayKey string `json:"source_array_key,omitempty"`
		// IterationInputKey is the slot each item is seeded under in the
		// clone roots. Defaults to "default".
		IterationInputKey string `json:"iteration_input_key,omitempty"`
		// BatchSize is how many iterations run concurrently per yield.
		// Defaults to 1.
		BatchSize int `json:"batch_size,omitempty"`
		// FailureStrategy is the policy for failed iterations. Defaults to
		// fail_fast.
		FailureStrategy string `json:"failure_strategy,omitempty"`
		// ItemSteps is the per-iteration post-processing pipeline.
		ItemSteps []Step `json:"item_steps,omitempty"`
		// ReductionExtract projects the raw result before reduction.
		ReductionExtract string `json:"reduction_extract,omitempty"`
		// ReductionSteps is the pipeline applied to the extracted data.
		ReductionSteps []Step `json:"reduction_steps,omitempty"`
	}
)

// configSchema is the structural gate; semantic checks with precise error
// codes run after it.
const configSchema = `{
	"type": "object",
	"properties": {
		"source_array_key": {"type": "string"},
		"iteration_input_key": {"type": "string"},
		"batch_size": {"type": "integer"},
		"failure_strategy": {"type": "string"},
		"item_steps": {"type": "array", "items": {"$ref": "#/$defs/step"}},
		"reduction_extract": {"type": "string"},
		"reduction_steps": {"type": "array", "items": {"$ref": "#/$defs/step"}}
	},
	"$defs": {
		"step": {
			"type": "object",
			"properties": {
				"type": {"type": "string"},
				"func_id": {"type": "string"},
				"key_func_id": {"type": "string"},
				"context": {"type": "object"}
			},
			"required": ["type"]
		}
	}
}`

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(configSchema)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("mapreduce.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("mapreduce.json")
})

// ParseConfig decodes and validates a map_reduce node configuration. Every
// validation failure carries one of the configuration error codes.
func ParseConfig(raw []byte) (*Config, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, flow.WrapCoded(flow.CodeInternal, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, flow.Coded(flow.CodeInvalidPipelineStep, "config is not valid JSON: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, flow.Coded(flow.CodeInvalidPipelineStep, "config does not match schema: %v", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, flow.Coded(flow.CodeInvalidPipelineStep, "decode config: %v", err)
	}
	if cfg.IterationInputKey == "" {
		cfg.IterationInputKey = "default"
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1
	}
	if cfg.BatchSize < 1 || cfg.BatchSize > MaxBatchSize {
		return nil, flow.Coded(flow.CodeInvalidBatchSize, "batch_size %d is out of range [1,%d]", cfg.BatchSize, MaxBatchSize)
	}
	if cfg.FailureStrategy == "" {
		cfg.FailureStrategy = StrategyFailFast
	}
	switch cfg.FailureStrategy {
	case StrategyFailFast, StrategyIgnoreFailures, StrategyCollectErrors:
	default:
		return nil, flow.Coded(flow.CodeInvalidFailureStrategy, "unknown failure_strategy %q", cfg.FailureStrategy)
	}
	for i, step := range cfg.ItemSteps {
		switch step.Type {
		case StepMap, StepFilter:
		default:
			return nil, flow.Coded(flow.CodeInvalidPipelineStep, "item_steps[%d]: unknown type %q", i, step.Type)
		}
		if step.FuncID == "" {
			return nil, flow.Coded(flow.CodeInvalidPipelineStep, "item_steps[%d]: func_id is required", i)
		}
	}
	switch cfg.ReductionExtract {
	case "", ExtractSuccesses, ExtractFailures, ExtractAll:
	default:
		return nil, flow.Coded(flow.CodeInvalidExtractor, "unknown reduction_extract %q", cfg.ReductionExtract)
	}
	if len(cfg.ReductionSteps) > 0 && cfg.ReductionExtract == "" {
		return nil, flow.Coded(flow.CodeInvalidExtractor, "reduction_steps require reduction_extract")
	}
	if err := validateReductionSteps(cfg.ReductionSteps); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// pipeline value shapes tracked by the static compatibility check.
const (
	shapeArray   = "array"
	shapeGrouped = "grouped"
	shapeAny     = "any"
)

// validateReductionSteps checks step shapes and the type compatibility of the
// whole pipeline. The extracted data is always an array, so the check starts
// from shapeArray.
func validateReductionSteps(steps []Step) error {
	shape := shapeArray
	for i, step := range steps {
		switch step.Type {
		case StepMap, StepFilter:
			if step.FuncID == "" {
				return flow.Coded(flow.CodeInvalidPipelineStep, "reduction_steps[%d]: func_id is required", i)
			}
			if shape == shapeGrouped {
				return flow.Coded(flow.CodeIncompatiblePipeline, "reduction_steps[%d]: %s requires an array, got grouped data", i, step.Type)
			}
			shape = shapeArray
		case StepGroup:
			if step.KeyFuncID == "" {
				return flow.Coded(flow.CodeInvalidPipelineStep, "reduction_steps[%d]: group requires key_func_id", i)
			}
			if shape == shapeGrouped {
				return flow.Coded(flow.CodeIncompatiblePipeline, "reduction_steps[%d]: group requires an array, got grouped data", i)
			}
			shape = shapeGrouped
		case StepReduceGroups:
			if step.FuncID == "" {
				return flow.Coded(flow.CodeInvalidPipelineStep, "reduction_steps[%d]: func_id is required", i)
			}
			if shape != shapeGrouped {
				return flow.Coded(flow.CodeIncompatiblePipeline, "reduction_steps[%d]: reduce_groups requires grouped data", i)
			}
			shape = shapeArray
		case StepAggregate:
			if step.FuncID == "" {
				return flow.Coded(flow.CodeInvalidPipelineStep, "reduction_steps[%d]: func_id is required", i)
			}
			shape = shapeAny
		case StepFlatten:
			shape = shapeArray
		default:
			return flow.Coded(flow.CodeInvalidPipelineStep, "reduction_steps[%d]: unknown type %q", i, step.Type)
		}
	}
	return nil
}
