package flow

import (
	"errors"
	"fmt"
)

// Engine error codes. The codes are stable strings persisted in fail_node
// commands and node metadata for post-mortem inspection.
const (
	// Configuration errors surface at node startup, before the node runs.
	CodeMissingFuncID          = "missing_func_id"
	CodeMissingSourceArrayKey  = "missing_source_array_key"
	CodeInvalidBatchSize       = "invalid_batch_size"
	CodeInvalidFailureStrategy = "invalid_failure_strategy"
	CodeInvalidPipelineStep    = "invalid_pipeline_step"
	CodeInvalidExtractor       = "invalid_extractor"
	CodeIncompatiblePipeline   = "incompatible_pipeline_data"

	// Structural errors fail the owning node.
	CodeNoTemplates             = "no_templates"
	CodeTemplateDiscoveryFailed = "template_discovery_failed"
	CodeInvalidInputStructure   = "invalid_input_structure"

	// Runtime errors fail the owning node; under collect_errors they are
	// recorded inside the aggregate result instead.
	CodeNoInputData             = "no_input_data"
	CodeFunctionExecutionFailed = "function_execution_failed"
	CodeIterationFailed         = "iteration_failed"
	CodePipelineFailed          = "pipeline_failed"
	CodeItemPipelineFailed      = "item_pipeline_failed"

	// Control errors terminate the node with status canceled.
	CodeFunctionCanceled = "function_canceled"
	CodeNodeCanceled     = "node_canceled"

	// CodeInternal covers failures that carry no engine code of their own.
	CodeInternal = "internal"
)

// CodedError is an engine error carrying a stable error code alongside the
// human-readable message. The code is persisted with fail_node commands.
type CodedError struct {
	// Code is one of the Code* constants.
	Code string
	// Message is a one-line description of the failure.
	Message string
	// Err is the wrapped cause, when any.
	Err error
}

// Error implements error.
func (e *CodedError) Error() string {
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/As.
func (e *CodedError) Unwrap() error { return e.Err }

// Coded builds a CodedError from a code and a formatted message.
func Coded(code, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapCoded wraps err with an engine code. The original error remains
// reachable through errors.Unwrap.
func WrapCoded(code string, err error) *CodedError {
	return &CodedError{Code: code, Message: err.Error(), Err: err}
}

// ErrorCode extracts the engine code from err, defaulting to CodeInternal for
// errors that do not carry one.
func ErrorCode(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}

// IsCanceledCode reports whether the code describes a cancellation rather
// than a failure.
func IsCanceledCode(code string) bool {
	return code == CodeFunctionCanceled || code == CodeNodeCanceled
}
