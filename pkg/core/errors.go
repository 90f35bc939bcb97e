package core

import (
	"errors"
	"fmt"
)

// ExecutionError represents a structured error with category and details
type ExecutionError struct {
	Category ErrorCategory
	Code     string                 // Machine-readable code: low_confidence, element_timeout, etc.
	Message  string                 // Human-readable message
	Details  map[string]interface{} // Additional context
	Cause    error                  // Underlying error
}

// Error implements the error interface
func (e *ExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// Is matches any ExecutionError carrying the same code, so derived copies
// (WithCause, WithMessage) still satisfy errors.Is against the predefined vars.
func (e *ExecutionError) Is(target error) bool {
	var t *ExecutionError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithCause returns a copy of the error with the given cause
func (e *ExecutionError) WithCause(cause error) *ExecutionError {
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  e.Message,
		Details:  e.Details,
		Cause:    cause,
	}
}

// WithMessage returns a copy of the error with a custom message
func (e *ExecutionError) WithMessage(msg string) *ExecutionError {
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  msg,
		Details:  e.Details,
		Cause:    e.Cause,
	}
}

// WithDetails returns a copy of the error with additional details
func (e *ExecutionError) WithDetails(details map[string]interface{}) *ExecutionError {
	merged := make(map[string]interface{})
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &ExecutionError{
		Category: e.Category,
		Code:     e.Code,
		Message:  e.Message,
		Details:  merged,
		Cause:    e.Cause,
	}
}

// Predefined errors
var (
	// Inference errors. Absorbed by the resolver, never surfaced to steps.
	ErrLowConfidence = &ExecutionError{
		Category: ErrCategoryInference,
		Code:     "low_confidence",
		Message:  "inferred locator below confidence threshold",
	}
	ErrInferenceParse = &ExecutionError{
		Category: ErrCategoryInference,
		Code:     "inference_parse",
		Message:  "could not parse inference response",
	}
	ErrInferenceTransport = &ExecutionError{
		Category: ErrCategoryInference,
		Code:     "inference_transport",
		Message:  "inference service unavailable",
	}
	ErrInferenceNotFound = &ExecutionError{
		Category: ErrCategoryInference,
		Code:     "inference_not_found",
		Message:  "inference reported no matching element",
	}
	ErrInferenceDisabled = &ExecutionError{
		Category: ErrCategoryInference,
		Code:     "inference_disabled",
		Message:  "inference is disabled",
	}

	// Resolution errors
	ErrElementNotFound = &ExecutionError{
		Category: ErrCategoryResolution,
		Code:     "element_not_found",
		Message:  "element not found",
	}
	ErrElementTimeout = &ExecutionError{
		Category: ErrCategoryTimeout,
		Code:     "element_timeout",
		Message:  "element did not appear before timeout",
	}

	// Step errors
	ErrStepFailure = &ExecutionError{
		Category: ErrCategoryStep,
		Code:     "step_failure",
		Message:  "step failed",
	}
	ErrStepPanic = &ExecutionError{
		Category: ErrCategoryStep,
		Code:     "step_panic",
		Message:  "step panicked",
	}

	// Connection errors
	ErrSessionError = &ExecutionError{
		Category: ErrCategoryConnection,
		Code:     "session_error",
		Message:  "device session lost",
	}
	ErrServerUnreachable = &ExecutionError{
		Category: ErrCategoryConnection,
		Code:     "server_unreachable",
		Message:  "could not connect to automation server",
	}

	// Run errors
	ErrPipelineExhausted = &ExecutionError{
		Category: ErrCategoryRun,
		Code:     "pipeline_exhausted",
		Message:  "pipeline failed on every attempt",
	}

	// Config errors
	ErrInvalidConfig = &ExecutionError{
		Category: ErrCategoryConfig,
		Code:     "invalid_config",
		Message:  "invalid configuration",
	}
	ErrMissingRequired = &ExecutionError{
		Category: ErrCategoryConfig,
		Code:     "missing_required",
		Message:  "missing required field",
	}
)

// NewExecutionError creates a new ExecutionError with the given parameters
func NewExecutionError(category ErrorCategory, code, message string) *ExecutionError {
	return &ExecutionError{
		Category: category,
		Code:     code,
		Message:  message,
	}
}

// CodeOf returns the code of the outermost ExecutionError in err's chain,
// or "" when there is none.
func CodeOf(err error) string {
	var e *ExecutionError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// CategoryOf returns the category of the outermost ExecutionError in err's chain.
func CategoryOf(err error) ErrorCategory {
	if err == nil {
		return ErrCategoryNone
	}
	var e *ExecutionError
	if errors.As(err, &e) {
		return e.Category
	}
	return ErrCategoryStep
}
