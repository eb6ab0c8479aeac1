package conductor

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error type constants for classification and matching
const (
	// ErrorTypeTemplateInvalid indicates a workflow template with a cycle,
	// a dangling dependency, or a duplicate stage ID. Rejected at load time.
	ErrorTypeTemplateInvalid = "template_invalid"

	// ErrorTypeUnknownTemplate indicates no template is registered for the
	// requested workflow type.
	ErrorTypeUnknownTemplate = "unknown_template"

	// ErrorTypeUnknownWorkflow indicates no instance exists for the given
	// workflow ID.
	ErrorTypeUnknownWorkflow = "unknown_workflow"

	// ErrorTypeInvalidTransition indicates a lifecycle command that is not
	// valid for the instance's current state. The instance is unchanged.
	ErrorTypeInvalidTransition = "invalid_transition"

	// ErrorTypeNoSynthesizer indicates a capability has no registered
	// degraded-synthesis handler. This is a programmer error: every
	// capability used by a required stage must have one.
	ErrorTypeNoSynthesizer = "no_synthesizer"

	// ErrorTypeTimeout matches a deadline exceeded or canceled backend call.
	ErrorTypeTimeout = "timeout"

	// ErrorTypeBackend matches a transport failure or a non-success response
	// from a backend. Never surfaced to callers: the router recovers by
	// moving to the next candidate.
	ErrorTypeBackend = "backend_error"
)

// OrchestrationError is a structured error with classification. It supports
// Go's error wrapping patterns with Unwrap().
type OrchestrationError struct {
	Type    string `json:"type"`
	Cause   string `json:"cause"`
	Wrapped error  `json:"-"`
}

// Error implements the error interface
func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

// Unwrap implements the error unwrapping interface for errors.Is and errors.As
func (e *OrchestrationError) Unwrap() error {
	return e.Wrapped
}

// NewError creates an OrchestrationError with the given type and cause.
func NewError(errorType, format string, args ...any) *OrchestrationError {
	return &OrchestrationError{
		Type:  errorType,
		Cause: fmt.Sprintf(format, args...),
	}
}

// WrapError wraps err in an OrchestrationError with the given type.
func WrapError(errorType string, err error) *OrchestrationError {
	return &OrchestrationError{
		Type:    errorType,
		Cause:   err.Error(),
		Wrapped: err,
	}
}

// Classify converts an arbitrary error into an OrchestrationError. Deadline
// and cancellation errors become timeouts; everything else defaults to a
// backend error, since backend calls are the only fallible I/O in the engine.
func Classify(err error) *OrchestrationError {
	var oErr *OrchestrationError
	if errors.As(err, &oErr) {
		return oErr
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return WrapError(ErrorTypeTimeout, err)
	}
	return WrapError(ErrorTypeBackend, err)
}

// IsErrorType reports whether err classifies to the given error type.
func IsErrorType(err error, errorType string) bool {
	if err == nil {
		return false
	}
	return Classify(err).Type == errorType
}
