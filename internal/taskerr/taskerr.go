// Package taskerr defines the engine's closed error taxonomy. Every failure
// that crosses a component boundary is classified under one of these codes so
// that HTTP handlers, workflow records, and logs agree on what went wrong.
package taskerr

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error classification.
type Code string

const (
	CodeValidation           Code = "VALIDATION"
	CodeInferenceTimeout     Code = "INFERENCE_TIMEOUT"
	CodeInferenceUnreachable Code = "INFERENCE_UNREACHABLE"
	CodeInferenceBackend     Code = "INFERENCE_BACKEND"
	CodeDecomposition        Code = "DECOMPOSITION"
	CodePersonaStore         Code = "PERSONA_STORE"
	CodeState                Code = "STATE"
	CodeCancelled            Code = "CANCELLED"
	CodeWorkflowTimeout      Code = "WORKFLOW_TIMEOUT"
)

// Sentinel values for errors.Is checks. Matching is by code, so a wrapped
// *Error with the same code satisfies Is against these.
var (
	ErrValidation           = &Error{Code: CodeValidation, Message: "request validation failed"}
	ErrInferenceTimeout     = &Error{Code: CodeInferenceTimeout, Message: "inference request timed out"}
	ErrInferenceUnreachable = &Error{Code: CodeInferenceUnreachable, Message: "inference backend unreachable"}
	ErrInferenceBackend     = &Error{Code: CodeInferenceBackend, Message: "inference backend error"}
	ErrDecomposition        = &Error{Code: CodeDecomposition, Message: "task decomposition failed"}
	ErrPersonaStore         = &Error{Code: CodePersonaStore, Message: "persona store failure"}
	ErrState                = &Error{Code: CodeState, Message: "illegal state transition"}
	ErrCancelled            = &Error{Code: CodeCancelled, Message: "workflow cancelled"}
	ErrWorkflowTimeout      = &Error{Code: CodeWorkflowTimeout, Message: "workflow timed out"}
)

// Error is a classified engine error. Message is human-readable detail; Err
// carries the underlying cause, if any.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code, which makes the sentinels
// above usable with errors.Is regardless of wrapping depth.
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return e.Code == te.Code
}

// New creates a classified error with a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error under the given code.
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the classification of err, or an empty code when err is not
// part of the taxonomy.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// IsTerminalWorkflow reports whether the code describes a cancelled or timed
// out workflow, both of which surface as a terminal cancelled record.
func IsTerminalWorkflow(c Code) bool {
	return c == CodeCancelled || c == CodeWorkflowTimeout
}
