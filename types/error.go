package types

import "fmt"

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Graph validation error codes
const (
	ErrNoEntryPoint  ErrorCode = "NO_ENTRY_POINT"
	ErrCyclicGraph   ErrorCode = "CYCLIC_GRAPH"
	ErrWorkflowGone  ErrorCode = "WORKFLOW_NOT_FOUND"
	ErrInvalidGraph  ErrorCode = "INVALID_GRAPH"
)

// Node execution error codes
const (
	ErrUnknownNodeType ErrorCode = "UNKNOWN_NODE_TYPE"
	ErrNodeNoAgent     ErrorCode = "NODE_NO_AGENT"
	ErrAgentNotFound   ErrorCode = "AGENT_NOT_FOUND"
	ErrRunnerFailure   ErrorCode = "RUNNER_FAILURE"
)

// Delegation error codes (non-fatal; converted to tool output)
const (
	ErrDelegationDepth  ErrorCode = "DELEGATION_DEPTH_EXCEEDED"
	ErrDelegationTarget ErrorCode = "DELEGATION_TARGET_NOT_FOUND"
)

// Provider error codes
const (
	ErrRateLimited     ErrorCode = "RATE_LIMITED"
	ErrUpstreamTimeout ErrorCode = "UPSTREAM_TIMEOUT"
	ErrUpstreamError   ErrorCode = "UPSTREAM_ERROR"
	ErrInternalError   ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
