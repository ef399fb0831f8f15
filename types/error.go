package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified engine error code.
type ErrorCode string

// Graph and configuration error codes
const (
	ErrInvalidGraph      ErrorCode = "INVALID_GRAPH"
	ErrNodeNotFound      ErrorCode = "NODE_NOT_FOUND"
	ErrNoStartNode       ErrorCode = "NO_START_NODE"
	ErrUnreachableTarget ErrorCode = "UNREACHABLE_TARGET"
	ErrUnknownNodeType   ErrorCode = "UNKNOWN_NODE_TYPE"
	ErrPortsFrozen       ErrorCode = "PORTS_FROZEN"
	ErrInvalidConfig     ErrorCode = "INVALID_CONFIG"
)

// Execution error codes
const (
	ErrNodeTimeout        ErrorCode = "NODE_TIMEOUT"
	ErrNodeFailed         ErrorCode = "NODE_FAILED"
	ErrStopped            ErrorCode = "STOPPED"
	ErrInterrupted        ErrorCode = "INTERRUPTED"
	ErrAlreadyRunning     ErrorCode = "ALREADY_RUNNING"
	ErrExecutionLimit     ErrorCode = "EXECUTION_LIMIT"
	ErrBranchFailed       ErrorCode = "BRANCH_FAILED"
	ErrCheckpointNotFound ErrorCode = "CHECKPOINT_NOT_FOUND"
)

// Resource error codes
const (
	ErrAcquireTimeout      ErrorCode = "ACQUIRE_TIMEOUT"
	ErrResourceInitFailed  ErrorCode = "RESOURCE_INIT_FAILED"
	ErrResourceUnavailable ErrorCode = "RESOURCE_UNAVAILABLE"
	ErrLeaseReleased       ErrorCode = "LEASE_RELEASED"
)

// Control plane error codes
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
	ErrNoActiveRun    ErrorCode = "NO_ACTIVE_RUN"
	ErrRunNotFound    ErrorCode = "RUN_NOT_FOUND"
	ErrInternal       ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	NodeID    string    `json:"node_id,omitempty"`
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

// Is reports whether target is an *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
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

// WithNode attaches the id of the node the error belongs to.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code anywhere in its chain.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
