package streamflow

import (
	"fmt"
	"strings"
)

// ErrorCode classifies stream errors into a stable, comparable code.
type ErrorCode string

// Usage error codes: caller-caused, surfaced synchronously at the violating
// call.
const (
	ErrStreamLocked      ErrorCode = "STREAM_LOCKED"
	ErrInvalidStrategy   ErrorCode = "INVALID_STRATEGY"
	ErrInvalidState      ErrorCode = "INVALID_STATE"
	ErrReaderReleased    ErrorCode = "READER_RELEASED"
	ErrWriterReleased    ErrorCode = "WRITER_RELEASED"
	ErrBufferDetached    ErrorCode = "BUFFER_DETACHED"
	ErrDestinationClosed ErrorCode = "DESTINATION_CLOSED"
)

// Stream failure codes: delivered asynchronously through pending and future
// operations.
const (
	ErrProtocolViolation ErrorCode = "PROTOCOL_VIOLATION"
	ErrStreamErrored     ErrorCode = "STREAM_ERRORED"
	ErrStreamClosing     ErrorCode = "STREAM_CLOSING"
	ErrStreamAborted     ErrorCode = "STREAM_ABORTED"
)

// Error is a structured stream error with a code, a message and an optional
// cause.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
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

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// GetErrorCode extracts the code from an error, or "" if it is not an
// *Error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// CompositeError reports several independent causes as one, preserving
// order. Teeing produces one when both branches cancel; piping produces one
// when cleanup actions fail on top of the original cause.
type CompositeError struct {
	Reasons []error
}

// Error implements the error interface.
func (e *CompositeError) Error() string {
	parts := make([]string, len(e.Reasons))
	for i, r := range e.Reasons {
		if r == nil {
			parts[i] = "<nil>"
			continue
		}
		parts[i] = r.Error()
	}
	return "composite: [" + strings.Join(parts, "; ") + "]"
}

// Unwrap exposes the individual reasons to errors.Is / errors.As.
func (e *CompositeError) Unwrap() []error {
	return e.Reasons
}
