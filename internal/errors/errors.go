// Package errors provides the bridge's failure taxonomy with context propagation.
//
// Connection and timeout failures are recoverable and drive the supervisor's restart loop;
// fatal and unexpected failures end the process. HTTP status mapping serves the gateway's
// small HTTP surface.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of error for metrics and restart decisions.
type ErrorType string

const (
	// TypeConnection indicates a refused, reset or lost backend connection (recoverable)
	TypeConnection ErrorType = "connection"
	// TypeTimeout indicates a backend connect attempt exceeded its timeout (recoverable)
	TypeTimeout ErrorType = "timeout"
	// TypeFatal indicates the restart ceiling was exceeded
	TypeFatal ErrorType = "fatal"
	// TypeRejected indicates a client request refused by capacity or rate limits (HTTP 503)
	TypeRejected ErrorType = "rejected"
	// TypeUnexpected indicates anything not classified above
	TypeUnexpected ErrorType = "unexpected"
)

// ErrRestartCeilingExceeded is matched with errors.Is against fatal supervisor errors.
var ErrRestartCeilingExceeded = errors.New("restart ceiling exceeded")

// Error represents a structured error with type, message, and context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the appropriate HTTP status code for this error type.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeConnection, TypeTimeout, TypeRejected:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Recoverable reports whether the supervisor should restart the pipeline.
func (e *Error) Recoverable() bool {
	return e.Type == TypeConnection || e.Type == TypeTimeout
}

// ConnectionError creates a backend connection error (recoverable).
func ConnectionError(message string, cause error) *Error {
	return &Error{
		Type:    TypeConnection,
		Message: message,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

// TimeoutError creates a backend connect timeout error (recoverable).
func TimeoutError(message string) *Error {
	return &Error{
		Type:    TypeTimeout,
		Message: message,
		Context: make(map[string]any),
	}
}

// FatalError creates a restart ceiling error wrapping ErrRestartCeilingExceeded.
func FatalError(message string) *Error {
	return &Error{
		Type:    TypeFatal,
		Message: message,
		Cause:   ErrRestartCeilingExceeded,
		Context: make(map[string]any),
	}
}

// RejectedError creates a client rejection error (HTTP 503).
func RejectedError(message string) *Error {
	return &Error{
		Type:    TypeRejected,
		Message: message,
		Context: make(map[string]any),
	}
}

// UnexpectedError wraps an unclassified failure.
func UnexpectedError(message string, cause error) *Error {
	return &Error{
		Type:    TypeUnexpected,
		Message: message,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

// WithContext adds context fields to the error (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ErrorResponse represents the JSON structure sent to HTTP clients.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Type    ErrorType      `json:"type"`
	Context map[string]any `json:"context,omitempty"`
}

// ToResponse converts an Error to an ErrorResponse for JSON serialization.
func (e *Error) ToResponse() ErrorResponse {
	return ErrorResponse{
		Error:   e.Message,
		Type:    e.Type,
		Context: e.Context,
	}
}

// AsStructuredError converts any error into a structured Error.
// If err already wraps an *Error, returns it unchanged.
// Otherwise wraps it as an unexpected error.
func AsStructuredError(err error) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	return UnexpectedError("unexpected failure", err)
}

// IsRecoverable reports whether err is a backend connection or timeout failure.
func IsRecoverable(err error) bool {
	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr.Recoverable()
	}
	return false
}
