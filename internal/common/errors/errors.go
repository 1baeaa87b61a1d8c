// Package errors provides typed application errors for AgentDeck.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds as constants. The kind is stable wire/storage vocabulary: it
// appears in HTTP error bodies and in persisted last_error documents.
const (
	KindNotFound            = "not_found"
	KindPrecondition        = "precondition"
	KindAgentStartupFailure = "agent_startup_failure"
	KindAgentStreamFailure  = "agent_stream_failure"
	KindParseAnomaly        = "parse_anomaly"
	KindIOError             = "io_error"
	KindClientProtocol      = "client_protocol"
	KindTimeout             = "timeout"
	KindInternal            = "internal"
)

// AppError represents an application-specific error with additional context.
// Detail carries the raw diagnostic (stderr excerpts, wire payloads) and is
// preserved verbatim; Message is the user-facing phrasing.
type AppError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error kind to an HTTP status code.
func (e *AppError) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindPrecondition:
		return http.StatusConflict
	case KindClientProtocol:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s with id '%s' not found", resource, id),
	}
}

// Precondition creates an error for an operation invalid in the current state.
func Precondition(message string) *AppError {
	return &AppError{
		Kind:    KindPrecondition,
		Message: message,
	}
}

// AgentStartupFailure creates an error for an agent process that could not be
// launched or failed immediately. Message should already be user-friendly;
// detail preserves the raw diagnostic.
func AgentStartupFailure(message, detail string, err error) *AppError {
	return &AppError{
		Kind:    KindAgentStartupFailure,
		Message: message,
		Detail:  detail,
		Err:     err,
	}
}

// AgentStreamFailure creates an error for a mid-stream unrecoverable fault.
func AgentStreamFailure(message, detail string, err error) *AppError {
	return &AppError{
		Kind:    KindAgentStreamFailure,
		Message: message,
		Detail:  detail,
		Err:     err,
	}
}

// ParseAnomaly creates an error for an unrecognised agent payload. Callers
// record it as a system envelope; it is never fatal to the stream.
func ParseAnomaly(message string, err error) *AppError {
	return &AppError{
		Kind:    KindParseAnomaly,
		Message: message,
		Err:     err,
	}
}

// IOError creates an error for a failed log or state write.
func IOError(message string, err error) *AppError {
	return &AppError{
		Kind:    KindIOError,
		Message: message,
		Err:     err,
	}
}

// ClientProtocol creates an error for a malformed client frame.
func ClientProtocol(message string) *AppError {
	return &AppError{
		Kind:    KindClientProtocol,
		Message: message,
	}
}

// Timeout creates an error for an expired deadline.
func Timeout(message string) *AppError {
	return &AppError{
		Kind:    KindTimeout,
		Message: message,
	}
}

// Internal creates an internal error with a wrapped underlying error.
func Internal(message string, err error) *AppError {
	return &AppError{
		Kind:    KindInternal,
		Message: message,
		Err:     err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its kind and detail
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Kind:    appErr.Kind,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Detail:  appErr.Detail,
			Err:     err,
		}
	}

	return &AppError{
		Kind:    KindInternal,
		Message: message,
		Err:     err,
	}
}

// AsAppError extracts the AppError from err, wrapping foreign errors as
// internal. Returns nil for nil.
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return &AppError{
		Kind:    KindInternal,
		Message: err.Error(),
		Err:     err,
	}
}

// IsKind reports whether err is an AppError of the given kind.
func IsKind(err error, kind string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}

// IsPrecondition checks if the error is a precondition error.
func IsPrecondition(err error) bool {
	return IsKind(err, KindPrecondition)
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}
