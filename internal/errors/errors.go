// Package errors defines the service error taxonomy shared by all Stride
// services. Handlers map ServiceError codes to HTTP statuses; the service
// client maps remote statuses back to codes so that retry decisions are made
// on the code, never on the transport detail.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure.
type Code string

const (
	// CodeUnauthorized: bad or missing credential. Terminal, never retried.
	CodeUnauthorized Code = "unauthorized"

	// CodeForbidden: credential valid but not allowed. Terminal.
	CodeForbidden Code = "forbidden"

	// CodeNotFound: unknown entity or route. Terminal.
	CodeNotFound Code = "not_found"

	// CodeConflict: an invariant race was lost (e.g. user already in a
	// group). The caller may retry with refreshed state.
	CodeConflict Code = "conflict"

	// CodeInvalidArgument: malformed input, e.g. a negative step delta.
	CodeInvalidArgument Code = "invalid_argument"

	// CodeRejected: the remote service validated the request and declined
	// it on a business rule (e.g. group full). Never retried.
	CodeRejected Code = "rejected"

	// CodeUnreachable: the remote service could not be reached, or retries
	// were exhausted. The effect is unconfirmed.
	CodeUnreachable Code = "unreachable"

	// CodeTimeout: the remote call exceeded its deadline. The effect is
	// unconfirmed.
	CodeTimeout Code = "timeout"

	// CodeInconsistent: reconciliation gave up repairing a pending
	// operation. Operational alert, not a request-path error.
	CodeInconsistent Code = "inconsistent"

	// CodeInternal: everything else.
	CodeInternal Code = "internal"
)

// ServiceError is the error type exchanged between services.
type ServiceError struct {
	Code    Code                   `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`

	cause error
}

func (e *ServiceError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.cause }

// WithDetails attaches a key/value pair and returns the error for chaining.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause records the underlying error.
func (e *ServiceError) WithCause(err error) *ServiceError {
	e.cause = err
	return e
}

// HTTPStatus returns the status a handler should respond with.
func (e *ServiceError) HTTPStatus() int {
	switch e.Code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeRejected:
		return http.StatusUnprocessableEntity
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeUnreachable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// FromHTTPStatus maps a remote status code back onto the taxonomy. Used by the
// service client when the remote body carries no parseable ServiceError.
func FromHTTPStatus(status int, message string) *ServiceError {
	switch {
	case status == http.StatusUnauthorized:
		return &ServiceError{Code: CodeUnauthorized, Message: message}
	case status == http.StatusForbidden:
		return &ServiceError{Code: CodeForbidden, Message: message}
	case status == http.StatusNotFound:
		return &ServiceError{Code: CodeNotFound, Message: message}
	case status == http.StatusConflict:
		return &ServiceError{Code: CodeConflict, Message: message}
	case status == http.StatusBadRequest:
		return &ServiceError{Code: CodeInvalidArgument, Message: message}
	case status == http.StatusUnprocessableEntity:
		return &ServiceError{Code: CodeRejected, Message: message}
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return &ServiceError{Code: CodeTimeout, Message: message}
	case status >= 500, status == http.StatusTooManyRequests:
		return &ServiceError{Code: CodeUnreachable, Message: message}
	default:
		return &ServiceError{Code: CodeInternal, Message: message}
	}
}

// Constructors ---------------------------------------------------------------

func Unauthorized(message string) *ServiceError {
	return &ServiceError{Code: CodeUnauthorized, Message: message}
}

func Forbidden(message string) *ServiceError {
	return &ServiceError{Code: CodeForbidden, Message: message}
}

func NotFound(message string) *ServiceError {
	return &ServiceError{Code: CodeNotFound, Message: message}
}

func Conflict(message string) *ServiceError {
	return &ServiceError{Code: CodeConflict, Message: message}
}

func InvalidArgument(message string) *ServiceError {
	return &ServiceError{Code: CodeInvalidArgument, Message: message}
}

func Rejected(message string) *ServiceError {
	return &ServiceError{Code: CodeRejected, Message: message}
}

func Unreachable(message string) *ServiceError {
	return &ServiceError{Code: CodeUnreachable, Message: message}
}

func Timeout(message string) *ServiceError {
	return &ServiceError{Code: CodeTimeout, Message: message}
}

func Inconsistent(message string) *ServiceError {
	return &ServiceError{Code: CodeInconsistent, Message: message}
}

func Internal(message string) *ServiceError {
	return &ServiceError{Code: CodeInternal, Message: message}
}

// Classification helpers -----------------------------------------------------

// CodeOf extracts the taxonomy code from an error chain. Unknown errors
// classify as internal.
func CodeOf(err error) Code {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsTransient reports whether a failed remote call may be retried. Only
// unreachable and timeout failures qualify; everything else is terminal.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case CodeUnreachable, CodeTimeout:
		return true
	}
	return false
}
