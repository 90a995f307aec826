package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind categorizes a gateway error. Policy denials are not errors; they
// come back as a normal AccessResult.
type ErrorKind string

const (
	// ErrorKindConfiguration indicates a misconfigured connection, such as
	// a required secret that was never set. Distinct from a denial so the
	// UI can offer "add a secret" instead of "ask for consent".
	ErrorKindConfiguration ErrorKind = "configuration"

	// ErrorKindStorage indicates vault, policy, or ledger I/O failure.
	ErrorKindStorage ErrorKind = "storage"

	// ErrorKindTransport indicates the call to the gateway itself failed.
	ErrorKindTransport ErrorKind = "transport"

	// ErrorKindInvalidRequest indicates a malformed or out-of-order request.
	ErrorKindInvalidRequest ErrorKind = "invalid_request"

	// ErrorKindNotFound indicates a resource was not found.
	ErrorKindNotFound ErrorKind = "not_found"
)

// Error is the canonical typed error crossing package boundaries. It carries
// the kind for callers that branch on the taxonomy and a suggested HTTP
// status for the server layer.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`

	// StatusCode overrides the default HTTP status for the kind.
	StatusCode int `json:"-"`

	// Err is the wrapped cause, if any.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *Error) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Kind {
	case ErrorKindConfiguration:
		return http.StatusPreconditionFailed
	case ErrorKindInvalidRequest:
		return http.StatusBadRequest
	case ErrorKindNotFound:
		return http.StatusNotFound
	case ErrorKindStorage, ErrorKindTransport:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a typed error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithCause attaches a wrapped cause to the error.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

// ErrConfiguration creates a configuration error.
func ErrConfiguration(message string) *Error {
	return NewError(ErrorKindConfiguration, message)
}

// ErrStorage creates a storage error wrapping the underlying cause.
func ErrStorage(message string, cause error) *Error {
	return NewError(ErrorKindStorage, message).WithCause(cause)
}

// ErrTransport creates a transport error wrapping the underlying cause.
func ErrTransport(message string, cause error) *Error {
	return NewError(ErrorKindTransport, message).WithCause(cause)
}

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *Error {
	return NewError(ErrorKindInvalidRequest, message)
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string) *Error {
	return NewError(ErrorKindNotFound, message)
}

// KindOf returns the kind of err if it is (or wraps) a domain Error.
func KindOf(err error) (ErrorKind, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return "", false
}

// IsKind reports whether err is a domain Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
