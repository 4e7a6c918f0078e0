// Package apperr defines the error taxonomy shared by all services.
// Handlers map each kind to an HTTP status at the outer boundary; internal
// errors are logged there with the request id and surfaced generically.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for boundary handling.
type Kind int

const (
	// KindValidation: missing or malformed input, client-correctable.
	KindValidation Kind = iota
	// KindStateConflict: operation illegal in the current lifecycle state.
	KindStateConflict
	// KindAuthorization: insufficient role or wrong reviewer.
	KindAuthorization
	// KindNotFound: unknown identifier.
	KindNotFound
	// KindExpired: terminal lifecycle condition, presented as a user-facing
	// message rather than a fault.
	KindExpired
	// KindInternal: storage or infrastructure failure.
	KindInternal
)

// Error carries a kind and a client-safe message.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New returns an error of the given kind with a client-safe message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf formats the client-safe message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause kept out of the client message.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Internal wraps an unexpected failure.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", cause: cause}
}

// KindOf returns the kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the client-safe message, hiding untyped error detail.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
