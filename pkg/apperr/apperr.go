// Package apperr defines the error kinds shared across HelpMe packages.
//
// Stores and services wrap failures in an *Error carrying a Kind. The HTTP
// layer maps the kind to a status code and a generic message, so the
// wrapped detail (ids, SQL errors) never reaches the caller.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport mapping
type Kind int

const (
	// Internal is the zero value so unclassified errors map to a 500
	Internal Kind = iota
	// Authentication means no valid caller identity
	Authentication
	// Authorization means the caller is known but lacks the required role
	Authorization
	// NotFound means a referenced record does not exist
	NotFound
	// Validation means a route parameter or payload is malformed
	Validation
	// Conflict means the write collides with existing state
	Conflict
)

func (k Kind) String() string {
	switch k {
	case Authentication:
		return "authentication"
	case Authorization:
		return "authorization"
	case NotFound:
		return "not_found"
	case Validation:
		return "validation"
	case Conflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Sentinels for errors.Is comparisons against a kind
var (
	ErrUnauthenticated = &Error{Kind: Authentication, Message: "authentication required"}
	ErrForbidden       = &Error{Kind: Authorization, Message: "not permitted"}
	ErrNotFound        = &Error{Kind: NotFound, Message: "not found"}
	ErrInvalid         = &Error{Kind: Validation, Message: "invalid request"}
	ErrConflict        = &Error{Kind: Conflict, Message: "conflict"}
)

// Error is a classified error. Message is safe to show to users; Err is not.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound)
// holds for every not-found error regardless of its message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// E builds an error of the given kind
func E(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// NotFoundf reports a missing record. The formatted text stays internal.
func NotFoundf(op, format string, args ...interface{}) error {
	return &Error{Kind: NotFound, Op: op, Message: "not found", Err: fmt.Errorf(format, args...)}
}

// Invalid reports a malformed input with a user-facing message
func Invalid(op, message string) error {
	return &Error{Kind: Validation, Op: op, Message: message}
}

// Forbidden reports an authorization failure
func Forbidden(op string) error {
	return &Error{Kind: Authorization, Op: op, Message: "not permitted"}
}

// Unauthenticated reports a missing or invalid identity
func Unauthenticated(op string) error {
	return &Error{Kind: Authentication, Op: op, Message: "authentication required"}
}

// Conflictf reports a write that collides with existing state
func Conflictf(op, message string) error {
	return &Error{Kind: Conflict, Op: op, Message: message}
}

// KindOf returns the kind of the first *Error in the chain, or Internal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// PublicMessage returns the user-facing text for err
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" && e.Kind != Internal {
		return e.Message
	}
	return "internal error"
}

// IsNotFound reports whether err is a not-found error
func IsNotFound(err error) bool {
	return KindOf(err) == NotFound
}
