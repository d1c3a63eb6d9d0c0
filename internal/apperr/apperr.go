// Package apperr defines the error kinds shared by the REST handlers and the
// live connection protocol, and their mapping onto status codes.
package apperr

import (
	"errors"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindConflict
	KindDependency
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindDependency:
		return "dependency"
	default:
		return "internal"
	}
}

// Status returns the HTTP status code used for the kind on both protocols.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindAuthentication, KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error is an error with a kind, a message safe to show to clients and an
// optional set of per-field messages.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Validation reports malformed or missing input fields.
func Validation(fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: "invalid input", Fields: fields}
}

// InvalidIdentifier reports a syntactically invalid id in field.
func InvalidIdentifier(field string) *Error {
	return Validation(map[string]string{field: "invalid identifier"})
}

func Unauthenticated() *Error {
	return &Error{
		Kind:    KindAuthentication,
		Message: "forbidden",
		Fields:  map[string]string{"authorization": "Forbidden"},
	}
}

func Forbidden(msg string) *Error {
	return &Error{
		Kind:    KindAuthorization,
		Message: msg,
		Fields:  map[string]string{"authorization": msg},
	}
}

func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

func Conflict(field, msg string) *Error {
	return &Error{Kind: KindConflict, Message: msg, Fields: map[string]string{field: msg}}
}

// Dependency wraps a failed persistence or blob store call.
func Dependency(err error) *Error {
	return &Error{Kind: KindDependency, Message: "service temporarily unavailable", Err: err}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "something went wrong with the server", Err: err}
}

// From converts any error into an *Error, treating unknown errors as internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// Public reports whether the kind's message and fields may be shown to clients.
// Dependency and internal failures are reported generically.
func (k Kind) Public() bool {
	return k != KindInternal && k != KindDependency
}
