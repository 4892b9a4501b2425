// Package apperr defines the error kinds surfaced by the ticketing pipeline.
// Domain packages return sentinel errors; the orchestration layers wrap them
// in an *Error so the HTTP layer can choose a status code without knowing
// every sentinel.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the caller.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindAuth
	KindUpstream
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindAuth:
		return "auth"
	case KindUpstream:
		return "upstream"
	default:
		return "internal"
	}
}

// Error is a classified error with a stable machine-readable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Validation returns a KindValidation error.
func Validation(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

// NotFound returns a KindNotFound error.
func NotFound(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

// Conflict returns a KindConflict error.
func Conflict(code, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message}
}

// Auth returns a KindAuth error.
func Auth(code, message string) *Error {
	return &Error{Kind: KindAuth, Code: code, Message: message}
}

// Upstream wraps a failure of an external collaborator.
func Upstream(code, message string, err error) *Error {
	return &Error{Kind: KindUpstream, Code: code, Message: message, Err: err}
}

// Internal wraps an unexpected failure such as a persistence error.
func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Code: "internal_error", Message: message, Err: err}
}

// Wrap attaches an underlying cause to e and returns e.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// KindOf reports the kind of err. Unclassified errors are KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// CodeOf reports the code of err, or "internal_error" for unclassified errors.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Code != "" {
		return ae.Code
	}
	return "internal_error"
}

// MessageOf returns the caller-facing message for err. Internal errors never
// leak their cause.
func MessageOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "Internal server error"
}
