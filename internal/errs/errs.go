// Package errs defines the error taxonomy shared by the tracker, processor and
// project packages.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	// KindValidation is bad caller input: no side effect has happened.
	KindValidation Kind = "VALIDATION"
	// KindNotFound is a missing file, directory, revision or tag.
	KindNotFound Kind = "NOT_FOUND"
	// KindBackend wraps a failure of git, the converter or the network.
	KindBackend Kind = "BACKEND"
	// KindConsistency marks an impossible state. These are bugs, not user errors.
	KindConsistency Kind = "CONSISTENCY"
)

// Error is a classified error carrying the failed operation and its cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Validation creates a validation error.
func Validation(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a missing-resource error.
func NotFound(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Backend wraps cause as a backend error.
func Backend(op string, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindBackend, Op: op, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Consistency creates a consistency error.
func Consistency(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindConsistency, Op: op, Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether any error in err's chain is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == k {
			return true
		}
		err = e.Cause
	}
	return false
}
