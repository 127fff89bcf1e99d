// Package protoerr defines the error taxonomy surfaced to protocol clients.
// Every handler failure maps to one of these kinds; the dispatcher puts the
// kind into the response status field and the message into the response text.
package protoerr

import (
	"errors"
	"fmt"
)

// Kind identifies a protocol error category.
type Kind string

const (
	KindInvalidPath       Kind = "invalid-path"
	KindNotFound          Kind = "not-found"
	KindWrongType         Kind = "wrong-type"
	KindAlreadyExists     Kind = "already-exists"
	KindMissingParameter  Kind = "missing-parameter"
	KindDecodeError       Kind = "decode-error"
	KindSessionNotFound   Kind = "session-not-found"
	KindSizeMismatch      Kind = "size-mismatch"
	KindIncompleteUpload  Kind = "incomplete-upload"
	KindUnsupportedFormat Kind = "unsupported-format"
	KindInternal          Kind = "internal-error"
)

// Error is a protocol-visible error with a kind and a human message.
type Error struct {
	Kind    Kind
	Message string
	Err     error // Underlying error (can be nil)
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around an underlying error
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to internal-error
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// MessageOf extracts the human message from an error chain. Non-protocol
// errors keep their full text so internal failures stay diagnosable.
func MessageOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}

// Common constructors for the frequent cases

// InvalidPath reports a sandbox escape or malformed remote path
func InvalidPath(path string) *Error {
	return New(KindInvalidPath, "invalid path: %s", path)
}

// NotFound reports a missing file or directory
func NotFound(path string) *Error {
	return New(KindNotFound, "not found: %s", path)
}

// WrongType reports an unexpected file type
func WrongType(path, want string) *Error {
	return New(KindWrongType, "%s is not a %s", path, want)
}

// AlreadyExists reports a create or rename target collision
func AlreadyExists(path string) *Error {
	return New(KindAlreadyExists, "already exists: %s", path)
}

// MissingParameter reports a required request field that was absent
func MissingParameter(name string) *Error {
	return New(KindMissingParameter, "missing parameter: %s", name)
}

// SessionNotFound reports an unknown session id
func SessionNotFound(id string) *Error {
	return New(KindSessionNotFound, "session not found: %s", id)
}
