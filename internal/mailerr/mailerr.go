// Package mailerr provides the structured error taxonomy shared by the
// engine. Calling layers branch on the error kind rather than on message
// text.
package mailerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error.
type Kind int

const (
	// KindPolicyViolation marks an operation disallowed by the current
	// operation mode. Never retried.
	KindPolicyViolation Kind = iota
	// KindRemoteUnavailable marks a failed connection or remote call.
	KindRemoteUnavailable
	// KindNotFound marks a missing message or folder in the resolved source.
	KindNotFound
	// KindCorruption marks unreadable cache metadata. Loads recover
	// per-field where possible.
	KindCorruption
	// KindCollision marks a destination that already holds a same-named
	// message directory.
	KindCollision
)

var kindNames = map[Kind]string{
	KindPolicyViolation:   "policy violation",
	KindRemoteUnavailable: "remote unavailable",
	KindNotFound:          "not found",
	KindCorruption:        "corruption",
	KindCollision:         "collision",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified engine error.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "folder.append"
	Path string // folder path or message identity, when known
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.Path != "" {
		msg += " (" + e.Path + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error without an underlying cause.
func New(kind Kind, op, path string) *Error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// PolicyViolation builds a policy error for an operation rejected by the
// active mode.
func PolicyViolation(op, path string) *Error {
	return New(KindPolicyViolation, op, path)
}

// RemoteUnavailable classifies a failed remote call.
func RemoteUnavailable(op, path string, err error) *Error {
	return Wrap(KindRemoteUnavailable, op, path, err)
}

// NotFound builds a missing-entity error.
func NotFound(op, path string) *Error {
	return New(KindNotFound, op, path)
}

// Collision builds a destination-occupied error.
func Collision(op, path string) *Error {
	return New(KindCollision, op, path)
}

// Corruption classifies unreadable cache data.
func Corruption(op, path string, err error) *Error {
	return Wrap(KindCorruption, op, path, err)
}

// Is reports whether err (or anything it wraps) is an engine error of the
// given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
