// Package errs defines the engine-wide typed error taxonomy (spec §7).
package errs

import (
	"fmt"
	"runtime"

	"github.com/pkg/errors"
)

// Kind classifies an error the way §7 of the design does: storage faults,
// out-of-space, conflict, integrity, and programmer errors. Integrity and
// programmer-error kinds are fatal; everything else is recoverable by the
// caller.
type Kind int

const (
	KindNone Kind = iota
	KindStorageFault
	KindOutOfSpace
	KindConflict
	KindIntegrity
	KindProgrammer
	KindDuplicateKey
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindStorageFault:
		return "storage-fault"
	case KindOutOfSpace:
		return "out-of-space"
	case KindConflict:
		return "conflict"
	case KindIntegrity:
		return "integrity"
	case KindProgrammer:
		return "programmer-error"
	case KindDuplicateKey:
		return "duplicate-key"
	case KindNotFound:
		return "not-found"
	default:
		return "none"
	}
}

// Fatal reports whether errors of this kind are classed as fatal: integrity
// and programmer errors. The engine returns such errors to its caller like
// any other; nothing in it terminates the process on them.
func (k Kind) Fatal() bool {
	return k == KindIntegrity || k == KindProgrammer
}

// Error is the engine's result-carrying error value. It always knows its
// Kind and the call site that raised it, and wraps an underlying cause when
// one exists.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
	file  string
	line  int
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%s:%d): %v", e.Kind, e.Msg, e.file, e.line, e.Cause)
	}
	return fmt.Sprintf("%s: %s (%s:%d)", e.Kind, e.Msg, e.file, e.line)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind at the caller's location.
func New(kind Kind, msg string) *Error {
	return wrap(kind, msg, nil)
}

// Wrap builds an Error of the given kind around an existing cause, adding a
// stack trace via pkg/errors when the cause doesn't already carry one.
func Wrap(kind Kind, cause error, msg string) *Error {
	if cause == nil {
		return New(kind, msg)
	}
	return wrap(kind, msg, errors.WithStack(cause))
}

func wrap(kind Kind, msg string, cause error) *Error {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		file, line = "unknown", 0
	}
	return &Error{Kind: kind, Msg: msg, Cause: cause, file: file, line: line}
}

// Of extracts the Kind of err, or KindNone if err is nil or not an *Error.
func Of(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

// Fatal reports whether err, if raised through this package, must abort the
// process per §7's taxonomy.
func Fatal(err error) bool {
	return Of(err).Fatal()
}
