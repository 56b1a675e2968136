// Package errs defines the error taxonomy shared by the store, the remote
// client and the sync queue.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the engine recovers from it.
type Kind string

const (
	Internal   Kind = "INTERNAL"
	Validation Kind = "VALIDATION"
	Storage    Kind = "STORAGE"
	Network    Kind = "NETWORK"
	Auth       Kind = "AUTH"
	NotFound   Kind = "NOT_FOUND"
	Timeout    Kind = "TIMEOUT"
	Conflict   Kind = "CONFLICT"
)

// Error carries a Kind, the operation that failed and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("[%s] %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("[%s] %s", e.Kind, e.Op)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps err with a kind and operation name.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an Error from a format string.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// Unreachable reports whether err means the remote could not be reached at
// all, as opposed to the remote rejecting one record.
func Unreachable(err error) bool {
	return Is(err, Network) || Is(err, Timeout) || Is(err, Auth)
}
