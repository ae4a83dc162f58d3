package scheduler

import (
	"errors"
	"fmt"
)

// Kind classifies scheduler errors for callers. The CLI prints the kind in
// its error line and workers decide recovery per kind.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindIllegalTransition Kind = "illegal_transition"
	KindStore             Kind = "store"
	KindSpawn             Kind = "spawn"
)

// Error is the discriminated error outcome of a scheduler operation.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the Kind from err, or "" when err is not a scheduler error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func validationf(format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func illegalf(format string, args ...interface{}) error {
	return &Error{Kind: KindIllegalTransition, Msg: fmt.Sprintf(format, args...)}
}

func notFoundf(format string, args ...interface{}) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func storeErr(msg string, err error) error {
	return &Error{Kind: KindStore, Msg: msg, Err: err}
}
