package domain

import (
	"errors"
	"fmt"
)

// BisectError attaches a closed ErrorKind to an underlying error so callers
// can classify failures with errors.As without string matching.
type BisectError struct {
	Kind ErrorKind
	Err  error
}

func (e *BisectError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *BisectError) Unwrap() error { return e.Err }

// NewError wraps err with the given taxonomy kind. A nil err still
// produces a non-nil *BisectError carrying just the kind, for cases where
// the kind itself is the signal (e.g. a boot timeout with no lower-level
// Go error).
func NewError(kind ErrorKind, err error) *BisectError {
	return &BisectError{Kind: kind, Err: err}
}

// KindOf returns the ErrorKind of err if it is (or wraps) a *BisectError,
// and false otherwise.
func KindOf(err error) (ErrorKind, bool) {
	var be *BisectError
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return "", false
}
