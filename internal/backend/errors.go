package backend

import (
	"errors"
	"fmt"
)

// ErrTimedOut is returned by Run when the deadline expired and the unit's
// execution was forcibly terminated.
var ErrTimedOut = errors.New("execution timed out")

// Operations reported in FaultError.
const (
	OpCreate  = "create"
	OpLoad    = "load"
	OpRun     = "run"
	OpDestroy = "destroy"
	OpReset   = "reset"
)

// FaultError is an infrastructure-level failure creating, loading or
// running a unit. It is never raised by the user's code.
type FaultError struct {
	Backend string
	Op      string
	Err     error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("%s backend %s: %v", e.Backend, e.Op, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// Fault wraps err as a FaultError for the given backend operation. It
// returns nil when err is nil and passes ErrTimedOut through unchanged.
func Fault(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimedOut) {
		return err
	}
	var fe *FaultError
	if errors.As(err, &fe) {
		return err
	}
	return &FaultError{Backend: backend, Op: op, Err: err}
}

// TimedOut wraps the context error that stopped a run so that the result
// matches ErrTimedOut while still carrying the cause.
func TimedOut(cause error) error {
	if cause == nil {
		return ErrTimedOut
	}
	return fmt.Errorf("%w: %w", ErrTimedOut, cause)
}

// IsFault reports whether err is a FaultError.
func IsFault(err error) bool {
	var fe *FaultError
	return errors.As(err, &fe)
}
