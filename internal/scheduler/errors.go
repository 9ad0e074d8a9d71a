package scheduler

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by scheduler operations. Callers match them with
// errors.Is; returned errors wrap them with call-specific detail.
var (
	// ErrInvalidArgument reports a missing required argument.
	ErrInvalidArgument = errors.New("scheduler: invalid argument")
	// ErrOutOfRange reports a numeric argument outside its allowed range.
	ErrOutOfRange = errors.New("scheduler: argument out of range")
	// ErrIllegalState reports an operation invoked from the wrong context.
	ErrIllegalState = errors.New("scheduler: illegal state")
)

// PanicError wraps a value recovered from a panicking task.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("scheduler: task panicked: %v", e.Value)
}

// Unwrap exposes the panic value when it is itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
