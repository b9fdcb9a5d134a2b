package device

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfMemory   = errors.New("device out of memory")
	ErrForeignBuffer = errors.New("buffer belongs to another device")
	ErrBounds        = errors.New("access outside buffer bounds")
	ErrClosed        = errors.New("device closed")
	ErrUnavailable   = errors.New("backend unavailable")
)

type ErrorKind int

const (
	KindMemory ErrorKind = iota
	KindArgument
	KindExecution
	KindDevice
)

func (k ErrorKind) String() string {
	switch k {
	case KindMemory:
		return "memory"
	case KindArgument:
		return "argument"
	case KindExecution:
		return "execution"
	case KindDevice:
		return "device"
	default:
		return "unknown"
	}
}

// Error records which device operation failed.
type Error struct {
	Kind   ErrorKind
	Device int
	Op     string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("device %d: %s %s: %v", e.Device, e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, dev int, op string, err error) error {
	return &Error{Kind: kind, Device: dev, Op: op, Err: err}
}

func executionError(rec any) error {
	if recErr, ok := rec.(error); ok {
		return fmt.Errorf("kernel execution failed: %w", recErr)
	}
	return fmt.Errorf("kernel execution failed: %v", rec)
}

// Run executes fn, converting a panic into an error.
func Run(fn func()) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = executionError(rec)
		}
	}()
	fn()
	return nil
}
