package offload

import (
	"errors"
	"fmt"
)

var (
	ErrNoDevice       = errors.New("no device available")
	ErrInvalidDevice  = errors.New("invalid device")
	ErrAlloc          = errors.New("device allocation failed")
	ErrDimension      = errors.New("dimension mismatch")
	ErrClosed         = errors.New("facade closed")
	ErrNotInitialized = errors.New("jk not initialized")
)

// DimError reports an argument whose size or value does not match the
// problem it was passed with.
type DimError struct {
	Op    string
	Field string
	Got   int
	Want  int
}

func (e *DimError) Error() string {
	return fmt.Sprintf("%s: %s is %d, want %d", e.Op, e.Field, e.Got, e.Want)
}

func (e *DimError) Unwrap() error { return ErrDimension }

func dimError(op, field string, got, want int) error {
	return &DimError{Op: op, Field: field, Got: got, Want: want}
}

// checkLen verifies len(v) == want.
func checkLen(op, field string, v []float64, want int) error {
	if len(v) != want {
		return dimError(op, field, len(v), want)
	}
	return nil
}

// checkPositive rejects n < 1; Want is 1 by convention.
func checkPositive(op, field string, n int) error {
	if n < 1 {
		return dimError(op, field, n, 1)
	}
	return nil
}

func allocError(name string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrAlloc, name, err)
}
