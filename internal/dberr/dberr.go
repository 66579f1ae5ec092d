// Package dberr holds the error taxonomy shared by every storage layer.
//
// Lower layers wrap these sentinels with fmt.Errorf("...: %w", ...) so
// callers can classify a failure with errors.Is regardless of where it
// originated.
package dberr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("key not found")
	ErrIO             = errors.New("i/o error")
	ErrCorrupt        = errors.New("corrupt data")
	ErrBufferTooSmall = errors.New("buffer too small")
	ErrTooLarge       = errors.New("batch too large")
	ErrNotReady       = errors.New("no active writer")
	ErrExhausted      = errors.New("segment ring is full")
)

// IO wraps an operating system error so that it matches both ErrIO and
// the underlying error.
func IO(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
}
