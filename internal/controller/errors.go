package controller

import (
	"errors"

	"github.com/abiolaogu/blockvault/internal/alloc"
)

// Code is the controller-level error taxonomy of spec.md §7.
type Code uint8

const (
	CodeNone Code = iota
	CodeBlockNotFound
	CodeInvalidSize
	CodeAllocationFailed
	CodeAlreadyExists
	CodeInternal
)

func (c Code) String() string {
	switch c {
	case CodeNone:
		return "none"
	case CodeBlockNotFound:
		return "block_not_found"
	case CodeInvalidSize:
		return "invalid_size"
	case CodeAllocationFailed:
		return "allocation_failed"
	case CodeAlreadyExists:
		return "already_exists"
	case CodeInternal:
		return "internal_error"
	default:
		return "unknown"
	}
}

// Error is the typed error every controller operation returns instead of
// an allocator sentinel error, so callers outside this package never need
// to know about alloc.Err*.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code.String() + ": " + e.Err.Error()
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, err error) *Error { return &Error{Code: code, Err: err} }

// wrapAllocErr maps an alloc package sentinel error to the controller's
// taxonomy (spec.md §7, "Propagation").
func wrapAllocErr(err error) *Error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, alloc.ErrAlreadyExists):
		return newError(CodeAlreadyExists, err)
	case errors.Is(err, alloc.ErrBlockNotFound):
		return newError(CodeBlockNotFound, err)
	case errors.Is(err, alloc.ErrDataTooLarge):
		return newError(CodeInvalidSize, err)
	default:
		return newError(CodeAllocationFailed, err)
	}
}
