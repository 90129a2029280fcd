package errors

import (
	"fmt"
	"strings"
)

// Err is the concrete error type returned by every package in this module.
// It carries a stable Code so callers can branch on failure category without
// string-matching messages.
type Err struct {
	Code    Code
	Message string
	Wrapped error
}

func (e *Err) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Err) Unwrap() error { return e.Wrapped }

// New builds an *Err for a known code. Unknown codes are coerced to Internal.
func New(code Code, format string, args ...any) *Err {
	if !Known(code) {
		code = Internal
	}
	return &Err{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an existing error without discarding it.
func Wrap(code Code, err error) *Err {
	if err == nil {
		return nil
	}
	if !Known(code) {
		code = Internal
	}
	return &Err{Code: code, Message: err.Error(), Wrapped: err}
}

// CodeOf extracts the Code carried by err, walking Unwrap chains. Returns
// Internal for errors that never passed through this package.
func CodeOf(err error) Code {
	for err != nil {
		if e, ok := err.(*Err); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return Internal
}

// MultiErr aggregates the per-subtask failures of a fanned-out operation
// under a single Multi-coded error.
type MultiErr struct {
	Errors []error
}

func (m *MultiErr) Error() string {
	parts := make([]string, 0, len(m.Errors))
	for _, e := range m.Errors {
		parts = append(parts, e.Error())
	}
	return fmt.Sprintf("%d sub-tasks failed: %s", len(m.Errors), strings.Join(parts, "; "))
}

func (m *MultiErr) Code() Code { return Multi }

// NewMulti wraps one or more sub-errors. A single error is returned
// unwrapped so callers don't have to special-case the common case.
func NewMulti(errs ...error) error {
	nonNil := make([]error, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			nonNil = append(nonNil, e)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		return &MultiErr{Errors: nonNil}
	}
}
