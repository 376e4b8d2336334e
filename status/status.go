// Package status defines the error taxonomy shared by the command encoder,
// its device backends, and callers.
//
// Every error produced by this module carries a Code. Callers test for a
// category with errors.Is against the package sentinels:
//
//	if errors.Is(err, status.ErrUnimplemented) {
//	    // feature not supported by this encoder
//	}
//
// Errors returned by a device stream are wrapped with the name of the failing
// call so diagnostics point at the exact submission that failed:
//
//	return status.Wrap("MemcpyDtoDAsync", err)
package status

import (
	"errors"
	"fmt"
	"strings"
)

// Code categorizes an error.
type Code int

// Status codes.
const (
	OK Code = iota
	InvalidArgument
	NotFound
	FailedPrecondition
	ResourceExhausted
	Unimplemented
	Internal
	Unavailable
	DeadlineExceeded
)

// String returns the canonical name of the code.
func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case InvalidArgument:
		return "INVALID_ARGUMENT"
	case NotFound:
		return "NOT_FOUND"
	case FailedPrecondition:
		return "FAILED_PRECONDITION"
	case ResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case Unimplemented:
		return "UNIMPLEMENTED"
	case Internal:
		return "INTERNAL"
	case Unavailable:
		return "UNAVAILABLE"
	case DeadlineExceeded:
		return "DEADLINE_EXCEEDED"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Sentinels for errors.Is. They match any *Error with the same code.
var (
	ErrInvalidArgument    = &Error{Code: InvalidArgument}
	ErrNotFound           = &Error{Code: NotFound}
	ErrFailedPrecondition = &Error{Code: FailedPrecondition}
	ErrResourceExhausted  = &Error{Code: ResourceExhausted}
	ErrUnimplemented      = &Error{Code: Unimplemented}
	ErrInternal           = &Error{Code: Internal}
	ErrUnavailable        = &Error{Code: Unavailable}
	ErrDeadlineExceeded   = &Error{Code: DeadlineExceeded}
)

// Error is the structured error type used throughout the module.
type Error struct {
	// Code is the error category.
	Code Code

	// Op names the failing call (a stream entry point or encoder operation).
	Op string

	// Msg is the human-readable detail.
	Msg string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.String())
	if e.Op != "" {
		b.WriteString("; ")
		b.WriteString(e.Op)
	}
	if e.Msg != "" {
		b.WriteString("; ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a status error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Newf creates an error with the given code and formatted message.
func Newf(code Code, format string, args ...any) error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Code: code, Msg: msg}
}

// Wrap annotates err with the name of the call that produced it.
// The code of err is preserved when it carries one; otherwise the wrapped
// error is Internal. Wrap returns nil when err is nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: CodeOf(err), Op: op, Err: err}
}

// CodeOf extracts the code of err. Nil maps to OK and errors without a
// status code map to Internal.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return Internal
}
