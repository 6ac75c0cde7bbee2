// Package rpcerr defines the error taxonomy shared by both daemons and
// translates it to gRPC status codes at the IPC boundary. Core state
// machines never construct gRPC types directly; they return one of the
// sentinel kinds below, wrapped with fmt.Errorf("%w", ...) as needed.
package rpcerr

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind identifies one of the six error categories of the error-handling
// design: InvalidArgument, IllegalState, Security, Unsupported, Transient,
// Fatal. Transient and Fatal are not RPC-surfaced on their own — they
// describe internal handling (log-and-defer, or FSM termination) — but are
// included here so the whole taxonomy lives in one place.
type Kind int

const (
	InvalidArgument Kind = iota
	IllegalState
	Security
	Unsupported
	Transient
	Fatal
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case IllegalState:
		return "IllegalState"
	case Security:
		return "Security"
	case Unsupported:
		return "Unsupported"
	case Transient:
		return "Transient"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Error is a taxonomy-classified error. errors.Is matches on Kind via
// the sentinel wrapping below.
type Error struct {
	Kind Kind
	Msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.err }

// Is implements errors.Is against the sentinel Kind markers below, so
// callers can write errors.Is(err, rpcerr.ErrInvalidArgument).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel markers, one per Kind, usable with errors.Is.
var (
	ErrInvalidArgument = &Error{Kind: InvalidArgument, Msg: "invalid argument"}
	ErrIllegalState    = &Error{Kind: IllegalState, Msg: "illegal state"}
	ErrSecurity        = &Error{Kind: Security, Msg: "permission denied"}
	ErrUnsupported     = &Error{Kind: Unsupported, Msg: "unsupported operation"}
	ErrTransient       = &Error{Kind: Transient, Msg: "transient failure"}
	ErrFatal           = &Error{Kind: Fatal, Msg: "fatal failure"}
)

// New constructs a taxonomy error wrapping cause (may be nil).
func New(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, err: cause}
}

// Invalid is shorthand for New(InvalidArgument, ...).
func Invalid(format string, args ...any) *Error {
	return New(InvalidArgument, fmt.Sprintf(format, args...), nil)
}

// IllegalStatef is shorthand for New(IllegalState, ...).
func IllegalStatef(format string, args ...any) *Error {
	return New(IllegalState, fmt.Sprintf(format, args...), nil)
}

// Unsupportedf is shorthand for New(Unsupported, ...).
func Unsupportedf(format string, args ...any) *Error {
	return New(Unsupported, fmt.Sprintf(format, args...), nil)
}

// ToGRPCStatus translates a taxonomy error to the matching gRPC status
// code. Errors that are not *Error are mapped to codes.Unknown.
func ToGRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	var rerr *Error
	if !errors.As(err, &rerr) {
		return status.Error(codes.Unknown, err.Error())
	}
	switch rerr.Kind {
	case InvalidArgument:
		return status.Error(codes.InvalidArgument, rerr.Error())
	case IllegalState:
		return status.Error(codes.FailedPrecondition, rerr.Error())
	case Security:
		return status.Error(codes.PermissionDenied, rerr.Error())
	case Unsupported:
		return status.Error(codes.Unimplemented, rerr.Error())
	case Transient:
		return status.Error(codes.Unavailable, rerr.Error())
	case Fatal:
		return status.Error(codes.Internal, rerr.Error())
	default:
		return status.Error(codes.Unknown, rerr.Error())
	}
}
