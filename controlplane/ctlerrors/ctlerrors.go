// Package ctlerrors defines the control plane's error taxonomy: every failure a
// handler, transport, or simulator can produce maps to exactly one of these types.
package ctlerrors

import "fmt"

// Code identifies which taxonomy member an error belongs to, for wire serialization.
type Code string

const (
	CodeUnhandled      Code = "UNHANDLED"
	CodeInvalid        Code = "INVALID"
	CodeLocked         Code = "LOCKED"
	CodeTimeout        Code = "TIMEOUT"
	CodeTransportError Code = "TRANSPORT_ERROR"
	CodeInternal       Code = "INTERNAL"
)

// UnhandledError means no handler claimed the query.
type UnhandledError struct {
	QueryType string
}

func (e *UnhandledError) Error() string {
	return fmt.Sprintf("no handler claimed query type %q", e.QueryType)
}

func NewUnhandledError(queryType string) *UnhandledError {
	return &UnhandledError{QueryType: queryType}
}

// InvalidError means the payload was malformed or referenced an entity that does
// not exist.
type InvalidError struct {
	Reason string
	Cause  error
}

func (e *InvalidError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("invalid: %s", e.Reason)
}

func (e *InvalidError) Unwrap() error { return e.Cause }

func NewInvalidError(reason string) *InvalidError {
	return &InvalidError{Reason: reason}
}

func NewInvalidErrorf(cause error, format string, args ...any) *InvalidError {
	return &InvalidError{Reason: fmt.Sprintf(format, args...), Cause: cause}
}

// LockedError means a write was refused because the target is locked and the
// caller did not set override=true.
type LockedError struct {
	Identifier string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("grid value %q is locked", e.Identifier)
}

func NewLockedError(identifier string) *LockedError {
	return &LockedError{Identifier: identifier}
}

// TimeoutError means a blocking operation exceeded its configured budget.
type TimeoutError struct {
	Operation string
	TimeoutMS int64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %dms", e.Operation, e.TimeoutMS)
}

func NewTimeoutError(operation string, timeoutMS int64) *TimeoutError {
	return &TimeoutError{Operation: operation, TimeoutMS: timeoutMS}
}

// TransportError means the socket closed mid-request or a frame failed to
// serialize/deserialize.
type TransportError struct {
	Reason string
	Cause  error
}

func (e *TransportError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transport error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("transport error: %s", e.Reason)
}

func (e *TransportError) Unwrap() error { return e.Cause }

func NewTransportError(reason string, cause error) *TransportError {
	return &TransportError{Reason: reason, Cause: cause}
}

// InternalError wraps an unexpected failure raised inside a handler.
type InternalError struct {
	Cause error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error: %v", e.Cause)
}

func (e *InternalError) Unwrap() error { return e.Cause }

func NewInternalError(cause error) *InternalError {
	return &InternalError{Cause: cause}
}

// CodeOf classifies err into its taxonomy Code. Unrecognized errors classify as
// CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	switch err.(type) {
	case *UnhandledError:
		return CodeUnhandled
	case *InvalidError:
		return CodeInvalid
	case *LockedError:
		return CodeLocked
	case *TimeoutError:
		return CodeTimeout
	case *TransportError:
		return CodeTransportError
	default:
		return CodeInternal
	}
}
