package interactions

import (
	"errors"
	"fmt"
)

// Code classifies interaction failures. Every code surfaces to the user as a
// transient notice; none is fatal to the screen.
type Code string

const (
	CodeNotAuthenticated    Code = "not_authenticated"
	CodeAlreadyInProgress   Code = "already_in_progress"
	CodeChannelDisconnected Code = "channel_disconnected"
	CodeServerRejected      Code = "server_rejected"
	CodeTimeout             Code = "timeout"
	CodeProtocolViolation   Code = "protocol_violation"
	CodeNotPermitted        Code = "not_permitted"
	CodeNotMounted          Code = "not_mounted"
)

var (
	ErrNotAuthenticated    = &Error{code: CodeNotAuthenticated}
	ErrAlreadyInProgress   = &Error{code: CodeAlreadyInProgress}
	ErrChannelDisconnected = &Error{code: CodeChannelDisconnected}
	ErrServerRejected      = &Error{code: CodeServerRejected}
	ErrTimeout             = &Error{code: CodeTimeout}
	ErrProtocolViolation   = &Error{code: CodeProtocolViolation}
	ErrNotPermitted        = &Error{code: CodeNotPermitted}
	ErrNotMounted          = &Error{code: CodeNotMounted}
)

// Error carries a classification code, the operation that failed and an optional cause.
type Error struct {
	code Code
	op   string
	err  error
}

// NewError builds an Error for operation op.
func NewError(code Code, op string, cause error) *Error {
	return &Error{code: code, op: op, err: cause}
}

// Rejected builds a ServerRejected error from a server supplied message.
func Rejected(op string, message string) *Error {
	if message == "" {
		message = "request rejected"
	}
	return &Error{code: CodeServerRejected, op: op, err: errors.New(message)}
}

func (e *Error) Error() string {
	prefix := string(e.code)
	if e.op != "" {
		prefix = e.op + "." + prefix
	}
	if e.err == nil {
		return prefix
	}
	return fmt.Sprintf("%s: %v", prefix, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is matches any Error with the same code, so the sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.code == e.code
}

// Code returns the classification code.
func (e *Error) Code() Code {
	return e.code
}

// Op returns the failing operation.
func (e *Error) Op() string {
	return e.op
}

// CodeOf extracts the code of err, or "" when err is not an *Error.
func CodeOf(err error) Code {
	var target *Error
	if errors.As(err, &target) {
		return target.code
	}
	return ""
}
