// Package rpcerr defines the error taxonomy shared by every layer of coro-rpc.
//
// Every failure that crosses a public boundary is an *Error carrying a
// machine-readable Code and a human-readable message. The same code travels
// on the wire in the response header, so a server-side InvalidArgument comes
// back to the caller as an *Error with Code == InvalidArgument.
//
//	Protocol:   InvalidFrame, MessageTooLarge
//	Routing:    FunctionNotRegistered, InvalidArgument
//	Execution:  Interrupted, application codes (>= UserCodeBase)
//	Transport:  NotConnected, Timeout, ConnectRefused, IOError, Canceled
package rpcerr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Code is the numeric error code carried in response headers. Zero means success.
type Code uint16

const (
	OK Code = iota
	IOError
	NotConnected
	Timeout
	InvalidArgument
	ConnectRefused
	Canceled
	Interrupted
	FunctionNotRegistered
	InvalidFrame
	MessageTooLarge
	Overloaded
	Closed
)

// UserCodeBase is the first code available to applications. Lower codes are
// reserved for the runtime.
const UserCodeBase Code = 1000

var codeNames = map[Code]string{
	OK:                    "ok",
	IOError:               "io error",
	NotConnected:          "not connected",
	Timeout:               "timeout",
	InvalidArgument:       "invalid argument",
	ConnectRefused:        "connect refused",
	Canceled:              "operation canceled",
	Interrupted:           "interrupted",
	FunctionNotRegistered: "function not registered",
	InvalidFrame:          "invalid frame",
	MessageTooLarge:       "message too large",
	Overloaded:            "overloaded",
	Closed:                "closed",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	if c >= UserCodeBase {
		return fmt.Sprintf("application error %d", uint16(c))
	}
	return fmt.Sprintf("unknown error %d", uint16(c))
}

// Error is a typed RPC failure.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return "rpc: " + e.Code.String()
	}
	return fmt.Sprintf("rpc: %s: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code, so sentinels such as ErrTimeout
// work with errors.Is regardless of the message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is. Compare by code only.
var (
	ErrIO                    = &Error{Code: IOError}
	ErrNotConnected          = &Error{Code: NotConnected}
	ErrTimeout               = &Error{Code: Timeout}
	ErrInvalidArgument       = &Error{Code: InvalidArgument}
	ErrConnectRefused        = &Error{Code: ConnectRefused}
	ErrCanceled              = &Error{Code: Canceled}
	ErrInterrupted           = &Error{Code: Interrupted}
	ErrFunctionNotRegistered = &Error{Code: FunctionNotRegistered}
	ErrInvalidFrame          = &Error{Code: InvalidFrame}
	ErrMessageTooLarge       = &Error{Code: MessageTooLarge}
	ErrOverloaded            = &Error{Code: Overloaded}
	ErrClosed                = &Error{Code: Closed}
)

// New returns an *Error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Errorf returns an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf classifies err. A nil error is OK; errors that are not *Error are
// mapped from their context/net/syscall cause, falling back to IOError.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, context.Canceled):
		return Canceled
	case errors.Is(err, syscall.ECONNREFUSED):
		return ConnectRefused
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return NotConnected
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}
	return IOError
}

// Wrap converts err into an *Error, keeping an existing *Error untouched.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &Error{Code: CodeOf(err), Message: err.Error()}
}

// IsTransport reports whether err is an *Error whose code means the
// connection it happened on can no longer be trusted. Pools evict such
// connections and channels fail over. Untyped errors never qualify, so an
// application error returned from a task is left alone.
func IsTransport(err error) bool {
	var rpcErr *Error
	if !errors.As(err, &rpcErr) {
		return false
	}
	switch rpcErr.Code {
	case IOError, NotConnected, Timeout, ConnectRefused, Canceled, InvalidFrame, MessageTooLarge:
		return true
	}
	return false
}
