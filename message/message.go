// Package message defines the in-memory envelope of one call as it moves from
// a session through the middleware chain into the router.
//
// A Request is what the session decoded from a request frame; a ResponseSink
// is where exactly one response for it must eventually be written.
package message

import (
	"fmt"

	"coro-rpc/codec"
	"coro-rpc/rpcerr"
)

// FunctionID identifies a remotely callable function. It is derived from the
// function's qualified name (see router.FuncID), so client and server agree on
// it without exchanging a table.
type FunctionID uint64

// HeartbeatID is reserved for liveness probes and never reaches the router.
const HeartbeatID FunctionID = 0

func (id FunctionID) String() string {
	return fmt.Sprintf("0x%016x", uint64(id))
}

// Request carries a single decoded request frame.
type Request struct {
	FunctionID FunctionID
	Codec      codec.Codec
	Body       []byte // codec-encoded argument list
	Attachment []byte // opaque payload, bypasses the codec
	RemoteAddr string
}

// ResponseSink receives the outcome of one call. Code OK means body holds the
// codec-encoded result; any other code means body holds the error message.
type ResponseSink interface {
	WriteResponse(code rpcerr.Code, body, attachment []byte) error
}

// SinkFunc adapts a function to ResponseSink.
type SinkFunc func(code rpcerr.Code, body, attachment []byte) error

func (f SinkFunc) WriteResponse(code rpcerr.Code, body, attachment []byte) error {
	return f(code, body, attachment)
}

// WriteError writes err through sink, keeping the code of an *rpcerr.Error.
func WriteError(sink ResponseSink, err error) error {
	e := rpcerr.Wrap(err)
	return sink.WriteResponse(e.Code, []byte(e.Message), nil)
}
