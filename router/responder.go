package router

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"

	"coro-rpc/codec"
	"coro-rpc/message"
	"coro-rpc/rpcerr"

	"go.uber.org/zap"
)

// ErrAlreadyResponded is returned when a call is completed a second time.
var ErrAlreadyResponded = errors.New("router: response already sent")

// Responder is the one-shot capability to complete a call. A handler may
// complete it before returning, or hand it to another goroutine and complete
// it later (long-running and externally-completed calls). Exactly one of
// Respond, RespondRaw, RespondError or Fail takes effect; later calls are
// logged and ignored.
type Responder struct {
	state      *responderState
	req        *message.Request
	codec      codec.Codec
	encode     func(codec.Codec, any) ([]byte, error)
	sink       message.ResponseSink
	attachment []byte
}

// responderState is allocated separately so the cleanup can observe it after
// the Responder itself became unreachable.
type responderState struct {
	done   atomic.Bool
	id     message.FunctionID
	name   string
	logger *zap.Logger
}

func newResponder(req *message.Request, name string, h Handler, sink message.ResponseSink, logger *zap.Logger) *Responder {
	r := &Responder{
		state:  &responderState{id: req.FunctionID, name: name, logger: logger},
		req:    req,
		codec:  req.Codec,
		encode: h.EncodeResult,
		sink:   sink,
	}
	runtime.AddCleanup(r, func(s *responderState) {
		if !s.done.Load() {
			s.logger.Warn("call dropped without a response",
				zap.Stringer("function_id", s.id), zap.String("function", s.name))
		}
	}, r.state)
	return r
}

// Request returns the request being answered.
func (r *Responder) Request() *message.Request { return r.req }

// Done reports whether the call has been completed.
func (r *Responder) Done() bool { return r.state.done.Load() }

// SetAttachment sets the attachment sent with a successful response.
func (r *Responder) SetAttachment(attachment []byte) { r.attachment = attachment }

// Respond completes the call with result, encoded by the handler's codec.
func (r *Responder) Respond(result any) error {
	body, err := r.encode(r.codec, result)
	if err != nil {
		return r.RespondError(rpcerr.Interrupted, "encode result: "+err.Error())
	}
	return r.complete(rpcerr.OK, body, r.attachment)
}

// RespondAttachment completes the call with result and a response attachment.
func (r *Responder) RespondAttachment(result any, attachment []byte) error {
	r.attachment = attachment
	return r.Respond(result)
}

// RespondRaw completes the call with an already encoded body.
func (r *Responder) RespondRaw(body, attachment []byte) error {
	return r.complete(rpcerr.OK, body, attachment)
}

// RespondError completes the call with an error code and message.
func (r *Responder) RespondError(code rpcerr.Code, msg string) error {
	if code == rpcerr.OK {
		code = rpcerr.Interrupted
	}
	return r.complete(code, []byte(msg), nil)
}

// Fail completes the call with err. An *rpcerr.Error keeps its code; any
// other error is reported as Interrupted.
func (r *Responder) Fail(err error) error {
	var rpcErr *rpcerr.Error
	if errors.As(err, &rpcErr) {
		return r.RespondError(rpcErr.Code, rpcErr.Message)
	}
	return r.RespondError(rpcerr.Interrupted, err.Error())
}

func (r *Responder) complete(code rpcerr.Code, body, attachment []byte) error {
	if !r.state.done.CompareAndSwap(false, true) {
		r.state.logger.Warn("duplicate response ignored",
			zap.Stringer("function_id", r.state.id), zap.String("function", r.state.name),
			zap.Stringer("code", code))
		return ErrAlreadyResponded
	}
	return r.sink.WriteResponse(code, body, attachment)
}

type responderKey struct{}

func withResponder(ctx context.Context, r *Responder) context.Context {
	return context.WithValue(ctx, responderKey{}, r)
}

// ResponderFromContext returns the Responder of the call being handled, so
// synchronous handlers can read the request attachment or set a response
// attachment.
func ResponderFromContext(ctx context.Context) (*Responder, bool) {
	r, ok := ctx.Value(responderKey{}).(*Responder)
	return r, ok
}
