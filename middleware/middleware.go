// Package middleware wraps server-side dispatch. A HandlerFunc receives the
// decoded request and the sink its single response must go to; the response
// may be written after the HandlerFunc returns, so middlewares that care about
// the outcome wrap the sink rather than inspect a return value.
package middleware

import (
	"context"
	"sync/atomic"

	"coro-rpc/message"
	"coro-rpc/rpcerr"
)

type HandlerFunc func(ctx context.Context, req *message.Request, sink message.ResponseSink)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// onceSink forwards the first response written through it. Later writes are
// dropped.
type onceSink struct {
	next    message.ResponseSink
	written atomic.Bool
	after   func(code rpcerr.Code)
}

func newOnceSink(next message.ResponseSink, after func(code rpcerr.Code)) *onceSink {
	return &onceSink{next: next, after: after}
}

func (s *onceSink) WriteResponse(code rpcerr.Code, body, attachment []byte) error {
	if !s.written.CompareAndSwap(false, true) {
		return rpcerr.New(rpcerr.Closed, "response already written")
	}
	err := s.next.WriteResponse(code, body, attachment)
	if s.after != nil {
		s.after(code)
	}
	return err
}
