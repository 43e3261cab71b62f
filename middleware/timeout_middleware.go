package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coro-rpc/message"
	"coro-rpc/rpcerr"
)

// Timeout answers Timeout if the handler has not responded within d. The
// handler's context is canceled at the same moment; a late response is
// dropped.
func Timeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request, sink message.ResponseSink) {
			ctx, cancel := context.WithTimeout(ctx, d)
			once := newOnceSink(sink, func(rpcerr.Code) { cancel() })
			context.AfterFunc(ctx, func() {
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					once.WriteResponse(rpcerr.Timeout,
						[]byte(fmt.Sprintf("function %s exceeded %s", req.FunctionID, d)), nil)
				}
			})
			next(ctx, req, once)
		}
	}
}
