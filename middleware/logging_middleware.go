package middleware

import (
	"context"
	"time"

	"coro-rpc/message"
	"coro-rpc/rpcerr"

	"go.uber.org/zap"
)

// Logging logs every call when its response is written. name resolves a
// function id to a readable name and may be nil.
func Logging(logger *zap.Logger, name func(message.FunctionID) string) Middleware {
	if name == nil {
		name = message.FunctionID.String
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request, sink message.ResponseSink) {
			start := time.Now()
			next(ctx, req, newOnceSink(sink, func(code rpcerr.Code) {
				fields := []zap.Field{
					zap.String("function", name(req.FunctionID)),
					zap.String("remote", req.RemoteAddr),
					zap.Duration("duration", time.Since(start)),
					zap.Stringer("code", code),
				}
				if code != rpcerr.OK {
					logger.Warn("call failed", fields...)
					return
				}
				logger.Debug("call", fields...)
			}))
		}
	}
}
