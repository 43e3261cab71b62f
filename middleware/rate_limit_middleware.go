package middleware

import (
	"context"

	"coro-rpc/message"
	"coro-rpc/rpcerr"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// RateLimit 创建一个基于令牌桶算法的限流中间件. Rejected calls answer Overloaded.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request, sink message.ResponseSink) {
			if !limiter.Allow() {
				message.WriteError(sink, rpcerr.New(rpcerr.Overloaded, "rate limit exceeded"))
				return
			}
			next(ctx, req, sink)
		}
	}
}

// Concurrency caps the number of calls in flight, counting a call until its
// response is written. Calls over the cap answer Overloaded.
func Concurrency(limit int64) Middleware {
	sem := semaphore.NewWeighted(limit)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request, sink message.ResponseSink) {
			if !sem.TryAcquire(1) {
				message.WriteError(sink, rpcerr.Errorf(rpcerr.Overloaded, "more than %d calls in flight", limit))
				return
			}
			next(ctx, req, newOnceSink(sink, func(rpcerr.Code) { sem.Release(1) }))
		}
	}
}
