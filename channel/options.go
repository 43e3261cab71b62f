package channel

import (
	"context"
	"time"

	"coro-rpc/loadbalance"
	"coro-rpc/pool"

	"go.uber.org/zap"
)

// Options configures a Channel.
type Options struct {
	Algorithm loadbalance.Algorithm
	Pool      pool.Config

	// DisableFailover surfaces the first transport error instead of trying
	// the remaining alive hosts.
	DisableFailover bool
	// MaxFailoverHosts caps the extra hosts tried after a transport error.
	// 0 = every remaining alive host.
	MaxFailoverHosts int

	Logger *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		Algorithm: loadbalance.RoundRobin,
		Pool:      pool.DefaultConfig(),
	}
}

type callOptions struct {
	timeout time.Duration
	hashKey *string
}

// CallOption tunes a single SendRequest.
type CallOption func(*callOptions)

// WithTimeout bounds the whole request, failover included.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithHashKey sets the key ConsistentHash routes on.
func WithHashKey(key string) CallOption {
	return func(o *callOptions) { o.hashKey = &key }
}

func applyCallOptions(ctx context.Context, opts []CallOption) (context.Context, context.CancelFunc) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.hashKey != nil {
		ctx = loadbalance.WithHashKey(ctx, *o.hashKey)
	}
	if o.timeout > 0 {
		return context.WithTimeout(ctx, o.timeout)
	}
	return ctx, func() {}
}
