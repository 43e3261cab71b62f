// Package channel load-balances requests across a fixed set of hosts. Each
// host has its own client pool; a request picks a host with the configured
// algorithm among the hosts currently alive, runs on one of that host's
// clients, and on a transport failure moves on to the next alive host.
package channel

import (
	"context"
	"sync/atomic"

	"coro-rpc/client"
	"coro-rpc/loadbalance"
	"coro-rpc/message"
	"coro-rpc/pool"
	"coro-rpc/router"
	"coro-rpc/rpcerr"

	"go.uber.org/zap"
)

// Task runs one request on a client connected to host.
type Task func(ctx context.Context, c *client.Client, host string) error

type Channel struct {
	hosts     []string
	weights   []int
	balancer  loadbalance.Balancer
	pools     *pool.Pools
	ownsPools bool
	opts      Options
	logger    *zap.Logger
	closed    atomic.Bool
}

// New validates the configuration and builds the channel. weights is
// required for WeightedRoundRobin (one non-negative entry per host) and
// optional for Random. Invalid input fails with InvalidArgument; no
// connection is made until the first request.
func New(hosts []string, opts Options, weights []int) (*Channel, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Pool.Logger == nil {
		opts.Pool.Logger = opts.Logger
	}
	return newChannel(hosts, opts, weights, pool.NewPools(opts.Pool), true)
}

func newChannel(hosts []string, opts Options, weights []int, pools *pool.Pools, ownsPools bool) (*Channel, error) {
	seen := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		if h == "" {
			return nil, rpcerr.New(rpcerr.InvalidArgument, "empty host")
		}
		if seen[h] {
			return nil, rpcerr.Errorf(rpcerr.InvalidArgument, "duplicate host %s", h)
		}
		seen[h] = true
	}
	b, err := loadbalance.New(opts.Algorithm, hosts, weights)
	if err != nil {
		return nil, err
	}
	return &Channel{
		hosts:     append([]string(nil), hosts...),
		weights:   append([]int(nil), weights...),
		balancer:  b,
		pools:     pools,
		ownsPools: ownsPools,
		opts:      opts,
		logger:    opts.Logger.With(zap.String("balancer", b.Name())),
	}, nil
}

// Hosts returns the configured hosts in order.
func (ch *Channel) Hosts() []string {
	return append([]string(nil), ch.hosts...)
}

func (ch *Channel) alive(i int) bool {
	p, ok := ch.pools.Get(ch.hosts[i])
	return !ok || p.Alive()
}

// SendRequest runs task against a host chosen by the balancer. If that host
// fails with a transport error, each remaining alive host is tried once in
// order after it (subject to DisableFailover and MaxFailoverHosts) and the
// last error is returned, so a task may run more than once. Every host
// being down yields NotConnected.
func (ch *Channel) SendRequest(ctx context.Context, task Task, opts ...CallOption) error {
	if ch.closed.Load() {
		return rpcerr.New(rpcerr.Closed, "channel closed")
	}
	ctx, cancel := applyCallOptions(ctx, opts)
	defer cancel()

	first, err := ch.balancer.Pick(ctx, ch.alive)
	if err != nil {
		return err
	}
	err = ch.sendTo(ctx, first, task)
	if err == nil || ch.opts.DisableFailover || !rpcerr.IsTransport(err) {
		return err
	}

	n := len(ch.hosts)
	budget := n - 1
	if ch.opts.MaxFailoverHosts > 0 {
		budget = min(budget, ch.opts.MaxFailoverHosts)
	}
	for k := 1; k < n && budget > 0; k++ {
		if ctx.Err() != nil {
			break
		}
		i := (first + k) % n
		if !ch.alive(i) {
			continue
		}
		budget--
		ch.logger.Warn("failing over",
			zap.String("from", ch.hosts[first]),
			zap.String("to", ch.hosts[i]),
			zap.Error(err))
		err = ch.sendTo(ctx, i, task)
		if err == nil || !rpcerr.IsTransport(err) {
			return err
		}
	}
	return err
}

func (ch *Channel) sendTo(ctx context.Context, i int, task Task) error {
	host := ch.hosts[i]
	p, err := ch.pools.At(host)
	if err != nil {
		return err
	}
	return p.WithClient(ctx, func(ctx context.Context, c *client.Client) error {
		return task(ctx, c, host)
	})
}

// Send is SendRequest for tasks that produce a value.
func Send[T any](ctx context.Context, ch *Channel, task func(ctx context.Context, c *client.Client, host string) (T, error), opts ...CallOption) (T, error) {
	var out T
	err := ch.SendRequest(ctx, func(ctx context.Context, c *client.Client, host string) error {
		var err error
		out, err = task(ctx, c, host)
		return err
	}, opts...)
	return out, err
}

// Call invokes the function registered under name on a balanced host.
func (ch *Channel) Call(ctx context.Context, name string, result any, args ...any) error {
	id := router.FuncID(name)
	return ch.SendRequest(ctx, func(ctx context.Context, c *client.Client, _ string) error {
		return c.Call(ctx, id, result, args...)
	})
}

// CallRaw sends a pre-encoded request on a balanced host.
func (ch *Channel) CallRaw(ctx context.Context, id message.FunctionID, body, attachment []byte, opts ...CallOption) (respBody, respAttachment []byte, err error) {
	err = ch.SendRequest(ctx, func(ctx context.Context, c *client.Client, _ string) error {
		var err error
		respBody, respAttachment, err = c.CallRaw(ctx, id, body, attachment)
		return err
	}, opts...)
	return respBody, respAttachment, err
}

// Close tears down the channel's pools.
func (ch *Channel) Close() error {
	if !ch.closed.CompareAndSwap(false, true) {
		return nil
	}
	if ch.ownsPools {
		return ch.pools.Close()
	}
	return nil
}
