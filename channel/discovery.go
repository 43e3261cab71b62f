package channel

import (
	"context"
	"sync"
	"sync/atomic"

	"coro-rpc/loadbalance"
	"coro-rpc/pool"
	"coro-rpc/registry"
	"coro-rpc/rpcerr"

	"go.uber.org/zap"
)

// NewFromRegistry builds a Channel over the instances of serviceName known
// to reg at call time. Instance weights are used by the weighted algorithms.
func NewFromRegistry(ctx context.Context, reg registry.Registry, serviceName string, opts Options) (*Channel, error) {
	instances, err := reg.Discover(ctx, serviceName)
	if err != nil {
		return nil, rpcerr.Errorf(rpcerr.CodeOf(err), "discover %s: %v", serviceName, err)
	}
	hosts, weights := split(instances, opts.Algorithm)
	return New(hosts, opts, weights)
}

func split(instances []registry.ServiceInstance, alg loadbalance.Algorithm) ([]string, []int) {
	hosts := make([]string, len(instances))
	weights := make([]int, len(instances))
	weighted := false
	for i, inst := range instances {
		hosts[i] = inst.Addr
		weights[i] = inst.Weight
		weighted = weighted || inst.Weight > 0
	}
	if alg != loadbalance.WeightedRoundRobin && !weighted {
		weights = nil
	}
	return hosts, weights
}

// Watcher keeps a Channel in sync with a registry. Each change to the
// instance list builds a new Channel generation; pools are shared across
// generations so surviving hosts keep their warm connections, and pools of
// removed hosts are closed.
type Watcher struct {
	service string
	opts    Options
	pools   *pool.Pools
	logger  *zap.Logger

	cur    atomic.Pointer[Channel]
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	hosts map[string]bool
}

// Watch discovers serviceName once, then follows reg.Watch until Close. It
// fails if the first discovery fails or finds an invalid host set.
func Watch(ctx context.Context, reg registry.Registry, serviceName string, opts Options) (*Watcher, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Pool.Logger == nil {
		opts.Pool.Logger = opts.Logger
	}
	w := &Watcher{
		service: serviceName,
		opts:    opts,
		pools:   pool.NewPools(opts.Pool),
		logger:  opts.Logger.With(zap.String("service", serviceName)),
		done:    make(chan struct{}),
		hosts:   make(map[string]bool),
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	// Subscribe before the first discovery so no change falls in between.
	updates := reg.Watch(watchCtx, serviceName)

	instances, err := reg.Discover(ctx, serviceName)
	if err == nil {
		err = w.update(instances)
	}
	if err != nil {
		cancel()
		w.pools.Close()
		if _, ok := err.(*rpcerr.Error); ok {
			return nil, err
		}
		return nil, rpcerr.Errorf(rpcerr.CodeOf(err), "discover %s: %v", serviceName, err)
	}
	go func() {
		defer close(w.done)
		for instances := range updates {
			if err := w.update(instances); err != nil {
				w.logger.Warn("ignoring instance update", zap.Error(err))
			}
		}
	}()
	return w, nil
}

func (w *Watcher) update(instances []registry.ServiceInstance) error {
	hosts, weights := split(instances, w.opts.Algorithm)
	ch, err := newChannel(hosts, w.opts, weights, w.pools, false)
	if err != nil {
		return err
	}

	w.mu.Lock()
	next := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		next[h] = true
		if !w.hosts[h] {
			w.pools.Restore(h)
		}
	}
	var removed []string
	for h := range w.hosts {
		if !next[h] {
			removed = append(removed, h)
		}
	}
	w.hosts = next
	w.mu.Unlock()
	w.cur.Store(ch)

	for _, h := range removed {
		w.pools.Remove(h)
	}
	w.logger.Info("instances updated", zap.Strings("hosts", hosts), zap.Strings("removed", removed))
	return nil
}

// Channel returns the current generation.
func (w *Watcher) Channel() *Channel { return w.cur.Load() }

// SendRequest runs task on the current generation.
func (w *Watcher) SendRequest(ctx context.Context, task Task, opts ...CallOption) error {
	return w.cur.Load().SendRequest(ctx, task, opts...)
}

// Call invokes name on the current generation.
func (w *Watcher) Call(ctx context.Context, name string, result any, args ...any) error {
	return w.cur.Load().Call(ctx, name, result, args...)
}

// Close stops watching and closes every pool.
func (w *Watcher) Close() error {
	w.cancel()
	<-w.done
	w.cur.Load().Close()
	return w.pools.Close()
}
