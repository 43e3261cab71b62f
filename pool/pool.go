// Package pool keeps reusable RPC clients for one remote host.
//
// Pool design: idle clients sit in a LIFO stack so the most recently used
// (warmest) connection is reused first, and a weighted semaphore bounds how
// many clients are checked out at once. Connections are created lazily: the
// pool starts empty and grows on demand.
//
//	WithClient ─→ acquire slot ─→ pop idle | connect (retry + backoff) ─→ task
//	           ←─ release slot ←─ push idle | discard on transport error ←┘
package pool

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"coro-rpc/client"
	"coro-rpc/rpcerr"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

type idleClient struct {
	c     *client.Client
	since time.Time
}

// Pool manages the clients of a single host. It is safe for concurrent use.
type Pool struct {
	host   string
	cfg    Config
	sem    *semaphore.Weighted
	logger *zap.Logger

	mu     sync.Mutex
	idle   []idleClient // LIFO
	closed bool

	alive atomic.Bool
	stop  chan struct{}
	wg    sync.WaitGroup
}

// New creates the pool for host. No connection is made until first use.
func New(host string, cfg Config) *Pool {
	cfg.normalize()
	p := &Pool{
		host:   host,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConnections)),
		logger: cfg.Logger.With(zap.String("host", host)),
		stop:   make(chan struct{}),
	}
	p.alive.Store(true)
	if cfg.HostAliveDetectDuration > 0 {
		p.wg.Add(1)
		go p.probeLoop()
	}
	if cfg.IdleTimeout > 0 {
		p.wg.Add(1)
		go p.collectLoop()
	}
	return p
}

func (p *Pool) Host() string { return p.host }

// Alive reports the last health verdict. Without probing a host is always alive.
func (p *Pool) Alive() bool { return p.alive.Load() }

// IdleCount returns the number of idle clients.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// WithClient runs task with exclusive use of a connected client. The client
// goes back to the idle set afterwards unless the task failed with a
// transport error, in which case it is closed. A reused idle client that
// turns out to be disconnected is replaced and the task runs again. Only
// failures on a freshly dialed connection count against the host. While the
// host is marked down WithClient fails fast with NotConnected.
func (p *Pool) WithClient(ctx context.Context, task func(ctx context.Context, c *client.Client) error) error {
	if p.isClosed() {
		return rpcerr.Errorf(rpcerr.Closed, "pool %s closed", p.host)
	}
	if !p.alive.Load() {
		return rpcerr.Errorf(rpcerr.NotConnected, "host %s is down", p.host)
	}
	if _, ok := ctx.Deadline(); !ok && p.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.CallTimeout)
		defer cancel()
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return rpcerr.Errorf(rpcerr.CodeOf(err), "acquire client for %s: %v", p.host, err)
	}
	defer p.sem.Release(1)

	for {
		c, reused, err := p.acquire(ctx)
		if err != nil {
			p.failed(err)
			return err
		}

		err = task(ctx, c)
		if !c.Closed() && !rpcerr.IsTransport(err) {
			p.release(c)
			return err
		}
		c.Close()
		p.logger.Debug("discarding client", zap.Bool("reused", reused), zap.Error(err))
		if err == nil {
			return nil
		}
		if reused {
			// An idle connection the server has since closed fails with EOF
			// or a reset; try the next one.
			switch rpcerr.CodeOf(err) {
			case rpcerr.NotConnected, rpcerr.IOError:
				if ctx.Err() == nil {
					continue
				}
			}
			return err
		}
		p.failed(err)
		return err
	}
}

// Do is WithClient for tasks that produce a value.
func Do[T any](ctx context.Context, p *Pool, task func(ctx context.Context, c *client.Client) (T, error)) (T, error) {
	var out T
	err := p.WithClient(ctx, func(ctx context.Context, c *client.Client) error {
		var err error
		out, err = task(ctx, c)
		return err
	})
	return out, err
}

// acquire pops the most recent usable idle client, or dials a new one.
// reused reports which.
func (p *Pool) acquire(ctx context.Context) (c *client.Client, reused bool, err error) {
	now := time.Now()
	p.mu.Lock()
	for n := len(p.idle); n > 0; n = len(p.idle) {
		ic := p.idle[n-1]
		p.idle = p.idle[:n-1]
		if ic.c.Closed() || (p.cfg.IdleTimeout > 0 && now.Sub(ic.since) > p.cfg.IdleTimeout) {
			ic.c.Close()
			continue
		}
		p.mu.Unlock()
		return ic.c, true, nil
	}
	p.mu.Unlock()
	c, err = p.connect(ctx)
	return c, false, err
}

// connect makes 1+ConnectRetryCount attempts. Between attempts it waits
// ReconnectBackoff minus the time the attempt took, with 0-20% jitter.
func (p *Pool) connect(ctx context.Context) (*client.Client, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.ConnectRetryCount; attempt++ {
		start := time.Now()
		c, err := client.Connect(ctx, p.host, p.cfg.Client)
		if err == nil {
			return c, nil
		}
		lastErr = err
		if ctx.Err() != nil || attempt == p.cfg.ConnectRetryCount {
			break
		}
		wait := p.cfg.ReconnectBackoff - time.Since(start)
		p.logger.Warn("connect failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", p.cfg.ConnectRetryCount),
			zap.Error(err))
		if wait <= 0 {
			continue
		}
		wait = time.Duration(float64(wait) * (1 + 0.2*rand.Float64()))
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, rpcerr.Errorf(rpcerr.CodeOf(ctx.Err()), "connect %s: %v (last error: %v)", p.host, ctx.Err(), lastErr)
		case <-p.stop:
			timer.Stop()
			return nil, rpcerr.Errorf(rpcerr.Closed, "pool %s closed", p.host)
		}
	}
	p.logger.Warn("connect retry budget exhausted", zap.Error(lastErr))
	return nil, lastErr
}

func (p *Pool) release(c *client.Client) {
	p.mu.Lock()
	if p.closed || len(p.idle) >= p.cfg.MaxConnections {
		p.mu.Unlock()
		c.Close()
		return
	}
	p.idle = append(p.idle, idleClient{c: c, since: time.Now()})
	p.mu.Unlock()
}

// failed marks the host down after a connect failure or a failure on a
// connection dialed for this call. Only done when probing is on, since only
// the probe can mark it up again.
func (p *Pool) failed(err error) {
	if p.cfg.HostAliveDetectDuration <= 0 {
		return
	}
	if !rpcerr.IsTransport(err) {
		return
	}
	switch rpcerr.CodeOf(err) {
	case rpcerr.ConnectRefused, rpcerr.NotConnected, rpcerr.IOError:
		p.markDown(err)
	}
}

func (p *Pool) markDown(err error) {
	if p.alive.CompareAndSwap(true, false) {
		p.logger.Warn("host marked down", zap.Error(err))
		p.closeIdle()
	}
}

func (p *Pool) markUp() {
	if p.alive.CompareAndSwap(false, true) {
		p.logger.Info("host marked up")
	}
}

func (p *Pool) probeLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HostAliveDetectDuration)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}
		if err := p.probe(); err != nil {
			p.markDown(err)
		} else {
			p.markUp()
		}
	}
}

// probe dials a fresh connection and sends a heartbeat, so it never competes
// with callers for pooled clients.
func (p *Pool) probe() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HostAliveDetectDuration)
	defer cancel()
	c, err := client.Connect(ctx, p.host, p.cfg.Client)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Ping(ctx)
}

func (p *Pool) collectLoop() {
	defer p.wg.Done()
	interval := max(p.cfg.IdleTimeout/2, 50*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.collectIdle()
		}
	}
}

// collectIdle closes clients idle longer than IdleTimeout. The stack is
// ordered by return time, so expired clients sit at the bottom.
func (p *Pool) collectIdle() {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)
	p.mu.Lock()
	n := 0
	for n < len(p.idle) && p.idle[n].since.Before(cutoff) {
		n++
	}
	expired := make([]idleClient, n)
	copy(expired, p.idle[:n])
	p.idle = append(p.idle[:0], p.idle[n:]...)
	p.mu.Unlock()

	for _, ic := range expired {
		ic.c.Close()
	}
	if n > 0 {
		p.logger.Debug("closed idle clients", zap.Int("count", n))
	}
}

func (p *Pool) closeIdle() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, ic := range idle {
		ic.c.Close()
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close stops background loops and closes idle clients. Clients checked out
// at that moment are closed when returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()
	p.closeIdle()
	return nil
}
