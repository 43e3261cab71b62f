package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"coro-rpc/client"
	"coro-rpc/router"
	"coro-rpc/rpcerr"
	"coro-rpc/server"

	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

func startServer(t *testing.T, addr string) *server.Server {
	t.Helper()
	svr := newServer(t)
	if err := svr.AsyncStart(addr); err != nil {
		t.Fatalf("start: %v", err)
	}
	return svr
}

func newServer(t *testing.T) *server.Server {
	svr := server.NewServer(server.WithLogger(zaptest.NewLogger(t)))
	svr.RegisterFunc("hello", router.Func0(func(context.Context) (string, error) {
		return "hello", nil
	}))
	svr.RegisterFunc("sleep", router.Func1(func(ctx context.Context, ms int) (int, error) {
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return ms, nil
	}))
	t.Cleanup(func() { svr.Stop(time.Second) })
	return svr
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.Logger = zaptest.NewLogger(t)
	cfg.ReconnectBackoff = 20 * time.Millisecond
	return cfg
}

func newPool(t *testing.T, host string, cfg Config) *Pool {
	p := New(host, cfg)
	t.Cleanup(func() { p.Close() })
	return p
}

func hello(ctx context.Context, c *client.Client) (string, error) {
	return client.Invoke[string](ctx, c, "hello")
}

func TestReuseIdleClient(t *testing.T) {
	svr := startServer(t, "127.0.0.1:0")
	p := newPool(t, svr.Addr().String(), testConfig(t))

	var first, second *client.Client
	p.WithClient(context.Background(), func(ctx context.Context, c *client.Client) error {
		first = c
		return nil
	})
	got, err := Do(context.Background(), p, func(ctx context.Context, c *client.Client) (string, error) {
		second = c
		return hello(ctx, c)
	})
	if err != nil || got != "hello" {
		t.Fatalf("expect hello, got %q (%v)", got, err)
	}
	if first != second {
		t.Fatalf("expect the idle client to be reused")
	}
	if p.IdleCount() != 1 {
		t.Fatalf("expect 1 idle client, got %d", p.IdleCount())
	}
}

func TestTransportErrorDiscardsClient(t *testing.T) {
	svr := startServer(t, "127.0.0.1:0")
	p := newPool(t, svr.Addr().String(), testConfig(t))

	err := p.WithClient(context.Background(), func(ctx context.Context, c *client.Client) error {
		c.Close()
		return c.Ping(ctx)
	})
	if !errors.Is(err, rpcerr.ErrNotConnected) {
		t.Fatalf("expect NotConnected, got %v", err)
	}
	if p.IdleCount() != 0 {
		t.Fatalf("expect failed client to be discarded, got %d idle", p.IdleCount())
	}

	appErr := errors.New("application says no")
	err = p.WithClient(context.Background(), func(ctx context.Context, c *client.Client) error {
		return appErr
	})
	if !errors.Is(err, appErr) {
		t.Fatalf("expect task error to pass through, got %v", err)
	}
	if p.IdleCount() != 1 {
		t.Fatalf("expect client to survive an application error, got %d idle", p.IdleCount())
	}
}

// 服务端因空闲关闭的连接不应让主机被标记为宕机
func TestServerClosedIdleClient(t *testing.T) {
	svr := server.NewServer(server.WithLogger(zaptest.NewLogger(t)), server.WithIdleTimeout(100*time.Millisecond))
	svr.RegisterFunc("hello", router.Func0(func(context.Context) (string, error) {
		return "hello", nil
	}))
	if err := svr.AsyncStart("127.0.0.1:0"); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { svr.Stop(time.Second) })

	cfg := testConfig(t)
	cfg.HostAliveDetectDuration = time.Hour
	cfg.IdleTimeout = time.Minute
	p := newPool(t, svr.Addr().String(), cfg)

	if _, err := Do(context.Background(), p, hello); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if p.IdleCount() != 1 {
		t.Fatalf("expect 1 idle client, got %d", p.IdleCount())
	}
	time.Sleep(300 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if got, err := Do(context.Background(), p, hello); err != nil || got != "hello" {
			t.Fatalf("call %d after the server closed the idle connection: %q (%v)", i, got, err)
		}
	}
	if !p.Alive() {
		t.Fatalf("expect host to stay alive")
	}
}

func TestConcurrentCallsRunOnce(t *testing.T) {
	var invocations atomic.Int64
	svr := server.NewServer(server.WithLogger(zaptest.NewLogger(t)))
	svr.RegisterFunc("count", router.Func1(func(_ context.Context, n int) (int, error) {
		invocations.Add(1)
		time.Sleep(5 * time.Millisecond)
		return n, nil
	}))
	if err := svr.AsyncStart("127.0.0.1:0"); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { svr.Stop(time.Second) })

	const n = 64
	cfg := testConfig(t)
	cfg.MaxConnections = n
	p := newPool(t, svr.Addr().String(), cfg)

	var ok atomic.Int64
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			got, err := Do(context.Background(), p, func(ctx context.Context, c *client.Client) (int, error) {
				return client.Invoke[int](ctx, c, "count", i)
			})
			if err != nil {
				return err
			}
			if got != i {
				return fmt.Errorf("call %d: got %d", i, got)
			}
			ok.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("calls: %v", err)
	}
	if ok.Load() != n || invocations.Load() != n {
		t.Fatalf("expect %d successes and %d invocations, got %d and %d", n, n, ok.Load(), invocations.Load())
	}
}

func TestMaxConnections(t *testing.T) {
	svr := startServer(t, "127.0.0.1:0")
	cfg := testConfig(t)
	cfg.MaxConnections = 4
	p := newPool(t, svr.Addr().String(), cfg)

	var inUse, peak atomic.Int32
	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			return p.WithClient(context.Background(), func(ctx context.Context, c *client.Client) error {
				n := inUse.Add(1)
				defer inUse.Add(-1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				_, err := client.Invoke[int](ctx, c, "sleep", 10)
				return err
			})
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("calls: %v", err)
	}
	if peak.Load() > 4 {
		t.Fatalf("expect at most 4 clients in use, saw %d", peak.Load())
	}
	if p.IdleCount() > 4 {
		t.Fatalf("expect at most 4 idle clients, got %d", p.IdleCount())
	}
}

func TestAcquireTimeout(t *testing.T) {
	svr := startServer(t, "127.0.0.1:0")
	cfg := testConfig(t)
	cfg.MaxConnections = 1
	p := newPool(t, svr.Addr().String(), cfg)

	hold := make(chan struct{})
	held := make(chan struct{})
	go p.WithClient(context.Background(), func(ctx context.Context, c *client.Client) error {
		close(held)
		<-hold
		return nil
	})
	<-held
	defer close(hold)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.WithClient(ctx, func(ctx context.Context, c *client.Client) error { return nil })
	if !errors.Is(err, rpcerr.ErrTimeout) {
		t.Fatalf("expect Timeout waiting for a slot, got %v", err)
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestConnectRetry(t *testing.T) {
	cfg := testConfig(t)
	cfg.ConnectRetryCount = 2
	cfg.ReconnectBackoff = 50 * time.Millisecond
	p := newPool(t, freeAddr(t), cfg)

	start := time.Now()
	_, err := Do(context.Background(), p, hello)
	if !errors.Is(err, rpcerr.ErrConnectRefused) {
		t.Fatalf("expect ConnectRefused, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Fatalf("expect two backoff waits, returned after %s", elapsed)
	}
	if !p.Alive() {
		t.Fatalf("expect host to stay alive without probing")
	}
}

func TestConnectRetrySucceedsLater(t *testing.T) {
	addr := freeAddr(t)
	cfg := testConfig(t)
	cfg.ConnectRetryCount = 20
	cfg.ReconnectBackoff = 25 * time.Millisecond
	p := newPool(t, addr, cfg)

	late := newServer(t)
	time.AfterFunc(100*time.Millisecond, func() { late.AsyncStart(addr) })
	got, err := Do(context.Background(), p, hello)
	if err != nil || got != "hello" {
		t.Fatalf("expect retry to reach the late server, got %q (%v)", got, err)
	}
}

func TestHealthProbe(t *testing.T) {
	svr := startServer(t, "127.0.0.1:0")
	addr := svr.Addr().String()
	cfg := testConfig(t)
	cfg.ConnectRetryCount = 0
	cfg.HostAliveDetectDuration = 50 * time.Millisecond
	p := newPool(t, addr, cfg)

	if _, err := Do(context.Background(), p, hello); err != nil {
		t.Fatalf("call: %v", err)
	}

	svr.Stop(time.Second)
	if _, err := Do(context.Background(), p, hello); err == nil {
		t.Fatalf("expect call against a stopped server to fail")
	}
	waitFor(t, func() bool { return !p.Alive() })

	start := time.Now()
	if _, err := Do(context.Background(), p, hello); !errors.Is(err, rpcerr.ErrNotConnected) {
		t.Fatalf("expect NotConnected while down, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Fatalf("expect fail fast while down, took %s", elapsed)
	}

	startServer(t, addr)
	waitFor(t, p.Alive)
	if got, err := Do(context.Background(), p, hello); err != nil || got != "hello" {
		t.Fatalf("expect recovery after restart, got %q (%v)", got, err)
	}
}

func TestIdleCollector(t *testing.T) {
	svr := startServer(t, "127.0.0.1:0")
	cfg := testConfig(t)
	cfg.IdleTimeout = 100 * time.Millisecond
	p := newPool(t, svr.Addr().String(), cfg)

	if _, err := Do(context.Background(), p, hello); err != nil {
		t.Fatalf("call: %v", err)
	}
	if p.IdleCount() != 1 {
		t.Fatalf("expect 1 idle client, got %d", p.IdleCount())
	}
	waitFor(t, func() bool { return p.IdleCount() == 0 })
}

func TestPools(t *testing.T) {
	ps := NewPools(testConfig(t))
	a, _ := ps.At("127.0.0.1:1")
	b, _ := ps.At("127.0.0.1:1")
	if a != b {
		t.Fatalf("expect one pool per host")
	}
	ps.At("127.0.0.1:2")
	if hosts := ps.Hosts(); len(hosts) != 2 {
		t.Fatalf("expect 2 hosts, got %v", hosts)
	}
	ps.Close()
	if _, err := ps.At("127.0.0.1:1"); !errors.Is(err, rpcerr.ErrClosed) {
		t.Fatalf("expect Closed after close, got %v", err)
	}
	if err := a.WithClient(context.Background(), func(context.Context, *client.Client) error { return nil }); !errors.Is(err, rpcerr.ErrClosed) {
		t.Fatalf("expect closed pool to refuse work, got %v", err)
	}
}

func TestPoolsRemove(t *testing.T) {
	ps := NewPools(testConfig(t))
	defer ps.Close()
	a, _ := ps.At("127.0.0.1:1")

	ps.Remove("127.0.0.1:1")
	if _, err := ps.At("127.0.0.1:1"); !errors.Is(err, rpcerr.ErrNotConnected) {
		t.Fatalf("expect a removed host to stay removed, got %v", err)
	}
	if _, ok := ps.Get("127.0.0.1:1"); ok {
		t.Fatalf("expect no pool for a removed host")
	}
	if err := a.WithClient(context.Background(), func(context.Context, *client.Client) error { return nil }); !errors.Is(err, rpcerr.ErrClosed) {
		t.Fatalf("expect the removed pool to be closed, got %v", err)
	}

	ps.Restore("127.0.0.1:1")
	b, err := ps.At("127.0.0.1:1")
	if err != nil || b == a {
		t.Fatalf("expect a fresh pool after restore, got %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
