// Package server implements the RPC server: function registration, the
// middleware chain, one session per connection with parallel call
// processing, optional registry self-registration and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → session.serve (single goroutine reads frames)
//	  → heartbeat frames are answered in place
//	  → for each call: go dispatch (parallel processing)
//	    → Middleware Chain → Router.Route → Responder → write response
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"coro-rpc/message"
	"coro-rpc/middleware"
	"coro-rpc/registry"
	"coro-rpc/router"
	"coro-rpc/rpcerr"

	"go.uber.org/zap"
)

// Server is the RPC server that registers functions and handles incoming calls.
type Server struct {
	opts        Options
	router      *router.Router
	middlewares []middleware.Middleware // Registered middlewares (applied in order)
	handler     middleware.HandlerFunc  // middleware(middleware(...(router.Route)))
	logger      *zap.Logger

	mu         sync.Mutex
	listener   net.Listener
	sessions   map[*session]struct{}
	registered string // advertised address, "" if not registered

	callMu   sync.Mutex
	calls    int           // calls whose response has not been written yet
	draining bool          // set by Stop; new calls are refused
	drained  chan struct{} // closed once calls reaches 0 while draining

	serving  sync.WaitGroup // session read loops
	started  atomic.Bool
	shutdown atomic.Bool // Set during shutdown to suppress Accept errors
	done     chan struct{}
}

// NewServer creates a server with an empty router.
func NewServer(opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return &Server{
		opts:     o,
		router:   router.New(router.WithLogger(o.Logger)),
		logger:   o.Logger,
		sessions: make(map[*session]struct{}),
		drained:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// beginCall admits one call. It fails once Stop has started draining.
func (svr *Server) beginCall() bool {
	svr.callMu.Lock()
	defer svr.callMu.Unlock()
	if svr.draining {
		return false
	}
	svr.calls++
	return true
}

func (svr *Server) endCall() {
	svr.callMu.Lock()
	defer svr.callMu.Unlock()
	svr.calls--
	if svr.draining && svr.calls == 0 {
		close(svr.drained)
	}
}

// drain refuses new calls and returns a channel closed when the admitted
// ones have answered.
func (svr *Server) drain() <-chan struct{} {
	svr.callMu.Lock()
	defer svr.callMu.Unlock()
	if !svr.draining {
		svr.draining = true
		if svr.calls == 0 {
			close(svr.drained)
		}
	}
	return svr.drained
}

// Router returns the function table. Registration must happen before Start.
func (svr *Server) Router() *router.Router { return svr.router }

// Register binds h to id.
func (svr *Server) Register(id message.FunctionID, h router.Handler) error {
	return svr.router.Register(id, h)
}

// RegisterFunc binds h to router.FuncID(name).
func (svr *Server) RegisterFunc(name string, h router.Handler) error {
	return svr.router.RegisterFunc(name, h)
}

// RegisterService registers the RPC-shaped methods of rcvr as "Type.Method".
func (svr *Server) RegisterService(rcvr any) ([]string, error) {
	return svr.router.RegisterService(rcvr)
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Start listens on address and serves until Stop. It returns nil after a
// graceful stop.
func (svr *Server) Start(address string) error {
	l, err := svr.listen(address)
	if err != nil {
		return err
	}
	return svr.Serve(l)
}

// AsyncStart binds address, registers with the registry if configured, and
// serves in the background. Addr is valid once it returns; later accept
// errors are logged.
func (svr *Server) AsyncStart(address string) error {
	l, err := svr.listen(address)
	if err != nil {
		return err
	}
	if err := svr.prepare(l); err != nil {
		return err
	}
	go func() {
		if err := svr.acceptLoop(l); err != nil {
			svr.logger.Error("serve", zap.Error(err))
		}
	}()
	return nil
}

func (svr *Server) listen(address string) (net.Listener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, rpcerr.Errorf(rpcerr.IOError, "listen %s: %v", address, err)
	}
	if svr.opts.TLSConfig != nil {
		l = tls.NewListener(l, svr.opts.TLSConfig)
	}
	return l, nil
}

// Serve accepts connections on l until Stop.
func (svr *Server) Serve(l net.Listener) error {
	if err := svr.prepare(l); err != nil {
		return err
	}
	return svr.acceptLoop(l)
}

// prepare ends the registration phase and publishes the server.
func (svr *Server) prepare(l net.Listener) error {
	if !svr.started.CompareAndSwap(false, true) {
		l.Close()
		return errors.New("server: already started")
	}
	svr.router.Seal()
	// Build the middleware chain once at startup (not per-request)
	svr.handler = middleware.Chain(svr.middlewares...)(svr.router.Route)

	svr.mu.Lock()
	svr.listener = l
	svr.mu.Unlock()
	svr.logger.Info("server listening", zap.Stringer("addr", l.Addr()), zap.Int("functions", svr.router.Len()))

	if err := svr.register(l.Addr().String()); err != nil {
		l.Close()
		return err
	}
	return nil
}

func (svr *Server) acceptLoop(l net.Listener) error {
	if svr.shutdown.Load() {
		l.Close()
		return nil
	}
	var tempDelay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay = min(2*tempDelay, time.Second)
				}
				svr.logger.Warn("accept", zap.Error(err), zap.Duration("retry_in", tempDelay))
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0

		s := newSession(svr, conn)
		svr.mu.Lock()
		if svr.shutdown.Load() {
			svr.mu.Unlock()
			conn.Close()
			continue
		}
		svr.sessions[s] = struct{}{}
		svr.serving.Add(1)
		svr.mu.Unlock()
		go func() {
			defer svr.serving.Done()
			s.serve()
		}()
	}
}

func (svr *Server) register(boundAddr string) error {
	if svr.opts.Registry == nil {
		return nil
	}
	addr := svr.opts.AdvertiseAddr
	if addr == "" {
		addr = boundAddr
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inst := registry.ServiceInstance{Addr: addr, Weight: svr.opts.Weight}
	if err := svr.opts.Registry.Register(ctx, svr.opts.ServiceName, inst, svr.opts.RegistryTTL); err != nil {
		return fmt.Errorf("register %s at %s: %w", svr.opts.ServiceName, addr, err)
	}
	svr.mu.Lock()
	svr.registered = addr
	svr.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before the server starts.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// Stop performs graceful shutdown:
//  1. Deregister from the registry (clients stop routing to this server)
//  2. Set shutdown flag (so Accept error is recognized as intentional)
//  3. Close the listener (stop accepting new connections)
//  4. Refuse new calls and wait for admitted ones to write their responses (with timeout)
//  5. Close every session and wait for its read loop to exit
//
// Stop is idempotent.
func (svr *Server) Stop(timeout time.Duration) error {
	if !svr.shutdown.CompareAndSwap(false, true) {
		<-svr.done
		return nil
	}
	defer close(svr.done)

	svr.mu.Lock()
	registered, l := svr.registered, svr.listener
	svr.mu.Unlock()

	if registered != "" {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := svr.opts.Registry.Deregister(ctx, svr.opts.ServiceName, registered); err != nil {
			svr.logger.Warn("deregister", zap.String("addr", registered), zap.Error(err))
		}
		cancel()
	}
	if l != nil {
		l.Close()
	}

	var err error
	select {
	case <-svr.drain():
	case <-time.After(timeout):
		err = rpcerr.Errorf(rpcerr.Timeout, "calls still in flight after %s", timeout)
	}

	svr.mu.Lock()
	sessions := svr.sessions
	svr.sessions = make(map[*session]struct{})
	svr.mu.Unlock()
	for s := range sessions {
		s.close()
	}
	svr.serving.Wait()
	svr.logger.Info("server stopped", zap.Int("sessions", len(sessions)))
	return err
}

func (svr *Server) removeSession(s *session) {
	svr.mu.Lock()
	delete(svr.sessions, s)
	svr.mu.Unlock()
}

// SessionCount returns the number of open sessions.
func (svr *Server) SessionCount() int {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	return len(svr.sessions)
}
