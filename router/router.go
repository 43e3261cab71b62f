// Package router maps function ids to handlers and runs one call: decode the
// arguments, invoke the handler, and make sure exactly one response is
// written even when the handler panics.
package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"coro-rpc/message"
	"coro-rpc/rpcerr"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

var (
	ErrDuplicateHandler = errors.New("router: function already registered")
	ErrSealed           = errors.New("router: registration after seal")
)

// FuncID derives the id of a function from its qualified name. Clients and
// servers call it with the same name to agree on the id.
func FuncID(name string) message.FunctionID {
	return message.FunctionID(xxhash.Sum64String(name))
}

type entry struct {
	name    string
	handler Handler
}

// Router is built during setup and read concurrently while serving. After
// Seal, lookups take no lock.
type Router struct {
	mu       sync.RWMutex
	sealed   atomic.Bool
	handlers map[message.FunctionID]*entry
	logger   *zap.Logger
}

type Option func(*Router)

func WithLogger(l *zap.Logger) Option {
	return func(r *Router) { r.logger = l }
}

func New(opts ...Option) *Router {
	r := &Router{
		handlers: make(map[message.FunctionID]*entry),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds h to id.
func (r *Router) Register(id message.FunctionID, h Handler) error {
	return r.register(id, id.String(), h)
}

// RegisterFunc binds h to FuncID(name) and remembers name for logging.
func (r *Router) RegisterFunc(name string, h Handler) error {
	return r.register(FuncID(name), name, h)
}

func (r *Router) register(id message.FunctionID, name string, h Handler) error {
	if id == message.HeartbeatID {
		return rpcerr.Errorf(rpcerr.InvalidArgument, "function id %s is reserved for heartbeats", id)
	}
	if h == nil {
		return rpcerr.Errorf(rpcerr.InvalidArgument, "nil handler for %s", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return fmt.Errorf("%w: %s", ErrSealed, name)
	}
	if prev, ok := r.handlers[id]; ok {
		return fmt.Errorf("%w: %s (id %s, previously %s)", ErrDuplicateHandler, name, id, prev.name)
	}
	r.handlers[id] = &entry{name: name, handler: h}
	return nil
}

// Seal freezes the table. Servers seal their router when they start.
func (r *Router) Seal() {
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
}

func (r *Router) lookup(id message.FunctionID) (*entry, bool) {
	if r.sealed.Load() {
		e, ok := r.handlers[id]
		return e, ok
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.handlers[id]
	return e, ok
}

// Lookup returns the handler registered for id.
func (r *Router) Lookup(id message.FunctionID) (Handler, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, false
	}
	return e.handler, true
}

// Name returns the name id was registered under, or the id in hex.
func (r *Router) Name(id message.FunctionID) string {
	if e, ok := r.lookup(id); ok {
		return e.name
	}
	return id.String()
}

func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Route runs the call described by req and writes its outcome to sink.
// Unknown ids answer FunctionNotRegistered, undecodable arguments answer
// InvalidArgument and a panicking handler answers Interrupted. Handlers that
// keep their Responder may complete after Route returns.
func (r *Router) Route(ctx context.Context, req *message.Request, sink message.ResponseSink) {
	e, ok := r.lookup(req.FunctionID)
	if !ok {
		message.WriteError(sink, rpcerr.Errorf(rpcerr.FunctionNotRegistered,
			"function %s not registered", req.FunctionID))
		return
	}

	resp := newResponder(req, e.name, e.handler, sink, r.logger)
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("handler panicked",
				zap.String("function", e.name),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			if !resp.Done() {
				resp.RespondError(rpcerr.Interrupted, fmt.Sprintf("%s: panic: %v", e.name, p))
			}
		}
	}()

	args, err := e.handler.DecodeArgs(req.Codec, req.Body)
	if err != nil {
		resp.RespondError(rpcerr.InvalidArgument, fmt.Sprintf("%s: %v", e.name, err))
		return
	}
	e.handler.Invoke(withResponder(ctx, resp), args, resp)
}
