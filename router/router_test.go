package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"coro-rpc/codec"
	"coro-rpc/message"
	"coro-rpc/rpcerr"

	"go.uber.org/zap/zaptest"
)

type recorded struct {
	code       rpcerr.Code
	body       []byte
	attachment []byte
}

// recorder is a ResponseSink that keeps every write.
type recorder struct {
	mu     sync.Mutex
	writes []recorded
	ch     chan struct{}
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan struct{}, 16)}
}

func (r *recorder) WriteResponse(code rpcerr.Code, body, attachment []byte) error {
	r.mu.Lock()
	r.writes = append(r.writes, recorded{code, body, attachment})
	r.mu.Unlock()
	r.ch <- struct{}{}
	return nil
}

func (r *recorder) wait(t *testing.T) recorded {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("no response written")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes[len(r.writes)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writes)
}

var jsonCodec, _ = codec.GetCodec(codec.CodecTypeJSON)

func request(t *testing.T, name string, args ...any) *message.Request {
	t.Helper()
	body, err := codec.EncodeArgs(jsonCodec, args...)
	if err != nil {
		t.Fatalf("encode args: %v", err)
	}
	return &message.Request{FunctionID: FuncID(name), Codec: jsonCodec, Body: body}
}

func newTestRouter(t *testing.T) *Router {
	r := New(WithLogger(zaptest.NewLogger(t)))
	mustRegister(t, r, "echo", Func1(func(_ context.Context, s string) (string, error) {
		return s, nil
	}))
	mustRegister(t, r, "add", Func2(func(_ context.Context, a, b int) (int, error) {
		return a + b, nil
	}))
	mustRegister(t, r, "hello", Func0(func(context.Context) (string, error) {
		return "hello", nil
	}))
	mustRegister(t, r, "boom", Func0(func(context.Context) (string, error) {
		panic("kaboom")
	}))
	mustRegister(t, r, "fail", Func0(func(context.Context) (int, error) {
		return 0, rpcerr.New(rpcerr.UserCodeBase+4, "out of stock")
	}))
	return r
}

func mustRegister(t *testing.T, r *Router, name string, h Handler) {
	t.Helper()
	if err := r.RegisterFunc(name, h); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func TestRouteOneArgument(t *testing.T) {
	r := newTestRouter(t)
	r.Seal()

	rec := newRecorder()
	r.Route(context.Background(), request(t, "echo", "ping"), rec)
	got := rec.wait(t)
	if got.code != rpcerr.OK {
		t.Fatalf("expect OK, got %v: %s", got.code, got.body)
	}
	var s string
	if err := jsonCodec.Decode(got.body, &s); err != nil || s != "ping" {
		t.Fatalf("expect \"ping\", got %q (%v)", s, err)
	}
}

func TestRouteArityAndTypeMismatch(t *testing.T) {
	r := newTestRouter(t)

	cases := []struct {
		name string
		req  *message.Request
	}{
		{"zero args", request(t, "echo")},
		{"two args", request(t, "echo", "a", "b")},
		{"wrong type", request(t, "echo", 42)},
		{"one of two", request(t, "add", 1)},
		{"garbage body", &message.Request{FunctionID: FuncID("echo"), Codec: jsonCodec, Body: []byte("[\"a\"] x")}},
		{"null for int", request(t, "add", 1, nil)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := newRecorder()
			r.Route(context.Background(), tc.req, rec)
			if got := rec.wait(t); got.code != rpcerr.InvalidArgument {
				t.Fatalf("expect InvalidArgument, got %v: %s", got.code, got.body)
			}
		})
	}
}

func TestRouteZeroArguments(t *testing.T) {
	r := newTestRouter(t)

	for _, body := range [][]byte{nil, []byte("[]")} {
		rec := newRecorder()
		r.Route(context.Background(), &message.Request{FunctionID: FuncID("hello"), Codec: jsonCodec, Body: body}, rec)
		if got := rec.wait(t); got.code != rpcerr.OK || string(got.body) != `"hello"` {
			t.Fatalf("expect \"hello\", got %v: %s", got.code, got.body)
		}
	}
}

func TestRouteUnregistered(t *testing.T) {
	r := newTestRouter(t)

	rec := newRecorder()
	r.Route(context.Background(), request(t, "missing"), rec)
	if got := rec.wait(t); got.code != rpcerr.FunctionNotRegistered {
		t.Fatalf("expect FunctionNotRegistered, got %v", got.code)
	}
}

func TestRoutePanic(t *testing.T) {
	r := newTestRouter(t)

	rec := newRecorder()
	r.Route(context.Background(), request(t, "boom"), rec)
	got := rec.wait(t)
	if got.code != rpcerr.Interrupted {
		t.Fatalf("expect Interrupted, got %v", got.code)
	}
	if !strings.Contains(string(got.body), "kaboom") {
		t.Fatalf("expect panic message in body, got %q", got.body)
	}
}

func TestRouteApplicationError(t *testing.T) {
	r := newTestRouter(t)

	rec := newRecorder()
	r.Route(context.Background(), request(t, "fail"), rec)
	got := rec.wait(t)
	if got.code != rpcerr.UserCodeBase+4 || string(got.body) != "out of stock" {
		t.Fatalf("expect application error, got %v: %s", got.code, got.body)
	}
}

func TestRegisterRejects(t *testing.T) {
	r := New()
	h := Func0(func(context.Context) (int, error) { return 1, nil })

	if err := r.Register(message.HeartbeatID, h); !errors.Is(err, rpcerr.ErrInvalidArgument) {
		t.Fatalf("expect heartbeat id to be rejected, got %v", err)
	}
	if err := r.RegisterFunc("one", h); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.RegisterFunc("one", h); !errors.Is(err, ErrDuplicateHandler) {
		t.Fatalf("expect ErrDuplicateHandler, got %v", err)
	}
	r.Seal()
	if err := r.RegisterFunc("two", h); !errors.Is(err, ErrSealed) {
		t.Fatalf("expect ErrSealed, got %v", err)
	}
	if r.Len() != 1 || r.Name(FuncID("one")) != "one" {
		t.Fatalf("unexpected table: len=%d name=%q", r.Len(), r.Name(FuncID("one")))
	}
}

func TestDeferredResponse(t *testing.T) {
	r := New(WithLogger(zaptest.NewLogger(t)))
	release := make(chan struct{})
	mustRegister(t, r, "later", Async1(func(_ context.Context, n int, resp *Responder) {
		go func() {
			<-release
			resp.Respond(n * 2)
		}()
	}))

	rec := newRecorder()
	r.Route(context.Background(), request(t, "later", 21), rec)
	if rec.count() != 0 {
		t.Fatalf("expect no response before release")
	}
	close(release)
	if got := rec.wait(t); got.code != rpcerr.OK || string(got.body) != "42" {
		t.Fatalf("expect 42, got %v: %s", got.code, got.body)
	}
}

func TestDuplicateResponseIgnored(t *testing.T) {
	r := New(WithLogger(zaptest.NewLogger(t)))
	var second error
	mustRegister(t, r, "twice", Async0(func(_ context.Context, resp *Responder) {
		resp.Respond("first")
		second = resp.Respond("second")
	}))

	rec := newRecorder()
	r.Route(context.Background(), request(t, "twice"), rec)
	rec.wait(t)
	if !errors.Is(second, ErrAlreadyResponded) {
		t.Fatalf("expect ErrAlreadyResponded, got %v", second)
	}
	if rec.count() != 1 {
		t.Fatalf("expect exactly one response, got %d", rec.count())
	}
}

func TestAttachments(t *testing.T) {
	r := New()
	mustRegister(t, r, "blob", Func0(func(ctx context.Context) (int, error) {
		resp, ok := ResponderFromContext(ctx)
		if !ok {
			return 0, errors.New("no responder in context")
		}
		in := resp.Request().Attachment
		resp.SetAttachment(append([]byte("re:"), in...))
		return len(in), nil
	}))

	req := request(t, "blob")
	req.Attachment = []byte("payload")
	rec := newRecorder()
	r.Route(context.Background(), req, rec)
	got := rec.wait(t)
	if got.code != rpcerr.OK || string(got.body) != "7" || string(got.attachment) != "re:payload" {
		t.Fatalf("unexpected response %v %s %q", got.code, got.body, got.attachment)
	}
}

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Div(_ context.Context, args *Args, reply *Reply) error {
	if args.B == 0 {
		return rpcerr.New(rpcerr.InvalidArgument, "divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

func TestRegisterService(t *testing.T) {
	r := New()
	names, err := r.RegisterService(&Arith{})
	if err != nil {
		t.Fatalf("register service: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expect 2 methods, got %v", names)
	}

	rec := newRecorder()
	r.Route(context.Background(), request(t, "Arith.Add", Args{A: 1, B: 2}), rec)
	if got := rec.wait(t); got.code != rpcerr.OK || string(got.body) != `{"Result":3}` {
		t.Fatalf("unexpected Add response %v %s", got.code, got.body)
	}

	r.Route(context.Background(), request(t, "Arith.Div", Args{A: 1}), rec)
	if got := rec.wait(t); got.code != rpcerr.InvalidArgument {
		t.Fatalf("expect InvalidArgument from Div, got %v", got.code)
	}

	if _, err := r.RegisterService(Arith{}); err == nil {
		t.Fatalf("expect non-pointer receiver to be rejected")
	}
}
