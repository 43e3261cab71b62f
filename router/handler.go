package router

import (
	"context"

	"coro-rpc/codec"
	"coro-rpc/message"
)

// Handler is the type-erased form of a registered function. Adapters such as
// Func1 build one from a typed Go function; it can also be implemented by hand.
type Handler interface {
	// DecodeArgs decodes body into the handler's argument list. Any error is
	// reported to the caller as InvalidArgument.
	DecodeArgs(c codec.Codec, body []byte) (any, error)
	// Invoke runs the function with decoded args. It must complete resp
	// exactly once, either before returning or later from another goroutine.
	Invoke(ctx context.Context, args any, resp *Responder)
	// EncodeResult encodes a successful result.
	EncodeResult(c codec.Codec, result any) ([]byte, error)
}

type handler struct {
	decode func(c codec.Codec, body []byte) (any, error)
	invoke func(ctx context.Context, args any, resp *Responder)
}

func (h *handler) DecodeArgs(c codec.Codec, body []byte) (any, error) {
	return h.decode(c, body)
}

func (h *handler) Invoke(ctx context.Context, args any, resp *Responder) {
	h.invoke(ctx, args, resp)
}

func (h *handler) EncodeResult(c codec.Codec, result any) ([]byte, error) {
	return c.Encode(result)
}

type args2[A, B any] struct {
	a A
	b B
}

type args3[A, B, C any] struct {
	a A
	b B
	c C
}

func decode0(c codec.Codec, body []byte) (any, error) {
	return nil, codec.DecodeArgs(c, body)
}

func decode1[A any](c codec.Codec, body []byte) (any, error) {
	var a A
	if err := codec.DecodeArgs(c, body, &a); err != nil {
		return nil, err
	}
	return a, nil
}

func decode2[A, B any](c codec.Codec, body []byte) (any, error) {
	var v args2[A, B]
	if err := codec.DecodeArgs(c, body, &v.a, &v.b); err != nil {
		return nil, err
	}
	return v, nil
}

func decode3[A, B, C any](c codec.Codec, body []byte) (any, error) {
	var v args3[A, B, C]
	if err := codec.DecodeArgs(c, body, &v.a, &v.b, &v.c); err != nil {
		return nil, err
	}
	return v, nil
}

// as tolerates a nil interface argument, which a plain assertion would not.
func as[A any](v any) A {
	a, _ := v.(A)
	return a
}

func finish[R any](resp *Responder, result R, err error) {
	if err != nil {
		resp.Fail(err)
		return
	}
	resp.Respond(result)
}

// Func0 adapts a function without parameters.
func Func0[R any](fn func(ctx context.Context) (R, error)) Handler {
	return &handler{
		decode: decode0,
		invoke: func(ctx context.Context, _ any, resp *Responder) {
			r, err := fn(ctx)
			finish(resp, r, err)
		},
	}
}

// Func1 adapts a function with one parameter.
func Func1[A, R any](fn func(ctx context.Context, a A) (R, error)) Handler {
	return &handler{
		decode: decode1[A],
		invoke: func(ctx context.Context, args any, resp *Responder) {
			r, err := fn(ctx, as[A](args))
			finish(resp, r, err)
		},
	}
}

// Func2 adapts a function with two parameters.
func Func2[A, B, R any](fn func(ctx context.Context, a A, b B) (R, error)) Handler {
	return &handler{
		decode: decode2[A, B],
		invoke: func(ctx context.Context, args any, resp *Responder) {
			v := args.(args2[A, B])
			r, err := fn(ctx, v.a, v.b)
			finish(resp, r, err)
		},
	}
}

// Func3 adapts a function with three parameters.
func Func3[A, B, C, R any](fn func(ctx context.Context, a A, b B, c C) (R, error)) Handler {
	return &handler{
		decode: decode3[A, B, C],
		invoke: func(ctx context.Context, args any, resp *Responder) {
			v := args.(args3[A, B, C])
			r, err := fn(ctx, v.a, v.b, v.c)
			finish(resp, r, err)
		},
	}
}

// Async0 adapts a parameterless function that completes the call itself
// through resp, possibly after returning.
func Async0(fn func(ctx context.Context, resp *Responder)) Handler {
	return &handler{
		decode: decode0,
		invoke: func(ctx context.Context, _ any, resp *Responder) { fn(ctx, resp) },
	}
}

// Async1 is Async0 with one parameter.
func Async1[A any](fn func(ctx context.Context, a A, resp *Responder)) Handler {
	return &handler{
		decode: decode1[A],
		invoke: func(ctx context.Context, args any, resp *Responder) { fn(ctx, as[A](args), resp) },
	}
}

// Async2 is Async0 with two parameters.
func Async2[A, B any](fn func(ctx context.Context, a A, b B, resp *Responder)) Handler {
	return &handler{
		decode: decode2[A, B],
		invoke: func(ctx context.Context, args any, resp *Responder) {
			v := args.(args2[A, B])
			fn(ctx, v.a, v.b, resp)
		},
	}
}

// Raw passes the undecoded request to fn. Use Responder.RespondRaw to answer
// with pre-encoded bytes.
func Raw(fn func(ctx context.Context, req *message.Request, resp *Responder)) Handler {
	return &handler{
		decode: func(codec.Codec, []byte) (any, error) { return nil, nil },
		invoke: func(ctx context.Context, _ any, resp *Responder) { fn(ctx, resp.Request(), resp) },
	}
}
