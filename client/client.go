// Package client is the caller side of one connection: it encodes a typed
// argument list, sends it to a function id and decodes the typed result.
//
// A Client carries one call at a time. Concurrent callers on the same Client
// are serialized; use package pool for parallelism against a host.
package client

import (
	"context"
	"crypto/tls"
	"time"

	"coro-rpc/codec"
	"coro-rpc/message"
	"coro-rpc/router"
	"coro-rpc/rpcerr"
	"coro-rpc/transport"

	"go.uber.org/zap"
)

// Options configures a Client.
type Options struct {
	ConnectTimeout time.Duration // 0 = no limit beyond ctx
	CallTimeout    time.Duration // default per-call limit when ctx has none; 0 = none
	MaxMessageSize uint32        // 0 = protocol.DefaultMaxMessageSize
	CodecType      codec.CodecType
	TLSConfig      *tls.Config
	Logger         *zap.Logger
}

// DefaultOptions returns the recommended client options.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 5 * time.Second,
		CallTimeout:    5 * time.Second,
		CodecType:      codec.CodecTypeJSON,
	}
}

type Client struct {
	addr   string
	opts   Options
	codec  codec.Codec
	t      *transport.ClientTransport
	logger *zap.Logger
}

// Connect dials addr. It fails with ConnectRefused when nothing listens there
// and with Timeout when ConnectTimeout (or ctx) expires first.
func Connect(ctx context.Context, addr string, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c, err := codec.GetCodec(opts.CodecType)
	if err != nil {
		return nil, rpcerr.New(rpcerr.InvalidArgument, err.Error())
	}
	t, err := transport.Dial(ctx, addr, transport.DialOptions{
		ConnectTimeout: opts.ConnectTimeout,
		MaxMessageSize: opts.MaxMessageSize,
		TLSConfig:      opts.TLSConfig,
	})
	if err != nil {
		return nil, err
	}
	logger := opts.Logger.With(zap.String("host", addr))
	logger.Debug("connected")
	return &Client{addr: addr, opts: opts, codec: c, t: t, logger: logger}, nil
}

// Addr returns the host this client is connected to.
func (c *Client) Addr() string { return c.addr }

// Codec returns the codec used for arguments and results.
func (c *Client) Codec() codec.Codec { return c.codec }

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.opts.CallTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.opts.CallTimeout)
}

// CallRaw sends pre-encoded body and attachment to id and returns the raw
// response body and attachment. A non-OK response code is returned as an
// *rpcerr.Error carrying the server's message.
func (c *Client) CallRaw(ctx context.Context, id message.FunctionID, body, attachment []byte) ([]byte, []byte, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.t.RoundTrip(ctx, byte(c.codec.Type()), id, body, attachment)
	if err != nil {
		c.logger.Debug("call failed", zap.Stringer("function_id", id), zap.Error(err))
		return nil, nil, err
	}
	if resp.Code != rpcerr.OK {
		return nil, nil, rpcerr.New(resp.Code, string(resp.Body))
	}
	return resp.Body, resp.Attachment, nil
}

// CallAttachment calls id with args and a request attachment, decodes the
// result into result (if non-nil) and returns the response attachment.
func (c *Client) CallAttachment(ctx context.Context, id message.FunctionID, attachment []byte, result any, args ...any) ([]byte, error) {
	body, err := codec.EncodeArgs(c.codec, args...)
	if err != nil {
		return nil, rpcerr.Errorf(rpcerr.InvalidArgument, "encode arguments: %v", err)
	}
	rb, ra, err := c.CallRaw(ctx, id, body, attachment)
	if err != nil {
		return nil, err
	}
	if result != nil {
		if err := c.codec.Decode(rb, result); err != nil {
			return ra, rpcerr.Errorf(rpcerr.InvalidArgument, "decode result of %s: %v", id, err)
		}
	}
	return ra, nil
}

// Call calls id with args and decodes the result into result. Pass a nil
// result to discard it.
func (c *Client) Call(ctx context.Context, id message.FunctionID, result any, args ...any) error {
	_, err := c.CallAttachment(ctx, id, nil, result, args...)
	return err
}

// Invoke calls the function registered under name and returns its typed result.
func Invoke[R any](ctx context.Context, c *Client, name string, args ...any) (R, error) {
	var r R
	err := c.Call(ctx, router.FuncID(name), &r, args...)
	return r, err
}

// Ping performs a heartbeat round trip.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	return c.t.Ping(ctx)
}

// Closed reports whether the connection is gone. A client that failed with a
// transport error is always closed.
func (c *Client) Closed() bool { return c.t.Closed() }

// Close closes the connection. It is idempotent.
func (c *Client) Close() error {
	if c.t.Closed() {
		return nil
	}
	c.logger.Debug("closing connection")
	return c.t.Close()
}
