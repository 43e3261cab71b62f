// Package transport implements the client side of one framed connection.
//
// The wire carries no request id, so a connection holds at most one call in
// flight: RoundTrip writes a request frame and reads the next response frame
// under the same lock. Concurrency comes from pooling many connections (see
// package pool), not from multiplexing one.
//
//	caller ──RoundTrip──→ [write request] ──→ Server
//	       ←─────────── [read response] ←──
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"coro-rpc/message"
	"coro-rpc/protocol"
	"coro-rpc/rpcerr"
)

// Response is one decoded response frame.
type Response struct {
	Code       rpcerr.Code
	CodecType  byte
	Body       []byte
	Attachment []byte
}

// DialOptions configures Dial.
type DialOptions struct {
	ConnectTimeout time.Duration
	MaxMessageSize uint32
	TLSConfig      *tls.Config
}

// ClientTransport owns a single TCP (or TLS) connection.
type ClientTransport struct {
	conn    net.Conn
	r       *bufio.Reader
	maxSize uint32
	mu      sync.Mutex // one round trip at a time; a frame pair must not interleave
	closed  atomic.Bool
}

// Dial connects to addr. Refused connections map to ConnectRefused and an
// expired connect timeout to Timeout.
func Dial(ctx context.Context, addr string, opts DialOptions) (*ClientTransport, error) {
	d := net.Dialer{Timeout: opts.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, rpcerr.Errorf(rpcerr.CodeOf(err), "connect %s: %v", addr, err)
	}
	if opts.TLSConfig != nil {
		tc := tls.Client(conn, opts.TLSConfig)
		hctx := ctx
		if opts.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			hctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
			defer cancel()
		}
		if err := tc.HandshakeContext(hctx); err != nil {
			conn.Close()
			return nil, rpcerr.Errorf(rpcerr.CodeOf(err), "tls handshake %s: %v", addr, err)
		}
		conn = tc
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	return NewClientTransport(conn, opts.MaxMessageSize), nil
}

// NewClientTransport wraps an established connection.
func NewClientTransport(conn net.Conn, maxMessageSize uint32) *ClientTransport {
	return &ClientTransport{
		conn:    conn,
		r:       bufio.NewReader(conn),
		maxSize: maxMessageSize,
	}
}

// RoundTrip sends one request frame and waits for its response. The call is
// bounded by ctx: its deadline becomes the connection deadline and
// cancellation interrupts blocked I/O. Any transport failure closes the
// connection, because a half-read frame leaves the stream unusable.
func (t *ClientTransport) RoundTrip(ctx context.Context, codecType byte, id message.FunctionID, body, attachment []byte) (*Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed.Load() {
		return nil, rpcerr.New(rpcerr.NotConnected, "connection closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, rpcerr.Errorf(rpcerr.CodeOf(err), "call %s: %v", id, err)
	}

	deadline, _ := ctx.Deadline()
	t.conn.SetDeadline(deadline)
	// Wake blocked I/O when ctx is canceled without a deadline.
	woken := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(woken)
		t.conn.SetDeadline(time.Unix(1, 0))
	})
	// A wake-up already running must finish before the next call sets its
	// own deadline.
	defer func() {
		if !stop() {
			<-woken
		}
	}()

	if err := protocol.WriteRequest(t.conn, codecType, uint64(id), body, attachment); err != nil {
		return nil, t.fail(ctx, id, "write", err)
	}
	h, rb, ra, err := protocol.ReadResponse(t.r, t.maxSize)
	if err != nil {
		return nil, t.fail(ctx, id, "read", err)
	}
	return &Response{Code: rpcerr.Code(h.ErrCode), CodecType: h.CodecType, Body: rb, Attachment: ra}, nil
}

func (t *ClientTransport) fail(ctx context.Context, id message.FunctionID, op string, err error) error {
	t.closeConn()
	code := rpcerr.CodeOf(err)
	if ctxErr := ctx.Err(); ctxErr != nil {
		code = rpcerr.CodeOf(ctxErr)
		err = ctxErr
	}
	switch code {
	case rpcerr.InvalidFrame, rpcerr.MessageTooLarge, rpcerr.Timeout, rpcerr.Canceled, rpcerr.NotConnected:
	default:
		code = rpcerr.IOError
	}
	return rpcerr.Errorf(code, "call %s: %s: %v", id, op, err)
}

// Ping sends a heartbeat frame and waits for the empty reply.
func (t *ClientTransport) Ping(ctx context.Context) error {
	resp, err := t.RoundTrip(ctx, 0, message.HeartbeatID, nil, nil)
	if err != nil {
		return err
	}
	if resp.Code != rpcerr.OK {
		return rpcerr.New(resp.Code, string(resp.Body))
	}
	return nil
}

// Closed reports whether the connection was closed locally or after a failure.
func (t *ClientTransport) Closed() bool { return t.closed.Load() }

// RemoteAddr returns the peer address.
func (t *ClientTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

// Close closes the connection. It is safe to call more than once and does not
// wait for a round trip in progress; that round trip fails with NotConnected.
func (t *ClientTransport) Close() error {
	return t.closeConn()
}

func (t *ClientTransport) closeConn() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.conn.Close()
}
