package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"coro-rpc/codec"
	"coro-rpc/message"
	"coro-rpc/protocol"
	"coro-rpc/rpcerr"

	"go.uber.org/zap"
)

// session is one accepted connection. A single goroutine reads frames
// sequentially; every call is dispatched to its own goroutine, and responses
// are written whole under writeMu so frames never interleave.
type session struct {
	srv     *Server
	conn    net.Conn
	remote  string
	logger  *zap.Logger
	writeMu sync.Mutex
	closed  atomic.Bool

	// ctx is canceled when the session closes so long-running handlers can
	// stop early.
	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(svr *Server, conn net.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	remote := conn.RemoteAddr().String()
	return &session{
		srv:    svr,
		conn:   conn,
		remote: remote,
		logger: svr.logger.With(zap.String("remote", remote)),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *session) serve() {
	defer s.close()
	s.logger.Debug("session opened")

	r := bufio.NewReader(s.conn)
	for {
		if d := s.srv.opts.IdleTimeout; d > 0 {
			s.conn.SetReadDeadline(time.Now().Add(d))
		}
		h, body, attachment, err := protocol.ReadRequest(r, s.srv.opts.MaxMessageSize)
		if err != nil {
			s.readFailed(err)
			return
		}

		if message.FunctionID(h.FunctionID) == message.HeartbeatID {
			if err := s.write(h.CodecType, rpcerr.OK, nil, nil); err != nil {
				return
			}
			continue
		}

		c, err := codec.GetCodec(codec.CodecType(h.CodecType))
		if err != nil {
			// Unknown codec: the peer speaks something else. Answer once and close.
			s.logger.Warn("closing session", zap.Error(err))
			s.write(h.CodecType, rpcerr.InvalidFrame, []byte(err.Error()), nil)
			return
		}

		req := &message.Request{
			FunctionID: message.FunctionID(h.FunctionID),
			Codec:      c,
			Body:       body,
			Attachment: attachment,
			RemoteAddr: s.remote,
		}
		if !s.srv.beginCall() {
			if err := s.write(h.CodecType, rpcerr.Closed, []byte("server shutting down"), nil); err != nil {
				return
			}
			continue
		}
		go s.dispatch(req, h.CodecType)
	}
}

func (s *session) readFailed(err error) {
	switch {
	case s.closed.Load(), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		s.logger.Debug("session closed by peer")
	case rpcerr.CodeOf(err) == rpcerr.Timeout:
		s.logger.Debug("session idle timeout", zap.Duration("idle_timeout", s.srv.opts.IdleTimeout))
	case rpcerr.CodeOf(err) == rpcerr.InvalidFrame, rpcerr.CodeOf(err) == rpcerr.MessageTooLarge:
		s.logger.Warn("protocol violation, closing session", zap.Error(err))
	default:
		s.logger.Debug("session read failed", zap.Error(err))
	}
}

// dispatch runs one call through the middleware chain. The response may be
// written later by a handler that kept its Responder.
func (s *session) dispatch(req *message.Request, codecType byte) {
	var once sync.Once
	sink := message.SinkFunc(func(code rpcerr.Code, body, attachment []byte) error {
		defer once.Do(s.srv.endCall)
		return s.write(codecType, code, body, attachment)
	})
	s.srv.handler(s.ctx, req, sink)
}

func (s *session) write(codecType byte, code rpcerr.Code, body, attachment []byte) error {
	if s.closed.Load() {
		return rpcerr.New(rpcerr.NotConnected, "session closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if d := s.srv.opts.WriteTimeout; d > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(d))
	}
	if err := protocol.WriteResponse(s.conn, codecType, uint16(code), body, attachment); err != nil {
		s.logger.Debug("write response", zap.Error(err))
		go s.close()
		return rpcerr.Wrap(err)
	}
	return nil
}

func (s *session) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	s.conn.Close()
	s.srv.removeSession(s)
}
