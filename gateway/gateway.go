// Package gateway exposes a load-balanced channel to HTTP callers speaking
// JSON-RPC 2.0. A request names the remote function and carries its
// positional parameters as a JSON array; the gateway re-encodes them with the
// codec of the pooled client it lands on, so the backend may use any codec.
//
//	POST /rpc
//	{"jsonrpc":"2.0","method":"Gateway.Call","id":1,
//	 "params":{"function":"Arith.Add","params":[{"A":1,"B":2}]}}
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"coro-rpc/channel"
	"coro-rpc/client"
	"coro-rpc/codec"
	"coro-rpc/router"
	"coro-rpc/rpcerr"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"
)

// Backend is what the gateway forwards to. *channel.Channel and
// *channel.Watcher both satisfy it.
type Backend interface {
	SendRequest(ctx context.Context, task channel.Task, opts ...channel.CallOption) error
}

type CallArgs struct {
	Function   string            `json:"function"`
	Params     []json.RawMessage `json:"params"`
	Attachment []byte            `json:"attachment,omitempty"`
	// TimeoutMs bounds the call including failover. 0 = no extra bound.
	TimeoutMs int    `json:"timeout_ms,omitempty"`
	HashKey   string `json:"hash_key,omitempty"`
}

type CallReply struct {
	Result     json.RawMessage `json:"result"`
	Attachment []byte          `json:"attachment,omitempty"`
	Host       string          `json:"host"`
}

// ErrorData is attached to every JSON-RPC error the gateway returns.
type ErrorData struct {
	Code uint16 `json:"code"`
	Name string `json:"name"`
}

// Service is the JSON-RPC receiver registered as "Gateway".
type Service struct {
	backend Backend
	logger  *zap.Logger
}

func (s *Service) Call(r *http.Request, args *CallArgs, reply *CallReply) error {
	if args.Function == "" {
		return toJSONError(rpcerr.New(rpcerr.InvalidArgument, "function is required"))
	}
	var opts []channel.CallOption
	if args.TimeoutMs > 0 {
		opts = append(opts, channel.WithTimeout(time.Duration(args.TimeoutMs)*time.Millisecond))
	}
	if args.HashKey != "" {
		opts = append(opts, channel.WithHashKey(args.HashKey))
	}

	id := router.FuncID(args.Function)
	params := make([]any, len(args.Params))
	for i, p := range args.Params {
		params[i] = p
	}

	start := time.Now()
	err := s.backend.SendRequest(r.Context(), func(ctx context.Context, c *client.Client, host string) error {
		body, err := codec.EncodeArgs(c.Codec(), params...)
		if err != nil {
			return rpcerr.Errorf(rpcerr.InvalidArgument, "encode params: %v", err)
		}
		rb, ra, err := c.CallRaw(ctx, id, body, args.Attachment)
		if err != nil {
			return err
		}
		var result json.RawMessage
		if err := c.Codec().Decode(rb, &result); err != nil {
			return rpcerr.Errorf(rpcerr.InvalidArgument, "decode result of %s: %v", args.Function, err)
		}
		reply.Result, reply.Attachment, reply.Host = result, ra, host
		return nil
	}, opts...)

	fields := []zap.Field{
		zap.String("function", args.Function),
		zap.String("remote", r.RemoteAddr),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		s.logger.Warn("gateway call failed", append(fields, zap.Error(err))...)
		return toJSONError(err)
	}
	s.logger.Debug("gateway call", append(fields, zap.String("host", reply.Host))...)
	return nil
}

func toJSONError(err error) *json2.Error {
	e := rpcerr.Wrap(err)
	code := json2.E_SERVER
	switch e.Code {
	case rpcerr.FunctionNotRegistered:
		code = json2.E_NO_METHOD
	case rpcerr.InvalidArgument:
		code = json2.E_BAD_PARAMS
	}
	return &json2.Error{
		Code:    code,
		Message: e.Error(),
		Data:    ErrorData{Code: uint16(e.Code), Name: e.Code.String()},
	}
}

// NewHandler returns an http.Handler serving the gateway at any path.
func NewHandler(backend Backend, logger *zap.Logger) (http.Handler, error) {
	if backend == nil {
		return nil, errors.New("gateway: nil backend")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := rpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(&Service{backend: backend, logger: logger}, "Gateway"); err != nil {
		return nil, err
	}
	return s, nil
}
