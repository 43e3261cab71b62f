// Package rpcotel instruments server dispatch with OpenTelemetry. Each call
// gets a server span covering the time until its response is written, and
// the request counter and duration histogram are recorded with the result
// code.
//
// Usage:
//
//	svr := server.NewServer()
//	// ... register functions ...
//	svr.Use(rpcotel.Middleware(rpcotel.DefaultConfig(), svr.Router().Name))
package rpcotel

import (
	"context"
	"sync/atomic"
	"time"

	"coro-rpc/message"
	"coro-rpc/middleware"
	"coro-rpc/rpcerr"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "coro_rpc"

// Config configures the instrumentation.
type Config struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	EnableTracing bool
	EnableMetrics bool
	// ServiceName is the rpc.service attribute value. Defaults to "coro-rpc".
	ServiceName string
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

func DefaultConfig() Config {
	return Config{
		EnableTracing: true,
		EnableMetrics: true,
	}
}

type instruments struct {
	cfg               Config
	tracer            trace.Tracer
	requestCounter    metric.Int64Counter
	durationHistogram metric.Float64Histogram
}

// Middleware returns the instrumenting middleware. name resolves a function
// id to the rpc.method attribute and may be nil.
func Middleware(cfg Config, name func(message.FunctionID) string) middleware.Middleware {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "coro-rpc"
	}
	if name == nil {
		name = message.FunctionID.String
	}

	in := &instruments{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}
	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		in.requestCounter, _ = meter.Int64Counter("rpc.server.requests",
			metric.WithUnit("{request}"),
			metric.WithDescription("Number of RPC requests"),
		)
		in.durationHistogram, _ = meter.Float64Histogram("rpc.server.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of RPC requests"),
		)
	}

	return func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Request, sink message.ResponseSink) {
			method := name(req.FunctionID)
			start := time.Now()

			var span trace.Span
			if cfg.EnableTracing {
				attrs := []attribute.KeyValue{
					attribute.String("rpc.system", instrumentationName),
					attribute.String("rpc.service", cfg.ServiceName),
					attribute.String("rpc.method", method),
					attribute.String("rpc.coro_rpc.function_id", req.FunctionID.String()),
				}
				if req.RemoteAddr != "" {
					attrs = append(attrs, attribute.String("net.peer.addr", req.RemoteAddr))
				}
				attrs = append(attrs, cfg.CustomAttributes...)
				ctx, span = in.tracer.Start(ctx, instrumentationName+"/"+method,
					trace.WithSpanKind(trace.SpanKindServer),
					trace.WithAttributes(attrs...),
				)
			}

			next(ctx, req, &endSink{
				next: sink,
				end: func(code rpcerr.Code, body []byte) {
					in.end(context.WithoutCancel(ctx), span, method, start, code, body)
				},
			})
		}
	}
}

// end records metrics and closes the span once the response is written.
func (in *instruments) end(ctx context.Context, span trace.Span, method string, start time.Time, code rpcerr.Code, body []byte) {
	status := "ok"
	if code != rpcerr.OK {
		status = "error"
	}

	if in.cfg.EnableMetrics {
		attrs := metric.WithAttributes(
			attribute.String("rpc.system", instrumentationName),
			attribute.String("rpc.service", in.cfg.ServiceName),
			attribute.String("rpc.method", method),
			attribute.String("status", status),
		)
		if in.requestCounter != nil {
			in.requestCounter.Add(ctx, 1, attrs)
		}
		if in.durationHistogram != nil {
			in.durationHistogram.Record(ctx, time.Since(start).Seconds(), attrs)
		}
	}

	if span == nil {
		return
	}
	span.SetAttributes(attribute.Int("rpc.coro_rpc.code", int(code)))
	if code != rpcerr.OK {
		span.SetStatus(codes.Error, string(body))
		span.SetAttributes(attribute.String("rpc.coro_rpc.error_type", code.String()))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// endSink runs end after the first response is handed to next.
type endSink struct {
	next    message.ResponseSink
	written atomic.Bool
	end     func(code rpcerr.Code, body []byte)
}

func (s *endSink) WriteResponse(code rpcerr.Code, body, attachment []byte) error {
	if !s.written.CompareAndSwap(false, true) {
		return rpcerr.New(rpcerr.Closed, "response already written")
	}
	err := s.next.WriteResponse(code, body, attachment)
	s.end(code, body)
	return err
}
