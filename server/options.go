package server

import (
	"crypto/tls"
	"time"

	"coro-rpc/registry"

	"go.uber.org/zap"
)

// Options configures a Server. The zero value is usable.
type Options struct {
	MaxMessageSize uint32        // 0 = protocol.DefaultMaxMessageSize
	IdleTimeout    time.Duration // close sessions silent for this long; 0 = never
	WriteTimeout   time.Duration // per response write; 0 = none
	TLSConfig      *tls.Config
	Logger         *zap.Logger

	// Service discovery. With a Registry set the server registers
	// ServiceName at AdvertiseAddr (or the bound address) when it starts
	// and deregisters on Stop.
	Registry      registry.Registry
	ServiceName   string
	AdvertiseAddr string
	Weight        int
	RegistryTTL   int64 // seconds
}

type Option func(*Options)

func WithMaxMessageSize(n uint32) Option { return func(o *Options) { o.MaxMessageSize = n } }

func WithIdleTimeout(d time.Duration) Option { return func(o *Options) { o.IdleTimeout = d } }

func WithWriteTimeout(d time.Duration) Option { return func(o *Options) { o.WriteTimeout = d } }

func WithTLS(cfg *tls.Config) Option { return func(o *Options) { o.TLSConfig = cfg } }

func WithLogger(l *zap.Logger) Option { return func(o *Options) { o.Logger = l } }

// WithRegistry enables self-registration of serviceName with the given
// advertise address ("" = the bound address) and load-balancing weight.
func WithRegistry(reg registry.Registry, serviceName, advertiseAddr string, weight int) Option {
	return func(o *Options) {
		o.Registry = reg
		o.ServiceName = serviceName
		o.AdvertiseAddr = advertiseAddr
		o.Weight = weight
	}
}

func defaultOptions() Options {
	return Options{
		Logger:      zap.NewNop(),
		ServiceName: "coro-rpc",
		RegistryTTL: 10,
	}
}
