package pool

import (
	"time"

	"coro-rpc/client"

	"go.uber.org/zap"
)

// Config tunes one host's pool. Use DefaultConfig and override fields.
type Config struct {
	// MaxConnections bounds the clients checked out at once. Callers beyond
	// it wait for a free slot until their context ends.
	MaxConnections int
	// ConnectRetryCount is the number of extra connect attempts after the
	// first one fails.
	ConnectRetryCount int
	// ReconnectBackoff is the wait between connect attempts.
	ReconnectBackoff time.Duration
	// HostAliveDetectDuration is the health probe interval. 0 disables
	// probing, and with it host-down tracking.
	HostAliveDetectDuration time.Duration
	// CallTimeout bounds a whole WithClient (acquire, connect and task)
	// when the caller's context has no deadline. 0 = none.
	CallTimeout time.Duration
	// IdleTimeout closes clients left idle longer than this. 0 = never.
	IdleTimeout time.Duration

	Client client.Options
	Logger *zap.Logger
}

func DefaultConfig() Config {
	return Config{
		MaxConnections:    100,
		ConnectRetryCount: 3,
		ReconnectBackoff:  time.Second,
		CallTimeout:       5 * time.Second,
		IdleTimeout:       30 * time.Second,
		Client:            client.DefaultOptions(),
	}
}

func (c *Config) normalize() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 100
	}
	if c.ConnectRetryCount < 0 {
		c.ConnectRetryCount = 0
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Client.Logger == nil {
		c.Client.Logger = c.Logger
	}
}
