// Package loadbalance provides host selection strategies for distributing
// RPC requests across the hosts of a channel.
//
// Four strategies are implemented:
//   - RoundRobin:          Stateless services, equal-capacity hosts
//   - WeightedRoundRobin:  Heterogeneous hosts, deterministic weighted cycle
//   - Random:              Uniform, or weighted when weights are given
//   - ConsistentHash:      Stateful services requiring cache affinity
//
// Balancers work on host indexes. The caller passes an alive predicate so a
// balancer can skip hosts that are currently marked down.
package loadbalance

import (
	"context"
	"fmt"

	"coro-rpc/rpcerr"
)

// Balancer is the interface for load balancing strategies.
// The channel calls Pick() before each RPC to select a target host.
type Balancer interface {
	// Pick returns the index of the host to use. alive(i) reports whether
	// host i may be chosen. Called on every RPC call, must be goroutine-safe.
	Pick(ctx context.Context, alive func(i int) bool) (int, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

type Algorithm int

const (
	RoundRobin Algorithm = iota
	WeightedRoundRobin
	Random
	ConsistentHash
)

func (a Algorithm) String() string {
	switch a {
	case RoundRobin:
		return "RoundRobin"
	case WeightedRoundRobin:
		return "WeightedRoundRobin"
	case Random:
		return "Random"
	case ConsistentHash:
		return "ConsistentHash"
	}
	return fmt.Sprintf("Algorithm(%d)", int(a))
}

// ErrNoAliveHost is returned when every host is marked down.
var ErrNoAliveHost = rpcerr.New(rpcerr.NotConnected, "no alive host")

// New builds the balancer for alg over hosts. weights is required for
// WeightedRoundRobin and optional for Random; when given it must have one
// non-negative entry per host.
func New(alg Algorithm, hosts []string, weights []int) (Balancer, error) {
	if len(hosts) == 0 {
		return nil, rpcerr.New(rpcerr.InvalidArgument, "no hosts")
	}
	if weights != nil || alg == WeightedRoundRobin {
		if len(weights) != len(hosts) {
			return nil, rpcerr.Errorf(rpcerr.InvalidArgument,
				"%s needs one weight per host: %d hosts, %d weights", alg, len(hosts), len(weights))
		}
		for i, w := range weights {
			if w < 0 {
				return nil, rpcerr.Errorf(rpcerr.InvalidArgument, "negative weight %d for %s", w, hosts[i])
			}
		}
	}
	switch alg {
	case RoundRobin:
		return NewRoundRobin(len(hosts)), nil
	case WeightedRoundRobin:
		return NewWeightedRoundRobin(weights), nil
	case Random:
		return NewRandom(len(hosts), weights), nil
	case ConsistentHash:
		return NewConsistentHash(hosts), nil
	}
	return nil, rpcerr.Errorf(rpcerr.InvalidArgument, "unknown algorithm %d", int(alg))
}

type hashKey struct{}

// WithHashKey attaches the key ConsistentHash routes on.
func WithHashKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, hashKey{}, key)
}

// HashKey returns the key set by WithHashKey.
func HashKey(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(hashKey{}).(string)
	return key, ok
}
