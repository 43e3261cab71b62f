package loadbalance

import (
	"context"
	"sync/atomic"
)

// RoundRobinBalancer distributes requests evenly across all hosts in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
//
// Best for: stateless services where all hosts have similar capacity.
type RoundRobinBalancer struct {
	n       int
	counter atomic.Uint64 // Atomic counter, incremented on each Pick()
}

func NewRoundRobin(n int) *RoundRobinBalancer {
	return &RoundRobinBalancer{n: n}
}

// Pick selects the next host in round-robin order, starting with host 0.
// Down hosts are skipped in favour of the next alive one.
func (b *RoundRobinBalancer) Pick(_ context.Context, alive func(int) bool) (int, error) {
	start := b.counter.Add(1) - 1
	for k := 0; k < b.n; k++ {
		i := int((start + uint64(k)) % uint64(b.n))
		if alive(i) {
			return i, nil
		}
	}
	return -1, ErrNoAliveHost
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
