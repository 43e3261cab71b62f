package loadbalance

import (
	"context"
	"sync"
)

// WeightedRoundRobinBalancer is the LVS interleaved weighted round robin: a
// host with weight w is chosen w times per cycle, and hosts are interleaved
// rather than batched. Weights [2,1] give the cycle 0,0,1.
//
// A host with weight 0 is never chosen. If every weight is 0 the balancer
// behaves like RoundRobin.
type WeightedRoundRobinBalancer struct {
	weights []int
	gcd     int
	maxW    int

	mu sync.Mutex
	i  int // last chosen index
	cw int // current weight threshold

	fallback *RoundRobinBalancer
}

func NewWeightedRoundRobin(weights []int) *WeightedRoundRobinBalancer {
	b := &WeightedRoundRobinBalancer{weights: weights, i: -1}
	for _, w := range weights {
		if w <= 0 {
			continue
		}
		b.gcd = gcd(b.gcd, w)
		b.maxW = max(b.maxW, w)
	}
	if b.maxW == 0 {
		b.fallback = NewRoundRobin(len(weights))
	}
	return b
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func (b *WeightedRoundRobinBalancer) Pick(ctx context.Context, alive func(int) bool) (int, error) {
	if b.fallback != nil {
		return b.fallback.Pick(ctx, alive)
	}
	n := len(b.weights)

	b.mu.Lock()
	defer b.mu.Unlock()
	// One full cycle visits every (host, threshold) pair once.
	for steps := n * (b.maxW/b.gcd + 1); steps > 0; steps-- {
		b.i = (b.i + 1) % n
		if b.i == 0 {
			b.cw -= b.gcd
			if b.cw <= 0 {
				b.cw = b.maxW
			}
		}
		if b.weights[b.i] >= b.cw && alive(b.i) {
			return b.i, nil
		}
	}
	return -1, ErrNoAliveHost
}

func (b *WeightedRoundRobinBalancer) Name() string {
	return "WeightedRoundRobin"
}
