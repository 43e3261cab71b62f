package loadbalance

import (
	"context"
	"math/rand/v2"
)

// RandomBalancer picks hosts uniformly at random, or proportionally to their
// weights when weights are given.
type RandomBalancer struct {
	n       int
	weights []int
}

func NewRandom(n int, weights []int) *RandomBalancer {
	total := 0
	for _, w := range weights {
		total += w
	}
	if total == 0 {
		weights = nil
	}
	return &RandomBalancer{n: n, weights: weights}
}

func (b *RandomBalancer) Pick(_ context.Context, alive func(int) bool) (int, error) {
	if b.weights != nil {
		return b.pickWeighted(alive)
	}
	i := rand.IntN(b.n)
	if alive(i) {
		return i, nil
	}
	candidates := make([]int, 0, b.n)
	for j := 0; j < b.n; j++ {
		if alive(j) {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return -1, ErrNoAliveHost
	}
	return candidates[rand.IntN(len(candidates))], nil
}

func (b *RandomBalancer) pickWeighted(alive func(int) bool) (int, error) {
	// 计算存活主机的总权重; alive 只查询一次, 避免两次遍历看到不同结果
	up := make([]bool, len(b.weights))
	totalWeight := 0
	for i, w := range b.weights {
		if up[i] = alive(i); up[i] {
			totalWeight += w
		}
	}
	if totalWeight == 0 {
		return -1, ErrNoAliveHost
	}

	// 生成一个随机数，范围是0到总权重
	r := rand.IntN(totalWeight)
	for i, w := range b.weights {
		if !up[i] {
			continue
		}
		r -= w
		if r < 0 {
			return i, nil
		}
	}
	return -1, ErrNoAliveHost
}

func (b *RandomBalancer) Name() string {
	if b.weights != nil {
		return "WeightedRandom"
	}
	return "Random"
}
