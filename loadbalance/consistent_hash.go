package loadbalance

import (
	"context"
	"fmt"
	"hash/crc32"
	"sort"
)

// ConsistentHashBalancer maps keys to hosts using a hash ring.
// The same key always maps to the same host (until that host goes down),
// providing cache affinity, useful for stateful services or local caches.
//
// Virtual nodes: each real host is mapped to N virtual nodes on the ring.
// Without virtual nodes, 3 hosts might cluster together on the ring,
// causing uneven load distribution. 100 virtual nodes per host ensures
// statistical uniformity.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
//
// Calls without a key (see WithHashKey) are spread round robin.
type ConsistentHashBalancer struct {
	replicas int            // Virtual nodes per real host
	ring     []uint32       // Sorted hash values on the ring
	nodes    map[uint32]int // Hash value → host index
	keyless  *RoundRobinBalancer
}

// NewConsistentHash builds a ring with 100 virtual nodes per host.
func NewConsistentHash(hosts []string) *ConsistentHashBalancer {
	b := &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]int),
		keyless:  NewRoundRobin(len(hosts)),
	}
	for i, h := range hosts {
		b.add(i, h)
	}
	// Keep the ring sorted for binary search in Pick()
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
	return b
}

// add places a host onto the hash ring with N virtual nodes.
// Each virtual node is hashed from "{addr}#{i}" to spread evenly across the ring.
func (b *ConsistentHashBalancer) add(index int, addr string) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", addr, i)))
		if _, taken := b.nodes[hash]; taken {
			continue
		}
		b.ring = append(b.ring, hash)
		b.nodes[hash] = index
	}
}

// Pick finds the host responsible for the key in ctx.
// It hashes the key, then binary-searches for the first node >= hash on the ring.
// If the hash is larger than all nodes, it wraps around to the first node (ring property).
// Down hosts are skipped by continuing clockwise.
func (b *ConsistentHashBalancer) Pick(ctx context.Context, alive func(int) bool) (int, error) {
	key, ok := HashKey(ctx)
	if !ok {
		return b.keyless.Pick(ctx, alive)
	}
	hash := crc32.ChecksumIEEE([]byte(key))

	// Binary search: find first node with hash >= key's hash
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})

	for k := 0; k < len(b.ring); k++ {
		// Wrap around: if key's hash > all nodes, go to the first node
		host := b.nodes[b.ring[(idx+k)%len(b.ring)]]
		if alive(host) {
			return host, nil
		}
	}
	return -1, ErrNoAliveHost
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
