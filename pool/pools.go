package pool

import (
	"sort"
	"sync"

	"coro-rpc/rpcerr"
)

// Pools is a host → Pool registry. Pools are created on first use with a
// shared Config and live until the registry is closed.
type Pools struct {
	cfg Config

	mu      sync.Mutex
	pools   map[string]*Pool
	removed map[string]bool // hosts dropped by Remove until Restore
	closed  bool
}

func NewPools(cfg Config) *Pools {
	return &Pools{cfg: cfg, pools: make(map[string]*Pool), removed: make(map[string]bool)}
}

// At returns the pool for host, creating it if needed. A host dropped by
// Remove fails with NotConnected until Restore.
func (ps *Pools) At(host string) (*Pool, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil, rpcerr.New(rpcerr.Closed, "pool registry closed")
	}
	if ps.removed[host] {
		return nil, rpcerr.Errorf(rpcerr.NotConnected, "host %s removed", host)
	}
	p, ok := ps.pools[host]
	if !ok {
		p = New(host, ps.cfg)
		ps.pools[host] = p
	}
	return p, nil
}

// Get returns the pool of host without creating one.
func (ps *Pools) Get(host string) (*Pool, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, ok := ps.pools[host]
	return p, ok
}

// Hosts returns the hosts that have a pool, sorted.
func (ps *Pools) Hosts() []string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	hosts := make([]string, 0, len(ps.pools))
	for h := range ps.pools {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// Remove closes and forgets the pool of host, and refuses to recreate it.
func (ps *Pools) Remove(host string) {
	ps.mu.Lock()
	p, ok := ps.pools[host]
	delete(ps.pools, host)
	ps.removed[host] = true
	ps.mu.Unlock()
	if ok {
		p.Close()
	}
}

// Restore lets At create a pool for a host dropped by Remove again.
func (ps *Pools) Restore(host string) {
	ps.mu.Lock()
	delete(ps.removed, host)
	ps.mu.Unlock()
}

// Close closes every pool.
func (ps *Pools) Close() error {
	ps.mu.Lock()
	pools := ps.pools
	ps.pools = make(map[string]*Pool)
	ps.closed = true
	ps.mu.Unlock()
	for _, p := range pools {
		p.Close()
	}
	return nil
}
