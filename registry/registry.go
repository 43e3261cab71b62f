// Package registry is the service directory servers publish themselves to and
// load-balanced channels discover hosts from.
package registry

import (
	"context"
	"sort"
)

// ServiceInstance is one host serving a service.
type ServiceInstance struct {
	Addr    string
	Weight  int // Weight for load balancing
	Version string
}

type Registry interface {
	// Register publishes instance under serviceName. The entry disappears
	// after ttl seconds unless the registry keeps it alive.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list whenever it changes, until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
	Close() error
}

func sortByAddr(instances []ServiceInstance) {
	sort.Slice(instances, func(i, j int) bool { return instances[i].Addr < instances[j].Addr })
}
