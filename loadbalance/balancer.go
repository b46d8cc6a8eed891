// Package loadbalance distributes RPC calls across service instances.
//
// Strategies:
//   - RoundRobin:      stateless services, equal-capacity instances
//   - WeightedRandom:  heterogeneous instances
//   - ConsistentHash:  key affinity for stateful services
package loadbalance

import "stream-rpc/registry"

// Balancer picks a target instance for each call. Pick runs on every call
// and must be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name identifies the strategy in logs.
	Name() string
}
