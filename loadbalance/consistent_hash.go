package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"

	"stream-rpc/registry"
)

// ConsistentHashBalancer maps keys onto a hash ring so the same key lands on
// the same instance until the ring changes. Useful when instances keep
// per-key state or caches.
//
// Each real instance occupies replicas virtual nodes on the ring; without
// them a handful of instances can cluster and skew the load.
type ConsistentHashBalancer struct {
	replicas int
	ring     []uint32 // sorted hash positions
	nodes    map[uint32]*registry.ServiceInstance
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per
// instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.ServiceInstance),
	}
}

// Add places an instance onto the ring under its virtual node hashes.
func (b *ConsistentHashBalancer) Add(instance *registry.ServiceInstance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Pick finds the instance owning the key: the first ring position at or past
// the key's hash, wrapping to the start of the ring. Consistent hashing is
// key-based, so this Pick takes a key instead of the instance list and does
// not implement the Balancer interface.
func (b *ConsistentHashBalancer) Pick(key string) (*registry.ServiceInstance, error) {
	if len(b.ring) == 0 {
		return nil, fmt.Errorf("no instances on the ring")
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= hash })
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
