// Package partition provides deterministic key-to-shard assignment.
//
// The outbox relay and the WebSocket fan-out both need the same
// property: every event for one aggregate (a conversation, a user)
// must land on the same worker so ordering holds per key while
// unrelated keys process in parallel.
//
// Two strategies are provided. HashPartitioner is the default: fast
// FNV-1a modulo assignment, correct when the shard count is fixed.
// ConsistentHashPartitioner keeps reassignment to roughly 1/n of keys
// when shards are added or removed, at the cost of maintaining a hash
// ring.
//
// Example:
//
//	p := partition.NewHashPartitioner()
//	shard := p.Partition(conversationID, numShards)
package partition

import (
	"hash/crc32"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
)

// Partitioner assigns a key to a shard.
//
// Implementations must be deterministic: the same key always maps to
// the same shard for a given shard count.
type Partitioner interface {
	// Partition returns a value in [0, numShards). Implementations
	// return 0 for an empty key or numShards <= 0.
	Partition(key string, numShards int) int
}

// HashPartitioner assigns shards by FNV-1a hash modulo shard count.
type HashPartitioner struct{}

// NewHashPartitioner creates a hash-based partitioner.
func NewHashPartitioner() *HashPartitioner {
	return &HashPartitioner{}
}

// Partition returns the shard for key.
func (p *HashPartitioner) Partition(key string, numShards int) int {
	if numShards <= 0 || key == "" {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(numShards))
}

// ConsistentHashPartitioner assigns shards on a CRC32 hash ring with
// virtual nodes. When the shard count changes, only about 1/n of keys
// move, unlike modulo hashing which moves nearly all of them. Use it
// where shard membership is elastic, such as relay instances scaling
// with deployment size.
//
// Safe for concurrent use. The ring rebuilds lazily when the shard
// count changes.
type ConsistentHashPartitioner struct {
	mu       sync.RWMutex
	ring     []uint32
	nodes    map[uint32]int
	replicas int
}

// NewConsistentHashPartitioner creates a ring partitioner. The
// replicas parameter is the number of virtual nodes per shard; values
// around 100 give a good distribution. Non-positive values default
// to 100.
func NewConsistentHashPartitioner(replicas int) *ConsistentHashPartitioner {
	if replicas <= 0 {
		replicas = 100
	}
	return &ConsistentHashPartitioner{
		nodes:    make(map[uint32]int),
		replicas: replicas,
	}
}

// Partition returns the shard owning key's position on the ring.
func (p *ConsistentHashPartitioner) Partition(key string, numShards int) int {
	if numShards <= 0 || key == "" {
		return 0
	}

	p.mu.Lock()
	if len(p.ring) != numShards*p.replicas {
		p.buildRing(numShards)
	}
	p.mu.Unlock()

	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.ring) == 0 {
		return 0
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(p.ring), func(i int) bool {
		return p.ring[i] >= hash
	})
	if idx >= len(p.ring) {
		idx = 0
	}
	return p.nodes[p.ring[idx]]
}

func (p *ConsistentHashPartitioner) buildRing(numShards int) {
	p.ring = make([]uint32, 0, numShards*p.replicas)
	p.nodes = make(map[uint32]int)

	for shard := 0; shard < numShards; shard++ {
		for replica := 0; replica < p.replicas; replica++ {
			hash := crc32.ChecksumIEEE([]byte(strconv.Itoa(shard) + "-" + strconv.Itoa(replica)))
			p.ring = append(p.ring, hash)
			p.nodes[hash] = shard
		}
	}
	sort.Slice(p.ring, func(i, j int) bool { return p.ring[i] < p.ring[j] })
}

var (
	_ Partitioner = (*HashPartitioner)(nil)
	_ Partitioner = (*ConsistentHashPartitioner)(nil)
)
