package syncutil

import (
	"hash/fnv"
	"sync"
)

const shardCount = 256

// ShardedMutex is a fixed pool of mutexes keyed by entity id. Memory stays
// bounded no matter how many entities are seen; two entities that hash to the
// same shard simply serialize against each other.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the mutex for key and returns the unlock function
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[Shard(key, shardCount)]
	mu.Lock()
	return mu.Unlock
}

// Shard maps key onto [0, n) with FNV-1a. The same key always lands on the
// same shard, which the ingestion partitions rely on for per-entity order.
func Shard(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
