package ratelimit

import (
	"hash/fnv"
	"sync"
)

const numShards = 64

// shard is a single partition of the sharded map.
type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// shardedMap is a concurrent map split into fixed shards to reduce lock
// contention. The shard lock makes each key's check-and-increment atomic,
// so concurrent admits for one key observe a linearizable sequence.
type shardedMap struct {
	shards [numShards]shard
}

func newShardedMap() *shardedMap {
	var m shardedMap
	for i := range m.shards {
		m.shards[i].windows = make(map[string]*window)
	}
	return &m
}

func (m *shardedMap) getShard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &m.shards[h.Sum32()%numShards]
}

// deleteFunc iterates all shards and deletes entries for which fn returns true.
func (m *shardedMap) deleteFunc(fn func(key string, w *window) bool) {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k, w := range s.windows {
			if fn(k, w) {
				delete(s.windows, k)
			}
		}
		s.mu.Unlock()
	}
}
