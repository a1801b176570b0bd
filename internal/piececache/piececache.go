// Package piececache keeps recently-read piece data in memory so a
// swarm of peers requesting blocks out of the same hot piece costs one
// disk read, not one per block. The cache is sharded by xxhash of the
// key so concurrent readers on different pieces don't contend on one
// lock.
package piececache

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const numShards = 16

// Loader produces the value for a key on cache miss.
type Loader func() ([]byte, error)

type item struct {
	data       []byte
	loadedAt   time.Time
	lastAccess time.Time
}

type shard struct {
	mu    sync.Mutex
	items map[string]*item
	size  int64
}

// Cache is a size- and TTL-bounded read cache.
type Cache struct {
	maxSize int64
	ttl     time.Duration
	shards  [numShards]*shard
}

// New returns a Cache holding at most maxSize bytes, entries expiring
// ttl after load.
func New(maxSize int64, ttl time.Duration) *Cache {
	c := &Cache{maxSize: maxSize, ttl: ttl}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[string]*item)}
	}
	return c
}

func (c *Cache) shardFor(key string) *shard {
	return c.shards[xxhash.Sum64String(key)%numShards]
}

// Get returns the cached value for key, calling load on a miss. Expired
// entries are reloaded.
func (c *Cache) Get(key string, load Loader) ([]byte, error) {
	s := c.shardFor(key)
	now := time.Now()

	s.mu.Lock()
	if it, ok := s.items[key]; ok {
		if c.ttl == 0 || now.Sub(it.loadedAt) < c.ttl {
			it.lastAccess = now
			data := it.data
			s.mu.Unlock()
			return data, nil
		}
		s.size -= int64(len(it.data))
		delete(s.items, key)
	}
	s.mu.Unlock()

	data, err := load()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, ok := s.items[key]; !ok {
		s.items[key] = &item{data: data, loadedAt: now, lastAccess: now}
		s.size += int64(len(data))
		c.evict(s)
	}
	s.mu.Unlock()
	return data, nil
}

// evict drops least-recently-accessed entries until the shard fits its
// share of the budget. Caller holds s.mu.
func (c *Cache) evict(s *shard) {
	budget := c.maxSize / numShards
	if budget <= 0 {
		budget = c.maxSize
	}
	for s.size > budget {
		var oldestKey string
		var oldest time.Time
		for k, it := range s.items {
			if oldestKey == "" || it.lastAccess.Before(oldest) {
				oldestKey = k
				oldest = it.lastAccess
			}
		}
		if oldestKey == "" {
			return
		}
		s.size -= int64(len(s.items[oldestKey].data))
		delete(s.items, oldestKey)
	}
}

// Len reports the number of cached entries across all shards.
func (c *Cache) Len() int {
	var n int
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

// Size reports the total cached bytes.
func (c *Cache) Size() int64 {
	var n int64
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.size
		s.mu.Unlock()
	}
	return n
}

// Clear drops every entry, e.g. when a torrent's files are rechecked.
func (c *Cache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.items = make(map[string]*item)
		s.size = 0
		s.mu.Unlock()
	}
}
