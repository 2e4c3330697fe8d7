// Package cache provides a sharded in-memory TTL cache for expensive
// upstream fetches. Expiry is lazy: an expired entry is dropped by the
// read that observes it, no background sweep runs. Nothing is
// persisted; the cache lives and dies with the process.
package cache

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
)

const shardCount = 32

// Entry is a cached payload with its expiry and content fingerprint.
// Entries are immutable once written; Set replaces the whole entry.
type Entry struct {
	Value       []byte
	Fingerprint [32]byte
	ExpiresAt   time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// Cache is a key to (payload, expiry) map safe for concurrent use.
// Keys are distributed across shards so writes to unrelated keys do
// not contend on one lock.
type Cache struct {
	shards [shardCount]*shard
	now    func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{now: time.Now}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]Entry)}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) shardFor(key string) *shard {
	return c.shards[xxhash.Sum64String(key)%shardCount]
}

// Get returns the payload for key if it has not expired. An expired
// entry is a miss and is removed.
func (c *Cache) Get(key string) ([]byte, bool) {
	s := c.shardFor(key)

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if !c.now().Before(e.ExpiresAt) {
		s.mu.Lock()
		// Re-check under the write lock; a fresh Set may have raced us.
		if cur, ok := s.entries[key]; ok && cur.ExpiresAt.Equal(e.ExpiresAt) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false
	}
	return e.Value, true
}

// Set stores value under key for ttl, unconditionally overwriting any
// previous entry.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	e := Entry{
		Value:       value,
		Fingerprint: blake3.Sum256(value),
		ExpiresAt:   c.now().Add(ttl),
	}

	s := c.shardFor(key)
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
}

// Delete removes key. It is how an explicit refresh bypasses the cache
// for one cycle.
func (c *Cache) Delete(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Fingerprint returns the content fingerprint recorded when the live
// entry for key was written.
func (c *Cache) Fingerprint(key string) ([32]byte, bool) {
	s := c.shardFor(key)

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || !c.now().Before(e.ExpiresAt) {
		return [32]byte{}, false
	}
	return e.Fingerprint, true
}

// Len counts unexpired entries across all shards.
func (c *Cache) Len() int {
	now := c.now()
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			if now.Before(e.ExpiresAt) {
				n++
			}
		}
		s.mu.RUnlock()
	}
	return n
}
