// Package cache provides the in-memory response cache for idempotent reads.
package cache

import (
	"errors"
	"hash/fnv"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const shardCount = 32

// ErrInvalidConfig is returned by New for a non-positive duration.
var ErrInvalidConfig = errors.New("cache: invalid configuration")

// Entry is a stored upstream response. Entries are never mutated after
// Store; callers must treat Header and Body as read-only.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Age returns how long ago the entry was stored.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Stores    uint64 `json:"stores"`
	Evictions uint64 `json:"evictions"`
}

type Config struct {
	Duration time.Duration
	// MaxEntries bounds the store; zero means unbounded.
	MaxEntries int
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// ResponseCache maps cache keys to immutable entries. Lookups take a shard
// read lock; stores swap the entry pointer under the shard write lock, so a
// reader sees either the old or the new entry and never a partial one.
type ResponseCache struct {
	duration    time.Duration
	maxPerShard int
	shards      [shardCount]shard

	hits      atomic.Uint64
	misses    atomic.Uint64
	stores    atomic.Uint64
	evictions atomic.Uint64
}

func New(cfg Config) (*ResponseCache, error) {
	if cfg.Duration <= 0 {
		return nil, ErrInvalidConfig
	}
	if cfg.MaxEntries < 0 {
		return nil, ErrInvalidConfig
	}

	c := &ResponseCache{duration: cfg.Duration}
	if cfg.MaxEntries > 0 {
		c.maxPerShard = (cfg.MaxEntries + shardCount - 1) / shardCount
	}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]*Entry)
	}
	return c, nil
}

func (c *ResponseCache) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &c.shards[h.Sum32()%shardCount]
}

func (c *ResponseCache) expired(e *Entry, now time.Time) bool {
	return e.Age(now) >= c.duration
}

// Lookup returns the entry for key if it is younger than the cache duration.
// An expired entry counts as a miss and is removed.
func (c *ResponseCache) Lookup(key string, now time.Time) (*Entry, bool) {
	sh := c.shardFor(key)

	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	if c.expired(e, now) {
		sh.mu.Lock()
		// Only delete what we saw; a concurrent store may have refreshed it.
		if cur, ok := sh.entries[key]; ok && cur == e {
			delete(sh.entries, key)
			c.evictions.Add(1)
		}
		sh.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return e, true
}

// Store saves a copy of e under key, replacing any existing entry. When the
// shard is full the oldest entry in it is replaced.
func (c *ResponseCache) Store(key string, e *Entry) {
	stored := &Entry{
		Status:   e.Status,
		Header:   e.Header.Clone(),
		Body:     append([]byte(nil), e.Body...),
		StoredAt: e.StoredAt,
	}
	if stored.Header == nil {
		stored.Header = http.Header{}
	}

	sh := c.shardFor(key)
	sh.mu.Lock()
	if _, exists := sh.entries[key]; !exists && c.maxPerShard > 0 && len(sh.entries) >= c.maxPerShard {
		c.evictOldestLocked(sh)
	}
	sh.entries[key] = stored
	sh.mu.Unlock()

	c.stores.Add(1)
}

func (c *ResponseCache) evictOldestLocked(sh *shard) {
	var oldestKey string
	var oldest time.Time
	for k, e := range sh.entries {
		if oldestKey == "" || e.StoredAt.Before(oldest) {
			oldestKey, oldest = k, e.StoredAt
		}
	}
	if oldestKey != "" {
		delete(sh.entries, oldestKey)
		c.evictions.Add(1)
	}
}

// Sweep removes all expired entries and returns how many were removed.
func (c *ResponseCache) Sweep(now time.Time) int {
	removed := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for k, e := range sh.entries {
			if c.expired(e, now) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	c.evictions.Add(uint64(removed))
	return removed
}

func (c *ResponseCache) Len() int {
	n := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

func (c *ResponseCache) Duration() time.Duration {
	return c.duration
}

func (c *ResponseCache) Stats() Stats {
	return Stats{
		Entries:   c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Stores:    c.stores.Load(),
		Evictions: c.evictions.Load(),
	}
}
