package ratelimit

import (
	"hash/fnv"
	"sync"
)

const shardCount = 64

// entry holds one key's state. mu serializes read-modify-write of state;
// removed is set by a sweep so that an admit which fetched the entry just
// before deletion retries on a fresh one instead of updating an orphan.
type entry[S any] struct {
	mu      sync.Mutex
	removed bool
	state   S
}

type shard[S any] struct {
	mu      sync.RWMutex
	entries map[string]*entry[S]
}

// table is a key-sharded map of per-key state. Shard locks guard map
// membership only; state is guarded by the entry's own mutex.
type table[S any] struct {
	shards [shardCount]shard[S]
}

func newTable[S any]() *table[S] {
	t := &table[S]{}
	for i := range t.shards {
		t.shards[i].entries = make(map[string]*entry[S])
	}
	return t
}

func (t *table[S]) shardFor(key string) *shard[S] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &t.shards[h.Sum32()%shardCount]
}

// update runs fn with exclusive access to key's state, creating it if needed.
func (t *table[S]) update(key string, fn func(s *S) Decision) Decision {
	sh := t.shardFor(key)
	for {
		sh.mu.RLock()
		e := sh.entries[key]
		sh.mu.RUnlock()

		if e == nil {
			sh.mu.Lock()
			e = sh.entries[key]
			if e == nil {
				e = &entry[S]{}
				sh.entries[key] = e
			}
			sh.mu.Unlock()
		}

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		d := fn(&e.state)
		e.mu.Unlock()
		return d
	}
}

// sweep removes every entry for which stale reports true. Lock order is
// shard then entry; update never holds an entry lock while taking a shard
// lock, so the two cannot deadlock.
func (t *table[S]) sweep(stale func(s *S) bool) int {
	removed := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		for key, e := range sh.entries {
			e.mu.Lock()
			if stale(&e.state) {
				e.removed = true
				delete(sh.entries, key)
				removed++
			}
			e.mu.Unlock()
		}
		sh.mu.Unlock()
	}
	return removed
}

func (t *table[S]) len() int {
	n := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}
