package cache

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryConfig configures the fast tier.
type MemoryConfig struct {
	MaxEntries int
	TTL        time.Duration
}

// DefaultMemoryConfig returns the standard fast-tier sizing.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{MaxEntries: 500, TTL: time.Hour}
}

// memEntry wraps a resident entry with its access tracking. The embedded
// Entry is immutable after insert; concurrent lookups only touch the atomics.
type memEntry struct {
	entry        Entry
	accesses     atomic.Int64
	lastAccessed atomic.Int64 // unix nanos
}

// Memory is the in-memory LRU+TTL fast tier, backed by an expirable LRU.
// All operations are non-blocking (no I/O) and safe for concurrent use.
type Memory struct {
	lru *expirable.LRU[string, *memEntry]
	ttl time.Duration
}

// NewMemory creates the fast tier. onEvict, if non-nil, is invoked for every
// evicted or expired entry (the engine counts evictions with it).
func NewMemory(cfg MemoryConfig, onEvict func(key string)) *Memory {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMemoryConfig().MaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultMemoryConfig().TTL
	}
	var cb func(string, *memEntry)
	if onEvict != nil {
		cb = func(k string, _ *memEntry) { onEvict(k) }
	}
	return &Memory{
		lru: expirable.NewLRU[string, *memEntry](cfg.MaxEntries, cb, cfg.TTL),
		ttl: cfg.TTL,
	}
}

// Get returns a copy of the entry for key, or nil on miss. An entry past its
// own expiry is treated as absent and removed.
func (m *Memory) Get(key string) *Entry {
	me, ok := m.lru.Get(key)
	if !ok {
		return nil
	}
	if me.entry.Expired(time.Now()) {
		m.lru.Remove(key)
		return nil
	}
	n := me.accesses.Add(1)
	me.lastAccessed.Store(time.Now().UnixNano())

	e := me.entry
	e.AccessCount += n
	e.LastAccessed = time.Unix(0, me.lastAccessed.Load())
	return &e
}

// Put inserts or replaces an entry.
func (m *Memory) Put(e Entry) {
	me := &memEntry{entry: e}
	me.lastAccessed.Store(e.LastAccessed.UnixNano())
	m.lru.Add(e.Key, me)
}

// Delete removes an entry.
func (m *Memory) Delete(key string) {
	m.lru.Remove(key)
}

// Clear drops all entries.
func (m *Memory) Clear() {
	m.lru.Purge()
}

// Len returns the number of resident entries.
func (m *Memory) Len() int {
	return m.lru.Len()
}
