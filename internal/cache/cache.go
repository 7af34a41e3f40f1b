// Package cache implements the three-tier response cache: an in-memory LRU
// fast tier, a SQLite durable tier, and an optional Redis distributed tier,
// with an optional semantic-similarity fallback over the durable tier.
//
// Lookups walk the tiers in order and promote hits into the faster tiers.
// Writes go through the fast tier synchronously and propagate to the slower
// tiers asynchronously, in order, off the request path.
package cache

import (
	"context"
	"sync/atomic"
	"time"
)

// Tier names reported in hits, events, and stats.
const (
	TierMemory      = "memory"
	TierDurable     = "durable"
	TierDistributed = "distributed"
	TierSemantic    = "semantic"
)

// Entry is one cached response with its accounting metadata. The payload is
// opaque to the cache.
type Entry struct {
	Key              string    `json:"key"`
	Payload          []byte    `json:"payload"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	NormalizedPrompt string    `json:"normalized_prompt"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	AccessCount      int64     `json:"access_count"`
	LastAccessed     time.Time `json:"last_accessed"`
	InputTokens      int       `json:"input_tokens"`
	OutputTokens     int       `json:"output_tokens"`
	CostUSD          float64   `json:"cost_usd"`
}

// Expired reports whether the entry's own expiry has passed at t.
func (e *Entry) Expired(t time.Time) bool {
	return !e.ExpiresAt.IsZero() && !t.Before(e.ExpiresAt)
}

// Lookup describes a cache query.
type Lookup struct {
	Key      string
	Provider string
	Model    string
	// NormalizedPrompt enables the semantic fallback; leave empty to skip it.
	NormalizedPrompt string
}

// Hit is a successful lookup. Similarity is 1 for exact-key hits.
type Hit struct {
	Entry      *Entry
	Tier       string
	Similarity float64
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Requests        int64   `json:"requests"`
	MemoryHits      int64   `json:"memory_hits"`
	DurableHits     int64   `json:"durable_hits"`
	DistributedHits int64   `json:"distributed_hits"`
	SemanticHits    int64   `json:"semantic_hits"`
	Misses          int64   `json:"misses"`
	Writes          int64   `json:"writes"`
	Evictions       int64   `json:"evictions"`
	HitRate         float64 `json:"hit_rate"`
	AvgLookupMs     float64 `json:"avg_lookup_ms"`
}

// counters holds the engine's atomic counters.
type counters struct {
	requests        atomic.Int64
	memoryHits      atomic.Int64
	durableHits     atomic.Int64
	distributedHits atomic.Int64
	semanticHits    atomic.Int64
	misses          atomic.Int64
	writes          atomic.Int64
	evictions       atomic.Int64
	lookupNanos     atomic.Int64
	lookups         atomic.Int64
}

func (c *counters) snapshot() Stats {
	s := Stats{
		Requests:        c.requests.Load(),
		MemoryHits:      c.memoryHits.Load(),
		DurableHits:     c.durableHits.Load(),
		DistributedHits: c.distributedHits.Load(),
		SemanticHits:    c.semanticHits.Load(),
		Misses:          c.misses.Load(),
		Writes:          c.writes.Load(),
		Evictions:       c.evictions.Load(),
	}
	hits := s.MemoryHits + s.DurableHits + s.DistributedHits + s.SemanticHits
	if s.Requests > 0 {
		s.HitRate = float64(hits) / float64(s.Requests)
	}
	if n := c.lookups.Load(); n > 0 {
		s.AvgLookupMs = float64(c.lookupNanos.Load()) / float64(n) / 1e6
	}
	return s
}

// store is the contract each slower tier implements.
type store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, e Entry) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Close() error
}

var (
	_ store = (*Durable)(nil)
	_ store = (*Redis)(nil)
)
