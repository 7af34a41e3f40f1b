package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/llmrelay/relay/internal/events"
	"github.com/llmrelay/relay/internal/similarity"
)

// Config configures the cache engine.
type Config struct {
	Memory MemoryConfig
	// DurableTTL is the default expiry applied when an entry is stored
	// without one.
	DurableTTL time.Duration
	// SimilarityEnabled turns the semantic fallback on.
	SimilarityEnabled bool
	// SimilarityThreshold gates the semantic fallback; a candidate matches
	// only when its score is strictly greater than the threshold.
	SimilarityThreshold float64
	// SemanticScanLimit bounds the durable-tier candidate scan.
	SemanticScanLimit int
	// SimilarityAlgorithm selects the scoring function ("cosine", "jaccard",
	// "levenshtein"). Empty means cosine.
	SimilarityAlgorithm string
	// JanitorInterval is how often expired durable rows are purged. Zero
	// disables the janitor.
	JanitorInterval time.Duration
}

// DefaultConfig returns the standard engine settings.
func DefaultConfig() Config {
	return Config{
		Memory:              DefaultMemoryConfig(),
		DurableTTL:          DefaultDurableConfig().TTL,
		SimilarityEnabled:   true,
		SimilarityThreshold: 0.85,
		SemanticScanLimit:   100,
		JanitorInterval:     5 * time.Minute,
	}
}

type writeKind int

const (
	writePut writeKind = iota
	writeDelete
	writeClear
)

type writeOp struct {
	kind  writeKind
	entry Entry
	key   string
	// ack, when set, marks a flush sentinel: the writer closes it once every
	// earlier operation has been applied.
	ack chan struct{}
}

// Option customizes the engine.
type Option func(*Engine)

// WithDurable attaches the SQLite tier.
func WithDurable(d *Durable) Option {
	return func(e *Engine) { e.durable = d }
}

// WithRedis attaches the distributed tier.
func WithRedis(r *Redis) Option {
	return func(e *Engine) { e.redis = r }
}

// WithSink sets the event sink.
func WithSink(s events.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine walks the tiers in speed order on lookups and propagates writes to
// the slower tiers asynchronously, in submission order, off the request path.
type Engine struct {
	cfg     Config
	memory  *Memory
	durable *Durable
	redis   *Redis
	sim     similarity.Func
	sink    events.Sink
	logger  *slog.Logger

	counters counters

	writeCh chan writeOp
	done    chan struct{}
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// NewEngine builds a cache engine. The memory tier is always present; the
// durable and distributed tiers are attached via options.
func NewEngine(cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.SemanticScanLimit <= 0 {
		cfg.SemanticScanLimit = def.SemanticScanLimit
	}
	if cfg.DurableTTL <= 0 {
		cfg.DurableTTL = def.DurableTTL
	}

	e := &Engine{
		cfg:     cfg,
		sink:    events.NopSink{},
		logger:  slog.Default(),
		writeCh: make(chan writeOp, 1024),
		done:    make(chan struct{}),
	}
	e.memory = NewMemory(cfg.Memory, func(string) { e.counters.evictions.Add(1) })
	for _, opt := range opts {
		opt(e)
	}
	if cfg.SimilarityEnabled {
		sim, err := similarity.ByName(cfg.SimilarityAlgorithm)
		if err != nil {
			// Config validation catches this on the file path; embedded
			// callers get the fallback disabled, loudly.
			e.logger.Error("semantic fallback disabled", "error", err)
		}
		e.sim = sim
	}

	e.wg.Add(1)
	go e.writer()
	if cfg.JanitorInterval > 0 && e.durable != nil {
		e.wg.Add(1)
		go e.janitor(cfg.JanitorInterval)
	}
	return e
}

// Get looks up a response across the tiers. It returns nil on a miss. Hits
// from slower tiers are promoted into the faster ones before returning.
func (e *Engine) Get(ctx context.Context, q Lookup) *Hit {
	e.counters.requests.Add(1)
	start := time.Now()
	defer func() {
		e.counters.lookupNanos.Add(time.Since(start).Nanoseconds())
		e.counters.lookups.Add(1)
	}()

	if entry := e.memory.Get(q.Key); entry != nil {
		e.counters.memoryHits.Add(1)
		e.emitHit(q, TierMemory, 1)
		return &Hit{Entry: entry, Tier: TierMemory, Similarity: 1}
	}

	if e.durable != nil {
		entry, err := e.durable.Get(ctx, q.Key)
		if err != nil {
			e.tierError(q, TierDurable, err)
		} else if entry != nil {
			e.counters.durableHits.Add(1)
			e.memory.Put(*entry)
			e.emitHit(q, TierDurable, 1)
			return &Hit{Entry: entry, Tier: TierDurable, Similarity: 1}
		}
	}

	if e.redis != nil {
		entry, err := e.redis.Get(ctx, q.Key)
		if err != nil {
			e.tierError(q, TierDistributed, err)
		} else if entry != nil {
			e.counters.distributedHits.Add(1)
			e.memory.Put(*entry)
			if e.durable != nil {
				if err := e.durable.Put(ctx, *entry); err != nil {
					e.tierError(q, TierDurable, err)
				}
			}
			e.emitHit(q, TierDistributed, 1)
			return &Hit{Entry: entry, Tier: TierDistributed, Similarity: 1}
		}
	}

	if hit := e.semanticLookup(ctx, q); hit != nil {
		return hit
	}

	e.counters.misses.Add(1)
	e.sink.Emit(events.Event{
		Type:      events.TypeCacheMiss,
		RequestID: q.Key,
		Provider:  q.Provider,
		Model:     q.Model,
	})
	return nil
}

// semanticLookup scans recent durable entries for the same provider and
// returns the best candidate scoring strictly above the threshold. A score
// exactly at the threshold is a miss.
func (e *Engine) semanticLookup(ctx context.Context, q Lookup) *Hit {
	if e.durable == nil || e.sim == nil || q.NormalizedPrompt == "" {
		return nil
	}
	candidates, err := e.durable.ScanCandidates(ctx, q.Provider, e.cfg.SemanticScanLimit)
	if err != nil {
		e.tierError(q, TierSemantic, err)
		return nil
	}

	var best *Entry
	var bestScore float64
	for i := range candidates {
		c := &candidates[i]
		if c.NormalizedPrompt == "" {
			continue
		}
		score := e.sim(q.NormalizedPrompt, c.NormalizedPrompt)
		if score > e.cfg.SimilarityThreshold && score > bestScore {
			best, bestScore = c, score
		}
	}
	if best == nil {
		return nil
	}

	e.counters.semanticHits.Add(1)
	e.memory.Put(*best)
	e.sink.Emit(events.Event{
		Type:       events.TypeCacheSemanticHit,
		Provider:   q.Provider,
		Model:      best.Model,
		Tier:       TierSemantic,
		Similarity: bestScore,
	})
	return &Hit{Entry: best, Tier: TierSemantic, Similarity: bestScore}
}

// Put stores an entry. The fast tier is updated synchronously; the slower
// tiers are written by the background writer in submission order. If the
// write queue is saturated the slow-tier write is dropped and reported,
// never blocking the caller.
func (e *Engine) Put(entry Entry) {
	now := time.Now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.LastAccessed.IsZero() {
		entry.LastAccessed = now
	}
	if entry.ExpiresAt.IsZero() {
		entry.ExpiresAt = entry.CreatedAt.Add(e.cfg.DurableTTL)
	}

	e.counters.writes.Add(1)
	e.memory.Put(entry)
	e.enqueue(writeOp{kind: writePut, entry: entry})
}

// Delete removes an entry from every tier.
func (e *Engine) Delete(key string) {
	e.memory.Delete(key)
	e.enqueue(writeOp{kind: writeDelete, key: key})
}

// Clear drops all entries from every tier.
func (e *Engine) Clear() {
	e.memory.Clear()
	e.enqueue(writeOp{kind: writeClear})
}

func (e *Engine) enqueue(op writeOp) {
	select {
	case e.writeCh <- op:
	default:
		e.logger.Warn("cache write queue full, dropping slow-tier write")
		e.sink.Emit(events.Event{
			Type:  events.TypeCacheError,
			Error: "write queue full",
		})
	}
}

// writer drains the write queue one operation at a time, preserving
// submission order across the durable and distributed tiers.
func (e *Engine) writer() {
	defer e.wg.Done()
	for {
		select {
		case op := <-e.writeCh:
			e.apply(op)
		case <-e.done:
			// Drain what is already queued before exiting.
			for {
				select {
				case op := <-e.writeCh:
					e.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) apply(op writeOp) {
	if op.ack != nil {
		close(op.ack)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch op.kind {
	case writePut:
		if e.durable != nil {
			if err := e.durable.Put(ctx, op.entry); err != nil {
				e.tierError(Lookup{Key: op.entry.Key}, TierDurable, err)
			}
		}
		if e.redis != nil {
			if err := e.redis.Put(ctx, op.entry); err != nil {
				e.tierError(Lookup{Key: op.entry.Key}, TierDistributed, err)
			}
		}
	case writeDelete:
		if e.durable != nil {
			if err := e.durable.Delete(ctx, op.key); err != nil {
				e.tierError(Lookup{Key: op.key}, TierDurable, err)
			}
		}
		if e.redis != nil {
			if err := e.redis.Delete(ctx, op.key); err != nil {
				e.tierError(Lookup{Key: op.key}, TierDistributed, err)
			}
		}
	case writeClear:
		if e.durable != nil {
			if err := e.durable.Clear(ctx); err != nil {
				e.tierError(Lookup{}, TierDurable, err)
			}
		}
		if e.redis != nil {
			if err := e.redis.Clear(ctx); err != nil {
				e.tierError(Lookup{}, TierDistributed, err)
			}
		}
	}
}

func (e *Engine) janitor(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if n, err := e.durable.PurgeExpired(ctx); err != nil {
				e.logger.Warn("cache purge failed", "error", err)
			} else if n > 0 {
				e.counters.evictions.Add(n)
			}
			if n, err := e.durable.Trim(ctx); err != nil {
				e.logger.Warn("cache trim failed", "error", err)
			} else if n > 0 {
				e.counters.evictions.Add(n)
			}
			cancel()
		case <-e.done:
			return
		}
	}
}

// Flush blocks until every slow-tier write queued before the call has been
// applied. Intended for tests.
func (e *Engine) Flush() {
	ack := make(chan struct{})
	e.writeCh <- writeOp{ack: ack}
	<-ack
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return e.counters.snapshot()
}

// MemoryLen reports the fast-tier resident entry count.
func (e *Engine) MemoryLen() int {
	return e.memory.Len()
}

// Close stops the background goroutines, drains pending writes, and closes
// the attached tiers.
func (e *Engine) Close() error {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return nil
	}
	e.closed = true
	e.closeMu.Unlock()

	close(e.done)
	e.wg.Wait()

	var firstErr error
	if e.durable != nil {
		if err := e.durable.Close(); err != nil {
			firstErr = err
		}
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) emitHit(q Lookup, tier string, score float64) {
	e.sink.Emit(events.Event{
		Type:       events.TypeCacheHit,
		Provider:   q.Provider,
		Model:      q.Model,
		Tier:       tier,
		Similarity: score,
	})
}

func (e *Engine) tierError(q Lookup, tier string, err error) {
	e.logger.Warn("cache tier error", "tier", tier, "key", q.Key, "error", err)
	e.sink.Emit(events.Event{
		Type:     events.TypeCacheError,
		Provider: q.Provider,
		Tier:     tier,
		Error:    err.Error(),
	})
}
