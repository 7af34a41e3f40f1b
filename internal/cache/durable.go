package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DurableConfig configures the SQLite tier.
type DurableConfig struct {
	Path       string
	MaxEntries int
	TTL        time.Duration
}

// DefaultDurableConfig returns the standard durable-tier sizing.
func DefaultDurableConfig() DurableConfig {
	return DurableConfig{MaxEntries: 10000, TTL: 7 * 24 * time.Hour}
}

// Durable is the persistent tier, a single-file SQLite store (modernc.org/
// sqlite, pure Go). It also serves the bounded candidate scan for the
// semantic fallback.
type Durable struct {
	db         *sql.DB
	maxEntries int
}

// NewDurable opens or creates the durable tier at cfg.Path. Use ":memory:"
// for tests.
func NewDurable(cfg DurableConfig) (*Durable, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache store pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	d := &Durable{db: db, maxEntries: cfg.MaxEntries}
	if d.maxEntries <= 0 {
		d.maxEntries = DefaultDurableConfig().MaxEntries
	}
	if err := d.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *Durable) migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS cache (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			normalized_prompt TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_provider ON cache(provider)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_prompt ON cache(normalized_prompt)`,
	}
	for _, q := range queries {
		if _, err := d.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("cache migrate: %w", err)
		}
	}
	return nil
}

// Get returns the entry for key, or nil on miss. An expired row is deleted
// and treated as absent. On a hit the access counters are updated.
func (d *Durable) Get(ctx context.Context, key string) (*Entry, error) {
	e, err := d.scanOne(ctx,
		`SELECT key, value, provider, model, normalized_prompt, input_tokens, output_tokens,
		        cost, created_at, expires_at, access_count, last_accessed
		 FROM cache WHERE key = ?`, key)
	if err != nil || e == nil {
		return nil, err
	}

	now := time.Now()
	if e.Expired(now) {
		_, _ = d.db.ExecContext(ctx, `DELETE FROM cache WHERE key = ?`, key)
		return nil, nil
	}

	e.AccessCount++
	e.LastAccessed = now
	if _, err := d.db.ExecContext(ctx,
		`UPDATE cache SET access_count = access_count + 1, last_accessed = ? WHERE key = ?`,
		now.UnixMilli(), key); err != nil {
		return nil, fmt.Errorf("cache touch: %w", err)
	}
	return e, nil
}

// Put inserts or replaces an entry.
func (d *Durable) Put(ctx context.Context, e Entry) error {
	last := e.LastAccessed
	if last.IsZero() {
		last = e.CreatedAt
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO cache (key, value, provider, model, normalized_prompt, input_tokens,
		                    output_tokens, cost, created_at, expires_at, access_count, last_accessed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   value=excluded.value,
		   provider=excluded.provider,
		   model=excluded.model,
		   normalized_prompt=excluded.normalized_prompt,
		   input_tokens=excluded.input_tokens,
		   output_tokens=excluded.output_tokens,
		   cost=excluded.cost,
		   created_at=excluded.created_at,
		   expires_at=excluded.expires_at,
		   access_count=excluded.access_count,
		   last_accessed=excluded.last_accessed`,
		e.Key, e.Payload, e.Provider, e.Model, e.NormalizedPrompt, e.InputTokens,
		e.OutputTokens, e.CostUSD, e.CreatedAt.UnixMilli(), e.ExpiresAt.UnixMilli(),
		e.AccessCount, last.UnixMilli())
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Delete removes an entry.
func (d *Durable) Delete(ctx context.Context, key string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM cache WHERE key = ?`, key)
	return err
}

// Clear drops all entries.
func (d *Durable) Clear(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM cache`)
	return err
}

// ScanCandidates returns up to limit non-expired entries for a provider,
// most recently accessed first, for the semantic fallback. The ordering
// makes the scan window deterministic.
func (d *Durable) ScanCandidates(ctx context.Context, provider string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT key, value, provider, model, normalized_prompt, input_tokens, output_tokens,
		        cost, created_at, expires_at, access_count, last_accessed
		 FROM cache
		 WHERE provider = ? AND expires_at > ?
		 ORDER BY last_accessed DESC
		 LIMIT ?`,
		provider, time.Now().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("cache scan: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// PurgeExpired deletes rows past their expiry; returns the number removed.
func (d *Durable) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := d.db.ExecContext(ctx, `DELETE FROM cache WHERE expires_at <= ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Trim evicts least-recently-accessed rows until the table is within the
// configured entry bound; returns the number removed.
func (d *Durable) Trim(ctx context.Context) (int64, error) {
	var count int64
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache`).Scan(&count); err != nil {
		return 0, err
	}
	excess := count - int64(d.maxEntries)
	if excess <= 0 {
		return 0, nil
	}
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM cache WHERE key IN
		   (SELECT key FROM cache ORDER BY last_accessed ASC LIMIT ?)`, excess)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Len returns the number of rows (expired included).
func (d *Durable) Len(ctx context.Context) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache`).Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (d *Durable) Close() error {
	return d.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (*Entry, error) {
	var e Entry
	var created, expires, last int64
	if err := r.Scan(&e.Key, &e.Payload, &e.Provider, &e.Model, &e.NormalizedPrompt,
		&e.InputTokens, &e.OutputTokens, &e.CostUSD, &created, &expires,
		&e.AccessCount, &last); err != nil {
		return nil, err
	}
	e.CreatedAt = time.UnixMilli(created)
	e.ExpiresAt = time.UnixMilli(expires)
	e.LastAccessed = time.UnixMilli(last)
	return &e, nil
}

func (d *Durable) scanOne(ctx context.Context, query string, args ...any) (*Entry, error) {
	e, err := scanEntry(d.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	return e, nil
}
