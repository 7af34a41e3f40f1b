// Package ledger is the durable, append-only token and cost accounting store.
// Every completed dispatch attempt writes one usage row; budget enforcement
// runs in the same transaction so a subsequent admission check always sees
// the record.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/llmrelay/relay/internal/events"
	"github.com/llmrelay/relay/internal/pricing"
)

// Scope names for budget records.
const (
	ScopeDaily   = "daily"
	ScopeMonthly = "monthly"
	ScopeUser    = "user"
)

// Row is one immutable usage record.
type Row struct {
	ID                int64     `json:"id"`
	RequestID         string    `json:"request_id,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	Provider          string    `json:"provider"`
	Model             string    `json:"model"`
	UserID            string    `json:"user_id,omitempty"`
	InputTokens       int       `json:"input_tokens"`
	OutputTokens      int       `json:"output_tokens"`
	ReasoningTokens   int       `json:"reasoning_tokens"`
	CachedInputTokens int       `json:"cached_input_tokens"`
	TotalTokens       int       `json:"total_tokens"`
	CostUSD           float64   `json:"cost_usd"`
	LatencyMs         float64   `json:"latency_ms"`
	Success           bool      `json:"success"`
	Cached            bool      `json:"cached"`
	ErrorClass        string    `json:"error_class,omitempty"`
}

// Usage is the input to Record. Cost is computed from the pricing registry
// unless the provider reported a native cost, which takes precedence.
type Usage struct {
	RequestID         string
	Provider          string
	Model             string
	UserID            string
	InputTokens       int
	OutputTokens      int
	ReasoningTokens   int
	CachedInputTokens int
	MultimodalUnits   int
	NativeCostUSD     float64
	LatencyMs         float64
	Success           bool
	Cached            bool
	ErrorClass        string
}

// Config configures the ledger.
type Config struct {
	Path           string
	RetentionDays  int
	SweepInterval  time.Duration
	AlertThreshold float64

	// Nil limit means unlimited for that scope.
	DailyLimitUSD   *float64
	MonthlyLimitUSD *float64
	PerUserLimitUSD *float64
}

// DefaultConfig returns the standard ledger settings. All budgets default to
// unlimited.
func DefaultConfig() Config {
	return Config{
		RetentionDays:  90,
		SweepInterval:  time.Hour,
		AlertThreshold: 0.8,
	}
}

// BudgetExceededError is returned by CheckAdmission when a scope with a
// configured limit has been exhausted.
type BudgetExceededError struct {
	Scope    string
	Period   string
	UsedUSD  float64
	LimitUSD float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for %s (%s): used $%.4f of $%.4f",
		e.Scope, e.Period, e.UsedUSD, e.LimitUSD)
}

// BudgetStatus is the reported state of one budget record.
type BudgetStatus struct {
	Scope    string  `json:"scope"`
	Period   string  `json:"period"`
	UsedUSD  float64 `json:"used_usd"`
	LimitUSD float64 `json:"limit_usd"`
	Ratio    float64 `json:"ratio"`
	Alerted  bool    `json:"alerted"`
	Exceeded bool    `json:"exceeded"`
}

// Ledger owns the usage store and the budget records.
type Ledger struct {
	db      *sql.DB
	cfg     Config
	pricing *pricing.Registry
	sink    events.Sink
	logger  *slog.Logger

	// Serializes Record's read-modify-write of the budget rows. SQLite
	// serializes writers anyway; the mutex keeps the crossing detection
	// race-free at the application level.
	mu sync.Mutex

	nowFunc func() time.Time

	done    chan struct{}
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

// Option customizes the ledger.
type Option func(*Ledger)

// WithSink sets the event sink.
func WithSink(s events.Sink) Option {
	return func(l *Ledger) { l.sink = s }
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Ledger) { l.logger = lg }
}

// New opens or creates the ledger store at cfg.Path. Use ":memory:" for
// tests.
func New(cfg Config, reg *pricing.Registry, opts ...Option) (*Ledger, error) {
	def := DefaultConfig()
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = def.RetentionDays
	}
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = def.AlertThreshold
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger pragmas: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	l := &Ledger{
		db:      db,
		cfg:     cfg,
		pricing: reg,
		sink:    events.NopSink{},
		logger:  slog.Default(),
		nowFunc: time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	if cfg.SweepInterval > 0 {
		l.wg.Add(1)
		go l.sweeper(cfg.SweepInterval)
	}
	return l, nil
}

func (l *Ledger) migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL DEFAULT '',
			timestamp INTEGER NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			reasoning_tokens INTEGER NOT NULL DEFAULT 0,
			cached_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			latency REAL NOT NULL DEFAULT 0,
			success INTEGER NOT NULL DEFAULT 1,
			cached INTEGER NOT NULL DEFAULT 0,
			error_class TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_provider ON usage(provider)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_model ON usage(model)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_user ON usage(user_id)`,
		`CREATE TABLE IF NOT EXISTS budgets (
			scope TEXT NOT NULL,
			period TEXT NOT NULL,
			limit_usd REAL NOT NULL,
			used_usd REAL NOT NULL DEFAULT 0,
			alerted INTEGER NOT NULL DEFAULT 0,
			exceeded INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (scope, period)
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			scope TEXT NOT NULL,
			period TEXT NOT NULL,
			kind TEXT NOT NULL,
			used_usd REAL NOT NULL,
			limit_usd REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts(timestamp)`,
	}
	for _, q := range queries {
		if _, err := l.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ledger migrate: %w", err)
		}
	}
	return nil
}

// cost prefers the provider-reported native cost and falls back to the
// pricing formula. Cache hits cost nothing: no provider was called, so the
// row carries tokens for reporting but never bills or consumes budget.
func (l *Ledger) cost(u Usage) float64 {
	if u.Cached {
		return 0
	}
	if u.NativeCostUSD > 0 {
		return u.NativeCostUSD
	}
	if l.pricing == nil {
		return 0
	}
	return l.pricing.Cost(u.Provider, u.Model, pricing.Usage{
		InputTokens:       u.InputTokens,
		OutputTokens:      u.OutputTokens,
		ReasoningTokens:   u.ReasoningTokens,
		CachedInputTokens: u.CachedInputTokens,
		MultimodalUnits:   u.MultimodalUnits,
	})
}

// budgetScope pairs a scope identifier with its configured limit and the
// period key that identifies the current accounting window. Daily periods
// roll at local midnight; monthly on the first of the month. A new period
// key starts a fresh row, which clears the alerted and exceeded flags.
type budgetScope struct {
	scope  string
	period string
	limit  float64
}

func (l *Ledger) activeScopes(userID string, now time.Time) []budgetScope {
	var scopes []budgetScope
	if l.cfg.DailyLimitUSD != nil {
		scopes = append(scopes, budgetScope{
			scope:  ScopeDaily,
			period: now.Format("2006-01-02"),
			limit:  *l.cfg.DailyLimitUSD,
		})
	}
	if l.cfg.MonthlyLimitUSD != nil {
		scopes = append(scopes, budgetScope{
			scope:  ScopeMonthly,
			period: now.Format("2006-01"),
			limit:  *l.cfg.MonthlyLimitUSD,
		})
	}
	if l.cfg.PerUserLimitUSD != nil && userID != "" {
		scopes = append(scopes, budgetScope{
			scope:  ScopeUser + ":" + userID,
			period: now.Format("2006-01"),
			limit:  *l.cfg.PerUserLimitUSD,
		})
	}
	return scopes
}

// Record writes one usage row and applies the cost to every budget scope
// with a configured limit. Threshold crossings set the corresponding flag,
// append an alert row, and emit an event. The returned row carries the
// computed cost.
func (l *Ledger) Record(ctx context.Context, u Usage) (Row, error) {
	now := l.nowFunc()
	row := Row{
		RequestID:         u.RequestID,
		Timestamp:         now,
		Provider:          u.Provider,
		Model:             u.Model,
		UserID:            u.UserID,
		InputTokens:       u.InputTokens,
		OutputTokens:      u.OutputTokens,
		ReasoningTokens:   u.ReasoningTokens,
		CachedInputTokens: u.CachedInputTokens,
		TotalTokens:       u.InputTokens + u.OutputTokens + u.ReasoningTokens,
		CostUSD:           l.cost(u),
		LatencyMs:         u.LatencyMs,
		Success:           u.Success,
		Cached:            u.Cached,
		ErrorClass:        u.ErrorClass,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return row, fmt.Errorf("ledger record: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO usage (request_id, timestamp, provider, model, user_id, input_tokens,
		                    output_tokens, reasoning_tokens, cached_tokens, total_tokens,
		                    cost, latency, success, cached, error_class)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.RequestID, row.Timestamp.UnixMilli(), row.Provider, row.Model, row.UserID,
		row.InputTokens, row.OutputTokens, row.ReasoningTokens, row.CachedInputTokens,
		row.TotalTokens, row.CostUSD, row.LatencyMs, row.Success, row.Cached, row.ErrorClass)
	if err != nil {
		return row, fmt.Errorf("ledger insert: %w", err)
	}
	row.ID, _ = res.LastInsertId()

	var crossings []events.Event
	for _, bs := range l.activeScopes(u.UserID, now) {
		evts, err := l.applyToBudget(ctx, tx, bs, row.CostUSD, now)
		if err != nil {
			return row, err
		}
		crossings = append(crossings, evts...)
	}

	if err := tx.Commit(); err != nil {
		return row, fmt.Errorf("ledger commit: %w", err)
	}
	for _, e := range crossings {
		l.sink.Emit(e)
	}
	return row, nil
}

// applyToBudget adds cost to the scope's current-period row and detects
// threshold crossings. Events are returned rather than emitted so they fire
// only after the transaction commits.
func (l *Ledger) applyToBudget(ctx context.Context, tx *sql.Tx, bs budgetScope, cost float64, now time.Time) ([]events.Event, error) {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO budgets (scope, period, limit_usd, used_usd) VALUES (?, ?, ?, ?)
		 ON CONFLICT(scope, period) DO UPDATE SET
		   used_usd = used_usd + excluded.used_usd,
		   limit_usd = excluded.limit_usd`,
		bs.scope, bs.period, bs.limit, cost); err != nil {
		return nil, fmt.Errorf("budget update: %w", err)
	}

	var used float64
	var alerted, exceeded bool
	if err := tx.QueryRowContext(ctx,
		`SELECT used_usd, alerted, exceeded FROM budgets WHERE scope = ? AND period = ?`,
		bs.scope, bs.period).Scan(&used, &alerted, &exceeded); err != nil {
		return nil, fmt.Errorf("budget read: %w", err)
	}

	var out []events.Event
	if bs.limit <= 0 {
		return nil, nil
	}
	ratio := used / bs.limit

	if ratio > l.cfg.AlertThreshold && !alerted {
		if _, err := tx.ExecContext(ctx,
			`UPDATE budgets SET alerted = 1 WHERE scope = ? AND period = ?`,
			bs.scope, bs.period); err != nil {
			return nil, fmt.Errorf("budget flag: %w", err)
		}
		if err := l.insertAlert(ctx, tx, bs, "budget-warning", used, now); err != nil {
			return nil, err
		}
		out = append(out, events.Event{
			Type:     events.TypeBudgetWarning,
			Scope:    bs.scope,
			UsedUSD:  used,
			LimitUSD: bs.limit,
		})
	}
	if ratio > 1.0 && !exceeded {
		if _, err := tx.ExecContext(ctx,
			`UPDATE budgets SET exceeded = 1 WHERE scope = ? AND period = ?`,
			bs.scope, bs.period); err != nil {
			return nil, fmt.Errorf("budget flag: %w", err)
		}
		if err := l.insertAlert(ctx, tx, bs, "budget-exceeded", used, now); err != nil {
			return nil, err
		}
		out = append(out, events.Event{
			Type:     events.TypeBudgetExceeded,
			Scope:    bs.scope,
			UsedUSD:  used,
			LimitUSD: bs.limit,
		})
	}
	return out, nil
}

func (l *Ledger) insertAlert(ctx context.Context, tx *sql.Tx, bs budgetScope, kind string, used float64, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO alerts (timestamp, scope, period, kind, used_usd, limit_usd)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		now.UnixMilli(), bs.scope, bs.period, kind, used, bs.limit); err != nil {
		return fmt.Errorf("alert insert: %w", err)
	}
	return nil
}

// CheckAdmission reports whether a new dispatch for userID is allowed under
// the current budgets. Scopes without a configured limit never block. The
// override flag bypasses the check entirely.
func (l *Ledger) CheckAdmission(ctx context.Context, userID string, override bool) error {
	if override {
		return nil
	}
	now := l.nowFunc()
	for _, bs := range l.activeScopes(userID, now) {
		var used float64
		var exceeded bool
		err := l.db.QueryRowContext(ctx,
			`SELECT used_usd, exceeded FROM budgets WHERE scope = ? AND period = ?`,
			bs.scope, bs.period).Scan(&used, &exceeded)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return fmt.Errorf("budget check: %w", err)
		}
		if exceeded {
			return &BudgetExceededError{
				Scope:    bs.scope,
				Period:   bs.period,
				UsedUSD:  used,
				LimitUSD: bs.limit,
			}
		}
	}
	return nil
}

// BudgetStatuses returns the current-period state of every configured scope.
// Per-user scopes require the caller to name the users of interest.
func (l *Ledger) BudgetStatuses(ctx context.Context, userIDs ...string) ([]BudgetStatus, error) {
	now := l.nowFunc()
	scopes := l.activeScopes("", now)
	for _, id := range userIDs {
		if l.cfg.PerUserLimitUSD != nil && id != "" {
			scopes = append(scopes, budgetScope{
				scope:  ScopeUser + ":" + id,
				period: now.Format("2006-01"),
				limit:  *l.cfg.PerUserLimitUSD,
			})
		}
	}

	out := make([]BudgetStatus, 0, len(scopes))
	for _, bs := range scopes {
		st := BudgetStatus{Scope: bs.scope, Period: bs.period, LimitUSD: bs.limit}
		err := l.db.QueryRowContext(ctx,
			`SELECT used_usd, alerted, exceeded FROM budgets WHERE scope = ? AND period = ?`,
			bs.scope, bs.period).Scan(&st.UsedUSD, &st.Alerted, &st.Exceeded)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("budget status: %w", err)
		}
		if st.LimitUSD > 0 {
			st.Ratio = st.UsedUSD / st.LimitUSD
		}
		out = append(out, st)
	}
	return out, nil
}

// PurgeOld deletes usage and alert rows older than the retention horizon;
// returns the number of usage rows removed.
func (l *Ledger) PurgeOld(ctx context.Context) (int64, error) {
	cutoff := l.nowFunc().AddDate(0, 0, -l.cfg.RetentionDays).UnixMilli()
	res, err := l.db.ExecContext(ctx, `DELETE FROM usage WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("ledger purge: %w", err)
	}
	if _, err := l.db.ExecContext(ctx, `DELETE FROM alerts WHERE timestamp < ?`, cutoff); err != nil {
		return 0, fmt.Errorf("alerts purge: %w", err)
	}
	return res.RowsAffected()
}

func (l *Ledger) sweeper(interval time.Duration) {
	defer l.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if n, err := l.PurgeOld(ctx); err != nil {
				l.logger.Warn("ledger retention sweep failed", "error", err)
			} else if n > 0 {
				l.logger.Info("ledger retention sweep", "rows_removed", n)
			}
			cancel()
		case <-l.done:
			return
		}
	}
}

// Close stops the retention sweeper and closes the store.
func (l *Ledger) Close() error {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return nil
	}
	l.closed = true
	l.closeMu.Unlock()

	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}
