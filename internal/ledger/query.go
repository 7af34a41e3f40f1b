package ledger

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// Aggregate sums usage over one grouping key.
type Aggregate struct {
	Requests    int64   `json:"requests"`
	TotalTokens int64   `json:"total_tokens"`
	CostUSD     float64 `json:"cost_usd"`
}

// PeriodSummary is the result of UsageByPeriod.
type PeriodSummary struct {
	From       time.Time            `json:"from"`
	To         time.Time            `json:"to"`
	Total      Aggregate            `json:"total"`
	ByProvider map[string]Aggregate `json:"by_provider"`
	ByModel    map[string]Aggregate `json:"by_model"`
	ByUser     map[string]Aggregate `json:"by_user"`
}

// ProviderComparisonRow summarizes one provider's usage over a time range.
type ProviderComparisonRow struct {
	Provider    string  `json:"provider"`
	Requests    int64   `json:"requests"`
	SuccessRate float64 `json:"success_rate"`
	TotalTokens int64   `json:"total_tokens"`
	CostUSD     float64 `json:"cost_usd"`
	AvgLatency  float64 `json:"avg_latency_ms"`
}

// UsageByPeriod aggregates usage rows in [from, to) by provider, model, and
// user. All scans run over the timestamp index.
func (l *Ledger) UsageByPeriod(ctx context.Context, from, to time.Time) (*PeriodSummary, error) {
	s := &PeriodSummary{
		From:       from,
		To:         to,
		ByProvider: make(map[string]Aggregate),
		ByModel:    make(map[string]Aggregate),
		ByUser:     make(map[string]Aggregate),
	}

	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost), 0)
		 FROM usage WHERE timestamp >= ? AND timestamp < ?`,
		from.UnixMilli(), to.UnixMilli()).
		Scan(&s.Total.Requests, &s.Total.TotalTokens, &s.Total.CostUSD)
	if err != nil {
		return nil, fmt.Errorf("usage total: %w", err)
	}

	for _, g := range []struct {
		column string
		dest   map[string]Aggregate
	}{
		{"provider", s.ByProvider},
		{"model", s.ByModel},
		{"user_id", s.ByUser},
	} {
		rows, err := l.db.QueryContext(ctx,
			`SELECT `+g.column+`, COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost), 0)
			 FROM usage WHERE timestamp >= ? AND timestamp < ?
			 GROUP BY `+g.column,
			from.UnixMilli(), to.UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("usage by %s: %w", g.column, err)
		}
		for rows.Next() {
			var key string
			var a Aggregate
			if err := rows.Scan(&key, &a.Requests, &a.TotalTokens, &a.CostUSD); err != nil {
				_ = rows.Close()
				return nil, err
			}
			if key == "" && g.column == "user_id" {
				continue
			}
			g.dest[key] = a
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
	}
	return s, nil
}

// ProviderComparison ranks providers by spend over [from, to).
func (l *Ledger) ProviderComparison(ctx context.Context, from, to time.Time) ([]ProviderComparisonRow, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT provider, COUNT(*), AVG(success), COALESCE(SUM(total_tokens), 0),
		        COALESCE(SUM(cost), 0), COALESCE(AVG(latency), 0)
		 FROM usage WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY provider ORDER BY SUM(cost) DESC`,
		from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("provider comparison: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ProviderComparisonRow
	for rows.Next() {
		var r ProviderComparisonRow
		if err := rows.Scan(&r.Provider, &r.Requests, &r.SuccessRate, &r.TotalTokens,
			&r.CostUSD, &r.AvgLatency); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Rows returns the raw usage rows in [from, to), oldest first.
func (l *Ledger) Rows(ctx context.Context, from, to time.Time) ([]Row, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, request_id, timestamp, provider, model, user_id, input_tokens,
		        output_tokens, reasoning_tokens, cached_tokens, total_tokens, cost,
		        latency, success, cached, error_class
		 FROM usage WHERE timestamp >= ? AND timestamp < ?
		 ORDER BY timestamp ASC`,
		from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("ledger rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Row
	for rows.Next() {
		var r Row
		var ts int64
		if err := rows.Scan(&r.ID, &r.RequestID, &ts, &r.Provider, &r.Model, &r.UserID,
			&r.InputTokens, &r.OutputTokens, &r.ReasoningTokens, &r.CachedInputTokens,
			&r.TotalTokens, &r.CostUSD, &r.LatencyMs, &r.Success, &r.Cached,
			&r.ErrorClass); err != nil {
			return nil, err
		}
		r.Timestamp = time.UnixMilli(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ExportJSON writes the raw rows in [from, to) to w as a JSON array.
func (l *Ledger) ExportJSON(ctx context.Context, w io.Writer, from, to time.Time) error {
	rows, err := l.Rows(ctx, from, to)
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []Row{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

// ExportCSV writes the raw rows in [from, to) to w as CSV with a header row.
func (l *Ledger) ExportCSV(ctx context.Context, w io.Writer, from, to time.Time) error {
	rows, err := l.Rows(ctx, from, to)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{
		"id", "request_id", "timestamp", "provider", "model", "user_id",
		"input_tokens", "output_tokens", "reasoning_tokens", "cached_tokens",
		"total_tokens", "cost_usd", "latency_ms", "success", "cached", "error_class",
	}); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			strconv.FormatInt(r.ID, 10),
			r.RequestID,
			r.Timestamp.UTC().Format(time.RFC3339),
			r.Provider,
			r.Model,
			r.UserID,
			strconv.Itoa(r.InputTokens),
			strconv.Itoa(r.OutputTokens),
			strconv.Itoa(r.ReasoningTokens),
			strconv.Itoa(r.CachedInputTokens),
			strconv.Itoa(r.TotalTokens),
			strconv.FormatFloat(r.CostUSD, 'f', -1, 64),
			strconv.FormatFloat(r.LatencyMs, 'f', -1, 64),
			strconv.FormatBool(r.Success),
			strconv.FormatBool(r.Cached),
			r.ErrorClass,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
