package router

import "sync"

// ewmaAlpha weights the most recent latency sample. Higher values react
// faster to latency shifts at the cost of more jitter.
const ewmaAlpha = 0.2

// providerStats tracks one provider's rolling latency and outcome counts.
type providerStats struct {
	mu          sync.Mutex
	latencyEWMA float64
	samples     int64
	successes   int64
	failures    int64
}

func (s *providerStats) recordSuccess(latencyMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes++
	if s.samples == 0 {
		s.latencyEWMA = latencyMs
	} else {
		s.latencyEWMA = ewmaAlpha*latencyMs + (1-ewmaAlpha)*s.latencyEWMA
	}
	s.samples++
}

func (s *providerStats) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
}

func (s *providerStats) latency() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latencyEWMA
}

// successRate returns the observed success ratio, or 1 with no history so an
// untried provider is not penalized.
func (s *providerStats) successRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.successes + s.failures
	if total == 0 {
		return 1
	}
	return float64(s.successes) / float64(total)
}

// ProviderStats is a read-only snapshot exposed by the dispatcher.
type ProviderStats struct {
	Provider    string  `json:"provider"`
	LatencyEWMA float64 `json:"latency_ewma_ms"`
	Successes   int64   `json:"successes"`
	Failures    int64   `json:"failures"`
	SuccessRate float64 `json:"success_rate"`
}

// statsTable maps provider names to their rolling stats.
type statsTable struct {
	mu    sync.RWMutex
	stats map[string]*providerStats
}

func newStatsTable() *statsTable {
	return &statsTable{stats: make(map[string]*providerStats)}
}

func (t *statsTable) get(provider string) *providerStats {
	t.mu.RLock()
	s, ok := t.stats[provider]
	t.mu.RUnlock()
	if ok {
		return s
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.stats[provider]; ok {
		return s
	}
	s = &providerStats{}
	t.stats[provider] = s
	return s
}

func (t *statsTable) snapshot() []ProviderStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ProviderStats, 0, len(t.stats))
	for name, s := range t.stats {
		s.mu.Lock()
		out = append(out, ProviderStats{
			Provider:    name,
			LatencyEWMA: s.latencyEWMA,
			Successes:   s.successes,
			Failures:    s.failures,
		})
		total := s.successes + s.failures
		if total > 0 {
			out[len(out)-1].SuccessRate = float64(s.successes) / float64(total)
		} else {
			out[len(out)-1].SuccessRate = 1
		}
		s.mu.Unlock()
	}
	return out
}
