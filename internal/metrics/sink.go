package metrics

import (
	"github.com/llmrelay/relay/internal/events"
)

// Sink returns an events.Sink that keeps the registry current from the core's
// event stream. Combine it with other sinks via events.Multi.
func (m *Registry) Sink() events.Sink {
	return events.SinkFunc(func(e events.Event) {
		switch e.Type {
		case events.TypeCacheHit, events.TypeCacheSemanticHit:
			m.CacheLookups.WithLabelValues(e.Tier).Inc()
		case events.TypeCacheMiss:
			m.CacheLookups.WithLabelValues("miss").Inc()
		case events.TypeFailoverAttempt:
			m.FailoversTotal.WithLabelValues(e.From, e.To).Inc()
		case events.TypeCircuitClosed:
			m.CircuitState.WithLabelValues(e.Provider).Set(0)
		case events.TypeCircuitHalfOpen:
			m.CircuitState.WithLabelValues(e.Provider).Set(1)
		case events.TypeCircuitOpen:
			m.CircuitState.WithLabelValues(e.Provider).Set(2)
		case events.TypeBudgetWarning, events.TypeBudgetExceeded:
			if e.LimitUSD > 0 {
				m.BudgetUsageRatio.WithLabelValues(e.Scope).Set(e.UsedUSD / e.LimitUSD)
			}
		}
	})
}
