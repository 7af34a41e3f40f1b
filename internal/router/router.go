// Package router selects a backend for each request and drives the dispatch
// loop: budget admission, cache lookup, circuit and load admission, the
// adapter call, failover with backoff, and the cache and ledger writes that
// follow a completed attempt.
package router

import (
	"fmt"
	"sort"
	"sync"

	"github.com/llmrelay/relay/internal/adapter"
)

// Strategy names a selection policy.
type Strategy string

const (
	StrategyCost       Strategy = "cost-based"
	StrategyLatency    Strategy = "latency-based"
	StrategyQuality    Strategy = "quality-based"
	StrategyRoundRobin Strategy = "round-robin"
	StrategyWeighted   Strategy = "weighted"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyCost, StrategyLatency, StrategyQuality, StrategyRoundRobin, StrategyWeighted:
		return Strategy(s), nil
	case "":
		return StrategyLatency, nil
	}
	return "", fmt.Errorf("unknown routing strategy %q", s)
}

// Provider is one registered backend with its routing configuration.
type Provider struct {
	Name          string
	Adapter       adapter.Adapter
	Weight        float64
	MaxConcurrent int
	Enabled       bool
	// DefaultModel is used when the caller does not name one.
	DefaultModel string

	desc adapter.Description
}

// Describe returns the adapter's cached self-description.
func (p *Provider) Describe() adapter.Description { return p.desc }

// Model resolves the model this provider would serve for a request. The
// second return is false when the provider cannot serve the request's model.
func (p *Provider) Model(requested string) (string, bool) {
	if requested == "" {
		if p.DefaultModel != "" {
			return p.DefaultModel, true
		}
		// Deterministic fallback: the lexically first model.
		ids := make([]string, 0, len(p.desc.Models))
		for id := range p.desc.Models {
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			return "", false
		}
		sort.Strings(ids)
		return ids[0], true
	}
	if _, ok := p.desc.Models[requested]; ok {
		return requested, true
	}
	return "", false
}

// Registry holds the registered providers. Registration happens at startup;
// lookups are concurrent.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
	order     []string
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]*Provider)}
}

// Register adds a provider. The adapter's description is captured once here.
func (r *Registry) Register(p *Provider) error {
	if p.Name == "" {
		return fmt.Errorf("provider name required")
	}
	if p.Adapter == nil {
		return fmt.Errorf("provider %s: adapter required", p.Name)
	}
	p.desc = p.Adapter.Describe()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.Name]; exists {
		return fmt.Errorf("provider %s already registered", p.Name)
	}
	r.providers[p.Name] = p
	r.order = append(r.order, p.Name)
	return nil
}

// Get returns the named provider.
func (r *Registry) Get(name string) (*Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the provider names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Enabled returns the enabled providers in registration order.
func (r *Registry) Enabled() []*Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Provider, 0, len(r.order))
	for _, name := range r.order {
		if p := r.providers[name]; p.Enabled {
			out = append(out, p)
		}
	}
	return out
}
