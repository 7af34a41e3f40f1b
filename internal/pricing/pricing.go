// Package pricing holds per-model token prices and computes request cost.
// Cost computation is pure: the same usage and descriptor always produce the
// same amount, and the amount is a non-negative linear function of the token
// counts.
package pricing

import (
	"sync"
)

// Price describes what a provider charges for one model, in USD per 1K
// tokens. Optional components are zero when the provider does not bill them.
type Price struct {
	InputPer1K       float64 `json:"input_per_1k"`
	OutputPer1K      float64 `json:"output_per_1k"`
	ReasoningPer1K   float64 `json:"reasoning_per_1k,omitempty"`
	CachedInputPer1K float64 `json:"cached_input_per_1k,omitempty"`
	// MultimodalPerUnit is charged per image/audio unit attached to the
	// request, when the provider bills multi-modal input separately.
	MultimodalPerUnit float64 `json:"multimodal_per_unit,omitempty"`
}

// Usage carries the token counts from a completed request.
type Usage struct {
	InputTokens       int
	OutputTokens      int
	ReasoningTokens   int
	CachedInputTokens int
	MultimodalUnits   int
}

// TotalTokens returns the sum of all billed token categories.
func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens + u.ReasoningTokens + u.CachedInputTokens
}

// Cost computes the USD cost of usage under a price descriptor.
func Cost(p Price, u Usage) float64 {
	cost := float64(u.InputTokens) / 1000 * p.InputPer1K
	cost += float64(u.OutputTokens) / 1000 * p.OutputPer1K
	if p.ReasoningPer1K > 0 {
		cost += float64(u.ReasoningTokens) / 1000 * p.ReasoningPer1K
	}
	if p.CachedInputPer1K > 0 {
		cost += float64(u.CachedInputTokens) / 1000 * p.CachedInputPer1K
	}
	if p.MultimodalPerUnit > 0 {
		cost += float64(u.MultimodalUnits) * p.MultimodalPerUnit
	}
	return cost
}

// Registry maps provider/model pairs to price descriptors. Reads vastly
// outnumber writes, so it is guarded by an RWMutex.
type Registry struct {
	mu     sync.RWMutex
	prices map[string]map[string]Price // provider -> model -> price
}

// NewRegistry creates an empty price registry.
func NewRegistry() *Registry {
	return &Registry{prices: make(map[string]map[string]Price)}
}

// Set registers or replaces the price for a provider's model.
func (r *Registry) Set(provider, model string, p Price) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byModel, ok := r.prices[provider]
	if !ok {
		byModel = make(map[string]Price)
		r.prices[provider] = byModel
	}
	byModel[model] = p
}

// Lookup returns the price descriptor for a provider's model.
func (r *Registry) Lookup(provider, model string) (Price, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byModel, ok := r.prices[provider]
	if !ok {
		return Price{}, false
	}
	p, ok := byModel[model]
	return p, ok
}

// Cost computes the cost of usage for a provider's model. When the model has
// no registered price the cost is zero; unknown models must not block
// accounting.
func (r *Registry) Cost(provider, model string, u Usage) float64 {
	p, ok := r.Lookup(provider, model)
	if !ok {
		return 0
	}
	return Cost(p, u)
}

// Estimate projects the cost of a request before dispatch, given an estimated
// input token count and an assumed output length. The router's cost-based
// strategy ranks providers with this value.
func (r *Registry) Estimate(provider, model string, inputTokens, assumedOutputTokens int) float64 {
	return r.Cost(provider, model, Usage{
		InputTokens:  inputTokens,
		OutputTokens: assumedOutputTokens,
	})
}
