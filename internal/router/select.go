package router

import (
	"sort"

	"github.com/llmrelay/relay/internal/adapter"
)

// target is one entry in the ordered attempt list.
type target struct {
	provider *Provider
	model    string
}

// assumedOutputTokens backs the cost estimate when the caller sets no output
// bound.
const assumedOutputTokens = 256

// eligible returns the providers that can serve the request right now: they
// are enabled, serve the model, declare every required capability, their
// circuit is admitting, and their load ceiling has headroom. Eligibility
// checks are read-only; no probe slot or in-flight count is consumed here.
func (d *Dispatcher) eligible(req *Request) []target {
	var out []target
	for _, p := range d.registry.Enabled() {
		model, ok := p.Model(req.Model)
		if !ok {
			continue
		}
		if !p.Describe().Capabilities.HasAll(req.Require) {
			continue
		}
		if !d.breakers.Get(p.Name).Admitting() {
			continue
		}
		if !d.limiter.HasCapacity(p.Name) {
			continue
		}
		out = append(out, target{provider: p, model: model})
	}
	return out
}

// selectTargets builds the ordered attempt list for a request. An explicit,
// eligible provider goes first; the remaining eligible providers follow in
// strategy order as the failover tail.
func (d *Dispatcher) selectTargets(req *Request) ([]target, error) {
	eligible := d.eligible(req)
	if len(eligible) == 0 {
		return nil, ErrNoEligibleProviders
	}

	d.orderByStrategy(req, eligible)

	if req.Provider != "" {
		for i, t := range eligible {
			if t.provider.Name == req.Provider {
				// Move the explicit pick to the front, preserving the
				// strategy order of the tail.
				picked := eligible[i]
				eligible = append(eligible[:i], eligible[i+1:]...)
				eligible = append([]target{picked}, eligible...)
				return eligible, nil
			}
		}
		// Named but ineligible: fall through to strategy-based selection.
	}
	return eligible, nil
}

func (d *Dispatcher) orderByStrategy(req *Request, ts []target) {
	switch d.strategy {
	case StrategyCost:
		est := func(t target) float64 {
			out := req.MaxTokens
			if out <= 0 {
				out = assumedOutputTokens
			}
			return d.pricing.Estimate(t.provider.Name, t.model, req.EstimatedInputTokens, out)
		}
		sort.SliceStable(ts, func(i, j int) bool {
			ci, cj := est(ts[i]), est(ts[j])
			if ci != cj {
				return ci < cj
			}
			return d.stats.get(ts[i].provider.Name).latency() < d.stats.get(ts[j].provider.Name).latency()
		})

	case StrategyLatency:
		sort.SliceStable(ts, func(i, j int) bool {
			li, lj := d.stats.get(ts[i].provider.Name).latency(), d.stats.get(ts[j].provider.Name).latency()
			if li != lj {
				return li < lj
			}
			return d.stats.get(ts[i].provider.Name).successRate() > d.stats.get(ts[j].provider.Name).successRate()
		})

	case StrategyQuality:
		sort.SliceStable(ts, func(i, j int) bool {
			qi, qj := d.qualityScore(req, ts[i]), d.qualityScore(req, ts[j])
			if qi != qj {
				return qi > qj
			}
			return d.stats.get(ts[i].provider.Name).latency() < d.stats.get(ts[j].provider.Name).latency()
		})

	case StrategyRoundRobin:
		n := len(ts)
		offset := int(d.rrCounter.Add(1)-1) % n
		rotated := make([]target, 0, n)
		rotated = append(rotated, ts[offset:]...)
		rotated = append(rotated, ts[:offset]...)
		copy(ts, rotated)

	case StrategyWeighted:
		d.weightedShuffle(ts)
	}
}

// qualityScore ranks a provider by observed success rate with a bonus for
// each feature the request asks for that the provider declares.
func (d *Dispatcher) qualityScore(req *Request, t target) float64 {
	score := d.stats.get(t.provider.Name).successRate()
	caps := t.provider.Describe().Capabilities
	for _, want := range []struct {
		requested bool
		cap       adapter.Capability
	}{
		{req.EnableTools, adapter.CapTools},
		{req.EnableGrounding, adapter.CapGrounding},
		{req.Thinking, adapter.CapThinking},
	} {
		if want.requested && caps.Has(want.cap) {
			score += 0.05
		}
	}
	return score
}

// weightedShuffle orders targets by repeated weight-proportional sampling
// without replacement.
func (d *Dispatcher) weightedShuffle(ts []target) {
	d.rngMu.Lock()
	defer d.rngMu.Unlock()

	for i := 0; i < len(ts)-1; i++ {
		var total float64
		for _, t := range ts[i:] {
			total += weightOf(t)
		}
		pick := d.rng.Float64() * total
		for j := i; j < len(ts); j++ {
			pick -= weightOf(ts[j])
			if pick <= 0 {
				ts[i], ts[j] = ts[j], ts[i]
				break
			}
		}
	}
}

func weightOf(t target) float64 {
	if t.provider.Weight > 0 {
		return t.provider.Weight
	}
	return 1
}
