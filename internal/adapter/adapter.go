// Package adapter defines the contract between the mediation core and
// per-provider backend code. The core never speaks a vendor protocol itself;
// it consumes every backend through the Adapter interface and the error
// taxonomy defined here.
package adapter

import "context"

// Capability names a feature a provider can declare support for.
type Capability string

const (
	CapChat         Capability = "chat"
	CapVision       Capability = "vision"
	CapTools        Capability = "tools"
	CapThinking     Capability = "thinking"
	CapJSON         Capability = "json"
	CapCaching      Capability = "caching"
	CapGrounding    Capability = "grounding"
	CapRealtimeData Capability = "realtime-data"
)

// CapabilitySet is the set of capabilities a provider declares.
type CapabilitySet map[Capability]bool

// NewCapabilitySet builds a set from a list of capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = true
	}
	return s
}

// Has reports whether the set contains c.
func (s CapabilitySet) Has(c Capability) bool { return s[c] }

// HasAll reports whether the set contains every capability in caps.
func (s CapabilitySet) HasAll(caps []Capability) bool {
	for _, c := range caps {
		if !s[c] {
			return false
		}
	}
	return true
}

// List returns the capabilities as a slice (unordered).
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	return out
}

// ModelSpec describes one model a provider serves.
type ModelSpec struct {
	ID               string `json:"id"`
	MaxContextTokens int    `json:"max_context_tokens"`
}

// Description is the static self-description of a provider adapter. Describe
// must be pure and cheap; adapters cache it.
type Description struct {
	Name         string               `json:"name"`
	Models       map[string]ModelSpec `json:"models"`
	Capabilities CapabilitySet        `json:"capabilities"`
}

// HealthStatus is the result of a liveness probe.
type HealthStatus struct {
	Healthy   bool    `json:"healthy"`
	LatencyMs float64 `json:"latency_ms"`
	Detail    string  `json:"detail,omitempty"`
}

// Adapter is the fixed contract every backend is consumed through.
//
// Execute and ExecuteStream must honor ctx cancellation and classify failures
// via the package's error taxonomy (return a *ClassifiedError, a *StatusError,
// or an error that Classify can map).
type Adapter interface {
	// Describe returns the provider's name, model table, and capabilities.
	Describe() Description

	// Execute performs a blocking completion request.
	Execute(ctx context.Context, req Request) (*Response, error)

	// ExecuteStream performs the same request but pushes incremental
	// fragments to sink as they arrive. The returned response is the
	// assembled result, including aggregated usage.
	ExecuteStream(ctx context.Context, req Request, sink Sink) (*Response, error)

	// Health performs a lightweight liveness probe.
	Health(ctx context.Context) HealthStatus
}
