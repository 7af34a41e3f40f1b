// Package circuit guards each provider with a failure-driven state machine
// and a concurrency ceiling. The breaker decides whether a provider may be
// attempted at all; the limiter caps how many requests may be in flight at
// once. Both are consulted on every dispatch.
package circuit

import (
	"sync"
	"time"
)

// State represents the current state of a provider's breaker.
type State int

const (
	// Closed is the normal operating state: requests are admitted.
	Closed State = iota
	// Open means the breaker has tripped: requests are rejected until the
	// open timeout elapses.
	Open
	// HalfOpen admits a bounded number of concurrent probe requests to
	// test whether the provider has recovered.
	HalfOpen
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trip a
	// Closed breaker to Open.
	FailureThreshold int
	// SuccessThreshold is the number of probe successes required to close
	// a HalfOpen breaker.
	SuccessThreshold int
	// OpenTimeout is how long the breaker stays Open before admitting
	// probes.
	OpenTimeout time.Duration
	// HalfOpenProbes caps concurrent probe requests while HalfOpen.
	HalfOpenProbes int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      60 * time.Second,
		HalfOpenProbes:   3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = d.HalfOpenProbes
	}
	return c
}

// Breaker is a goroutine-safe circuit breaker for a single provider.
type Breaker struct {
	mu              sync.Mutex
	cfg             Config
	state           State
	consecFailures  int
	consecSuccesses int
	inFlightProbes  int
	lastFailure     time.Time
	onStateChange   func(from, to State)

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithOnStateChange registers a callback that fires on every state
// transition. It is invoked while the breaker's mutex is held, so it must not
// call back into the breaker.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// NewBreaker creates a Breaker in the Closed state.
func NewBreaker(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		cfg:     cfg.withDefaults(),
		state:   Closed,
		nowFunc: time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether a request may be dispatched to the provider, and
// reserves a probe slot when the breaker is HalfOpen. Every Allow that
// returns true must be balanced by exactly one RecordSuccess, RecordFailure,
// or RecordCancel.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.nowFunc().Sub(b.lastFailure) >= b.cfg.OpenTimeout {
			b.setState(HalfOpen)
			b.consecSuccesses = 0
			b.inFlightProbes = 1
			return true
		}
		return false
	case HalfOpen:
		if b.inFlightProbes < b.cfg.HalfOpenProbes {
			b.inFlightProbes++
			return true
		}
		return false
	default:
		return false
	}
}

// Admitting reports whether the breaker would currently admit a request,
// without reserving a probe slot. Selection uses it for eligibility checks.
func (b *Breaker) Admitting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		return b.nowFunc().Sub(b.lastFailure) >= b.cfg.OpenTimeout
	case HalfOpen:
		return b.inFlightProbes < b.cfg.HalfOpenProbes
	default:
		return false
	}
}

// RecordSuccess records a successful call. In Closed state it resets the
// consecutive-failure counter. In HalfOpen it releases the probe slot and
// closes the breaker once enough probes have succeeded.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.consecFailures = 0
	case HalfOpen:
		if b.inFlightProbes > 0 {
			b.inFlightProbes--
		}
		b.consecSuccesses++
		if b.consecSuccesses >= b.cfg.SuccessThreshold {
			b.setState(Closed)
			b.consecFailures = 0
			b.consecSuccesses = 0
			b.inFlightProbes = 0
		}
	case Open:
		// Straggler from before the trip; the open timer stands.
	}
}

// RecordFailure records a failed call. In Closed state it increments the
// consecutive-failure counter and trips the breaker at the threshold. Any
// failure while HalfOpen reopens the breaker and restarts the open timer.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.consecFailures++
		if b.consecFailures >= b.cfg.FailureThreshold {
			b.setState(Open)
			b.lastFailure = b.nowFunc()
		}
	case HalfOpen:
		if b.inFlightProbes > 0 {
			b.inFlightProbes--
		}
		b.setState(Open)
		b.lastFailure = b.nowFunc()
	case Open:
		// Straggler; do not extend the open window.
	}
}

// RecordCancel releases an admission without counting it as success or
// failure. Caller-initiated cancellation must not move the state machine.
func (b *Breaker) RecordCancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen && b.inFlightProbes > 0 {
		b.inFlightProbes--
	}
}

// CurrentState returns the breaker state. In Open state this does not check
// the timer; use Admitting or Allow for that.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the consecutive-failure count.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecFailures
}

// setState transitions the breaker and fires the callback if registered.
// Caller must hold b.mu.
func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	if b.onStateChange != nil && from != to {
		b.onStateChange(from, to)
	}
}

// Set manages one breaker per provider with a shared configuration.
type Set struct {
	cfg      Config
	onChange func(provider string, from, to State)

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewSet creates a breaker set. onChange, if non-nil, fires on every state
// transition of any provider's breaker.
func NewSet(cfg Config, onChange func(provider string, from, to State)) *Set {
	return &Set{
		cfg:      cfg.withDefaults(),
		onChange: onChange,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a provider, creating it on first use.
func (s *Set) Get(provider string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[provider]
	if !ok {
		var opts []Option
		if s.onChange != nil {
			p := provider
			opts = append(opts, WithOnStateChange(func(from, to State) {
				s.onChange(p, from, to)
			}))
		}
		b = NewBreaker(s.cfg, opts...)
		s.breakers[provider] = b
	}
	return b
}

// States returns a snapshot of every known provider's state.
func (s *Set) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.breakers))
	for p, b := range s.breakers {
		out[p] = b.CurrentState()
	}
	return out
}
