package circuit

import (
	"sync"
	"sync/atomic"
)

// Limiter caps concurrent in-flight requests per provider. Admission is
// atomic with the counter increment; Release decrements exactly once per
// successful TryAcquire. A ceiling of zero or less means unlimited.
type Limiter struct {
	mu       sync.RWMutex
	inFlight map[string]*atomic.Int64
	ceilings map[string]int64
}

// NewLimiter creates an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		inFlight: make(map[string]*atomic.Int64),
		ceilings: make(map[string]int64),
	}
}

// SetCeiling sets the max concurrent requests for a provider.
func (l *Limiter) SetCeiling(provider string, max int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ceilings[provider] = int64(max)
	if _, ok := l.inFlight[provider]; !ok {
		l.inFlight[provider] = new(atomic.Int64)
	}
}

func (l *Limiter) counter(provider string) (*atomic.Int64, int64) {
	l.mu.RLock()
	c, ok := l.inFlight[provider]
	ceiling := l.ceilings[provider]
	l.mu.RUnlock()
	if ok {
		return c, ceiling
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok = l.inFlight[provider]
	if !ok {
		c = new(atomic.Int64)
		l.inFlight[provider] = c
	}
	return c, l.ceilings[provider]
}

// TryAcquire admits a request if the provider has capacity, incrementing the
// in-flight counter atomically with the decision.
func (l *Limiter) TryAcquire(provider string) bool {
	c, ceiling := l.counter(provider)
	for {
		cur := c.Load()
		if ceiling > 0 && cur >= ceiling {
			return false
		}
		if c.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release returns an admission. It must be called exactly once per
// successful TryAcquire, on success, error, or cancellation alike.
func (l *Limiter) Release(provider string) {
	c, _ := l.counter(provider)
	if c.Add(-1) < 0 {
		// Unbalanced release; clamp rather than go negative.
		c.Store(0)
	}
}

// HasCapacity reports whether an admission would currently succeed, without
// taking one. Selection uses it for eligibility checks.
func (l *Limiter) HasCapacity(provider string) bool {
	c, ceiling := l.counter(provider)
	return ceiling <= 0 || c.Load() < ceiling
}

// InFlight returns the current in-flight count for a provider.
func (l *Limiter) InFlight(provider string) int {
	c, _ := l.counter(provider)
	return int(c.Load())
}
