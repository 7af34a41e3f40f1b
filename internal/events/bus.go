// Package events carries the core's structured observability stream: routing
// decisions, circuit transitions, cache outcomes, and budget alerts. A single
// Sink is injected at construction time; the in-memory Bus fans events out to
// subscribers (e.g. the SSE endpoint) and a LogSink writes them to slog.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Type identifies the kind of event.
type Type string

const (
	TypeRoutingSelected  Type = "routing:selected"
	TypeCircuitOpen      Type = "circuit:open"
	TypeCircuitHalfOpen  Type = "circuit:half-open"
	TypeCircuitClosed    Type = "circuit:closed"
	TypeFailoverAttempt  Type = "failover:attempt"
	TypeCacheHit         Type = "cache:hit"
	TypeCacheMiss        Type = "cache:miss"
	TypeCacheSemanticHit Type = "cache:semantic-hit"
	TypeCacheError       Type = "cache:error"
	TypeLedgerError      Type = "ledger:error"
	TypeBudgetWarning    Type = "budget:warning"
	TypeBudgetExceeded   Type = "budget:exceeded"
	TypeHealthChange     Type = "health:change"
)

// Event is a single observability record. Fields are populated per type;
// unused ones are omitted from the JSON payload.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	RequestID string `json:"request_id,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`

	// Routing fields.
	Strategy string `json:"strategy,omitempty"`
	Attempt  int    `json:"attempt,omitempty"`
	// From/To identify the providers involved in a failover; they are
	// always distinct.
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// Cache fields.
	Tier       string  `json:"tier,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`

	// Budget fields.
	Scope    string  `json:"scope,omitempty"`
	UsedUSD  float64 `json:"used_usd,omitempty"`
	LimitUSD float64 `json:"limit_usd,omitempty"`

	// Health fields.
	OldState string `json:"old_state,omitempty"`
	NewState string `json:"new_state,omitempty"`

	LatencyMs float64 `json:"latency_ms,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Sink consumes events. Emit must not block the request path.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// Emit implements Sink.
func (f SinkFunc) Emit(e Event) { f(e) }

// NopSink discards all events.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(Event) {}

// LogSink writes every event to a slog logger at Info level.
type LogSink struct {
	Logger *slog.Logger
}

// Emit implements Sink.
func (s LogSink) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	s.Logger.Info("event",
		slog.String("type", string(e.Type)),
		slog.String("payload", string(e.JSON())),
	)
}

// Multi fans an event out to several sinks.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(e Event) {
		for _, s := range sinks {
			s.Emit(e)
		}
	})
}

// Subscriber receives events on a channel.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Bus is an in-memory pub/sub fan-out. It implements Sink, so it can be
// injected directly into the core.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[*Subscriber]struct{})}
}

// Subscribe creates a new subscriber with a buffered channel.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its done channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Emit sends an event to all subscribers (non-blocking).
func (b *Bus) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
			// Drop event if subscriber is slow (back-pressure).
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
