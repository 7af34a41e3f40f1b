package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/llmrelay/relay/internal/adapter"
	"github.com/llmrelay/relay/internal/cache"
	"github.com/llmrelay/relay/internal/circuit"
	"github.com/llmrelay/relay/internal/events"
	"github.com/llmrelay/relay/internal/ledger"
	"github.com/llmrelay/relay/internal/pricing"
	"github.com/llmrelay/relay/internal/promptkey"
)

// Request is a dispatch request. The embedded adapter request carries the
// prompt and sampling parameters; the outer fields steer routing and
// accounting.
type Request struct {
	adapter.Request

	RequestID string
	// Provider, when set, names an explicit backend. If it is eligible it is
	// tried first; otherwise selection falls back to the strategy.
	Provider string
	UserID   string
	// Require lists capabilities a provider must declare to be eligible.
	Require              []adapter.Capability
	EstimatedInputTokens int
	// BudgetOverride bypasses budget admission for this dispatch.
	BudgetOverride bool
	SkipCache      bool
}

// Response is the dispatch result.
type Response struct {
	adapter.Response

	RequestID string  `json:"request_id"`
	Provider  string  `json:"provider"`
	Model     string  `json:"model"`
	Cached    bool    `json:"cached"`
	CacheTier string  `json:"cache_tier,omitempty"`
	// Similarity is set on semantic cache hits.
	Similarity float64 `json:"similarity,omitempty"`
	LatencyMs  float64 `json:"latency_ms"`
	CostUSD    float64 `json:"cost_usd"`
	Attempts   int     `json:"attempts"`
}

// RetryConfig bounds the failover loop.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryConfig returns the standard failover settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     10 * time.Second,
	}
}

// delay returns the wait before retry number n (1-based), capped at MaxDelay.
func (c RetryConfig) delay(n int) time.Duration {
	d := time.Duration(float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(n-1)))
	if d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

// Config configures the dispatcher.
type Config struct {
	Strategy Strategy
	Retry    RetryConfig
	// AttemptTimeout bounds a single adapter call. ThinkingTimeout replaces
	// it for requests with reasoning enabled, which run much longer.
	AttemptTimeout  time.Duration
	ThinkingTimeout time.Duration
	// Coalesce merges concurrent cache-missing dispatches with the same
	// prompt key into a single adapter call.
	Coalesce bool
}

// DefaultDispatchConfig returns the standard dispatcher settings.
func DefaultDispatchConfig() Config {
	return Config{
		Strategy:        StrategyLatency,
		Retry:           DefaultRetryConfig(),
		AttemptTimeout:  60 * time.Second,
		ThinkingTimeout: 5 * time.Minute,
		Coalesce:        true,
	}
}

// Dispatcher runs the dispatch loop over the registered providers.
type Dispatcher struct {
	cfg      Config
	strategy Strategy
	registry *Registry
	breakers *circuit.Set
	limiter  *circuit.Limiter
	pricing  *pricing.Registry
	stats    *statsTable

	cache  *cache.Engine
	ledger *ledger.Ledger
	sink   events.Sink
	logger *slog.Logger

	sf        singleflight.Group
	rrCounter atomic.Uint64
	rngMu     sync.Mutex
	rng       *rand.Rand
}

// DispatcherOption customizes the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithCache attaches the response cache.
func WithCache(c *cache.Engine) DispatcherOption {
	return func(d *Dispatcher) { d.cache = c }
}

// WithLedger attaches the usage ledger.
func WithLedger(l *ledger.Ledger) DispatcherOption {
	return func(d *Dispatcher) { d.ledger = l }
}

// WithSink sets the event sink.
func WithSink(s events.Sink) DispatcherOption {
	return func(d *Dispatcher) { d.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher builds a dispatcher over the registry. The breaker set and
// load limiter are owned by the dispatcher; circuit transitions flow out
// through the breaker set's callback.
func NewDispatcher(cfg Config, registry *Registry, breakers *circuit.Set, limiter *circuit.Limiter,
	reg *pricing.Registry, opts ...DispatcherOption) *Dispatcher {

	def := DefaultDispatchConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry.MaxRetries = def.Retry.MaxRetries
	}
	if cfg.Retry.InitialDelay <= 0 {
		cfg.Retry.InitialDelay = def.Retry.InitialDelay
	}
	if cfg.Retry.Multiplier <= 0 {
		cfg.Retry.Multiplier = def.Retry.Multiplier
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = def.Retry.MaxDelay
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.ThinkingTimeout <= 0 {
		cfg.ThinkingTimeout = def.ThinkingTimeout
	}

	d := &Dispatcher{
		cfg:      cfg,
		strategy: cfg.Strategy,
		registry: registry,
		breakers: breakers,
		limiter:  limiter,
		pricing:  reg,
		stats:    newStatsTable(),
		sink:     events.NopSink{},
		logger:   slog.Default(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Stats returns the rolling per-provider stats.
func (d *Dispatcher) Stats() []ProviderStats {
	return d.stats.snapshot()
}

// Dispatch runs one blocking request through the full mediation path.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	ctx = adapter.WithRequestID(ctx, req.RequestID)

	if d.ledger != nil {
		if err := d.ledger.CheckAdmission(ctx, req.UserID, req.BudgetOverride); err != nil {
			return nil, err
		}
	}

	// An explicit provider+model names an exact prompt key, so the cache can
	// answer before selection runs. This also serves hits when the provider
	// itself is disabled or tripped.
	if t, ok := d.explicitTarget(req); ok {
		key, normalized := d.promptKey(req, t)
		if resp := d.cacheLookup(ctx, req, t, key, normalized, 0); resp != nil {
			return resp, nil
		}
	}

	targets, err := d.selectTargets(req)
	if err != nil {
		return nil, err
	}
	d.sink.Emit(events.Event{
		Type:      events.TypeRoutingSelected,
		RequestID: req.RequestID,
		Provider:  targets[0].provider.Name,
		Model:     targets[0].model,
		Strategy:  string(d.strategy),
	})

	maxAttempts := d.cfg.Retry.MaxRetries
	var lastErr error
	prev := ""
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		t := targets[(attempt-1)%len(targets)]

		if attempt > 1 && t.provider.Name != prev {
			d.sink.Emit(events.Event{
				Type:      events.TypeFailoverAttempt,
				RequestID: req.RequestID,
				Attempt:   attempt,
				From:      prev,
				To:        t.provider.Name,
			})
		}

		resp, err := d.attempt(ctx, req, t, attempt)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		prev = t.provider.Name

		var unavail *ProviderUnavailableError
		if errors.As(err, &unavail) {
			// Admission rejection: move straight to the next candidate.
			continue
		}
		class := adapter.Classify(err).Class
		if class == adapter.ErrCancelled {
			return nil, err
		}
		if !class.Retryable() {
			return nil, err
		}
		if attempt < maxAttempts {
			if err := d.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
	}
	return nil, &DispatchFailedError{Attempts: maxAttempts, LastErr: lastErr}
}

func (d *Dispatcher) backoff(ctx context.Context, retry int) error {
	timer := time.NewTimer(d.cfg.Retry.delay(retry))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return &adapter.ClassifiedError{Err: ctx.Err(), Class: adapter.ErrCancelled}
	case <-timer.C:
		return nil
	}
}

// attempt runs one provider attempt: cache lookup, admission, adapter call,
// and the writes that follow.
func (d *Dispatcher) attempt(ctx context.Context, req *Request, t target, attempt int) (*Response, error) {
	key, normalized := d.promptKey(req, t)

	if resp := d.cacheLookup(ctx, req, t, key, normalized, attempt); resp != nil {
		return resp, nil
	}

	if d.cfg.Coalesce {
		return d.coalescedExecute(ctx, req, t, key, normalized, attempt)
	}
	res, err := d.execute(ctx, req, t, key, normalized)
	if err != nil {
		return nil, err
	}
	return d.buildResponse(req, t, res, attempt), nil
}

// explicitTarget resolves the request's explicit provider/model pair without
// any eligibility requirement. Only the names are needed for key lookup, so
// an unregistered provider still yields a target when the model is explicit.
func (d *Dispatcher) explicitTarget(req *Request) (target, bool) {
	if req.Provider == "" || d.cache == nil || req.SkipCache {
		return target{}, false
	}
	model := req.Model
	if p, ok := d.registry.Get(req.Provider); ok {
		if m, ok := p.Model(req.Model); ok {
			model = m
		}
	}
	if model == "" {
		return target{}, false
	}
	return target{provider: &Provider{Name: req.Provider}, model: model}, true
}

func (d *Dispatcher) promptKey(req *Request, t target) (key, normalized string) {
	msgs := make([]promptkey.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = promptkey.Message{Role: m.Role, Content: m.Content}
	}
	return promptkey.FromMessages(t.provider.Name, t.model, msgs, promptkey.Params{
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
}

// cacheLookup returns a response when any tier holds one. A hit still writes
// a usage row so spend reports count cache traffic, at zero cost.
func (d *Dispatcher) cacheLookup(ctx context.Context, req *Request, t target, key, normalized string, attempt int) *Response {
	if d.cache == nil || req.SkipCache {
		return nil
	}
	start := time.Now()
	hit := d.cache.Get(ctx, cache.Lookup{
		Key:              key,
		Provider:         t.provider.Name,
		Model:            t.model,
		NormalizedPrompt: normalized,
	})
	if hit == nil {
		return nil
	}

	var payload adapter.Response
	if err := json.Unmarshal(hit.Entry.Payload, &payload); err != nil {
		d.logger.Warn("cache payload decode failed, treating as miss",
			"key", key, "error", err)
		d.cache.Delete(key)
		return nil
	}
	latency := float64(time.Since(start).Microseconds()) / 1000

	d.recordUsage(ctx, req, t, ledger.Usage{
		RequestID:    req.RequestID,
		Provider:     t.provider.Name,
		Model:        t.model,
		UserID:       req.UserID,
		InputTokens:  req.EstimatedInputTokens,
		OutputTokens: 0,
		LatencyMs:    latency,
		Success:      true,
		Cached:       true,
	})

	return &Response{
		Response:   payload,
		RequestID:  req.RequestID,
		Provider:   t.provider.Name,
		Model:      t.model,
		Cached:     true,
		CacheTier:  hit.Tier,
		Similarity: hit.Similarity,
		LatencyMs:  latency,
		Attempts:   attempt,
	}
}

type execResult struct {
	resp      *adapter.Response
	latencyMs float64
	costUSD   float64
}

// coalescedExecute merges concurrent identical dispatches into one adapter
// call. Followers receive the shared result and record their own zero-cost
// usage row; the owner did the billing.
func (d *Dispatcher) coalescedExecute(ctx context.Context, req *Request, t target, key, normalized string, attempt int) (*Response, error) {
	// Shared on the result is true for the owner as well, so ownership is
	// tracked through the closure: only the caller whose function ran did
	// the billing inside execute.
	owner := false
	ch := d.sf.DoChan(key, func() (any, error) {
		owner = true
		return d.execute(ctx, req, t, key, normalized)
	})
	select {
	case <-ctx.Done():
		return nil, &adapter.ClassifiedError{Err: ctx.Err(), Class: adapter.ErrCancelled}
	case out := <-ch:
		if out.Err != nil {
			return nil, out.Err
		}
		res := out.Val.(*execResult)
		if !owner {
			d.recordUsage(ctx, req, t, ledger.Usage{
				RequestID: req.RequestID,
				Provider:  t.provider.Name,
				Model:     t.model,
				UserID:    req.UserID,
				LatencyMs: res.latencyMs,
				Success:   true,
				Cached:    true,
			})
			shared := d.buildResponse(req, t, res, attempt)
			shared.Cached = true
			return shared, nil
		}
		return d.buildResponse(req, t, res, attempt), nil
	}
}

// execute admits the attempt on the circuit and the load limiter, calls the
// adapter, and handles the accounting on both outcomes.
func (d *Dispatcher) execute(ctx context.Context, req *Request, t target, key, normalized string) (*execResult, error) {
	name := t.provider.Name
	br := d.breakers.Get(name)
	if !br.Allow() {
		return nil, &ProviderUnavailableError{Provider: name, Reason: "circuit open"}
	}
	if !d.limiter.TryAcquire(name) {
		// Give back the probe slot the breaker may have reserved.
		br.RecordCancel()
		return nil, &ProviderUnavailableError{Provider: name, Reason: "load ceiling reached"}
	}

	timeout := d.cfg.AttemptTimeout
	if req.Thinking {
		timeout = d.cfg.ThinkingTimeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	areq := req.Request
	areq.Model = t.model

	start := time.Now()
	aresp, err := t.provider.Adapter.Execute(actx, areq)
	latency := float64(time.Since(start).Microseconds()) / 1000
	d.limiter.Release(name)

	if err != nil {
		return nil, d.recordFailure(ctx, req, t, br, err, latency)
	}

	br.RecordSuccess()
	d.stats.get(name).recordSuccess(latency)
	cost := d.recordSuccess(ctx, req, t, aresp, latency)
	d.cacheStore(req, t, key, normalized, aresp, cost)
	return &execResult{resp: aresp, latencyMs: latency, costUSD: cost}, nil
}

// recordFailure updates the circuit, stats, and ledger for a failed attempt
// and returns the error to propagate. Cancellation is not a provider fault:
// it releases the probe slot without moving the state machine and writes no
// usage row. AuthFailure and BadRequest are caller or credential problems,
// not provider outages: they release the admission neutrally so a burst of
// malformed requests cannot open the circuit.
func (d *Dispatcher) recordFailure(ctx context.Context, req *Request, t target, br *circuit.Breaker, err error, latency float64) error {
	class := adapter.Classify(err).Class
	if class == adapter.ErrCancelled {
		br.RecordCancel()
		return err
	}

	if class.Retryable() {
		br.RecordFailure()
	} else {
		br.RecordCancel()
	}
	d.stats.get(t.provider.Name).recordFailure()
	d.recordUsage(ctx, req, t, ledger.Usage{
		RequestID:  req.RequestID,
		Provider:   t.provider.Name,
		Model:      t.model,
		UserID:     req.UserID,
		LatencyMs:  latency,
		Success:    false,
		ErrorClass: string(class),
	})
	return err
}

// recordSuccess writes the usage row for a successful attempt and returns
// the computed cost.
func (d *Dispatcher) recordSuccess(ctx context.Context, req *Request, t target, aresp *adapter.Response, latency float64) float64 {
	row := d.recordUsage(ctx, req, t, ledger.Usage{
		RequestID:         req.RequestID,
		Provider:          t.provider.Name,
		Model:             t.model,
		UserID:            req.UserID,
		InputTokens:       aresp.Usage.InputTokens,
		OutputTokens:      aresp.Usage.OutputTokens,
		ReasoningTokens:   aresp.Usage.ReasoningTokens,
		CachedInputTokens: aresp.Usage.CachedInputTokens,
		NativeCostUSD:     aresp.NativeCostUSD,
		LatencyMs:         latency,
		Success:           true,
	})
	if row != nil {
		return row.CostUSD
	}
	if d.pricing != nil {
		return d.pricing.Cost(t.provider.Name, t.model, pricing.Usage{
			InputTokens:       aresp.Usage.InputTokens,
			OutputTokens:      aresp.Usage.OutputTokens,
			ReasoningTokens:   aresp.Usage.ReasoningTokens,
			CachedInputTokens: aresp.Usage.CachedInputTokens,
		})
	}
	return 0
}

// recordUsage writes a ledger row, absorbing failures: a broken ledger never
// rolls back a served response. Writes survive caller cancellation so
// accounting stays complete.
func (d *Dispatcher) recordUsage(ctx context.Context, req *Request, t target, u ledger.Usage) *ledger.Row {
	if d.ledger == nil {
		return nil
	}
	row, err := d.ledger.Record(context.WithoutCancel(ctx), u)
	if err != nil {
		d.logger.Error("ledger write failed", "provider", t.provider.Name, "error", err)
		d.sink.Emit(events.Event{
			Type:      events.TypeLedgerError,
			RequestID: req.RequestID,
			Provider:  t.provider.Name,
			Error:     err.Error(),
		})
		return nil
	}
	return &row
}

func (d *Dispatcher) cacheStore(req *Request, t target, key, normalized string, aresp *adapter.Response, cost float64) {
	if d.cache == nil || req.SkipCache {
		return
	}
	payload, err := json.Marshal(aresp)
	if err != nil {
		d.logger.Warn("cache payload encode failed", "key", key, "error", err)
		return
	}
	d.cache.Put(cache.Entry{
		Key:              key,
		Payload:          payload,
		Provider:         t.provider.Name,
		Model:            t.model,
		NormalizedPrompt: normalized,
		InputTokens:      aresp.Usage.InputTokens,
		OutputTokens:     aresp.Usage.OutputTokens,
		CostUSD:          cost,
	})
}

func (d *Dispatcher) buildResponse(req *Request, t target, res *execResult, attempt int) *Response {
	return &Response{
		Response:  *res.resp,
		RequestID: req.RequestID,
		Provider:  t.provider.Name,
		Model:     t.model,
		LatencyMs: res.latencyMs,
		CostUSD:   res.costUSD,
		Attempts:  attempt,
	}
}

// CacheKey exposes the prompt key computation for a provider/model pair, so
// callers can pre-seed or invalidate specific entries.
func (d *Dispatcher) CacheKey(provider, model string, msgs []adapter.Message, temperature *float64, maxTokens int) (string, error) {
	if _, ok := d.registry.Get(provider); !ok {
		return "", fmt.Errorf("unknown provider %q", provider)
	}
	pk := make([]promptkey.Message, len(msgs))
	for i, m := range msgs {
		pk[i] = promptkey.Message{Role: m.Role, Content: m.Content}
	}
	key, _ := promptkey.FromMessages(provider, model, pk, promptkey.Params{
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	return key, nil
}
