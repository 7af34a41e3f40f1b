package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmrelay/relay/internal/adapter"
	"github.com/llmrelay/relay/internal/cache"
	"github.com/llmrelay/relay/internal/circuit"
	"github.com/llmrelay/relay/internal/events"
	"github.com/llmrelay/relay/internal/ledger"
	"github.com/llmrelay/relay/internal/pricing"
	"github.com/llmrelay/relay/internal/promptkey"
)

// fakeAdapter is a scriptable backend for dispatcher tests.
type fakeAdapter struct {
	name    string
	models  []string
	caps    adapter.CapabilitySet
	calls   atomic.Int64
	execute func(ctx context.Context, req adapter.Request) (*adapter.Response, error)
	stream  func(ctx context.Context, req adapter.Request, sink adapter.Sink) (*adapter.Response, error)
}

func (f *fakeAdapter) Describe() adapter.Description {
	models := make(map[string]adapter.ModelSpec, len(f.models))
	for _, id := range f.models {
		models[id] = adapter.ModelSpec{ID: id, MaxContextTokens: 128000}
	}
	caps := f.caps
	if caps == nil {
		caps = adapter.NewCapabilitySet(adapter.CapChat)
	}
	return adapter.Description{Name: f.name, Models: models, Capabilities: caps}
}

func (f *fakeAdapter) Execute(ctx context.Context, req adapter.Request) (*adapter.Response, error) {
	f.calls.Add(1)
	if f.execute != nil {
		return f.execute(ctx, req)
	}
	return &adapter.Response{
		Content:      "ok from " + f.name,
		Usage:        adapter.Usage{InputTokens: 10, OutputTokens: 5},
		FinishReason: "stop",
	}, nil
}

func (f *fakeAdapter) ExecuteStream(ctx context.Context, req adapter.Request, sink adapter.Sink) (*adapter.Response, error) {
	f.calls.Add(1)
	if f.stream != nil {
		return f.stream(ctx, req, sink)
	}
	if err := sink.Send(adapter.Fragment{Kind: adapter.FragmentText, Text: "ok"}); err != nil {
		return nil, err
	}
	if err := sink.Send(adapter.Fragment{Kind: adapter.FragmentFinish}); err != nil {
		return nil, err
	}
	return &adapter.Response{Content: "ok", Usage: adapter.Usage{InputTokens: 10, OutputTokens: 2}}, nil
}

func (f *fakeAdapter) Health(ctx context.Context) adapter.HealthStatus {
	return adapter.HealthStatus{Healthy: true}
}

func transientErr() error {
	return &adapter.ClassifiedError{Err: errors.New("backend wobble"), Class: adapter.ErrTransient}
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Emit(e events.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *recordingSink) byType(t events.Type) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// testHarness bundles a dispatcher with its collaborators.
type testHarness struct {
	dispatcher *Dispatcher
	registry   *Registry
	breakers   *circuit.Set
	limiter    *circuit.Limiter
	cache      *cache.Engine
	ledger     *ledger.Ledger
	prices     *pricing.Registry
	sink       *recordingSink
}

func fastRetry(max int) RetryConfig {
	return RetryConfig{
		MaxRetries:   max,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Millisecond,
	}
}

func newHarness(t *testing.T, cfg Config, breakerCfg circuit.Config, adapters ...*fakeAdapter) *testHarness {
	t.Helper()
	sink := &recordingSink{}

	reg := NewRegistry()
	limiter := circuit.NewLimiter()
	for _, fa := range adapters {
		require.NoError(t, reg.Register(&Provider{
			Name:    fa.name,
			Adapter: fa,
			Enabled: true,
			Weight:  1,
		}))
	}

	breakers := circuit.NewSet(breakerCfg, func(provider string, from, to circuit.State) {
		var typ events.Type
		switch to {
		case circuit.Open:
			typ = events.TypeCircuitOpen
		case circuit.HalfOpen:
			typ = events.TypeCircuitHalfOpen
		default:
			typ = events.TypeCircuitClosed
		}
		sink.Emit(events.Event{Type: typ, Provider: provider, OldState: from.String(), NewState: to.String()})
	})

	durable, err := cache.NewDurable(cache.DurableConfig{Path: ":memory:"})
	require.NoError(t, err)
	eng := cache.NewEngine(cache.DefaultConfig(), cache.WithDurable(durable), cache.WithSink(sink))
	t.Cleanup(func() { _ = eng.Close() })

	prices := pricing.NewRegistry()
	led, err := ledger.New(ledger.Config{Path: ":memory:"}, prices, ledger.WithSink(sink))
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })

	d := NewDispatcher(cfg, reg, breakers, limiter, prices,
		WithCache(eng), WithLedger(led), WithSink(sink))
	return &testHarness{
		dispatcher: d,
		registry:   reg,
		breakers:   breakers,
		limiter:    limiter,
		cache:      eng,
		ledger:     led,
		prices:     prices,
		sink:       sink,
	}
}

func chatReq(text string) *Request {
	return &Request{
		Request: adapter.Request{
			Messages: []adapter.Message{{Role: "user", Content: text}},
		},
		EstimatedInputTokens: 10,
	}
}

func (h *testHarness) ledgerRows(t *testing.T) []ledger.Row {
	t.Helper()
	rows, err := h.ledger.Rows(context.Background(),
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	return rows
}

func TestDispatchSuccessRecordsAndCaches(t *testing.T) {
	fa := &fakeAdapter{name: "provA", models: []string{"m1"}}
	h := newHarness(t, Config{Retry: fastRetry(3), Coalesce: false}, circuit.DefaultConfig(), fa)
	ctx := context.Background()

	resp, err := h.dispatcher.Dispatch(ctx, chatReq("hello"))
	require.NoError(t, err)
	assert.Equal(t, "provA", resp.Provider)
	assert.Equal(t, "m1", resp.Model)
	assert.Equal(t, "ok from provA", resp.Content)
	assert.False(t, resp.Cached)
	assert.Equal(t, 1, resp.Attempts)

	// Exactly one usage row for the successful dispatch.
	rows := h.ledgerRows(t)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Success)
	assert.False(t, rows[0].Cached)
	assert.Equal(t, 15, rows[0].TotalTokens)

	// The identical request now comes from the cache and is billed at zero.
	resp2, err := h.dispatcher.Dispatch(ctx, chatReq("hello"))
	require.NoError(t, err)
	assert.True(t, resp2.Cached)
	assert.Equal(t, cache.TierMemory, resp2.CacheTier)
	assert.Equal(t, int64(1), fa.calls.Load(), "cached dispatch must not call the adapter")

	rows = h.ledgerRows(t)
	require.Len(t, rows, 2)
	assert.True(t, rows[1].Cached)
	assert.Zero(t, rows[1].CostUSD)
}

func TestCacheFastHitWithoutProviders(t *testing.T) {
	// No providers registered at all: a pre-seeded cache entry still serves
	// the dispatch.
	h := newHarness(t, Config{Retry: fastRetry(3)}, circuit.DefaultConfig())
	ctx := context.Background()

	temp := 0.7
	key, normalized := promptkey.FromMessages("provA", "m1",
		[]promptkey.Message{{Role: "user", Content: "hello"}},
		promptkey.Params{Temperature: &temp})
	payload, err := json.Marshal(&adapter.Response{Content: "hi"})
	require.NoError(t, err)
	h.cache.Put(cache.Entry{
		Key:              key,
		Payload:          payload,
		Provider:         "provA",
		Model:            "m1",
		NormalizedPrompt: normalized,
	})

	req := chatReq("hello")
	req.Provider = "provA"
	req.Model = "m1"
	req.Temperature = &temp

	resp, err := h.dispatcher.Dispatch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)
	assert.True(t, resp.Cached)
	assert.Equal(t, cache.TierMemory, resp.CacheTier)

	hits := h.sink.byType(events.TypeCacheHit)
	require.Len(t, hits, 1)
	assert.Equal(t, cache.TierMemory, hits[0].Tier)

	rows := h.ledgerRows(t)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Cached)
	assert.Zero(t, rows[0].CostUSD)
}

func TestCircuitTripsAfterFiveFailures(t *testing.T) {
	fa := &fakeAdapter{
		name:   "provA",
		models: []string{"m1"},
		execute: func(context.Context, adapter.Request) (*adapter.Response, error) {
			return nil, transientErr()
		},
	}
	h := newHarness(t, Config{Retry: fastRetry(5), Coalesce: false},
		circuit.Config{FailureThreshold: 5, OpenTimeout: time.Hour}, fa)
	ctx := context.Background()

	_, err := h.dispatcher.Dispatch(ctx, chatReq("hello"))
	var df *DispatchFailedError
	require.True(t, errors.As(err, &df))
	assert.Equal(t, int64(5), fa.calls.Load())

	opens := h.sink.byType(events.TypeCircuitOpen)
	require.Len(t, opens, 1)
	assert.Equal(t, "provA", opens[0].Provider)

	// With the circuit open the provider is not even selectable; the adapter
	// must not be called again.
	_, err = h.dispatcher.Dispatch(ctx, chatReq("hello again"))
	require.ErrorIs(t, err, ErrNoEligibleProviders)
	assert.Equal(t, int64(5), fa.calls.Load())
}

func TestFailoverOnRateLimit(t *testing.T) {
	var fastFailed atomic.Bool
	fast := &fakeAdapter{
		name:   "fast",
		models: []string{"m"},
		execute: func(context.Context, adapter.Request) (*adapter.Response, error) {
			fastFailed.Store(true)
			return nil, &adapter.ClassifiedError{Err: errors.New("quota"), Class: adapter.ErrRateLimited}
		},
	}
	slow := &fakeAdapter{name: "slow", models: []string{"m"}}

	h := newHarness(t, Config{Strategy: StrategyLatency, Retry: fastRetry(3), Coalesce: false},
		circuit.DefaultConfig(), fast, slow)
	ctx := context.Background()

	// Seed observed latencies so the strategy prefers "fast".
	h.dispatcher.stats.get("fast").recordSuccess(100)
	h.dispatcher.stats.get("slow").recordSuccess(500)

	resp, err := h.dispatcher.Dispatch(ctx, chatReq("hello"))
	require.NoError(t, err)
	assert.Equal(t, "slow", resp.Provider)
	assert.Equal(t, "ok from slow", resp.Content)
	assert.True(t, fastFailed.Load())
	assert.Equal(t, 2, resp.Attempts)

	failovers := h.sink.byType(events.TypeFailoverAttempt)
	require.Len(t, failovers, 1)
	assert.Equal(t, "fast", failovers[0].From)
	assert.Equal(t, "slow", failovers[0].To)
	assert.NotEqual(t, failovers[0].From, failovers[0].To)

	assert.Equal(t, 1, h.breakers.Get("fast").ConsecutiveFailures())
}

func TestSingleProviderExhaustsRetries(t *testing.T) {
	fa := &fakeAdapter{
		name:   "only",
		models: []string{"m"},
		execute: func(context.Context, adapter.Request) (*adapter.Response, error) {
			return nil, transientErr()
		},
	}
	h := newHarness(t, Config{Retry: fastRetry(3), Coalesce: false}, circuit.DefaultConfig(), fa)

	_, err := h.dispatcher.Dispatch(context.Background(), chatReq("hello"))
	var df *DispatchFailedError
	require.True(t, errors.As(err, &df))
	assert.Equal(t, 3, df.Attempts)
	assert.Equal(t, int64(3), fa.calls.Load(), "a single provider absorbs the whole retry budget")
	assert.Empty(t, h.sink.byType(events.TypeFailoverAttempt),
		"retrying the same provider is not a failover")
}

func TestNonRetryableReturnsImmediately(t *testing.T) {
	fa := &fakeAdapter{
		name:   "provA",
		models: []string{"m"},
		execute: func(context.Context, adapter.Request) (*adapter.Response, error) {
			return nil, &adapter.ClassifiedError{Err: errors.New("bad prompt"), Class: adapter.ErrBadRequest}
		},
	}
	h := newHarness(t, Config{Retry: fastRetry(3), Coalesce: false}, circuit.DefaultConfig(), fa)

	_, err := h.dispatcher.Dispatch(context.Background(), chatReq("hello"))
	require.Error(t, err)
	var df *DispatchFailedError
	assert.False(t, errors.As(err, &df), "non-retryable errors surface directly")
	assert.Equal(t, adapter.ErrBadRequest, adapter.Classify(err).Class)
	assert.Equal(t, int64(1), fa.calls.Load())

	// The failed attempt still produced a usage row.
	rows := h.ledgerRows(t)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Success)
	assert.Equal(t, string(adapter.ErrBadRequest), rows[0].ErrorClass)
}

func TestNonRetryableDoesNotTripCircuit(t *testing.T) {
	fa := &fakeAdapter{
		name:   "provA",
		models: []string{"m"},
		execute: func(context.Context, adapter.Request) (*adapter.Response, error) {
			return nil, &adapter.ClassifiedError{Err: errors.New("bad prompt"), Class: adapter.ErrBadRequest}
		},
	}
	h := newHarness(t, Config{Retry: fastRetry(3), Coalesce: false},
		circuit.Config{FailureThreshold: 5, OpenTimeout: time.Hour}, fa)
	ctx := context.Background()

	// Well past the failure threshold: caller mistakes are not provider
	// outages, so the breaker must stay closed and keep admitting.
	for i := 0; i < 7; i++ {
		_, err := h.dispatcher.Dispatch(ctx, chatReq(fmt.Sprintf("bad prompt %d", i)))
		require.Error(t, err)
		assert.Equal(t, adapter.ErrBadRequest, adapter.Classify(err).Class)
	}
	assert.Equal(t, circuit.Closed, h.breakers.Get("provA").CurrentState())
	assert.Zero(t, h.breakers.Get("provA").ConsecutiveFailures())
	assert.Empty(t, h.sink.byType(events.TypeCircuitOpen))
	assert.Equal(t, int64(7), fa.calls.Load(), "the provider stays selectable throughout")
}

func TestCachedHitBillsNothing(t *testing.T) {
	fa := &fakeAdapter{name: "provA", models: []string{"m1"}}
	h := newHarness(t, Config{Retry: fastRetry(3), Coalesce: false}, circuit.DefaultConfig(), fa)
	h.prices.Set("provA", "m1", pricing.Price{InputPer1K: 3, OutputPer1K: 15})
	ctx := context.Background()

	first, err := h.dispatcher.Dispatch(ctx, chatReq("expensive question"))
	require.NoError(t, err)
	require.False(t, first.Cached)

	second, err := h.dispatcher.Dispatch(ctx, chatReq("expensive question"))
	require.NoError(t, err)
	require.True(t, second.Cached)
	assert.Equal(t, int64(1), fa.calls.Load())

	rows := h.ledgerRows(t)
	require.Len(t, rows, 2)
	var live, cached *ledger.Row
	for i := range rows {
		if rows[i].Cached {
			cached = &rows[i]
		} else {
			live = &rows[i]
		}
	}
	require.NotNil(t, live)
	require.NotNil(t, cached)
	assert.Greater(t, live.CostUSD, 0.0, "the live call is billed from the price table")
	assert.Zero(t, cached.CostUSD, "the cache hit consumes no spend")
}

func TestBudgetExceededBlocksDispatch(t *testing.T) {
	fa := &fakeAdapter{name: "provA", models: []string{"m"}}
	h := newHarness(t, Config{Retry: fastRetry(3), Coalesce: false}, circuit.DefaultConfig(), fa)
	ctx := context.Background()

	limit := 1.0
	prices := pricing.NewRegistry()
	led, err := ledger.New(ledger.Config{Path: ":memory:", DailyLimitUSD: &limit}, prices,
		ledger.WithSink(h.sink))
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })
	h.dispatcher.ledger = led

	_, err = led.Record(ctx, ledger.Usage{Provider: "provA", Model: "m", NativeCostUSD: 1.5, Success: true})
	require.NoError(t, err)

	_, err = h.dispatcher.Dispatch(ctx, chatReq("hello"))
	var bex *ledger.BudgetExceededError
	require.True(t, errors.As(err, &bex))
	assert.Zero(t, fa.calls.Load(), "budget refusal happens before any adapter call")

	req := chatReq("hello")
	req.BudgetOverride = true
	_, err = h.dispatcher.Dispatch(ctx, req)
	require.NoError(t, err)
}

func TestLoadCeilingExcludesProvider(t *testing.T) {
	fa := &fakeAdapter{name: "provA", models: []string{"m"}}
	h := newHarness(t, Config{Retry: fastRetry(2), Coalesce: false}, circuit.DefaultConfig(), fa)

	h.limiter.SetCeiling("provA", 1)
	require.True(t, h.limiter.TryAcquire("provA"))

	_, err := h.dispatcher.Dispatch(context.Background(), chatReq("hello"))
	require.ErrorIs(t, err, ErrNoEligibleProviders)
	assert.Zero(t, fa.calls.Load())

	h.limiter.Release("provA")
	_, err = h.dispatcher.Dispatch(context.Background(), chatReq("hello"))
	require.NoError(t, err)
}

func TestRoundRobinRotates(t *testing.T) {
	a := &fakeAdapter{name: "a", models: []string{"m"}}
	b := &fakeAdapter{name: "b", models: []string{"m"}}
	h := newHarness(t, Config{Strategy: StrategyRoundRobin, Retry: fastRetry(3), Coalesce: false},
		circuit.DefaultConfig(), a, b)
	ctx := context.Background()

	var picked []string
	for i := 0; i < 4; i++ {
		req := chatReq("distinct prompt")
		req.SkipCache = true
		resp, err := h.dispatcher.Dispatch(ctx, req)
		require.NoError(t, err)
		picked = append(picked, resp.Provider)
	}
	assert.NotEqual(t, picked[0], picked[1], "round robin must alternate")
	assert.Equal(t, picked[0], picked[2])
	assert.Equal(t, picked[1], picked[3])
}

func TestCostStrategyPicksCheapest(t *testing.T) {
	cheap := &fakeAdapter{name: "cheap", models: []string{"m-cheap"}}
	pricey := &fakeAdapter{name: "pricey", models: []string{"m-pricey"}}
	h := newHarness(t, Config{Strategy: StrategyCost, Retry: fastRetry(3), Coalesce: false},
		circuit.DefaultConfig(), cheap, pricey)

	h.dispatcher.pricing.Set("cheap", "m-cheap", pricing.Price{InputPer1K: 0.1, OutputPer1K: 0.2})
	h.dispatcher.pricing.Set("pricey", "m-pricey", pricing.Price{InputPer1K: 5, OutputPer1K: 10})

	resp, err := h.dispatcher.Dispatch(context.Background(), chatReq("hello"))
	require.NoError(t, err)
	assert.Equal(t, "cheap", resp.Provider)
}

func TestExplicitProviderTriedFirst(t *testing.T) {
	a := &fakeAdapter{name: "a", models: []string{"m"}}
	b := &fakeAdapter{name: "b", models: []string{"m"}}
	h := newHarness(t, Config{Strategy: StrategyLatency, Retry: fastRetry(3), Coalesce: false},
		circuit.DefaultConfig(), a, b)

	// "a" looks much faster, but the caller insists on "b".
	h.dispatcher.stats.get("a").recordSuccess(10)
	h.dispatcher.stats.get("b").recordSuccess(900)

	req := chatReq("hello")
	req.Provider = "b"
	resp, err := h.dispatcher.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "b", resp.Provider)
}

func TestCapabilityRequirementFiltersProviders(t *testing.T) {
	plain := &fakeAdapter{name: "plain", models: []string{"m"},
		caps: adapter.NewCapabilitySet(adapter.CapChat)}
	vision := &fakeAdapter{name: "vision", models: []string{"m"},
		caps: adapter.NewCapabilitySet(adapter.CapChat, adapter.CapVision)}
	h := newHarness(t, Config{Retry: fastRetry(3), Coalesce: false}, circuit.DefaultConfig(), plain, vision)

	req := chatReq("describe this image")
	req.Require = []adapter.Capability{adapter.CapVision}
	resp, err := h.dispatcher.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "vision", resp.Provider)
	assert.Zero(t, plain.calls.Load())
}

func TestCoalescingMergesIdenticalDispatches(t *testing.T) {
	release := make(chan struct{})
	fa := &fakeAdapter{
		name:   "provA",
		models: []string{"m"},
		execute: func(ctx context.Context, req adapter.Request) (*adapter.Response, error) {
			<-release
			return &adapter.Response{Content: "shared", Usage: adapter.Usage{InputTokens: 10, OutputTokens: 5}}, nil
		},
	}
	h := newHarness(t, Config{Retry: fastRetry(3), Coalesce: true}, circuit.DefaultConfig(), fa)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*Response, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = h.dispatcher.Dispatch(ctx, chatReq("same prompt"))
		}(i)
	}

	// Let both callers reach the in-flight call, then release it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, "shared", results[0].Content)
	assert.Equal(t, "shared", results[1].Content)
	assert.Equal(t, int64(1), fa.calls.Load(), "concurrent identical dispatches share one adapter call")

	// Both dispatches have a usage row; only the owner's is billed.
	rows := h.ledgerRows(t)
	require.Len(t, rows, 2)
	var billed, free int
	for _, r := range rows {
		if r.Cached {
			free++
		} else {
			billed++
		}
	}
	assert.Equal(t, 1, billed)
	assert.Equal(t, 1, free)
}

func TestCancelledDispatchDoesNotCountAsFailure(t *testing.T) {
	fa := &fakeAdapter{
		name:   "provA",
		models: []string{"m"},
		execute: func(ctx context.Context, req adapter.Request) (*adapter.Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	h := newHarness(t, Config{Retry: fastRetry(3), Coalesce: false}, circuit.DefaultConfig(), fa)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := h.dispatcher.Dispatch(ctx, chatReq("hello"))
	require.Error(t, err)
	assert.Equal(t, adapter.ErrCancelled, adapter.Classify(err).Class)
	assert.Equal(t, 0, h.breakers.Get("provA").ConsecutiveFailures())
	assert.Equal(t, 0, h.limiter.InFlight("provA"), "load counter released on cancellation")
}
