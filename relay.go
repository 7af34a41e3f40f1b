// Package relay wires the mediation core: provider adapters behind a fixed
// contract, strategy-based routing with failover, a three-tier response
// cache, a usage ledger with budget enforcement, circuit breakers, and
// health probing. A Core owns every component's lifecycle; there are no
// package-level globals.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/llmrelay/relay/config"
	"github.com/llmrelay/relay/internal/adapter"
	"github.com/llmrelay/relay/internal/cache"
	"github.com/llmrelay/relay/internal/circuit"
	"github.com/llmrelay/relay/internal/events"
	"github.com/llmrelay/relay/internal/health"
	"github.com/llmrelay/relay/internal/httpapi"
	"github.com/llmrelay/relay/internal/ledger"
	"github.com/llmrelay/relay/internal/metrics"
	"github.com/llmrelay/relay/internal/pricing"
	"github.com/llmrelay/relay/internal/providers/anthropic"
	"github.com/llmrelay/relay/internal/providers/openai"
	"github.com/llmrelay/relay/internal/providers/vllm"
	"github.com/llmrelay/relay/internal/router"
)

// AdapterFactory builds the adapter for one configured provider. The default
// factory switches on the provider's type; tests inject fakes here.
type AdapterFactory func(name string, pc config.ProviderConfig) (adapter.Adapter, error)

// Core is the assembled mediation service.
type Core struct {
	cfg     *config.Config
	logger  *slog.Logger
	factory AdapterFactory

	registry   *router.Registry
	breakers   *circuit.Set
	limiter    *circuit.Limiter
	cache      *cache.Engine
	ledger     *ledger.Ledger
	pricing    *pricing.Registry
	dispatcher *router.Dispatcher
	tracker    *health.Tracker
	prober     *health.Prober
	metrics    *metrics.Registry
	bus        *events.Bus

	probing bool
}

// Option configures optional Core behaviour.
type Option func(*Core)

// WithLogger sets the logger for every component.
func WithLogger(l *slog.Logger) Option {
	return func(c *Core) { c.logger = l }
}

// WithAdapterFactory replaces the default provider-type switch.
func WithAdapterFactory(f AdapterFactory) Option {
	return func(c *Core) { c.factory = f }
}

// WithPricing seeds the price registry. Without it all costs compute to zero
// unless providers report native cost.
func WithPricing(reg *pricing.Registry) Option {
	return func(c *Core) { c.pricing = reg }
}

// New assembles a Core from configuration. The returned Core is ready to
// dispatch; call Start to begin background health probing and Close to
// release everything.
func New(cfg *config.Config, opts ...Option) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Core{
		cfg:      cfg,
		logger:   slog.Default(),
		factory:  defaultAdapterFactory,
		registry: router.NewRegistry(),
		limiter:  circuit.NewLimiter(),
		pricing:  pricing.NewRegistry(),
		metrics:  metrics.New(),
		bus:      events.NewBus(),
	}
	for _, opt := range opts {
		opt(c)
	}

	sink := events.Multi(c.bus, c.metrics.Sink())

	c.breakers = circuit.NewSet(circuit.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		OpenTimeout:      cfg.CircuitBreaker.OpenTimeout(),
		HalfOpenProbes:   cfg.CircuitBreaker.HalfOpenProbes,
	}, func(provider string, from, to circuit.State) {
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

	var err error
	if c.cache, err = c.buildCache(sink); err != nil {
		return nil, err
	}
	if c.ledger, err = c.buildLedger(sink); err != nil {
		_ = c.cache.Close()
		return nil, err
	}

	c.tracker = health.NewTracker(health.DefaultTrackerConfig(), health.WithSink(sink))
	c.prober = health.NewProber(health.ProberConfig{
		Interval:     time.Duration(cfg.HealthCheck.IntervalMs) * time.Millisecond,
		ProbeTimeout: time.Duration(cfg.HealthCheck.TimeoutMs) * time.Millisecond,
	}, c.tracker, c.logger)

	if err := c.registerProviders(); err != nil {
		_ = c.cache.Close()
		_ = c.ledger.Close()
		return nil, err
	}

	strategy, err := router.ParseStrategy(cfg.Strategy)
	if err != nil {
		_ = c.cache.Close()
		_ = c.ledger.Close()
		return nil, err
	}
	dcfg := router.DefaultDispatchConfig()
	dcfg.Strategy = strategy
	dcfg.Retry = router.RetryConfig{
		MaxRetries:   cfg.Retry.MaxRetries,
		InitialDelay: time.Duration(cfg.Retry.InitialDelayMs) * time.Millisecond,
		Multiplier:   cfg.Retry.BackoffMultiplier,
		MaxDelay:     time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
	}
	c.dispatcher = router.NewDispatcher(dcfg, c.registry, c.breakers, c.limiter, c.pricing,
		router.WithCache(c.cache),
		router.WithLedger(c.ledger),
		router.WithSink(sink),
		router.WithLogger(c.logger),
	)
	return c, nil
}

func (c *Core) buildCache(sink events.Sink) (*cache.Engine, error) {
	cc := c.cfg.Cache

	durable, err := cache.NewDurable(cache.DurableConfig{
		Path:       cc.Durable.Path,
		MaxEntries: cc.Durable.MaxEntries,
		TTL:        time.Duration(cc.Durable.TTLMs) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("open durable cache: %w", err)
	}

	opts := []cache.Option{
		cache.WithDurable(durable),
		cache.WithSink(sink),
		cache.WithLogger(c.logger),
	}
	if cc.Distributed.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rds, err := cache.NewRedis(ctx, cache.RedisConfig{
			Addr: cc.Distributed.Endpoint,
			TTL:  time.Duration(cc.Distributed.TTLMs) * time.Millisecond,
		})
		if err != nil {
			_ = durable.Close()
			return nil, fmt.Errorf("connect distributed cache: %w", err)
		}
		opts = append(opts, cache.WithRedis(rds))
	}

	ecfg := cache.DefaultConfig()
	ecfg.Memory = cache.MemoryConfig{
		MaxEntries: cc.Memory.MaxEntries,
		TTL:        time.Duration(cc.Memory.TTLMs) * time.Millisecond,
	}
	ecfg.DurableTTL = time.Duration(cc.Durable.TTLMs) * time.Millisecond
	ecfg.SimilarityEnabled = cc.Similarity.Enabled
	ecfg.SimilarityThreshold = cc.Similarity.Threshold
	ecfg.SimilarityAlgorithm = cc.Similarity.Algorithm
	return cache.NewEngine(ecfg, opts...), nil
}

func (c *Core) buildLedger(sink events.Sink) (*ledger.Ledger, error) {
	lc := c.cfg.Ledger
	led, err := ledger.New(ledger.Config{
		Path:            lc.Path,
		RetentionDays:   lc.RetentionDays,
		SweepInterval:   time.Hour,
		AlertThreshold:  lc.Budgets.AlertThreshold,
		DailyLimitUSD:   lc.Budgets.Daily,
		MonthlyLimitUSD: lc.Budgets.Monthly,
		PerUserLimitUSD: lc.Budgets.PerUser,
	}, c.pricing, ledger.WithSink(sink), ledger.WithLogger(c.logger))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return led, nil
}

func (c *Core) registerProviders() error {
	// Deterministic registration order regardless of map iteration.
	names := make([]string, 0, len(c.cfg.Providers))
	for name := range c.cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pc := c.cfg.Providers[name]
		a, err := c.factory(name, pc)
		if err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
		if err := c.registry.Register(&router.Provider{
			Name:          name,
			Adapter:       a,
			Weight:        pc.Weight,
			MaxConcurrent: pc.MaxConcurrent,
			Enabled:       pc.Enabled,
			DefaultModel:  pc.DefaultModel,
		}); err != nil {
			return err
		}
		c.limiter.SetCeiling(name, pc.MaxConcurrent)
		if pc.Enabled {
			c.prober.AddTarget(name, a)
		}
	}
	return nil
}

// adapterSettings is the recognized shape of a provider's opaque adapter
// configuration block.
type adapterSettings struct {
	BaseURL string         `json:"baseUrl"`
	Models  map[string]int `json:"models"`
}

func defaultAdapterFactory(name string, pc config.ProviderConfig) (adapter.Adapter, error) {
	var s adapterSettings
	if len(pc.AdapterConfig) > 0 {
		if err := json.Unmarshal(pc.AdapterConfig, &s); err != nil {
			return nil, fmt.Errorf("parse adapterConfig: %w", err)
		}
	}

	switch pc.Type {
	case "openai":
		return openai.New(openai.Config{Name: name, APIKey: pc.APIKey, BaseURL: s.BaseURL, Models: s.Models}), nil
	case "anthropic":
		return anthropic.New(anthropic.Config{Name: name, APIKey: pc.APIKey, BaseURL: s.BaseURL, Models: s.Models}), nil
	case "vllm":
		if s.BaseURL == "" {
			return nil, fmt.Errorf("vllm provider requires adapterConfig.baseUrl")
		}
		return vllm.New(vllm.Config{Name: name, APIKey: pc.APIKey, BaseURL: s.BaseURL, Models: s.Models}), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", pc.Type)
	}
}

// Dispatch routes one blocking request.
func (c *Core) Dispatch(ctx context.Context, req *router.Request) (*router.Response, error) {
	return c.dispatcher.Dispatch(ctx, req)
}

// DispatchStream routes one streaming request, pushing fragments to sink.
func (c *Core) DispatchStream(ctx context.Context, req *router.Request, sink adapter.Sink) (*router.Response, error) {
	return c.dispatcher.DispatchStream(ctx, req, sink)
}

// Handler returns the HTTP serving surface for this core.
func (c *Core) Handler() http.Handler {
	return httpapi.NewHandler(httpapi.Dependencies{
		Dispatcher: c.dispatcher,
		Registry:   c.registry,
		Breakers:   c.breakers,
		Limiter:    c.limiter,
		Cache:      c.cache,
		Ledger:     c.ledger,
		Health:     c.tracker,
		Metrics:    c.metrics,
		EventBus:   c.bus,
		Logger:     c.logger,
	})
}

// Start launches background work (the health prober). Safe to skip for
// embedded use.
func (c *Core) Start() {
	if c.probing {
		return
	}
	c.probing = true
	c.prober.Start()
}

// Events returns the core's event bus for subscribers.
func (c *Core) Events() *events.Bus { return c.bus }

// Ledger exposes the usage ledger for reads.
func (c *Core) Ledger() *ledger.Ledger { return c.ledger }

// Cache exposes the response cache.
func (c *Core) Cache() *cache.Engine { return c.cache }

// Registry exposes the provider registry.
func (c *Core) Registry() *router.Registry { return c.registry }

// Pricing exposes the price registry for seeding model prices.
func (c *Core) Pricing() *pricing.Registry { return c.pricing }

// Close stops background work and releases storage. Pending cache
// write-through is drained first.
func (c *Core) Close() error {
	if c.probing {
		c.prober.Stop()
		c.probing = false
	}
	var firstErr error
	if err := c.cache.Close(); err != nil {
		firstErr = err
	}
	if err := c.ledger.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
