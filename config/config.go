// Package config defines the relay's file-level configuration schema. A
// single JSON document configures routing, providers, the circuit breaker,
// retry policy, caching, the usage ledger, and health checking.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
)

// Config is the top-level configuration object.
type Config struct {
	Server    ServerConfig              `json:"server"`
	Strategy  string                    `json:"strategy"`
	Providers map[string]ProviderConfig `json:"providers"`

	CircuitBreaker CircuitBreakerConfig `json:"circuitBreaker"`
	Retry          RetryConfig          `json:"retry"`
	Cache          CacheConfig          `json:"cache"`
	Ledger         LedgerConfig         `json:"ledger"`
	HealthCheck    HealthCheckConfig    `json:"healthCheck"`

	LogLevel string        `json:"logLevel,omitempty"`
	Tracing  TracingConfig `json:"tracing,omitempty"`
}

// ServerConfig holds the HTTP serving surface configuration.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ProviderConfig describes one backend provider.
type ProviderConfig struct {
	Enabled       bool    `json:"enabled"`
	Weight        float64 `json:"weight"`
	MaxConcurrent int     `json:"maxConcurrent"`

	// Type selects the adapter implementation ("openai", "anthropic", ...).
	Type string `json:"type,omitempty"`
	// DefaultModel is used when a dispatch names no model.
	DefaultModel string `json:"defaultModel,omitempty"`
	// APIKeyEnv names an environment variable holding the credential; it is
	// resolved at load time and never written back to disk.
	APIKeyEnv string `json:"apiKeyEnv,omitempty"`
	APIKey    string `json:"-"`

	// AdapterConfig is passed through to the adapter constructor unparsed.
	AdapterConfig json.RawMessage `json:"adapterConfig,omitempty"`
}

// CircuitBreakerConfig holds per-provider breaker thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold int `json:"failureThreshold"`
	SuccessThreshold int `json:"successThreshold"`
	OpenTimeoutMs    int `json:"openTimeoutMs"`
	HalfOpenProbes   int `json:"halfOpenProbes"`
}

// OpenTimeout returns the open-state timeout as a duration.
func (c CircuitBreakerConfig) OpenTimeout() time.Duration {
	return time.Duration(c.OpenTimeoutMs) * time.Millisecond
}

// RetryConfig holds the dispatch retry policy.
type RetryConfig struct {
	MaxRetries        int     `json:"maxRetries"`
	InitialDelayMs    int     `json:"initialDelayMs"`
	MaxDelayMs        int     `json:"maxDelayMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
}

// CacheConfig holds the three cache tiers plus the similarity fallback.
type CacheConfig struct {
	Memory      MemoryCacheConfig      `json:"memory"`
	Durable     DurableCacheConfig     `json:"durable"`
	Distributed DistributedCacheConfig `json:"distributed"`
	Similarity  SimilarityConfig       `json:"similarity"`
}

type MemoryCacheConfig struct {
	MaxEntries int `json:"maxEntries"`
	TTLMs      int `json:"ttlMs"`
}

type DurableCacheConfig struct {
	Path       string `json:"path"`
	MaxEntries int    `json:"maxEntries"`
	TTLMs      int    `json:"ttlMs"`
}

type DistributedCacheConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
	TTLMs    int    `json:"ttlMs"`
}

type SimilarityConfig struct {
	Enabled   bool    `json:"enabled"`
	Algorithm string  `json:"algorithm"`
	Threshold float64 `json:"threshold"`
}

// LedgerConfig holds the usage ledger and budget settings.
type LedgerConfig struct {
	Path          string       `json:"path"`
	RetentionDays int          `json:"retentionDays"`
	Budgets       BudgetConfig `json:"budgets"`
}

// BudgetConfig holds spend limits in USD. A nil limit means unlimited.
type BudgetConfig struct {
	Daily          *float64 `json:"daily,omitempty"`
	Monthly        *float64 `json:"monthly,omitempty"`
	PerUser        *float64 `json:"perUser,omitempty"`
	AlertThreshold float64  `json:"alertThreshold"`
}

// HealthCheckConfig holds the background prober settings.
type HealthCheckConfig struct {
	IntervalMs int `json:"intervalMs"`
	TimeoutMs  int `json:"timeoutMs"`
}

// TracingConfig holds the opt-in OTel exporter settings.
type TracingConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint,omitempty"`
}

// Load reads a JSON configuration file, applies defaults for unset fields,
// and resolves provider credentials from the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()

	for name, p := range cfg.Providers {
		if p.APIKeyEnv != "" {
			p.APIKey = os.Getenv(p.APIKeyEnv)
			cfg.Providers[name] = p
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with all defaults applied and no providers.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Strategy == "" {
		c.Strategy = "latency-based"
	}
	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = 5
	}
	if c.CircuitBreaker.SuccessThreshold == 0 {
		c.CircuitBreaker.SuccessThreshold = 2
	}
	if c.CircuitBreaker.OpenTimeoutMs == 0 {
		c.CircuitBreaker.OpenTimeoutMs = 60_000
	}
	if c.CircuitBreaker.HalfOpenProbes == 0 {
		c.CircuitBreaker.HalfOpenProbes = 3
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.InitialDelayMs == 0 {
		c.Retry.InitialDelayMs = 1000
	}
	if c.Retry.MaxDelayMs == 0 {
		c.Retry.MaxDelayMs = 10_000
	}
	if c.Retry.BackoffMultiplier == 0 {
		c.Retry.BackoffMultiplier = 2
	}
	if c.Cache.Memory.MaxEntries == 0 {
		c.Cache.Memory.MaxEntries = 500
	}
	if c.Cache.Memory.TTLMs == 0 {
		c.Cache.Memory.TTLMs = int(time.Hour / time.Millisecond)
	}
	if c.Cache.Durable.Path == "" {
		c.Cache.Durable.Path = "relay-cache.db"
	}
	if c.Cache.Durable.MaxEntries == 0 {
		c.Cache.Durable.MaxEntries = 10_000
	}
	if c.Cache.Durable.TTLMs == 0 {
		c.Cache.Durable.TTLMs = int(7 * 24 * time.Hour / time.Millisecond)
	}
	if c.Cache.Distributed.TTLMs == 0 {
		c.Cache.Distributed.TTLMs = int(14 * 24 * time.Hour / time.Millisecond)
	}
	if c.Cache.Similarity.Algorithm == "" {
		c.Cache.Similarity.Algorithm = "cosine"
	}
	if c.Cache.Similarity.Threshold == 0 {
		c.Cache.Similarity.Threshold = 0.85
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = "relay-ledger.db"
	}
	if c.Ledger.RetentionDays == 0 {
		c.Ledger.RetentionDays = 90
	}
	if c.Ledger.Budgets.AlertThreshold == 0 {
		c.Ledger.Budgets.AlertThreshold = 0.8
	}
	if c.HealthCheck.IntervalMs == 0 {
		c.HealthCheck.IntervalMs = 30_000
	}
	if c.HealthCheck.TimeoutMs == 0 {
		c.HealthCheck.TimeoutMs = 5000
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

var validStrategies = map[string]bool{
	"cost-based":    true,
	"latency-based": true,
	"quality-based": true,
	"round-robin":   true,
	"weighted":      true,
}

var validSimilarityAlgorithms = map[string]bool{
	"cosine":      true,
	"jaccard":     true,
	"levenshtein": true,
}

// Validate checks cross-field constraints that defaults cannot fix.
func (c *Config) Validate() error {
	if !validStrategies[c.Strategy] {
		return fmt.Errorf("unknown routing strategy %q", c.Strategy)
	}
	if c.Cache.Similarity.Threshold < 0 || c.Cache.Similarity.Threshold > 1 {
		return fmt.Errorf("similarity threshold %v out of range [0,1]", c.Cache.Similarity.Threshold)
	}
	if !validSimilarityAlgorithms[c.Cache.Similarity.Algorithm] {
		return fmt.Errorf("unknown similarity algorithm %q", c.Cache.Similarity.Algorithm)
	}
	if c.Ledger.Budgets.AlertThreshold <= 0 || c.Ledger.Budgets.AlertThreshold >= 1 {
		return fmt.Errorf("budget alert threshold %v out of range (0,1)", c.Ledger.Budgets.AlertThreshold)
	}
	for name, p := range c.Providers {
		if p.MaxConcurrent < 0 {
			return fmt.Errorf("provider %q: negative maxConcurrent", name)
		}
		if p.Weight < 0 {
			return fmt.Errorf("provider %q: negative weight", name)
		}
	}
	if c.Cache.Distributed.Enabled && c.Cache.Distributed.Endpoint == "" {
		return fmt.Errorf("distributed cache enabled without an endpoint")
	}
	return nil
}
