package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/llmrelay/relay/internal/adapter"
)

// ProberConfig configures the health check prober.
type ProberConfig struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}

// DefaultProberConfig returns sensible defaults.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// Prober periodically calls each adapter's Health probe and feeds results
// into the health Tracker. It runs independently of live dispatches; a probe
// failure never propagates into a request.
type Prober struct {
	cfg     ProberConfig
	tracker *Tracker
	logger  *slog.Logger
	stop    chan struct{}
	done    chan struct{}

	mu      sync.RWMutex
	targets map[string]adapter.Adapter // keyed by provider name
}

// NewProber creates a health check prober.
func NewProber(cfg ProberConfig, tracker *Tracker, logger *slog.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultProberConfig().Interval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProberConfig().ProbeTimeout
	}
	return &Prober{
		cfg:     cfg,
		tracker: tracker,
		targets: make(map[string]adapter.Adapter),
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// AddTarget registers a probe target. If a target with the same name already
// exists it is replaced. Safe to call while the prober is running.
func (p *Prober) AddTarget(name string, a adapter.Adapter) {
	p.mu.Lock()
	p.targets[name] = a
	p.mu.Unlock()
	p.logger.Info("health prober: added target", slog.String("provider", name))
}

// RemoveTarget removes a probe target by name. Safe to call while the prober
// is running.
func (p *Prober) RemoveTarget(name string) {
	p.mu.Lock()
	delete(p.targets, name)
	p.mu.Unlock()
	p.logger.Info("health prober: removed target", slog.String("provider", name))
}

// Start begins the periodic probe loop in a goroutine.
func (p *Prober) Start() {
	go p.run()
}

// Stop signals the prober to stop and waits for it to finish.
func (p *Prober) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Prober) run() {
	defer close(p.done)

	// Probe immediately on start.
	p.probeAll()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.probeAll()
		case <-p.stop:
			return
		}
	}
}

func (p *Prober) probeAll() {
	type probeTarget struct {
		name    string
		adapter adapter.Adapter
	}
	p.mu.RLock()
	snapshot := make([]probeTarget, 0, len(p.targets))
	for name, a := range p.targets {
		snapshot = append(snapshot, probeTarget{name: name, adapter: a})
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, t := range snapshot {
		wg.Add(1)
		go func(name string, a adapter.Adapter) {
			defer wg.Done()
			p.probe(name, a)
		}(t.name, t.adapter)
	}
	wg.Wait()
}

func (p *Prober) probe(name string, a adapter.Adapter) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	status := a.Health(ctx)
	latencyMs := float64(time.Since(start).Milliseconds())
	if status.LatencyMs > 0 {
		latencyMs = status.LatencyMs
	}

	if status.Healthy {
		p.tracker.RecordSuccess(name, latencyMs)
		p.logger.Debug("health probe ok",
			slog.String("provider", name),
			slog.Float64("latency_ms", latencyMs),
		)
		return
	}
	detail := status.Detail
	if detail == "" {
		detail = "probe failed"
	}
	p.tracker.RecordError(name, detail)
	p.logger.Warn("health probe unhealthy",
		slog.String("provider", name),
		slog.String("detail", detail),
	)
}
