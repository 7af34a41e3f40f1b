package health

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/llmrelay/relay/internal/adapter"
)

// probeOnly implements adapter.Adapter with a scriptable Health probe. The
// execute paths are never reached by the prober.
type probeOnly struct {
	healthy atomic.Bool
	latency float64
	detail  string
	probes  atomic.Int64
}

func (p *probeOnly) Describe() adapter.Description {
	return adapter.Description{Name: "probe-only"}
}

func (p *probeOnly) Execute(context.Context, adapter.Request) (*adapter.Response, error) {
	panic("not reachable from the prober")
}

func (p *probeOnly) ExecuteStream(context.Context, adapter.Request, adapter.Sink) (*adapter.Response, error) {
	panic("not reachable from the prober")
}

func (p *probeOnly) Health(context.Context) adapter.HealthStatus {
	p.probes.Add(1)
	if p.healthy.Load() {
		return adapter.HealthStatus{Healthy: true, LatencyMs: p.latency}
	}
	return adapter.HealthStatus{Healthy: false, Detail: p.detail}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProberRecordsHealthy(t *testing.T) {
	target := &probeOnly{latency: 42}
	target.healthy.Store(true)

	tracker := NewTracker(DefaultTrackerConfig())
	p := NewProber(ProberConfig{Interval: 20 * time.Millisecond, ProbeTimeout: time.Second}, tracker, testLogger())
	p.AddTarget("alpha", target)
	p.Start()
	time.Sleep(50 * time.Millisecond)
	p.Stop()

	if target.probes.Load() < 2 {
		t.Errorf("expected at least 2 probes, got %d", target.probes.Load())
	}
	s := tracker.GetStats("alpha")
	if s.State != StateHealthy {
		t.Errorf("expected healthy, got %s", s.State)
	}
	if s.AvgLatencyMs != 42 {
		t.Errorf("expected probe-reported latency 42, got %v", s.AvgLatencyMs)
	}
}

func TestProberRecordsUnhealthy(t *testing.T) {
	target := &probeOnly{detail: "upstream 503"}

	tracker := NewTracker(TrackerConfig{
		ConsecErrorsForDegraded: 1,
		ConsecErrorsForDown:     2,
		CooldownDuration:        time.Minute,
	})
	p := NewProber(ProberConfig{Interval: 10 * time.Millisecond, ProbeTimeout: time.Second}, tracker, testLogger())
	p.AddTarget("alpha", target)
	p.Start()
	time.Sleep(50 * time.Millisecond)
	p.Stop()

	s := tracker.GetStats("alpha")
	if s.State != StateDown {
		t.Errorf("expected down after repeated failed probes, got %s", s.State)
	}
	if s.LastError != "upstream 503" {
		t.Errorf("expected probe detail recorded, got %q", s.LastError)
	}
}

func TestProberRecovery(t *testing.T) {
	target := &probeOnly{detail: "warming up"}

	tracker := NewTracker(TrackerConfig{
		ConsecErrorsForDegraded: 1,
		ConsecErrorsForDown:     2,
		CooldownDuration:        time.Minute,
	})
	p := NewProber(ProberConfig{Interval: 10 * time.Millisecond, ProbeTimeout: time.Second}, tracker, testLogger())
	p.AddTarget("alpha", target)
	p.Start()
	time.Sleep(30 * time.Millisecond)

	target.healthy.Store(true)
	time.Sleep(30 * time.Millisecond)
	p.Stop()

	s := tracker.GetStats("alpha")
	if s.State != StateHealthy {
		t.Errorf("expected recovery to healthy, got %s", s.State)
	}
	if !tracker.IsAvailable("alpha") {
		t.Error("recovered provider should be available")
	}
}

func TestProberRemoveTarget(t *testing.T) {
	target := &probeOnly{}
	target.healthy.Store(true)

	tracker := NewTracker(DefaultTrackerConfig())
	p := NewProber(ProberConfig{Interval: 10 * time.Millisecond, ProbeTimeout: time.Second}, tracker, testLogger())
	p.AddTarget("alpha", target)
	p.Start()
	time.Sleep(25 * time.Millisecond)

	p.RemoveTarget("alpha")
	time.Sleep(15 * time.Millisecond)
	before := target.probes.Load()
	time.Sleep(30 * time.Millisecond)
	p.Stop()

	if target.probes.Load() != before {
		t.Errorf("removed target was still probed: %d -> %d", before, target.probes.Load())
	}
}
