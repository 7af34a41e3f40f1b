package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmrelay/relay/config"
	"github.com/llmrelay/relay/internal/adapter"
	"github.com/llmrelay/relay/internal/router"
)

// stubAdapter is a canned backend for core assembly tests.
type stubAdapter struct {
	name  string
	calls atomic.Int64
}

func (s *stubAdapter) Describe() adapter.Description {
	return adapter.Description{
		Name: s.name,
		Models: map[string]adapter.ModelSpec{
			"m1": {ID: "m1", MaxContextTokens: 128000},
		},
		Capabilities: adapter.NewCapabilitySet(adapter.CapChat),
	}
}

func (s *stubAdapter) Execute(ctx context.Context, req adapter.Request) (*adapter.Response, error) {
	s.calls.Add(1)
	return &adapter.Response{
		Content:      "hello from " + s.name,
		Usage:        adapter.Usage{InputTokens: 10, OutputTokens: 5},
		FinishReason: "stop",
	}, nil
}

func (s *stubAdapter) ExecuteStream(ctx context.Context, req adapter.Request, sink adapter.Sink) (*adapter.Response, error) {
	s.calls.Add(1)
	if err := sink.Send(adapter.Fragment{Kind: adapter.FragmentText, Text: "hello"}); err != nil {
		return nil, err
	}
	if err := sink.Send(adapter.Fragment{Kind: adapter.FragmentFinish}); err != nil {
		return nil, err
	}
	return &adapter.Response{Content: "hello", Usage: adapter.Usage{InputTokens: 10, OutputTokens: 2}}, nil
}

func (s *stubAdapter) Health(ctx context.Context) adapter.HealthStatus {
	return adapter.HealthStatus{Healthy: true}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Cache.Durable.Path = filepath.Join(dir, "cache.db")
	cfg.Ledger.Path = filepath.Join(dir, "ledger.db")
	cfg.Providers = map[string]config.ProviderConfig{
		"stub": {Enabled: true, Weight: 1, MaxConcurrent: 4, Type: "stub"},
	}
	return cfg
}

func newTestCore(t *testing.T) (*Core, *stubAdapter) {
	t.Helper()
	stub := &stubAdapter{name: "stub"}
	core, err := New(testConfig(t), WithAdapterFactory(func(name string, pc config.ProviderConfig) (adapter.Adapter, error) {
		return stub, nil
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = core.Close() })
	return core, stub
}

func TestNewAndDispatch(t *testing.T) {
	core, stub := newTestCore(t)

	resp, err := core.Dispatch(context.Background(), &router.Request{
		Request: adapter.Request{
			Model:    "m1",
			Messages: []adapter.Message{{Role: "user", Content: "hi"}},
		},
		RequestID: "r1",
	})
	require.NoError(t, err)
	assert.Equal(t, "stub", resp.Provider)
	assert.Equal(t, "hello from stub", resp.Content)
	assert.Equal(t, int64(1), stub.calls.Load())
}

func TestDispatchStream(t *testing.T) {
	core, _ := newTestCore(t)

	var got []string
	sink := adapter.SinkFunc(func(f adapter.Fragment) error {
		if f.Kind == adapter.FragmentText {
			got = append(got, f.Text)
		}
		return nil
	})
	resp, err := core.DispatchStream(context.Background(), &router.Request{
		Request: adapter.Request{
			Model:    "m1",
			Messages: []adapter.Message{{Role: "user", Content: "hi"}},
		},
		RequestID: "r1",
	}, sink)
	require.NoError(t, err)
	assert.Equal(t, "hello", strings.Join(got, ""))
	assert.Equal(t, "stub", resp.Provider)
}

func TestSecondDispatchServedFromCache(t *testing.T) {
	core, stub := newTestCore(t)

	req := func() *router.Request {
		return &router.Request{
			Request: adapter.Request{
				Model:    "m1",
				Messages: []adapter.Message{{Role: "user", Content: "cache me"}},
			},
		}
	}
	_, err := core.Dispatch(context.Background(), req())
	require.NoError(t, err)
	resp, err := core.Dispatch(context.Background(), req())
	require.NoError(t, err)
	assert.True(t, resp.Cached)
	assert.Equal(t, int64(1), stub.calls.Load())
}

func TestHandlerServes(t *testing.T) {
	core, _ := newTestCore(t)

	srv := httptest.NewServer(core.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewRejectsUnknownProviderType(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers = map[string]config.ProviderConfig{
		"weird": {Enabled: true, Type: "telepathy"},
	}
	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider type")
}

func TestNewRejectsBadStrategy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Strategy = "vibes"
	_, err := New(cfg)
	require.Error(t, err)
}

func TestStartStopIdempotent(t *testing.T) {
	core, _ := newTestCore(t)
	core.Start()
	core.Start()
	require.NoError(t, core.Close())
}
