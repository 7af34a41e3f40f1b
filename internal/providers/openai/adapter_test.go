package openai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"

	"github.com/llmrelay/relay/internal/adapter"
)

func chatRequest() adapter.Request {
	return adapter.Request{
		Model:    "gpt-4o",
		Messages: []adapter.Message{{Role: "user", Content: "hello"}},
	}
}

func TestExecute(t *testing.T) {
	var gotAuth string
	var gotPayload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotPayload)
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": "hi there"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 4,
				"prompt_tokens_details": {"cached_tokens": 3},
				"completion_tokens_details": {"reasoning_tokens": 0}}
		}`))
	}))
	defer server.Close()

	a := New(Config{APIKey: "sk-test", BaseURL: server.URL})
	resp, err := a.Execute(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Content != "hi there" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 4 || resp.Usage.CachedInputTokens != 3 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("unexpected finish reason %q", resp.FinishReason)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("unexpected auth header %q", gotAuth)
	}
	if gotPayload["model"] != "gpt-4o" {
		t.Errorf("unexpected model in payload: %v", gotPayload["model"])
	}
}

func TestExecuteRateLimitClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"type": "rate_limit_exceeded"}}`))
	}))
	defer server.Close()

	a := New(Config{APIKey: "sk-test", BaseURL: server.URL})
	_, err := a.Execute(context.Background(), chatRequest())
	if err == nil {
		t.Fatal("expected error")
	}

	ce := adapter.Classify(err)
	if ce.Class != adapter.ErrRateLimited {
		t.Errorf("expected rate_limited, got %s", ce.Class)
	}
	if ce.RetryAfter != 7 {
		t.Errorf("expected retry-after 7, got %d", ce.RetryAfter)
	}
}

func TestExecuteServerErrorClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	a := New(Config{APIKey: "sk-test", BaseURL: server.URL})
	_, err := a.Execute(context.Background(), chatRequest())
	if err == nil {
		t.Fatal("expected error")
	}

	var se *adapter.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %T", err)
	}
	if got := adapter.Classify(err).Class; got != adapter.ErrUnavailable {
		t.Errorf("expected unavailable, got %s", got)
	}
}

func TestExecuteStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`data: {"choices": [{"delta": {"content": "hel"}}]}`,
			``,
			`data: {"choices": [{"delta": {"content": "lo"}, "finish_reason": "stop"}]}`,
			``,
			`data: {"choices": [], "usage": {"prompt_tokens": 5, "completion_tokens": 2}}`,
			``,
			`data: [DONE]`,
		}
		for _, c := range chunks {
			_, _ = w.Write([]byte(c + "\n"))
		}
	}))
	defer server.Close()

	a := New(Config{APIKey: "sk-test", BaseURL: server.URL})

	var fragments []adapter.Fragment
	sink := adapter.SinkFunc(func(f adapter.Fragment) error {
		fragments = append(fragments, f)
		return nil
	})

	resp, err := a.ExecuteStream(context.Background(), chatRequest(), sink)
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("unexpected assembled content %q", resp.Content)
	}
	if resp.Usage.InputTokens != 5 || resp.Usage.OutputTokens != 2 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
	if len(fragments) != 3 {
		t.Fatalf("expected 2 text fragments + finish, got %d", len(fragments))
	}
	if fragments[2].Kind != adapter.FragmentFinish {
		t.Errorf("last fragment should be finish, got %s", fragments[2].Kind)
	}
}

func TestHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"data": []}`))
	}))
	defer server.Close()

	a := New(Config{APIKey: "sk-test", BaseURL: server.URL})
	status := a.Health(context.Background())
	if !status.Healthy {
		t.Errorf("expected healthy, got %+v", status)
	}
}

func TestDescribe(t *testing.T) {
	a := New(Config{Name: "openai-primary"})
	d := a.Describe()
	if d.Name != "openai-primary" {
		t.Errorf("unexpected name %q", d.Name)
	}
	if len(d.Models) == 0 {
		t.Error("expected a default model table")
	}
	if !d.Capabilities.Has(adapter.CapChat) || !d.Capabilities.Has(adapter.CapTools) {
		t.Error("expected chat and tools capabilities")
	}
}
