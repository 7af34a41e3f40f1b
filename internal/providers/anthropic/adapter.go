// Package anthropic implements the provider adapter for the Anthropic
// Messages API.
package anthropic

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/llmrelay/relay/internal/adapter"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"

	// The Messages API requires max_tokens; used when the request sets none.
	defaultMaxTokens = 4096

	thinkingBudgetTokens = 10_000
)

// Config configures the Anthropic adapter.
type Config struct {
	Name    string
	APIKey  string
	BaseURL string
	Models  map[string]int
	Client  *http.Client
}

// Adapter talks to the Anthropic Messages API.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
	desc    adapter.Description
}

// New creates an Anthropic adapter.
func New(cfg Config) *Adapter {
	if cfg.Name == "" {
		cfg.Name = "anthropic"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 5 * time.Minute}
	}
	if len(cfg.Models) == 0 {
		cfg.Models = map[string]int{
			"claude-3-5-sonnet": 200_000,
			"claude-3-5-haiku":  200_000,
		}
	}

	models := make(map[string]adapter.ModelSpec, len(cfg.Models))
	for id, ctx := range cfg.Models {
		models[id] = adapter.ModelSpec{ID: id, MaxContextTokens: ctx}
	}
	return &Adapter{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  cfg.Client,
		desc: adapter.Description{
			Name:   cfg.Name,
			Models: models,
			Capabilities: adapter.NewCapabilitySet(
				adapter.CapChat,
				adapter.CapVision,
				adapter.CapTools,
				adapter.CapThinking,
				adapter.CapCaching,
			),
		},
	}
}

// Describe implements adapter.Adapter.
func (a *Adapter) Describe() adapter.Description { return a.desc }

func (a *Adapter) headers() map[string]string {
	return map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": apiVersion,
	}
}

func (a *Adapter) payload(req adapter.Request, stream bool) map[string]any {
	// The Messages API takes the system prompt as a top-level field.
	var system string
	messages := make([]map[string]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	p := map[string]any{
		"model":      req.Model,
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	if system != "" {
		p["system"] = system
	}
	if req.Temperature != nil {
		p["temperature"] = *req.Temperature
	}
	if req.Thinking {
		p["thinking"] = map[string]any{"type": "enabled", "budget_tokens": thinkingBudgetTokens}
	}
	if stream {
		p["stream"] = true
	}
	return p
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string   `json:"stop_reason"`
	Usage      apiUsage `json:"usage"`
}

type apiUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

func (u apiUsage) toUsage() adapter.Usage {
	return adapter.Usage{
		InputTokens:       u.InputTokens + u.CacheCreationInputTokens,
		OutputTokens:      u.OutputTokens,
		CachedInputTokens: u.CacheReadInputTokens,
	}
}

// Execute implements adapter.Adapter.
func (a *Adapter) Execute(ctx context.Context, req adapter.Request) (*adapter.Response, error) {
	body, err := adapter.DoRequest(ctx, a.client, a.baseURL+"/v1/messages", a.payload(req, false), a.headers())
	if err != nil {
		return nil, err
	}

	var mr messagesResponse
	if err := json.Unmarshal(body, &mr); err != nil {
		return nil, fmt.Errorf("decode messages response: %w", err)
	}

	var content strings.Builder
	for _, block := range mr.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	return &adapter.Response{
		Content:      content.String(),
		Usage:        mr.Usage.toUsage(),
		FinishReason: mr.StopReason,
	}, nil
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		Thinking   string `json:"thinking"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Message struct {
		Usage apiUsage `json:"usage"`
	} `json:"message"`
	Usage apiUsage `json:"usage"`
}

// ExecuteStream implements adapter.Adapter.
func (a *Adapter) ExecuteStream(ctx context.Context, req adapter.Request, sink adapter.Sink) (*adapter.Response, error) {
	stream, err := adapter.DoStreamRequest(ctx, a.client, a.baseURL+"/v1/messages", a.payload(req, true), a.headers())
	if err != nil {
		return nil, err
	}
	defer func() { _ = stream.Close() }()

	resp := &adapter.Response{}
	var content strings.Builder

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			return nil, fmt.Errorf("decode stream event: %w", err)
		}

		switch ev.Type {
		case "message_start":
			resp.Usage = ev.Message.Usage.toUsage()
		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				content.WriteString(ev.Delta.Text)
				if err := sink.Send(adapter.Fragment{Kind: adapter.FragmentText, Text: ev.Delta.Text}); err != nil {
					return nil, err
				}
			case "thinking_delta":
				if err := sink.Send(adapter.Fragment{Kind: adapter.FragmentReasoning, Text: ev.Delta.Thinking}); err != nil {
					return nil, err
				}
			}
		case "message_delta":
			if ev.Delta.StopReason != "" {
				resp.FinishReason = ev.Delta.StopReason
			}
			if ev.Usage.OutputTokens > 0 {
				resp.Usage.OutputTokens = ev.Usage.OutputTokens
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	if err := sink.Send(adapter.Fragment{Kind: adapter.FragmentFinish}); err != nil {
		return nil, err
	}

	resp.Content = content.String()
	return resp, nil
}

// Health implements adapter.Adapter with a GET against the models listing.
func (a *Adapter) Health(ctx context.Context) adapter.HealthStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/models", nil)
	if err != nil {
		return adapter.HealthStatus{Healthy: false, Detail: err.Error()}
	}
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return adapter.HealthStatus{Healthy: false, Detail: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	status := adapter.HealthStatus{
		Healthy:   resp.StatusCode == http.StatusOK,
		LatencyMs: float64(time.Since(start).Milliseconds()),
	}
	if !status.Healthy {
		status.Detail = fmt.Sprintf("models endpoint returned %d", resp.StatusCode)
	}
	return status
}
