// Package openai implements the provider adapter for OpenAI-style chat
// completion APIs.
package openai

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

const defaultBaseURL = "https://api.openai.com"

// Config configures the OpenAI adapter.
type Config struct {
	Name    string // provider name as registered with the router
	APIKey  string
	BaseURL string
	// Models overrides the default model table (model id -> context window).
	Models map[string]int
	Client *http.Client
}

// Adapter talks to the OpenAI chat completions API.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
	desc    adapter.Description
}

// New creates an OpenAI adapter.
func New(cfg Config) *Adapter {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 5 * time.Minute}
	}
	if len(cfg.Models) == 0 {
		cfg.Models = map[string]int{
			"gpt-4o":      128_000,
			"gpt-4o-mini": 128_000,
			"o3-mini":     200_000,
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
				adapter.CapJSON,
			),
		},
	}
}

// Describe implements adapter.Adapter.
func (a *Adapter) Describe() adapter.Description { return a.desc }

func (a *Adapter) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.apiKey}
}

func (a *Adapter) payload(req adapter.Request, stream bool) map[string]any {
	messages := make([]map[string]string, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = map[string]string{"role": m.Role, "content": m.Content}
	}
	p := map[string]any{
		"model":    req.Model,
		"messages": messages,
	}
	if req.Temperature != nil {
		p["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		p["max_tokens"] = req.MaxTokens
	}
	if stream {
		p["stream"] = true
		p["stream_options"] = map[string]any{"include_usage": true}
	}
	return p
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage apiUsage `json:"usage"`
}

type apiUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	PromptTokensDetails struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
	CompletionTokensDetails struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

func (u apiUsage) toUsage() adapter.Usage {
	return adapter.Usage{
		InputTokens:       u.PromptTokens,
		OutputTokens:      u.CompletionTokens,
		ReasoningTokens:   u.CompletionTokensDetails.ReasoningTokens,
		CachedInputTokens: u.PromptTokensDetails.CachedTokens,
	}
}

// Execute implements adapter.Adapter.
func (a *Adapter) Execute(ctx context.Context, req adapter.Request) (*adapter.Response, error) {
	body, err := adapter.DoRequest(ctx, a.client, a.baseURL+"/v1/chat/completions", a.payload(req, false), a.headers())
	if err != nil {
		return nil, err
	}

	var cr completionResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, fmt.Errorf("decode completion response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("completion response has no choices")
	}
	return &adapter.Response{
		Content:      cr.Choices[0].Message.Content,
		Usage:        cr.Usage.toUsage(),
		FinishReason: cr.Choices[0].FinishReason,
	}, nil
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *apiUsage `json:"usage"`
}

// ExecuteStream implements adapter.Adapter. Fragments are pushed as SSE
// chunks arrive; the returned response carries the assembled content and the
// final usage block.
func (a *Adapter) ExecuteStream(ctx context.Context, req adapter.Request, sink adapter.Sink) (*adapter.Response, error) {
	stream, err := adapter.DoStreamRequest(ctx, a.client, a.baseURL+"/v1/chat/completions", a.payload(req, true), a.headers())
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
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Usage != nil {
			resp.Usage = chunk.Usage.toUsage()
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if err := sink.Send(adapter.Fragment{Kind: adapter.FragmentText, Text: choice.Delta.Content}); err != nil {
				return nil, err
			}
		}
		if choice.FinishReason != "" {
			resp.FinishReason = choice.FinishReason
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
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

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
