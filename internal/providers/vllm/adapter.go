// Package vllm implements the provider adapter for self-hosted vLLM servers,
// which expose an OpenAI-compatible chat completions API.
package vllm

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

// Config configures the vLLM adapter. BaseURL is required; a vLLM server has
// no default public endpoint.
type Config struct {
	Name    string
	BaseURL string
	APIKey  string // optional, sent as a bearer token when set
	Models  map[string]int
	Client  *http.Client
}

// Adapter talks to a vLLM server's OpenAI-compatible API.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
	desc    adapter.Description
}

// New creates a vLLM adapter.
func New(cfg Config) *Adapter {
	if cfg.Name == "" {
		cfg.Name = "vllm"
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 5 * time.Minute}
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
			Name:         cfg.Name,
			Models:       models,
			Capabilities: adapter.NewCapabilitySet(adapter.CapChat, adapter.CapJSON),
		},
	}
}

// Describe implements adapter.Adapter.
func (a *Adapter) Describe() adapter.Description { return a.desc }

func (a *Adapter) headers() map[string]string {
	if a.apiKey == "" {
		return nil
	}
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
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
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
		Content: cr.Choices[0].Message.Content,
		Usage: adapter.Usage{
			InputTokens:  cr.Usage.PromptTokens,
			OutputTokens: cr.Usage.CompletionTokens,
		},
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
}

// ExecuteStream implements adapter.Adapter.
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

// Health implements adapter.Adapter against vLLM's /health endpoint.
func (a *Adapter) Health(ctx context.Context) adapter.HealthStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/health", nil)
	if err != nil {
		return adapter.HealthStatus{Healthy: false, Detail: err.Error()}
	}

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
		status.Detail = fmt.Sprintf("health endpoint returned %d", resp.StatusCode)
	}
	return status
}
