package adapter

import "github.com/goccy/go-json"

// Message is one turn of a structured prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the provider-neutral form of a completion request.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`

	// EnableTools and EnableGrounding ask the provider to activate tool
	// calling / retrieval grounding for this request. Adapters for
	// providers without the capability ignore them.
	EnableTools     bool `json:"enable_tools,omitempty"`
	EnableGrounding bool `json:"enable_grounding,omitempty"`

	// Thinking requests an extended-reasoning mode where supported.
	// Dispatch applies a longer per-attempt timeout when set.
	Thinking bool `json:"thinking,omitempty"`
}

// Usage carries the token counts a provider reports for a completed request.
type Usage struct {
	InputTokens       int `json:"input_tokens"`
	OutputTokens      int `json:"output_tokens"`
	ReasoningTokens   int `json:"reasoning_tokens,omitempty"`
	CachedInputTokens int `json:"cached_input_tokens,omitempty"`
}

// TotalTokens returns the sum of all reported token categories.
func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens + u.ReasoningTokens + u.CachedInputTokens
}

// Response is the provider-neutral result of a completion request.
type Response struct {
	Content      string `json:"content"`
	Usage        Usage  `json:"usage"`
	FinishReason string `json:"finish_reason,omitempty"`

	// NativeCostUSD is the cost reported by the provider itself, if any.
	// Zero means not supplied; the ledger then computes cost from the
	// pricing descriptor.
	NativeCostUSD float64 `json:"native_cost_usd,omitempty"`
}

// FragmentKind labels an incremental streaming fragment.
type FragmentKind string

const (
	FragmentText      FragmentKind = "text"
	FragmentReasoning FragmentKind = "reasoning"
	FragmentToolCall  FragmentKind = "tool-call"
	FragmentFinish    FragmentKind = "finish"
)

// Fragment is one incremental piece of a streaming response.
type Fragment struct {
	Kind FragmentKind `json:"kind"`
	// Text holds the delta for text and reasoning fragments.
	Text string `json:"text,omitempty"`
	// ToolCall holds the raw tool-call payload for tool-call fragments.
	ToolCall json.RawMessage `json:"tool_call,omitempty"`
}

// Sink receives streaming fragments in arrival order. A non-nil error from
// Send aborts the stream.
type Sink interface {
	Send(Fragment) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Fragment) error

// Send implements Sink.
func (f SinkFunc) Send(fr Fragment) error { return f(fr) }
