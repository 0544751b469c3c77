// Package ports defines the boundary contracts between the agent core and
// its providers: LLM completion, tool execution, embeddings, and knowledge
// retrieval. The core depends only on these interfaces.
package ports

import "context"

// LLMClient represents any LLM provider.
type LLMClient interface {
	// StreamComplete sends messages and streams the response through the
	// callbacks, returning the assembled final response.
	StreamComplete(ctx context.Context, req CompletionRequest, callbacks CompletionStreamCallbacks) (*CompletionResponse, error)

	// Model returns the model identifier.
	Model() string
}

// CompletionRequest contains all parameters for LLM completion.
type CompletionRequest struct {
	Messages      []Message        `json:"messages"`
	Tools         []ToolDefinition `json:"tools,omitempty"`
	Temperature   float64          `json:"temperature,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	TopP          float64          `json:"top_p,omitempty"`
	StopSequences []string         `json:"stop,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
}

// CompletionResponse is the LLM's response.
type CompletionResponse struct {
	Content    string         `json:"content"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	StopReason string         `json:"stop_reason"`
	Usage      TokenUsage     `json:"usage"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ContentDelta is a streamed assistant content fragment.
type ContentDelta struct {
	Delta string
	Final bool
}

// ToolCallDelta is a streamed tool-call fragment: the call id and name
// arrive first, argument JSON accretes across deltas.
type ToolCallDelta struct {
	Index         int
	ID            string
	Name          string
	ArgumentsJSON string
}

// CompletionStreamCallbacks captures optional hooks invoked while streaming
// an LLM response. All callbacks are optional; nil functions are ignored.
type CompletionStreamCallbacks struct {
	OnContentDelta  func(ContentDelta)
	OnToolCallDelta func(ToolCallDelta)
}

// Message represents a conversation message.
type Message struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Embedder turns text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// KnowledgeDocument is one retrieved knowledge-base document.
type KnowledgeDocument struct {
	ID         string            `json:"id"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Similarity float32           `json:"similarity"`
}

// KnowledgeRetriever serves RAG queries against an external corpus.
type KnowledgeRetriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]KnowledgeDocument, error)
}
