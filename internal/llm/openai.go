package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"weave/internal/agent/ports"
	weaveerrors "weave/internal/errors"
	"weave/internal/logging"
)

// ProviderConfig configures an OpenAI-compatible provider endpoint.
type ProviderConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Headers map[string]string
}

// openaiClient speaks the OpenAI-compatible chat completions API with
// streaming enabled.
type openaiClient struct {
	model      string
	apiKey     string
	baseURL    string
	headers    map[string]string
	httpClient *http.Client
	logger     *logging.Logger
}

var _ ports.LLMClient = (*openaiClient)(nil)

// NewOpenAIClient builds a streaming client for any OpenAI-compatible
// endpoint.
func NewOpenAIClient(model string, config ProviderConfig) (ports.LLMClient, error) {
	if model == "" {
		return nil, fmt.Errorf("llm: model is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &openaiClient{
		model:      model,
		apiKey:     config.APIKey,
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		headers:    config.Headers,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.ForComponent("llm.openai"),
	}, nil
}

func (c *openaiClient) Model() string { return c.model }

// StreamComplete sends the request with stream=true and folds the SSE
// chunks into one response, forwarding deltas through the callbacks.
func (c *openaiClient) StreamComplete(ctx context.Context, req ports.CompletionRequest, callbacks ports.CompletionStreamCallbacks) (*ports.CompletionResponse, error) {
	payload := map[string]any{
		"model":          c.model,
		"messages":       convertMessages(req.Messages),
		"stream":         true,
		"stream_options": map[string]any{"include_usage": true},
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		payload["tools"] = convertTools(req.Tools)
		payload["tool_choice"] = "auto"
	}
	if len(req.StopSequences) > 0 {
		payload["stop"] = req.StopSequences
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for key, value := range c.headers {
		httpReq.Header.Set(key, value)
	}

	c.logger.Debug("POST %s/chat/completions model=%s messages=%d tools=%d",
		c.baseURL, c.model, len(req.Messages), len(req.Tools))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, weaveerrors.NewTransient(err, "llm request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, mapHTTPError(resp.StatusCode, errBody)
	}

	return c.consumeStream(resp.Body, callbacks)
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type toolAccumulator struct {
	id        string
	name      string
	arguments strings.Builder
}

func (c *openaiClient) consumeStream(body io.Reader, callbacks ports.CompletionStreamCallbacks) (*ports.CompletionResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	var content strings.Builder
	usage := ports.TokenUsage{}
	finishReason := ""
	accumulators := make(map[int]*toolAccumulator)
	var order []int

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Debug("Skipping malformed stream chunk: %v", err)
			continue
		}
		if chunk.Usage != nil {
			usage = ports.TokenUsage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		for _, choice := range chunk.Choices {
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finishReason = *choice.FinishReason
			}
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				if callbacks.OnContentDelta != nil {
					callbacks.OnContentDelta(ports.ContentDelta{Delta: choice.Delta.Content})
				}
			}
			for _, delta := range choice.Delta.ToolCalls {
				acc, ok := accumulators[delta.Index]
				if !ok {
					acc = &toolAccumulator{}
					accumulators[delta.Index] = acc
					order = append(order, delta.Index)
				}
				if delta.ID != "" {
					acc.id = delta.ID
				}
				if delta.Function.Name != "" {
					acc.name = delta.Function.Name
				}
				acc.arguments.WriteString(delta.Function.Arguments)
				if callbacks.OnToolCallDelta != nil {
					callbacks.OnToolCallDelta(ports.ToolCallDelta{
						Index:         delta.Index,
						ID:            delta.ID,
						Name:          delta.Function.Name,
						ArgumentsJSON: delta.Function.Arguments,
					})
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, weaveerrors.NewTransient(err, "llm stream interrupted")
	}
	if callbacks.OnContentDelta != nil && content.Len() > 0 {
		callbacks.OnContentDelta(ports.ContentDelta{Final: true})
	}

	toolCalls := make([]ports.ToolCall, 0, len(order))
	for _, index := range order {
		acc := accumulators[index]
		toolCalls = append(toolCalls, ports.ToolCall{
			ID:        acc.id,
			Name:      acc.name,
			Arguments: parseArguments(acc.arguments.String()),
		})
	}

	if finishReason == "" {
		finishReason = "stop"
		if len(toolCalls) > 0 {
			finishReason = "tool_calls"
		}
	}
	return &ports.CompletionResponse{
		Content:    content.String(),
		ToolCalls:  toolCalls,
		StopReason: finishReason,
		Usage:      usage,
	}, nil
}

// parseArguments decodes accumulated tool arguments, repairing malformed
// JSON before giving up on an empty map.
func parseArguments(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err == nil {
		if err := json.Unmarshal([]byte(repaired), &args); err == nil {
			return args
		}
	}
	return map[string]any{}
}

func convertMessages(messages []ports.Message) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		converted := map[string]any{
			"role":    message.Role,
			"content": message.Content,
		}
		if message.ToolCallID != "" {
			converted["tool_call_id"] = message.ToolCallID
		}
		if len(message.ToolCalls) > 0 {
			calls := make([]map[string]any, 0, len(message.ToolCalls))
			for _, call := range message.ToolCalls {
				arguments, _ := json.Marshal(call.Arguments)
				calls = append(calls, map[string]any{
					"id":   call.ID,
					"type": "function",
					"function": map[string]any{
						"name":      call.Name,
						"arguments": string(arguments),
					},
				})
			}
			converted["tool_calls"] = calls
		}
		out = append(out, converted)
	}
	return out
}

func convertTools(tools []ports.ToolDefinition) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  tool.Parameters,
			},
		})
	}
	return out
}

// mapHTTPError classifies provider HTTP failures: rate limits and server
// errors retry, auth and request errors do not.
func mapHTTPError(status int, body []byte) error {
	message := strings.TrimSpace(string(body))
	if message == "" {
		message = http.StatusText(status)
	}
	err := fmt.Errorf("llm provider returned %d: %s", status, message)
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return weaveerrors.NewTransient(err, "llm provider is overloaded, retrying")
	default:
		return weaveerrors.NewPermanent(err, fmt.Sprintf("llm provider rejected the request (%d)", status))
	}
}
