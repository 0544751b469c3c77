// Package llm provides LLM client implementations over the ports contract:
// a scripted client for tests and offline runs, and a retrying wrapper for
// real providers.
package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"weave/internal/agent/ports"
	"weave/internal/token"
)

// ScriptStep is one scripted completion: either content, tool calls, or an
// error to inject.
type ScriptStep struct {
	Content   string
	ToolCalls []ports.ToolCall
	Err       error
}

// ScriptedClient replays a fixed sequence of completions, streaming them
// chunk by chunk like a real provider. Once the script is exhausted every
// further call returns the last step again.
type ScriptedClient struct {
	mu       sync.Mutex
	model    string
	steps    []ScriptStep
	calls    int
	requests []ports.CompletionRequest
}

var _ ports.LLMClient = (*ScriptedClient)(nil)

// NewScriptedClient builds a client that replays the given steps in order.
func NewScriptedClient(model string, steps ...ScriptStep) *ScriptedClient {
	if model == "" {
		model = "scripted"
	}
	return &ScriptedClient{model: model, steps: steps}
}

// Model returns the scripted model identifier.
func (c *ScriptedClient) Model() string { return c.model }

// Calls reports how many completions have been requested.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Requests returns the recorded completion requests, in call order.
func (c *ScriptedClient) Requests() []ports.CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ports.CompletionRequest, len(c.requests))
	copy(out, c.requests)
	return out
}

// StreamComplete replays the next scripted step through the callbacks.
func (c *ScriptedClient) StreamComplete(ctx context.Context, req ports.CompletionRequest, callbacks ports.CompletionStreamCallbacks) (*ports.CompletionResponse, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	index := c.calls
	c.calls++
	if index >= len(c.steps) {
		index = len(c.steps) - 1
	}
	c.mu.Unlock()

	if index < 0 {
		return nil, fmt.Errorf("llm: empty script")
	}
	step := c.steps[index]
	if step.Err != nil {
		return nil, step.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if callbacks.OnContentDelta != nil && step.Content != "" {
		for _, word := range strings.SplitAfter(step.Content, " ") {
			callbacks.OnContentDelta(ports.ContentDelta{Delta: word})
		}
		callbacks.OnContentDelta(ports.ContentDelta{Final: true})
	}
	if callbacks.OnToolCallDelta != nil {
		for i, call := range step.ToolCalls {
			callbacks.OnToolCallDelta(ports.ToolCallDelta{
				Index: i,
				ID:    call.ID,
				Name:  call.Name,
			})
		}
	}

	stopReason := "stop"
	if len(step.ToolCalls) > 0 {
		stopReason = "tool_calls"
	}

	prompt := 0
	for _, message := range req.Messages {
		prompt += token.EstimateFast(message.Content)
	}
	completion := token.EstimateFast(step.Content)

	return &ports.CompletionResponse{
		Content:    step.Content,
		ToolCalls:  step.ToolCalls,
		StopReason: stopReason,
		Usage: ports.TokenUsage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}, nil
}
