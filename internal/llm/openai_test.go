package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weave/internal/agent/ports"
	weaveerrors "weave/internal/errors"
)

func sseServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(server.Close)
	return server
}

func TestOpenAIStreamAssemblesContent(t *testing.T) {
	server := sseServer(t,
		`{"choices":[{"delta":{"content":"Hello"}}]}`,
		`{"choices":[{"delta":{"content":" world"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":2,"total_tokens":14}}`,
	)
	client, err := NewOpenAIClient("test-model", ProviderConfig{BaseURL: server.URL + "/v1"})
	require.NoError(t, err)

	var deltas []string
	resp, err := client.StreamComplete(context.Background(), ports.CompletionRequest{
		Messages: []ports.Message{{Role: "user", Content: "hi"}},
	}, ports.CompletionStreamCallbacks{
		OnContentDelta: func(delta ports.ContentDelta) {
			if !delta.Final {
				deltas = append(deltas, delta.Delta)
			}
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", resp.Content)
	assert.Equal(t, []string{"Hello", " world"}, deltas)
	assert.Equal(t, "stop", resp.StopReason)
	assert.Equal(t, 14, resp.Usage.TotalTokens)
}

func TestOpenAIStreamAccumulatesToolCalls(t *testing.T) {
	server := sseServer(t,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"read_file","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"path\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"main.go\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	)
	client, err := NewOpenAIClient("test-model", ProviderConfig{BaseURL: server.URL + "/v1"})
	require.NoError(t, err)

	resp, err := client.StreamComplete(context.Background(), ports.CompletionRequest{
		Messages: []ports.Message{{Role: "user", Content: "read it"}},
	}, ports.CompletionStreamCallbacks{})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "read_file", resp.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"path": "main.go"}, resp.ToolCalls[0].Arguments)
	assert.Equal(t, "tool_calls", resp.StopReason)
}

func TestOpenAIRateLimitIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	t.Cleanup(server.Close)

	client, err := NewOpenAIClient("test-model", ProviderConfig{BaseURL: server.URL + "/v1"})
	require.NoError(t, err)

	_, err = client.StreamComplete(context.Background(), ports.CompletionRequest{
		Messages: []ports.Message{{Role: "user", Content: "hi"}},
	}, ports.CompletionStreamCallbacks{})
	require.Error(t, err)
	assert.True(t, weaveerrors.IsTransient(err))
}

func TestOpenAIAuthFailureIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
	}))
	t.Cleanup(server.Close)

	client, err := NewOpenAIClient("test-model", ProviderConfig{BaseURL: server.URL + "/v1"})
	require.NoError(t, err)

	_, err = client.StreamComplete(context.Background(), ports.CompletionRequest{
		Messages: []ports.Message{{Role: "user", Content: "hi"}},
	}, ports.CompletionStreamCallbacks{})
	require.Error(t, err)
	assert.True(t, weaveerrors.IsPermanent(err))
}

func TestParseArgumentsRepairsJSON(t *testing.T) {
	assert.Equal(t, map[string]any{"a": "b"}, parseArguments(`{"a":"b"}`))
	assert.Equal(t, map[string]any{"a": "b"}, parseArguments(`{"a":"b",}`))
	assert.Empty(t, parseArguments(""))
}
