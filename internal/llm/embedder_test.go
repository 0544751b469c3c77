package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	weaveerrors "weave/internal/errors"
)

func TestEmbedReturnsVector(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "embed-model", payload["model"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.1, 0.2, 0.3}}},
		})
	}))
	t.Cleanup(server.Close)

	embedder, err := NewOpenAIEmbedder("embed-model", ProviderConfig{BaseURL: server.URL + "/v1"})
	require.NoError(t, err)

	vector, err := embedder.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vector)
	assert.Equal(t, 3, embedder.Dimensions())
}

func TestEmbedServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	embedder, err := NewOpenAIEmbedder("embed-model", ProviderConfig{BaseURL: server.URL + "/v1"})
	require.NoError(t, err)

	_, err = embedder.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, weaveerrors.IsTransient(err))
}
