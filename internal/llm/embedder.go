package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"weave/internal/agent/ports"
	weaveerrors "weave/internal/errors"
	"weave/internal/logging"
)

const defaultEmbeddingDimensions = 1536

// openaiEmbedder calls the OpenAI-compatible embeddings endpoint.
type openaiEmbedder struct {
	model      string
	apiKey     string
	baseURL    string
	headers    map[string]string
	dimensions int
	httpClient *http.Client
	logger     *logging.Logger
}

var _ ports.Embedder = (*openaiEmbedder)(nil)

// NewOpenAIEmbedder builds an embedding client against the same provider
// surface as the chat client.
func NewOpenAIEmbedder(model string, config ProviderConfig) (ports.Embedder, error) {
	if model == "" {
		return nil, fmt.Errorf("llm: embedding model is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &openaiEmbedder{
		model:      model,
		apiKey:     config.APIKey,
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		headers:    config.Headers,
		dimensions: defaultEmbeddingDimensions,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.ForComponent("llm.embedder"),
	}, nil
}

func (e *openaiEmbedder) Dimensions() int { return e.dimensions }

func (e *openaiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]any{
		"model": e.model,
		"input": text,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	for key, value := range e.headers {
		req.Header.Set(key, value)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, weaveerrors.NewTransient(err, "embedding request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, mapHTTPError(resp.StatusCode, errBody)
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, weaveerrors.NewTransient(err, "embedding response truncated")
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("embedding response carried no vectors")
	}

	vector := parsed.Data[0].Embedding
	if len(vector) > 0 {
		e.dimensions = len(vector)
	}
	return vector, nil
}
