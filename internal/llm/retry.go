package llm

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"weave/internal/agent/ports"
	weaveerrors "weave/internal/errors"
	"weave/internal/logging"
)

// retryClient wraps an LLM client with retry logic for transient provider
// failures. A request is retried only while nothing has been streamed yet;
// once deltas reached the caller, replaying would duplicate output, so the
// error is returned as-is.
type retryClient struct {
	underlying ports.LLMClient
	config     weaveerrors.RetryConfig
	logger     *logging.Logger
}

var _ ports.LLMClient = (*retryClient)(nil)

// NewRetryClient wraps the client with transient-error retries.
func NewRetryClient(client ports.LLMClient, config weaveerrors.RetryConfig) ports.LLMClient {
	return &retryClient{
		underlying: client,
		config:     config,
		logger:     logging.ForComponent("llm.retry"),
	}
}

func (c *retryClient) Model() string { return c.underlying.Model() }

func (c *retryClient) StreamComplete(ctx context.Context, req ports.CompletionRequest, callbacks ports.CompletionStreamCallbacks) (*ports.CompletionResponse, error) {
	var streamed atomic.Bool
	wrapped := ports.CompletionStreamCallbacks{
		OnContentDelta: func(delta ports.ContentDelta) {
			streamed.Store(true)
			if callbacks.OnContentDelta != nil {
				callbacks.OnContentDelta(delta)
			}
		},
		OnToolCallDelta: func(delta ports.ToolCallDelta) {
			streamed.Store(true)
			if callbacks.OnToolCallDelta != nil {
				callbacks.OnToolCallDelta(delta)
			}
		},
	}

	start := time.Now()
	resp, err := weaveerrors.RetryWithResult(ctx, c.config, func(ctx context.Context) (*ports.CompletionResponse, error) {
		response, callErr := c.underlying.StreamComplete(ctx, req, wrapped)
		if callErr != nil {
			if streamed.Load() {
				// Mid-stream failure: do not replay.
				return nil, weaveerrors.NewPermanent(callErr, "stream interrupted")
			}
			return nil, classifyLLMError(callErr)
		}
		return response, nil
	})
	if err != nil {
		c.logger.Warn("LLM request failed after %v: %v", time.Since(start), err)
		return nil, err
	}
	return resp, nil
}

// classifyLLMError maps provider errors onto the retry taxonomy. Rate
// limits, timeouts, and 5xx-flavored messages are transient; everything
// else is permanent.
func classifyLLMError(err error) error {
	if weaveerrors.IsTransient(err) || weaveerrors.IsPermanent(err) {
		return err
	}
	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "rate limit"),
		strings.Contains(message, "429"),
		strings.Contains(message, "timeout"),
		strings.Contains(message, "deadline exceeded"),
		strings.Contains(message, "connection"),
		strings.Contains(message, "overloaded"),
		strings.Contains(message, "503"),
		strings.Contains(message, "502"):
		return weaveerrors.NewTransient(err, "llm provider error")
	default:
		return weaveerrors.NewPermanent(err, "llm provider error")
	}
}
