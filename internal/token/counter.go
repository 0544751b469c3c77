// Package token provides deterministic token counting backed by
// tiktoken-go. Counts are pure functions of (model, input); repeated counts
// are served from an LRU cache keyed by content hash.
package token

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkoukk/tiktoken-go"
)

// ErrUnknownModel is returned when a model has no registered tokenizer and
// the counter has no default encoding.
var ErrUnknownModel = errors.New("token: unknown model")

// DefaultEncoding is the encoding used for models without an explicit
// registration. cl100k_base covers the GPT-3.5/4 family and is a close
// approximation for Claude-family models.
const DefaultEncoding = "cl100k_base"

const (
	// perMessageOverhead accounts for the role/name framing tokens added
	// around every chat message (the cl100k chat format convention).
	perMessageOverhead = 4
	// replyPriming accounts for the assistant priming tokens appended once
	// per request.
	replyPriming = 3

	cacheSize = 4096
)

// Message is the minimal shape the counter needs from a chat message.
type Message struct {
	Role    string
	Content string
}

// Counter counts tokens for registered models.
type Counter struct {
	mu        sync.RWMutex
	encodings map[string]*tiktoken.Tiktoken
	fallback  *tiktoken.Tiktoken
	cache     *lru.Cache[uint64, int]
}

// NewCounter constructs a counter with DefaultEncoding as the fallback for
// unregistered models.
func NewCounter() (*Counter, error) {
	return NewCounterWithDefault(DefaultEncoding)
}

// NewCounterWithDefault constructs a counter using the named encoding as
// fallback. An empty name disables the fallback, making counts fail with
// ErrUnknownModel for unregistered models.
func NewCounterWithDefault(encodingName string) (*Counter, error) {
	cache, err := lru.New[uint64, int](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("token: create cache: %w", err)
	}

	c := &Counter{
		encodings: make(map[string]*tiktoken.Tiktoken),
		cache:     cache,
	}
	if encodingName != "" {
		enc, err := tiktoken.GetEncoding(encodingName)
		if err != nil {
			return nil, fmt.Errorf("token: load encoding %s: %w", encodingName, err)
		}
		c.fallback = enc
	}
	return c, nil
}

// RegisterModel binds a model name to a named tiktoken encoding.
func (c *Counter) RegisterModel(model, encodingName string) error {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return fmt.Errorf("token: load encoding %s: %w", encodingName, err)
	}

	c.mu.Lock()
	c.encodings[model] = enc
	c.mu.Unlock()
	return nil
}

// CountText returns the token count of text under the given model.
func (c *Counter) CountText(model, text string) (int, error) {
	enc, err := c.encodingFor(model)
	if err != nil {
		return 0, err
	}
	if text == "" {
		return 0, nil
	}

	key := cacheKey(model, text)
	if count, ok := c.cache.Get(key); ok {
		return count, nil
	}

	count := len(enc.Encode(text, nil, nil))
	c.cache.Add(key, count)
	return count, nil
}

// CountMessages returns the total token count of a chat message list,
// including per-message role overhead and reply priming.
func (c *Counter) CountMessages(model string, messages []Message) (int, error) {
	if _, err := c.encodingFor(model); err != nil {
		return 0, err
	}

	total := replyPriming
	for _, msg := range messages {
		total += perMessageOverhead
		roleTokens, err := c.CountText(model, msg.Role)
		if err != nil {
			return 0, err
		}
		contentTokens, err := c.CountText(model, msg.Content)
		if err != nil {
			return 0, err
		}
		total += roleTokens + contentTokens
	}
	return total, nil
}

func (c *Counter) encodingFor(model string) (*tiktoken.Tiktoken, error) {
	c.mu.RLock()
	enc, ok := c.encodings[model]
	c.mu.RUnlock()
	if ok {
		return enc, nil
	}
	if c.fallback != nil {
		return c.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownModel, model)
}

func cacheKey(model, text string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(model))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(text))
	return h.Sum64()
}

// EstimateFast returns a heuristic token estimate: max(runes/4, word count).
// Used in hot paths where exact counts are unnecessary.
func EstimateFast(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / 4
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// TruncateToTokens truncates text to approximately maxTokens under the
// given model, appending an ellipsis when content was removed.
func (c *Counter) TruncateToTokens(model, text string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		return text, nil
	}
	enc, err := c.encodingFor(model)
	if err != nil {
		return "", err
	}
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text, nil
	}
	return enc.Decode(tokens[:maxTokens]) + "...", nil
}
