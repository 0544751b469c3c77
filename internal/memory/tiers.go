package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"weave/internal/bus"
	"weave/internal/logging"
	"weave/internal/task"
)

// TierConfig bounds the tiers and sets the promotion thresholds.
type TierConfig struct {
	MaxL1Size          int     `mapstructure:"max_l1_size"`
	MaxL2Size          int     `mapstructure:"max_l2_size"`
	MaxL3PerSession    int     `mapstructure:"max_l3_per_session"`
	PromoteThreshold   float64 `mapstructure:"importance_promote_threshold"`
	L3PromoteThreshold float64 `mapstructure:"l3_promote_threshold"`
}

// DefaultTierConfig returns the standard capacities.
func DefaultTierConfig() TierConfig {
	return TierConfig{
		MaxL1Size:          50,
		MaxL2Size:          100,
		MaxL3PerSession:    500,
		PromoteThreshold:   0.6,
		L3PromoteThreshold: 0.8,
	}
}

// Publisher is the slice of the bus the store needs for memory events.
type Publisher interface {
	Publish(event bus.Event) error
}

// TierStore is the four-tier task memory. All operations are safe for
// concurrent use and non-throwing: capacity pressure promotes or retires
// tasks, it never fails a write.
type TierStore struct {
	mu       sync.Mutex
	l1       *l1Ring
	l2       *l2Store
	l3       *l3Store
	semantic *SemanticStore

	config TierConfig
	bus    Publisher
	logger *logging.Logger

	// aged collects tasks evicted from L3, waiting for the next promotion
	// sweep to summarize them into L4.
	aged []*task.Task

	promoteWG sync.WaitGroup
}

// TierOption configures a TierStore.
type TierOption func(*TierStore)

// WithBus attaches the event bus; memory operations then emit
// memory.retrieve.* and memory.vectorize.* events.
func WithBus(publisher Publisher) TierOption {
	return func(s *TierStore) { s.bus = publisher }
}

// NewTierStore constructs the store. A nil semantic store disables L4.
func NewTierStore(config TierConfig, semantic *SemanticStore, opts ...TierOption) *TierStore {
	if config.MaxL1Size <= 0 {
		config = DefaultTierConfig()
	}
	s := &TierStore{
		l2:       newL2Store(config.MaxL2Size),
		l3:       newL3Store(config.MaxL3PerSession),
		semantic: semantic,
		config:   config,
		logger:   logging.ForComponent("memory.tiers"),
	}
	s.l1 = newL1Ring(config.MaxL1Size, s.onL1Evict)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddTask inserts the task into L1. Overflow evicts FIFO; the eviction
// path promotes by importance.
func (s *TierStore) AddTask(t *task.Task) {
	if t == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.l1.add(t)
}

// onL1Evict runs under the store lock from inside l1.add. It must not
// write back into L1.
func (s *TierStore) onL1Evict(evicted *task.Task) {
	if evicted.Importance() < s.config.PromoteThreshold {
		return
	}
	displaced := s.l2.add(evicted)
	if displaced == nil {
		return
	}
	if displaced.Importance() >= s.config.L3PromoteThreshold {
		if aged := s.l3.add(displaced); aged != nil {
			s.aged = append(s.aged, aged)
		}
	}
}

// L1Tasks returns up to limit recent tasks, newest first, optionally
// filtered by session.
func (s *TierStore) L1Tasks(limit int, sessionID string) []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.l1.recent(limit, sessionID)
}

// L2Tasks returns the top-limit tasks by importance.
func (s *TierStore) L2Tasks(limit int) []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.l2.topK(limit)
}

// L2Task looks up an important task by ID.
func (s *TierStore) L2Task(taskID string) (*task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.l2.get(taskID)
}

// L3Tasks returns up to limit session tasks, newest first.
func (s *TierStore) L3Tasks(limit int, sessionID string) []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.l3.recent(limit, sessionID)
}

// Sizes reports the live entry count of each tier.
func (s *TierStore) Sizes() (l1, l2, l3, l4 int) {
	s.mu.Lock()
	l1, l2, l3 = s.l1.size(), s.l2.size(), s.l3.size()
	s.mu.Unlock()
	if s.semantic != nil {
		l4 = s.semantic.Size()
	}
	return l1, l2, l3, l4
}

// PromoteTasks sweeps aged L3 evictions into the semantic tier, compressing
// each into one fact. Without a semantic store the aged queue is dropped.
func (s *TierStore) PromoteTasks(ctx context.Context) error {
	s.mu.Lock()
	aged := s.aged
	s.aged = nil
	s.mu.Unlock()

	if len(aged) == 0 || s.semantic == nil {
		return nil
	}

	s.publish(bus.TypeMemoryVectorizeStart, map[string]any{"count": len(aged)})
	var firstErr error
	for _, t := range aged {
		text := taskFactText(t)
		if text == "" {
			continue
		}
		_, err := s.semantic.AddFact(ctx, text, map[string]string{
			"task_id":    t.TaskID,
			"session_id": t.SessionID,
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.publish(bus.TypeMemoryVectorizeComplete, map[string]any{
		"count": len(aged),
		"ok":    firstErr == nil,
	})
	return firstErr
}

// PromoteTasksAsync runs PromoteTasks on a background goroutine.
func (s *TierStore) PromoteTasksAsync(ctx context.Context) {
	s.promoteWG.Add(1)
	go func() {
		defer s.promoteWG.Done()
		if err := s.PromoteTasks(ctx); err != nil {
			s.logger.Warn("Async promotion failed: %v", err)
		}
	}()
}

// Wait blocks until in-flight async promotions finish.
func (s *TierStore) Wait() { s.promoteWG.Wait() }

// SemanticSearch queries L4 and maps the hits back to task form. It fails
// soft: no semantic store, no matches, and retrieval errors all yield an
// empty result.
func (s *TierStore) SemanticSearch(ctx context.Context, query string, topK int) []*task.Task {
	if s.semantic == nil {
		return nil
	}

	s.publish(bus.TypeMemoryRetrieveStart, map[string]any{"query": query, "top_k": topK})
	matches := s.semantic.Search(ctx, query, topK)
	s.publish(bus.TypeMemoryRetrieveComplete, map[string]any{"query": query, "hits": len(matches)})

	out := make([]*task.Task, 0, len(matches))
	for _, match := range matches {
		recalled := task.New(task.ActionSummary, map[string]any{"content": match.Fact.Text})
		recalled.SetMeta("fact_id", match.Fact.ID)
		recalled.SetMeta("similarity", float64(match.Score))
		if sessionID := match.Fact.Metadata["session_id"]; sessionID != "" {
			recalled.SessionID = sessionID
		}
		out = append(out, recalled)
	}
	return out
}

func (s *TierStore) publish(eventType bus.Type, payload map[string]any) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "memory")
	event.Payload = payload
	if err := s.bus.Publish(event); err != nil {
		s.logger.Debug("Failed to publish %s: %v", eventType, err)
	}
}

// taskFactText renders a task as a compact fact line for L4.
func taskFactText(t *task.Task) string {
	var b strings.Builder
	if content := t.Content(); content != "" {
		b.WriteString(content)
	}
	if result := t.ResultContentString(); result != "" {
		if b.Len() > 0 {
			b.WriteString(" => ")
		}
		b.WriteString(result)
	}
	if b.Len() == 0 {
		return ""
	}
	return fmt.Sprintf("[%s] %s", t.Action, b.String())
}
