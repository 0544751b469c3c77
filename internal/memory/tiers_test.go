package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weave/internal/task"
)

func newTask(content string, importance float64) *task.Task {
	t := task.New(task.ActionExecute, map[string]any{"content": content})
	t.SetMeta(task.MetaImportance, importance)
	return t
}

func TestL1EvictionPromotesByImportance(t *testing.T) {
	config := DefaultTierConfig()
	config.MaxL1Size = 3
	store := NewTierStore(config, nil)

	t1 := newTask("T1", 0.7)
	t2 := newTask("T2", 0.3)
	t3 := newTask("T3", 0.8)
	t4 := newTask("T4", 0.4)
	for _, tk := range []*task.Task{t1, t2, t3, t4} {
		store.AddTask(tk)
	}

	l1 := store.L1Tasks(10, "")
	require.Len(t, l1, 3)
	assert.Equal(t, "T4", l1[0].Content())
	assert.Equal(t, "T3", l1[1].Content())
	assert.Equal(t, "T2", l1[2].Content())

	l2 := store.L2Tasks(10)
	require.Len(t, l2, 1)
	assert.Equal(t, "T1", l2[0].Content())
}

func TestL1CapacityNeverExceeded(t *testing.T) {
	config := DefaultTierConfig()
	config.MaxL1Size = 5
	store := NewTierStore(config, nil)

	for i := 0; i < 50; i++ {
		store.AddTask(newTask(fmt.Sprintf("task %d", i), 0.1))
	}
	l1, _, _, _ := store.Sizes()
	assert.Equal(t, 5, l1)
}

func TestL2TopKOrdering(t *testing.T) {
	store := newL2Store(10)
	for i, importance := range []float64{0.2, 0.9, 0.5, 0.7, 0.1} {
		store.add(newTask(fmt.Sprintf("task %d", i), importance))
	}

	top := store.topK(3)
	require.Len(t, top, 3)
	assert.Equal(t, 0.9, top[0].Importance())
	assert.Equal(t, 0.7, top[1].Importance())
	assert.Equal(t, 0.5, top[2].Importance())
}

func TestL2CapacityReplacesMinimumOnly(t *testing.T) {
	store := newL2Store(2)
	weak := newTask("weak", 0.3)
	mid := newTask("mid", 0.5)
	store.add(weak)
	store.add(mid)

	// Weaker than everything resident: rejected, nothing displaced.
	rejected := store.add(newTask("weakest", 0.1))
	require.NotNil(t, rejected)
	assert.Equal(t, "weakest", rejected.Content())
	assert.Equal(t, 2, store.size())

	// Stronger: displaces the current minimum.
	displaced := store.add(newTask("strong", 0.9))
	require.NotNil(t, displaced)
	assert.Equal(t, "weak", displaced.Content())

	top := store.topK(2)
	assert.Equal(t, "strong", top[0].Content())
	assert.Equal(t, "mid", top[1].Content())
}

func TestL2BackReferenceReturnsSameTask(t *testing.T) {
	config := DefaultTierConfig()
	config.MaxL1Size = 1
	store := NewTierStore(config, nil)

	promoted := newTask("promote me", 0.9)
	store.AddTask(promoted)
	store.AddTask(newTask("pusher", 0.1))

	got, ok := store.L2Task(promoted.TaskID)
	require.True(t, ok)
	assert.Same(t, promoted, got)
}

func TestL3SessionBuckets(t *testing.T) {
	store := newL3Store(2)

	a1 := newTask("a1", 0.5)
	a1.SessionID = "sess-a"
	a2 := newTask("a2", 0.5)
	a2.SessionID = "sess-a"
	a3 := newTask("a3", 0.5)
	a3.SessionID = "sess-a"
	b1 := newTask("b1", 0.5)
	b1.SessionID = "sess-b"

	require.Nil(t, store.add(a1))
	require.Nil(t, store.add(a2))
	evicted := store.add(a3)
	require.NotNil(t, evicted, "per-session FIFO eviction")
	assert.Equal(t, "a1", evicted.Content())
	require.Nil(t, store.add(b1), "other sessions unaffected")

	recent := store.recent(10, "sess-a")
	require.Len(t, recent, 2)
	assert.Equal(t, "a3", recent[0].Content())
	assert.Equal(t, "a2", recent[1].Content())
}

func TestSemanticSearchFailsSoftWithoutStore(t *testing.T) {
	store := NewTierStore(DefaultTierConfig(), nil)
	assert.Empty(t, store.SemanticSearch(context.Background(), "anything", 5))
}

func TestPromotionSweepSummarizesAgedTasks(t *testing.T) {
	semantic, err := NewSemanticStore(nil)
	require.NoError(t, err)

	config := TierConfig{
		MaxL1Size:          1,
		MaxL2Size:          1,
		MaxL3PerSession:    1,
		PromoteThreshold:   0.5,
		L3PromoteThreshold: 0.5,
	}
	store := NewTierStore(config, semantic)

	// Each insert cascades the previous high-importance task down the
	// tiers; with every tier at capacity 1 the oldest ends up aged.
	for i := 0; i < 4; i++ {
		tk := newTask(fmt.Sprintf("finding number %d about parsers", i), 0.9)
		tk.SetResult(map[string]any{task.ResultContent: "resolved"})
		store.AddTask(tk)
	}

	require.NoError(t, store.PromoteTasks(context.Background()))
	assert.Greater(t, semantic.Size(), 0, "aged tasks become semantic facts")

	recalled := store.SemanticSearch(context.Background(), "parsers", 3)
	require.NotEmpty(t, recalled)
	assert.Contains(t, recalled[0].Content(), "parsers")
}
