package memory

import (
	"container/heap"
	"sort"

	"weave/internal/task"
)

// l2Item pairs a task with its importance snapshot taken at insertion, so
// heap order stays consistent even if metadata changes later.
type l2Item struct {
	task       *task.Task
	importance float64
	index      int
}

// l2Heap is a min-heap on importance (ties broken by older timestamp
// first), so the root is always the weakest entry and capacity replacement
// is O(log n). Top-k reads sort a snapshot the other way round.
type l2Heap []*l2Item

func (h l2Heap) Len() int { return len(h) }

func (h l2Heap) Less(i, j int) bool {
	if h[i].importance != h[j].importance {
		return h[i].importance < h[j].importance
	}
	// Equal importance: the older entry is weaker.
	return h[i].task.CreatedAt.Before(h[j].task.CreatedAt)
}

func (h l2Heap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *l2Heap) Push(x any) {
	item := x.(*l2Item)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *l2Heap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// l2Store is the importance tier: bounded, keyed by metadata importance.
type l2Store struct {
	heap   l2Heap
	byID   map[string]*l2Item
	maxLen int
}

func newL2Store(capacity int) *l2Store {
	if capacity <= 0 {
		capacity = 100
	}
	return &l2Store{
		byID:   make(map[string]*l2Item),
		maxLen: capacity,
	}
}

// add inserts the task. At capacity the new task replaces the current
// minimum only when it outranks it; the displaced task is returned so the
// caller can consider promoting it onward. Returns nil when nothing was
// displaced, and the task itself when it was rejected outright.
func (s *l2Store) add(t *task.Task) (displaced *task.Task) {
	item := &l2Item{task: t, importance: t.Importance()}

	if existing, ok := s.byID[t.TaskID]; ok {
		existing.importance = item.importance
		heap.Fix(&s.heap, existing.index)
		return nil
	}

	if len(s.heap) < s.maxLen {
		heap.Push(&s.heap, item)
		s.byID[t.TaskID] = item
		return nil
	}

	weakest := s.heap[0]
	if item.importance <= weakest.importance {
		return t
	}
	displaced = weakest.task
	delete(s.byID, displaced.TaskID)
	s.heap[0] = item
	item.index = 0
	heap.Fix(&s.heap, 0)
	s.byID[t.TaskID] = item
	return displaced
}

func (s *l2Store) get(taskID string) (*task.Task, bool) {
	item, ok := s.byID[taskID]
	if !ok {
		return nil, false
	}
	return item.task, true
}

func (s *l2Store) size() int { return len(s.heap) }

// topK returns the k highest-importance tasks, strongest first, ties by
// newest timestamp.
func (s *l2Store) topK(k int) []*task.Task {
	if k <= 0 {
		return nil
	}
	snapshot := make([]*l2Item, len(s.heap))
	copy(snapshot, s.heap)
	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].importance != snapshot[j].importance {
			return snapshot[i].importance > snapshot[j].importance
		}
		return snapshot[i].task.CreatedAt.After(snapshot[j].task.CreatedAt)
	})
	if k > len(snapshot) {
		k = len(snapshot)
	}
	out := make([]*task.Task, k)
	for i := 0; i < k; i++ {
		out[i] = snapshot[i].task
	}
	return out
}
