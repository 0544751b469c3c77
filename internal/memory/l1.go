// Package memory implements the four-tier task store and the per-node
// scoped memory that together back agent recall: L1 recency, L2 importance,
// L3 session history, and L4 compressed semantic facts.
package memory

import (
	"weave/internal/task"
)

// EvictionCallback observes a task evicted from L1. Callbacks run
// synchronously under the tier lock and must not re-enter L1 writes.
type EvictionCallback func(evicted *task.Task)

// l1Ring is the recency tier: a fixed-capacity circular buffer with FIFO
// eviction. O(1) insert.
type l1Ring struct {
	buf     []*task.Task
	head    int // index of the oldest entry
	count   int
	onEvict EvictionCallback
}

func newL1Ring(capacity int, onEvict EvictionCallback) *l1Ring {
	if capacity <= 0 {
		capacity = 50
	}
	return &l1Ring{
		buf:     make([]*task.Task, capacity),
		onEvict: onEvict,
	}
}

// add inserts the task, evicting the oldest entry when full. The evicted
// task is handed to the callback after removal so |L1| never exceeds cap.
func (r *l1Ring) add(t *task.Task) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = t
		r.count++
		return
	}

	evicted := r.buf[r.head]
	r.buf[r.head] = t
	r.head = (r.head + 1) % len(r.buf)

	if r.onEvict != nil && evicted != nil {
		r.onEvict(evicted)
	}
}

func (r *l1Ring) size() int { return r.count }

// recent returns up to limit tasks, newest first, optionally filtered by
// session.
func (r *l1Ring) recent(limit int, sessionID string) []*task.Task {
	if limit <= 0 || r.count == 0 {
		return nil
	}
	out := make([]*task.Task, 0, min(limit, r.count))
	for i := r.count - 1; i >= 0 && len(out) < limit; i-- {
		t := r.buf[(r.head+i)%len(r.buf)]
		if sessionID != "" && t.SessionID != sessionID {
			continue
		}
		out = append(out, t)
	}
	return out
}
