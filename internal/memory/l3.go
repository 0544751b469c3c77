package memory

import (
	"weave/internal/task"
)

// l3Store is the session tier: per-session FIFO sub-buffers with O(1)
// session lookup. Tasks evicted here age out toward semantic compression.
type l3Store struct {
	sessions   map[string][]*task.Task
	perSession int
}

func newL3Store(perSession int) *l3Store {
	if perSession <= 0 {
		perSession = 500
	}
	return &l3Store{
		sessions:   make(map[string][]*task.Task),
		perSession: perSession,
	}
}

// add appends the task to its session bucket, returning the task evicted
// by per-session FIFO when the bucket is full. Tasks without a session go
// into a shared default bucket.
func (s *l3Store) add(t *task.Task) (evicted *task.Task) {
	key := t.SessionID
	bucket := s.sessions[key]
	if len(bucket) >= s.perSession {
		evicted = bucket[0]
		bucket = bucket[1:]
	}
	s.sessions[key] = append(bucket, t)
	return evicted
}

// recent returns up to limit tasks for the session, newest first. An empty
// session ID reads the default bucket.
func (s *l3Store) recent(limit int, sessionID string) []*task.Task {
	bucket := s.sessions[sessionID]
	if limit <= 0 || len(bucket) == 0 {
		return nil
	}
	if limit > len(bucket) {
		limit = len(bucket)
	}
	out := make([]*task.Task, 0, limit)
	for i := len(bucket) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, bucket[i])
	}
	return out
}

func (s *l3Store) size() int {
	total := 0
	for _, bucket := range s.sessions {
		total += len(bucket)
	}
	return total
}
