package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"weave/internal/agent/ports"
	"weave/internal/logging"
	"weave/internal/task"
)

// Controller manages the sessions of one deployment: registration,
// cross-session context aggregation, and task distribution.
type Controller struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *logging.Logger
}

// NewController creates an empty controller.
func NewController() *Controller {
	return &Controller{
		sessions: make(map[string]*Session),
		logger:   logging.ForComponent("session.controller"),
	}
}

// Register adds a session. Duplicate ids are rejected.
func (c *Controller) Register(s *Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.sessions[s.ID()]; exists {
		return fmt.Errorf("session %s already registered", s.ID())
	}
	c.sessions[s.ID()] = s
	return nil
}

// Get looks a session up by id.
func (c *Controller) Get(id string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[id]
	return s, ok
}

// Remove ends and drops a session.
func (c *Controller) Remove(id string) error {
	c.mu.Lock()
	s, ok := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s not registered", id)
	}
	return s.End()
}

// resolve returns the named sessions, or all sessions sorted by id when
// ids is empty.
func (c *Controller) resolve(ids []string) ([]*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(ids) == 0 {
		out := make([]*Session, 0, len(c.sessions))
		for _, s := range c.sessions {
			out = append(out, s)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
		return out, nil
	}

	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		s, ok := c.sessions[id]
		if !ok {
			return nil, fmt.Errorf("session %s not registered", id)
		}
		out = append(out, s)
	}
	return out, nil
}

// AggregateContext merges the context assemblies of the named sessions
// (all sessions when ids is empty), splitting the token budget evenly
// across them. Each session's slice is prefixed with a marker so the
// consumer can tell the conversations apart.
func (c *Controller) AggregateContext(ctx context.Context, query string, ids []string, maxTokens int) ([]ports.Message, error) {
	sessions, err := c.resolve(ids)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}

	share := 0
	if maxTokens > 0 {
		share = maxTokens / len(sessions)
	}

	var merged []ports.Message
	for _, s := range sessions {
		messages, err := s.BuildContext(ctx, query, share)
		if err != nil {
			c.logger.Warn("Session %s context failed, skipping: %v", s.ID(), err)
			continue
		}
		merged = append(merged, ports.Message{
			Role:    "system",
			Content: fmt.Sprintf("[session %s]", s.ID()),
		})
		merged = append(merged, messages...)
	}
	return merged, nil
}

// DistributeTask adds the same task content to each named session (all
// active sessions when ids is empty). Paused and ended sessions are
// skipped on a broadcast but are an error when named explicitly.
func (c *Controller) DistributeTask(ctx context.Context, content string, ids []string) ([]*task.Task, error) {
	sessions, err := c.resolve(ids)
	if err != nil {
		return nil, err
	}

	broadcast := len(ids) == 0
	var tasks []*task.Task
	for _, s := range sessions {
		t, err := s.AddTask(ctx, content)
		if err != nil {
			if broadcast {
				c.logger.Debug("Skipping session %s: %v", s.ID(), err)
				continue
			}
			return tasks, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
