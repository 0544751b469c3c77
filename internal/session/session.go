// Package session scopes conversations: a Session owns one conversation's
// task flow on top of an agent, and a Controller coordinates multiple
// sessions of the same agent.
package session

import (
	"context"
	"fmt"
	"sync"

	"weave/internal/agent"
	"weave/internal/agent/ports"
	"weave/internal/bus"
	"weave/internal/logging"
	"weave/internal/task"
)

// State is the session lifecycle. Transitions are monotonic:
// active → paused → ended; there is no way back.
type State string

const (
	StateActive State = "active"
	StatePaused State = "paused"
	StateEnded  State = "ended"
)

// Session owns one conversation's task flow. Tasks run asynchronously on
// the session's agent; every task gets a cancellable scope.
type Session struct {
	id       string
	agent    *agent.Agent
	eventBus *bus.Bus
	logger   *logging.Logger

	mu      sync.Mutex
	state   State
	tasks   []*task.Task
	cancels map[string]context.CancelFunc

	wg sync.WaitGroup
}

// New creates an active session over the agent.
func New(id string, a *agent.Agent, eventBus *bus.Bus) *Session {
	return &Session{
		id:       id,
		agent:    a,
		eventBus: eventBus,
		logger:   logging.ForComponent("session." + id),
		state:    StateActive,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Agent returns the session's agent.
func (s *Session) Agent() *agent.Agent { return s.agent }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Tasks returns a snapshot of all tasks added to the session, in order.
func (s *Session) Tasks() []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*task.Task(nil), s.tasks...)
}

// AddTask creates a task for the content, publishes its request envelope,
// and runs it on the session's agent in the background. The returned task
// is live: observe it through its status or the bus.
func (s *Session) AddTask(ctx context.Context, content string) (*task.Task, error) {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return nil, fmt.Errorf("session %s: cannot add task while %s", s.id, s.state)
	}

	t := task.New(task.ActionExecute, map[string]any{"content": content})
	t.SessionID = s.id
	t.TargetAgent = s.agent.ID()

	taskCtx, cancel := context.WithCancel(ctx)
	s.tasks = append(s.tasks, t)
	s.cancels[t.TaskID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	s.publishRequest(t)

	go func() {
		defer s.wg.Done()
		defer cancel()
		err := s.agent.Solve(taskCtx, t)
		if err != nil {
			s.logger.Warn("Task %s finished with error: %v", t.TaskID, err)
		}
		s.publishResult(t, err)
		s.mu.Lock()
		delete(s.cancels, t.TaskID)
		s.mu.Unlock()
	}()

	return t, nil
}

// Cancel signals the task's scope. It reports whether the task was still
// in flight.
func (s *Session) Cancel(taskID string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[taskID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Pause stops accepting new tasks. In-flight tasks keep running.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return fmt.Errorf("session %s: cannot pause while %s", s.id, s.state)
	}
	s.state = StatePaused
	return nil
}

// End terminates the session: new tasks are refused, in-flight tasks are
// cancelled, and the call blocks until they settle.
func (s *Session) End() error {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return nil
	}
	s.state = StateEnded
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, cancel := range s.cancels {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	s.wg.Wait()
	return nil
}

// Wait blocks until all tasks added so far have settled.
func (s *Session) Wait() { s.wg.Wait() }

// BuildContext assembles the session agent's context window for a query,
// under an optional token budget override.
func (s *Session) BuildContext(ctx context.Context, query string, maxTokens int) ([]ports.Message, error) {
	t := task.New(task.ActionQuery, map[string]any{"content": query})
	t.SessionID = s.id
	return s.agent.BuildContext(ctx, t, maxTokens)
}

func (s *Session) publishRequest(t *task.Task) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(bus.TypeTaskRequest, "session."+s.id)
	event.TargetNode = s.agent.ID()
	event.TaskID = t.TaskID
	event.Action = string(t.Action)
	event.Payload = map[string]any{"content": t.Content()}
	if err := s.eventBus.Publish(event); err != nil {
		s.logger.Debug("Failed to publish task.request: %v", err)
	}
}

func (s *Session) publishResult(t *task.Task, err error) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(bus.TypeTaskResult, s.agent.ID())
	event.TargetNode = "session." + s.id
	event.TaskID = t.TaskID
	event.Action = string(t.Action)
	payload := map[string]any{}
	if err != nil && t.CurrentStatus() == task.StatusFailed {
		payload["status"] = "failed"
		payload["error"] = map[string]any{
			"kind":    "task_failed",
			"message": err.Error(),
		}
	} else {
		payload["status"] = string(t.CurrentStatus())
		payload["content"] = t.ResultContentString()
	}
	event.Payload = payload
	if publishErr := s.eventBus.Publish(event); publishErr != nil {
		s.logger.Debug("Failed to publish task.result: %v", publishErr)
	}
}
