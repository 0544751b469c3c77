// Package task defines the unified task domain model: the unit of work
// flowing through the agent loop and the unit of memory stored in the tiers.
package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Action names the fixed vocabulary of task actions carried on bus envelopes.
type Action string

const (
	ActionExecute  Action = "execute"
	ActionDelegate Action = "delegate"
	ActionPlan     Action = "plan"
	ActionQuery    Action = "query"
	ActionEvaluate Action = "evaluate"
	ActionSummary  Action = "summary"
)

// Metadata keys with defined semantics across components.
const (
	MetaImportance = "importance"
	MetaTimestamp  = "timestamp"
	MetaDepth      = "depth"
	MetaTraceID    = "trace_id"
	MetaSpanID     = "span_id"
)

// Result keys with defined semantics across components.
const (
	ResultContent        = "content"
	ResultQualityMetrics = "quality_metrics"
	ResultError          = "error"
)

// Task is the unit of work and the unit of memory. Status moves only
// through Transition, which enforces the monotonic state machine; the
// field is exported for serialization and must not be written directly.
type Task struct {
	TaskID       string         `json:"task_id"`
	ParentTaskID string         `json:"parent_task_id,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	SourceAgent  string         `json:"source_agent,omitempty"`
	TargetAgent  string         `json:"target_agent,omitempty"`
	Action       Action         `json:"action"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Status       Status         `json:"status"`
	Result       map[string]any `json:"result,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`

	mu sync.Mutex
}

// New creates a pending task with a fresh ID.
func New(action Action, params map[string]any) *Task {
	if params == nil {
		params = make(map[string]any)
	}
	return &Task{
		TaskID:     "task-" + uuid.NewString(),
		Action:     action,
		Parameters: params,
		Status:     StatusPending,
		Metadata:   make(map[string]any),
		CreatedAt:  time.Now(),
	}
}

// CurrentStatus returns the lifecycle state under the task lock.
func (t *Task) CurrentStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status == "" {
		return StatusPending
	}
	return t.Status
}

// Transition moves the task to next, enforcing the monotonic state machine
// pending → running → {completed|failed|cancelled}. Transitions out of a
// terminal state fail; re-asserting the current state is a no-op so that
// cancelling an already-terminal task does not error.
func (t *Task) Transition(next Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.Status
	if current == "" {
		current = StatusPending
	}
	if current == next {
		return nil
	}
	if current.IsTerminal() {
		return fmt.Errorf("task %s: illegal transition %s -> %s", t.TaskID, current, next)
	}

	switch {
	case current == StatusPending && next == StatusRunning:
	case current == StatusPending && next == StatusCancelled:
	case current == StatusRunning && next.IsTerminal():
	default:
		return fmt.Errorf("task %s: illegal transition %s -> %s", t.TaskID, current, next)
	}

	t.Status = next
	return nil
}

// Importance returns metadata["importance"] clamped to [0,1], defaulting
// to 0 when absent or malformed.
func (t *Task) Importance() float64 {
	if t.Metadata == nil {
		return 0
	}
	raw, ok := t.Metadata[MetaImportance]
	if !ok {
		return 0
	}
	var value float64
	switch v := raw.(type) {
	case float64:
		value = v
	case float32:
		value = float64(v)
	case int:
		value = float64(v)
	default:
		return 0
	}
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// Content returns parameters["content"] as a string when present.
func (t *Task) Content() string {
	if t.Parameters == nil {
		return ""
	}
	content, _ := t.Parameters["content"].(string)
	return content
}

// ResultContentString returns result["content"] as a string when present.
func (t *Task) ResultContentString() string {
	if t.Result == nil {
		return ""
	}
	content, _ := t.Result[ResultContent].(string)
	return content
}

// SetResult replaces the task result map.
func (t *Task) SetResult(result map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Result = result
}

// SetMeta sets one metadata key.
func (t *Task) SetMeta(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	t.Metadata[key] = value
}

// Fail marks the task failed with a structured error payload.
func (t *Task) Fail(kind string, err error, retryCount int) error {
	if t.CurrentStatus() == StatusPending {
		_ = t.Transition(StatusRunning)
	}
	message := ""
	if err != nil {
		message = err.Error()
	}
	t.SetResult(map[string]any{
		ResultError: map[string]any{
			"kind":        kind,
			"message":     message,
			"retry_count": retryCount,
		},
	})
	return t.Transition(StatusFailed)
}
