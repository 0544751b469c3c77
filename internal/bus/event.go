// Package bus provides the append-only, queryable event substrate shared by
// all agents. Every observable happening — thinking deltas, tool activity,
// lifecycle, memory operations, delegation — is published here, and the bus
// doubles as the transport for delegated task envelopes.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of an event.
type Type string

const (
	TypeNodeThinking Type = "node.thinking"
	TypeNodeStart    Type = "node.start"
	TypeNodeComplete Type = "node.complete"
	TypeNodeError    Type = "node.error"

	TypeToolCall   Type = "tool.call"
	TypeToolResult Type = "tool.result"

	TypeMemoryRetrieveStart     Type = "memory.retrieve.start"
	TypeMemoryRetrieveComplete  Type = "memory.retrieve.complete"
	TypeMemoryVectorizeStart    Type = "memory.vectorize.start"
	TypeMemoryVectorizeComplete Type = "memory.vectorize.complete"

	TypeEphemeralAdd   Type = "ephemeral.add"
	TypeEphemeralClear Type = "ephemeral.clear"

	TypeTaskRequest  Type = "task.request"
	TypeTaskAccept   Type = "task.accept"
	TypeTaskDelegate Type = "task.delegate"
	TypeTaskResult   Type = "task.result"

	TypeSkillActivate Type = "skill.activate"
)

// Droppable reports whether an event of this type may be shed under
// back-pressure. Streaming deltas and ephemeral notices are expendable;
// tool results, task envelopes, errors, and lifecycle terminals are not.
func (t Type) Droppable() bool {
	switch t {
	case TypeNodeThinking, TypeEphemeralAdd, TypeEphemeralClear:
		return true
	default:
		return false
	}
}

// Event is the immutable envelope for every observable happening.
type Event struct {
	EventID    string         `json:"event_id"`
	Type       Type           `json:"event_type"`
	SourceNode string         `json:"source_node"`
	TargetNode string         `json:"target_node,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	Action     string         `json:"action,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	TraceID    string         `json:"trace_id,omitempty"`
	SpanID     string         `json:"span_id,omitempty"`

	// Seq is assigned by the bus on publish; monotonic per bus.
	Seq uint64 `json:"seq"`
}

// NewEvent constructs an event with a fresh ID and current timestamp.
func NewEvent(eventType Type, sourceNode string) Event {
	return Event{
		EventID:    "evt-" + uuid.NewString(),
		Type:       eventType,
		SourceNode: sourceNode,
		Timestamp:  time.Now(),
	}
}

// Selector filters events for a subscription. Zero-valued fields match
// everything.
type Selector struct {
	TargetNode string
	Types      []Type
	Action     string
}

// Matches reports whether the event passes the selector.
func (s Selector) Matches(event Event) bool {
	if s.TargetNode != "" && event.TargetNode != s.TargetNode {
		return false
	}
	if s.Action != "" && event.Action != s.Action {
		return false
	}
	if len(s.Types) > 0 {
		matched := false
		for _, t := range s.Types {
			if event.Type == t {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// Handler processes one event. Handlers for the same subscription run
// serially; distinct subscriptions run concurrently.
type Handler func(event Event) error
