package ports

import (
	"encoding/json"
	"errors"
	"strings"
)

// ToolCall represents a request to execute a tool.
type ToolCall struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Arguments    map[string]any `json:"arguments"`
	SessionID    string         `json:"session_id,omitempty"`
	TaskID       string         `json:"task_id,omitempty"`
	ParentTaskID string         `json:"parent_task_id,omitempty"`
}

// ToolResult is the execution result.
type ToolResult struct {
	CallID    string         `json:"call_id"`
	Content   string         `json:"content"`
	Error     error          `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Truncated bool           `json:"truncated,omitempty"`
}

// MarshalJSON customizes ToolResult encoding to support the error interface.
func (r ToolResult) MarshalJSON() ([]byte, error) {
	type Alias struct {
		CallID    string         `json:"call_id"`
		Content   string         `json:"content"`
		Error     any            `json:"error,omitempty"`
		Metadata  map[string]any `json:"metadata,omitempty"`
		Truncated bool           `json:"truncated,omitempty"`
	}
	alias := Alias{
		CallID:    r.CallID,
		Content:   r.Content,
		Metadata:  r.Metadata,
		Truncated: r.Truncated,
	}
	if r.Error != nil {
		alias.Error = r.Error.Error()
	}
	return json.Marshal(alias)
}

// UnmarshalJSON accepts both string and object error representations.
func (r *ToolResult) UnmarshalJSON(data []byte) error {
	type Alias struct {
		CallID    string          `json:"call_id"`
		Content   string          `json:"content"`
		Error     json.RawMessage `json:"error"`
		Metadata  map[string]any  `json:"metadata,omitempty"`
		Truncated bool            `json:"truncated,omitempty"`
	}
	var aux Alias
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.CallID = aux.CallID
	r.Content = aux.Content
	r.Metadata = aux.Metadata
	r.Truncated = aux.Truncated
	r.Error = nil

	raw := strings.TrimSpace(string(aux.Error))
	if raw == "" || raw == "null" {
		return nil
	}
	var errStr string
	if err := json.Unmarshal(aux.Error, &errStr); err == nil {
		if errStr != "" {
			r.Error = errors.New(errStr)
		}
		return nil
	}
	var errObj map[string]any
	if err := json.Unmarshal(aux.Error, &errObj); err == nil {
		if message, ok := errObj["message"].(string); ok && message != "" {
			r.Error = errors.New(message)
		}
		return nil
	}
	return nil
}

// ToolDefinition describes a tool to the model and the registry.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  ParameterSchema `json:"parameters"`
}

// ParameterSchema is a JSON Schema object describing tool arguments.
type ParameterSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property defines a single parameter.
type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Enum        []any     `json:"enum,omitempty"`
	Items       *Property `json:"items,omitempty"`
}
