// Package tools implements the tool registry and the batch executor:
// schema-validated dispatch with parallel read-only execution, serial
// mutation, and bus-published call/result events.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"weave/internal/agent/ports"
)

// Scope classifies where a tool executes.
type Scope string

const (
	ScopeSandboxed Scope = "sandboxed"
	ScopeSystem    Scope = "system"
	ScopeRemote    Scope = "remote"
	ScopeContext   Scope = "context"
)

// Handler executes one tool call.
type Handler func(ctx context.Context, call ports.ToolCall) (ports.ToolResult, error)

// Tool couples a definition with its handler and execution class.
type Tool struct {
	Definition ports.ToolDefinition
	Scope      Scope
	ReadOnly   bool
	Handler    Handler

	schema *jsonschema.Schema
}

// Registry maps tool names to tools. It is writable during initialization
// and frozen before task execution starts; registration after Freeze is a
// programmer error.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	frozen bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, compiling its parameter schema for argument
// validation.
func (r *Registry) Register(tool Tool) error {
	if tool.Definition.Name == "" {
		return fmt.Errorf("tools: tool without a name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tools: tool %s has no handler", tool.Definition.Name)
	}

	schema, err := compileSchema(tool.Definition.Parameters)
	if err != nil {
		return fmt.Errorf("tools: compile schema for %s: %w", tool.Definition.Name, err)
	}
	tool.schema = schema

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("tools: registry is frozen, cannot register %s", tool.Definition.Name)
	}
	if _, exists := r.tools[tool.Definition.Name]; exists {
		return fmt.Errorf("tools: tool %s already registered", tool.Definition.Name)
	}
	r.tools[tool.Definition.Name] = &tool
	return nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Definitions returns all tool definitions, sorted by name.
func (r *Registry) Definitions() []ports.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ports.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool.Definition)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	defs := r.Definitions()
	names := make([]string, len(defs))
	for i, def := range defs {
		names[i] = def.Name
	}
	return names
}

// Has reports whether every named tool is registered.
func (r *Registry) Has(names ...string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		if _, ok := r.tools[name]; !ok {
			return false
		}
	}
	return true
}

func compileSchema(params ports.ParameterSchema) (*jsonschema.Schema, error) {
	if params.Type == "" {
		params.Type = "object"
	}
	if params.Properties == nil {
		params.Properties = map[string]ports.Property{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

// InvalidArgumentsError reports arguments rejected by a tool's schema.
type InvalidArgumentsError struct {
	Tool string
	Err  error
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Err)
}

func (e *InvalidArgumentsError) Unwrap() error { return e.Err }

// validateArguments checks the call against the tool's compiled schema.
func (t *Tool) validateArguments(call ports.ToolCall) error {
	if t.schema == nil {
		return nil
	}
	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	// Round-trip through JSON so numeric types match what the validator
	// expects for decoded documents.
	raw, err := json.Marshal(args)
	if err != nil {
		return &InvalidArgumentsError{Tool: t.Definition.Name, Err: err}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &InvalidArgumentsError{Tool: t.Definition.Name, Err: err}
	}
	if err := t.schema.Validate(doc); err != nil {
		return &InvalidArgumentsError{Tool: t.Definition.Name, Err: err}
	}
	return nil
}
