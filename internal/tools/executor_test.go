package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weave/internal/agent/ports"
	"weave/internal/bus"
)

func textSchema(field string) ports.ParameterSchema {
	return ports.ParameterSchema{
		Type: "object",
		Properties: map[string]ports.Property{
			field: {Type: "string", Description: "input"},
		},
		Required: []string{field},
	}
}

func registerStub(t *testing.T, registry *Registry, name string, readOnly bool, handler Handler) {
	t.Helper()
	require.NoError(t, registry.Register(Tool{
		Definition: ports.ToolDefinition{
			Name:        name,
			Description: name,
			Parameters:  ports.ParameterSchema{Type: "object", Properties: map[string]ports.Property{}},
		},
		Scope:    ScopeSystem,
		ReadOnly: readOnly,
		Handler:  handler,
	}))
}

func TestResultsInIssueOrder(t *testing.T) {
	registry := NewRegistry()
	for _, name := range []string{"a", "b", "c", "d"} {
		name := name
		delay := time.Duration(0)
		if name == "a" {
			delay = 30 * time.Millisecond // slowest first, still first in results
		}
		registerStub(t, registry, name, true, func(ctx context.Context, call ports.ToolCall) (ports.ToolResult, error) {
			time.Sleep(delay)
			return ports.ToolResult{Content: name}, nil
		})
	}
	registry.Freeze()

	executor := NewExecutor(registry, ExecutorConfig{})
	calls := []ports.ToolCall{
		{ID: "1", Name: "a"}, {ID: "2", Name: "b"}, {ID: "3", Name: "c"}, {ID: "4", Name: "d"},
	}
	results := executor.ExecuteBatch(context.Background(), calls)
	require.Len(t, results, 4)
	for i, want := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, want, results[i].Content)
		assert.Equal(t, calls[i].ID, results[i].CallID)
	}
}

func TestReadOnlyParallelMutatingSerial(t *testing.T) {
	registry := NewRegistry()

	var mu sync.Mutex
	var readsActive, maxReadsActive int
	var writeSawReadsDone atomic.Bool
	readsDone := make(chan struct{}, 2)

	readHandler := func(ctx context.Context, call ports.ToolCall) (ports.ToolResult, error) {
		mu.Lock()
		readsActive++
		if readsActive > maxReadsActive {
			maxReadsActive = readsActive
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		readsActive--
		mu.Unlock()
		readsDone <- struct{}{}
		return ports.ToolResult{Content: call.Name}, nil
	}
	registerStub(t, registry, "read_a", true, readHandler)
	registerStub(t, registry, "read_b", true, readHandler)
	registerStub(t, registry, "write_c", false, func(ctx context.Context, call ports.ToolCall) (ports.ToolResult, error) {
		writeSawReadsDone.Store(len(readsDone) == 2)
		return ports.ToolResult{Content: "write_c"}, nil
	})
	registry.Freeze()

	executor := NewExecutor(registry, ExecutorConfig{})
	results := executor.ExecuteBatch(context.Background(), []ports.ToolCall{
		{ID: "1", Name: "read_a"}, {ID: "2", Name: "read_b"}, {ID: "3", Name: "write_c"},
	})

	require.Len(t, results, 3)
	assert.Equal(t, []string{"read_a", "read_b", "write_c"},
		[]string{results[0].Content, results[1].Content, results[2].Content})
	assert.Equal(t, 2, maxReadsActive, "read-only calls overlap")
	assert.True(t, writeSawReadsDone.Load(), "mutating call runs after reads complete")
}

func TestConcurrencyLimitBoundsParallelism(t *testing.T) {
	registry := NewRegistry()
	var active, peak int64
	registerStub(t, registry, "read", true, func(ctx context.Context, call ports.ToolCall) (ports.ToolResult, error) {
		now := atomic.AddInt64(&active, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if now <= old || atomic.CompareAndSwapInt64(&peak, old, now) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&active, -1)
		return ports.ToolResult{Content: "ok"}, nil
	})
	registry.Freeze()

	executor := NewExecutor(registry, ExecutorConfig{ConcurrencyLimit: 3})
	calls := make([]ports.ToolCall, 12)
	for i := range calls {
		calls[i] = ports.ToolCall{ID: fmt.Sprint(i), Name: "read"}
	}
	executor.ExecuteBatch(context.Background(), calls)
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(3))
}

func TestInvalidArgumentsRejected(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(Tool{
		Definition: ports.ToolDefinition{Name: "echo", Description: "echo", Parameters: textSchema("text")},
		Scope:      ScopeContext,
		ReadOnly:   true,
		Handler: func(ctx context.Context, call ports.ToolCall) (ports.ToolResult, error) {
			return ports.ToolResult{Content: call.Arguments["text"].(string)}, nil
		},
	}))
	registry.Freeze()

	executor := NewExecutor(registry, ExecutorConfig{})
	results := executor.ExecuteBatch(context.Background(), []ports.ToolCall{
		{ID: "1", Name: "echo", Arguments: map[string]any{"text": 42}},
		{ID: "2", Name: "echo", Arguments: map[string]any{}},
		{ID: "3", Name: "echo", Arguments: map[string]any{"text": "ok"}},
	})

	var invalidErr *InvalidArgumentsError
	require.Error(t, results[0].Error)
	assert.ErrorAs(t, results[0].Error, &invalidErr)
	require.Error(t, results[1].Error, "missing required field")
	assert.NoError(t, results[2].Error)
	assert.Equal(t, "ok", results[2].Content)
}

func TestUnknownToolFails(t *testing.T) {
	executor := NewExecutor(NewRegistry(), ExecutorConfig{})
	results := executor.ExecuteBatch(context.Background(), []ports.ToolCall{{ID: "1", Name: "nope"}})
	require.Error(t, results[0].Error)
	assert.Contains(t, results[0].Error.Error(), "unknown tool")
}

func TestOversizedOutputTruncated(t *testing.T) {
	registry := NewRegistry()
	registerStub(t, registry, "huge", true, func(ctx context.Context, call ports.ToolCall) (ports.ToolResult, error) {
		return ports.ToolResult{Content: strings.Repeat("x", maxOutputChars+500)}, nil
	})
	registry.Freeze()

	executor := NewExecutor(registry, ExecutorConfig{})
	results := executor.ExecuteBatch(context.Background(), []ports.ToolCall{{ID: "1", Name: "huge"}})
	require.True(t, results[0].Truncated)
	assert.True(t, strings.HasSuffix(results[0].Content, truncationMarker))
	assert.LessOrEqual(t, len(results[0].Content), maxOutputChars+len(truncationMarker))
}

func TestCallTimeoutEnforced(t *testing.T) {
	registry := NewRegistry()
	registerStub(t, registry, "stall", false, func(ctx context.Context, call ports.ToolCall) (ports.ToolResult, error) {
		time.Sleep(time.Second)
		return ports.ToolResult{Content: "late"}, nil
	})
	registry.Freeze()

	executor := NewExecutor(registry, ExecutorConfig{CallTimeout: 20 * time.Millisecond})
	start := time.Now()
	results := executor.ExecuteBatch(context.Background(), []ports.ToolCall{{ID: "1", Name: "stall"}})
	require.Error(t, results[0].Error)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestCallAndResultEventsPublished(t *testing.T) {
	registry := NewRegistry()
	registerStub(t, registry, "echo", true, func(ctx context.Context, call ports.ToolCall) (ports.ToolResult, error) {
		return ports.ToolResult{Content: "hi"}, nil
	})
	registry.Freeze()

	eventBus := bus.New()
	defer eventBus.Close()

	executor := NewExecutor(registry, ExecutorConfig{}, WithEventBus(eventBus))
	executor.ExecuteBatch(context.Background(), []ports.ToolCall{{ID: "1", Name: "echo", TaskID: "task-1"}})

	events := eventBus.QueryByTask("task-1")
	require.Len(t, events, 2)
	assert.Equal(t, bus.TypeToolCall, events[0].Type)
	assert.Equal(t, bus.TypeToolResult, events[1].Type)
	assert.Equal(t, true, events[1].Payload["success"])
}

func TestSandboxInjectedForSandboxedTools(t *testing.T) {
	sandbox, err := NewSandbox(t.TempDir())
	require.NoError(t, err)

	registry := NewRegistry()
	var seen *Sandbox
	require.NoError(t, registry.Register(Tool{
		Definition: ports.ToolDefinition{Name: "fs", Description: "fs", Parameters: ports.ParameterSchema{Type: "object", Properties: map[string]ports.Property{}}},
		Scope:      ScopeSandboxed,
		ReadOnly:   true,
		Handler: func(ctx context.Context, call ports.ToolCall) (ports.ToolResult, error) {
			seen = SandboxFromContext(ctx)
			return ports.ToolResult{Content: "ok"}, nil
		},
	}))
	registry.Freeze()

	executor := NewExecutor(registry, ExecutorConfig{}, WithSandboxHandle(sandbox))
	executor.ExecuteBatch(context.Background(), []ports.ToolCall{{ID: "1", Name: "fs"}})
	require.NotNil(t, seen)
	assert.Error(t, seen.CheckPath("/etc/passwd"))
}

func TestRegistryFrozenRejectsRegistration(t *testing.T) {
	registry := NewRegistry()
	registerStub(t, registry, "first", true, func(ctx context.Context, call ports.ToolCall) (ports.ToolResult, error) {
		return ports.ToolResult{}, nil
	})
	registry.Freeze()

	err := registry.Register(Tool{
		Definition: ports.ToolDefinition{Name: "late", Parameters: ports.ParameterSchema{Type: "object"}},
		Handler: func(ctx context.Context, call ports.ToolCall) (ports.ToolResult, error) {
			return ports.ToolResult{}, nil
		},
	})
	assert.Error(t, err)
}
