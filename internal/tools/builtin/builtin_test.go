package builtin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weave/internal/agent/ports"
	"weave/internal/tools"
)

func TestEchoReturnsInput(t *testing.T) {
	registry := tools.NewRegistry()
	require.NoError(t, RegisterDefaults(registry))
	registry.Freeze()

	executor := tools.NewExecutor(registry, tools.ExecutorConfig{})
	results := executor.ExecuteBatch(context.Background(), []ports.ToolCall{
		{ID: "1", Name: "echo", Arguments: map[string]any{"text": "hello"}},
	})
	require.NoError(t, results[0].Error)
	assert.Equal(t, "hello", results[0].Content)
}

func TestFileToolsRespectSandbox(t *testing.T) {
	workspace := t.TempDir()
	sandbox, err := tools.NewSandbox(workspace)
	require.NoError(t, err)

	registry := tools.NewRegistry()
	require.NoError(t, RegisterDefaults(registry))
	registry.Freeze()

	executor := tools.NewExecutor(registry, tools.ExecutorConfig{}, tools.WithSandboxHandle(sandbox))

	inside := filepath.Join(workspace, "notes.txt")
	results := executor.ExecuteBatch(context.Background(), []ports.ToolCall{
		{ID: "1", Name: "write_file", Arguments: map[string]any{"path": inside, "content": "finding"}},
		{ID: "2", Name: "read_file", Arguments: map[string]any{"path": inside}},
		{ID: "3", Name: "read_file", Arguments: map[string]any{"path": "/etc/hostname"}},
	})

	require.NoError(t, results[0].Error)
	require.NoError(t, results[1].Error)
	assert.Equal(t, "finding", results[1].Content)
	require.Error(t, results[2].Error, "paths outside the allowlist are refused")
	assert.Contains(t, results[2].Error.Error(), "sandbox")
}

func TestListDirShowsWorkspaceEntries(t *testing.T) {
	workspace := t.TempDir()
	sandbox, err := tools.NewSandbox(workspace)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(workspace, "sub"), 0o755))

	registry := tools.NewRegistry()
	require.NoError(t, RegisterDefaults(registry))
	registry.Freeze()

	executor := tools.NewExecutor(registry, tools.ExecutorConfig{}, tools.WithSandboxHandle(sandbox))
	results := executor.ExecuteBatch(context.Background(), []ports.ToolCall{
		{ID: "1", Name: "list_dir", Arguments: map[string]any{"path": workspace}},
		{ID: "2", Name: "list_dir", Arguments: map[string]any{"path": "/etc"}},
	})

	require.NoError(t, results[0].Error)
	assert.Contains(t, results[0].Content, "notes.txt\n")
	assert.Contains(t, results[0].Content, "sub/\n")
	require.Error(t, results[1].Error)
	assert.Contains(t, results[1].Error.Error(), "sandbox")
}

func TestRunShellExecutesInWorkspace(t *testing.T) {
	workspace := t.TempDir()
	sandbox, err := tools.NewSandbox(workspace)
	require.NoError(t, err)

	registry := tools.NewRegistry()
	require.NoError(t, RegisterDefaults(registry))
	registry.Freeze()

	executor := tools.NewExecutor(registry, tools.ExecutorConfig{}, tools.WithSandboxHandle(sandbox))
	results := executor.ExecuteBatch(context.Background(), []ports.ToolCall{
		{ID: "1", Name: "run_shell", Arguments: map[string]any{"command": "pwd"}},
		{ID: "2", Name: "run_shell", Arguments: map[string]any{"command": "exit 3"}},
		{ID: "3", Name: "run_shell", Arguments: map[string]any{"command": "pwd", "workdir": "/etc"}},
	})

	require.NoError(t, results[0].Error)
	assert.Contains(t, results[0].Content, filepath.Base(workspace))
	require.Error(t, results[1].Error)
	assert.Contains(t, results[1].Error.Error(), "exited 3")
	require.Error(t, results[2].Error, "working directory outside the allowlist is refused")
	assert.Contains(t, results[2].Error.Error(), "sandbox")
}

func TestRunShellRefusesWithoutSandbox(t *testing.T) {
	registry := tools.NewRegistry()
	require.NoError(t, RegisterDefaults(registry))
	registry.Freeze()

	executor := tools.NewExecutor(registry, tools.ExecutorConfig{})
	results := executor.ExecuteBatch(context.Background(), []ports.ToolCall{
		{ID: "1", Name: "run_shell", Arguments: map[string]any{"command": "pwd"}},
	})
	require.Error(t, results[0].Error)
}

func TestFileToolsRefuseWithoutSandbox(t *testing.T) {
	registry := tools.NewRegistry()
	require.NoError(t, RegisterDefaults(registry))
	registry.Freeze()

	executor := tools.NewExecutor(registry, tools.ExecutorConfig{})
	results := executor.ExecuteBatch(context.Background(), []ports.ToolCall{
		{ID: "1", Name: "read_file", Arguments: map[string]any{"path": "/tmp/x"}},
	})
	require.Error(t, results[0].Error)
}
