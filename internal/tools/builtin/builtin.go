// Package builtin provides the stock tool set: echo for plumbing checks,
// sandboxed file access, and shell execution for task workspaces.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"weave/internal/agent/ports"
	"weave/internal/tools"
)

// RegisterDefaults installs the stock tools into the registry.
func RegisterDefaults(registry *tools.Registry) error {
	for _, tool := range []tools.Tool{Echo(), ReadFile(), WriteFile(), ListDir(), RunShell()} {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// Echo returns its text argument unchanged.
func Echo() tools.Tool {
	return tools.Tool{
		Definition: ports.ToolDefinition{
			Name:        "echo",
			Description: "Return the given text unchanged.",
			Parameters: ports.ParameterSchema{
				Type: "object",
				Properties: map[string]ports.Property{
					"text": {Type: "string", Description: "Text to echo back"},
				},
				Required: []string{"text"},
			},
		},
		Scope:    tools.ScopeContext,
		ReadOnly: true,
		Handler: func(_ context.Context, call ports.ToolCall) (ports.ToolResult, error) {
			text, _ := call.Arguments["text"].(string)
			return ports.ToolResult{Content: text}, nil
		},
	}
}

// ReadFile reads a file inside the sandbox allowlist.
func ReadFile() tools.Tool {
	return tools.Tool{
		Definition: ports.ToolDefinition{
			Name:        "read_file",
			Description: "Read a text file from the task workspace.",
			Parameters: ports.ParameterSchema{
				Type: "object",
				Properties: map[string]ports.Property{
					"path": {Type: "string", Description: "File path to read"},
				},
				Required: []string{"path"},
			},
		},
		Scope:    tools.ScopeSandboxed,
		ReadOnly: true,
		Handler: func(ctx context.Context, call ports.ToolCall) (ports.ToolResult, error) {
			path, _ := call.Arguments["path"].(string)
			if err := checkSandbox(ctx, path); err != nil {
				return ports.ToolResult{}, err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return ports.ToolResult{}, fmt.Errorf("read %s: %w", path, err)
			}
			return ports.ToolResult{Content: string(data)}, nil
		},
	}
}

// WriteFile writes a file inside the sandbox allowlist.
func WriteFile() tools.Tool {
	return tools.Tool{
		Definition: ports.ToolDefinition{
			Name:        "write_file",
			Description: "Write a text file into the task workspace.",
			Parameters: ports.ParameterSchema{
				Type: "object",
				Properties: map[string]ports.Property{
					"path":    {Type: "string", Description: "File path to write"},
					"content": {Type: "string", Description: "File content"},
				},
				Required: []string{"path", "content"},
			},
		},
		Scope:    tools.ScopeSandboxed,
		ReadOnly: false,
		Handler: func(ctx context.Context, call ports.ToolCall) (ports.ToolResult, error) {
			path, _ := call.Arguments["path"].(string)
			content, _ := call.Arguments["content"].(string)
			if err := checkSandbox(ctx, path); err != nil {
				return ports.ToolResult{}, err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return ports.ToolResult{}, fmt.Errorf("create parent dir: %w", err)
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return ports.ToolResult{}, fmt.Errorf("write %s: %w", path, err)
			}
			return ports.ToolResult{Content: fmt.Sprintf("wrote %d bytes to %s", len(content), path)}, nil
		},
	}
}

// ListDir lists a directory inside the sandbox allowlist.
func ListDir() tools.Tool {
	return tools.Tool{
		Definition: ports.ToolDefinition{
			Name:        "list_dir",
			Description: "List the entries of a directory in the task workspace.",
			Parameters: ports.ParameterSchema{
				Type: "object",
				Properties: map[string]ports.Property{
					"path": {Type: "string", Description: "Directory path to list"},
				},
				Required: []string{"path"},
			},
		},
		Scope:    tools.ScopeSandboxed,
		ReadOnly: true,
		Handler: func(ctx context.Context, call ports.ToolCall) (ports.ToolResult, error) {
			path, _ := call.Arguments["path"].(string)
			if err := checkSandbox(ctx, path); err != nil {
				return ports.ToolResult{}, err
			}
			entries, err := os.ReadDir(path)
			if err != nil {
				return ports.ToolResult{}, fmt.Errorf("list %s: %w", path, err)
			}
			var b strings.Builder
			for _, entry := range entries {
				b.WriteString(entry.Name())
				if entry.IsDir() {
					b.WriteByte('/')
				}
				b.WriteByte('\n')
			}
			return ports.ToolResult{Content: b.String()}, nil
		},
	}
}

// RunShell executes a shell command with the workspace as working
// directory. The working directory must pass the sandbox allowlist; the
// command itself is not otherwise confined, so the tool stays disabled
// unless a sandbox handle is configured.
func RunShell() tools.Tool {
	return tools.Tool{
		Definition: ports.ToolDefinition{
			Name:        "run_shell",
			Description: "Run a shell command inside the task workspace and return its combined output.",
			Parameters: ports.ParameterSchema{
				Type: "object",
				Properties: map[string]ports.Property{
					"command": {Type: "string", Description: "Shell command to run"},
					"workdir": {Type: "string", Description: "Working directory; defaults to the workspace root"},
				},
				Required: []string{"command"},
			},
		},
		Scope:    tools.ScopeSandboxed,
		ReadOnly: false,
		Handler: func(ctx context.Context, call ports.ToolCall) (ports.ToolResult, error) {
			command, _ := call.Arguments["command"].(string)
			if strings.TrimSpace(command) == "" {
				return ports.ToolResult{}, fmt.Errorf("run_shell: empty command")
			}
			sandbox := tools.SandboxFromContext(ctx)
			if sandbox == nil {
				return ports.ToolResult{}, fmt.Errorf("no sandbox configured for shell access")
			}
			workdir, _ := call.Arguments["workdir"].(string)
			if workdir == "" {
				workdir = sandbox.Roots()[0]
			}
			if err := sandbox.CheckPath(workdir); err != nil {
				return ports.ToolResult{}, err
			}

			cmd := exec.CommandContext(ctx, "sh", "-c", command)
			cmd.Dir = workdir
			output, err := cmd.CombinedOutput()
			if err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					return ports.ToolResult{}, fmt.Errorf("command exited %d: %s", exitErr.ExitCode(), strings.TrimSpace(string(output)))
				}
				return ports.ToolResult{}, fmt.Errorf("run command: %w", err)
			}
			return ports.ToolResult{Content: string(output)}, nil
		},
	}
}

// checkSandbox enforces the allowlist when a sandbox handle is present.
// Sandboxed tools invoked without a handle refuse filesystem access.
func checkSandbox(ctx context.Context, path string) error {
	sandbox := tools.SandboxFromContext(ctx)
	if sandbox == nil {
		return fmt.Errorf("no sandbox configured for filesystem access")
	}
	return sandbox.CheckPath(path)
}
