package tools

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Sandbox restricts filesystem access for sandboxed tools to an allowlist
// of root directories. The executor injects it into the call context for
// every tool registered with ScopeSandboxed.
type Sandbox struct {
	allowed []string
}

// NewSandbox builds a sandbox over the given allowlisted roots. Paths are
// normalized to absolute form.
func NewSandbox(roots ...string) (*Sandbox, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("tools: sandbox needs at least one allowed root")
	}
	allowed := make([]string, 0, len(roots))
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("tools: resolve sandbox root %s: %w", root, err)
		}
		allowed = append(allowed, filepath.Clean(abs))
	}
	return &Sandbox{allowed: allowed}, nil
}

// CheckPath verifies the path resolves inside one of the allowed roots.
func (s *Sandbox) CheckPath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("tools: resolve path %s: %w", path, err)
	}
	abs = filepath.Clean(abs)
	for _, root := range s.allowed {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("tools: path %s outside sandbox allowlist", path)
}

// Roots returns the allowed root directories.
func (s *Sandbox) Roots() []string {
	out := make([]string, len(s.allowed))
	copy(out, s.allowed)
	return out
}

type sandboxKey struct{}

// WithSandbox attaches the sandbox to the context.
func WithSandbox(ctx context.Context, sandbox *Sandbox) context.Context {
	return context.WithValue(ctx, sandboxKey{}, sandbox)
}

// SandboxFromContext returns the sandbox injected by the executor, or nil
// for non-sandboxed calls.
func SandboxFromContext(ctx context.Context) *Sandbox {
	sandbox, _ := ctx.Value(sandboxKey{}).(*Sandbox)
	return sandbox
}
