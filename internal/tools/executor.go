package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"weave/internal/agent/ports"
	"weave/internal/bus"
	"weave/internal/logging"
)

const (
	defaultConcurrencyLimit = 10
	defaultCallTimeout      = 120 * time.Second

	// Output caps: whichever is hit first truncates with a marker.
	maxOutputBytes = 1 << 20 // 1 MiB
	maxOutputChars = 100_000

	truncationMarker = "\n...[output truncated]"
)

// ExecutorConfig tunes batch execution.
type ExecutorConfig struct {
	ConcurrencyLimit int           `mapstructure:"tool_concurrency_limit"`
	CallTimeout      time.Duration `mapstructure:"tool_call_timeout"`
}

// Executor runs tool-call batches against a registry: read-only calls in
// parallel under a concurrency bound, mutating calls strictly serially,
// results always in issue order.
type Executor struct {
	registry   *Registry
	bus        *bus.Bus
	sandbox    *Sandbox
	config     ExecutorConfig
	registerer prometheus.Registerer
	executions *prometheus.CounterVec
	logger     *logging.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithEventBus publishes tool.call / tool.result events for every call.
func WithEventBus(b *bus.Bus) ExecutorOption {
	return func(e *Executor) { e.bus = b }
}

// WithSandboxHandle injects the sandbox into sandboxed tool calls.
func WithSandboxHandle(sandbox *Sandbox) ExecutorOption {
	return func(e *Executor) { e.sandbox = sandbox }
}

// WithRegisterer registers the executor's metrics with the given registry
// instead of a private one.
func WithRegisterer(registerer prometheus.Registerer) ExecutorOption {
	return func(e *Executor) { e.registerer = registerer }
}

// NewExecutor builds an executor over the registry.
func NewExecutor(registry *Registry, config ExecutorConfig, opts ...ExecutorOption) *Executor {
	if config.ConcurrencyLimit <= 0 {
		config.ConcurrencyLimit = defaultConcurrencyLimit
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = defaultCallTimeout
	}
	e := &Executor{
		registry: registry,
		config:   config,
		logger:   logging.ForComponent("tools.executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registerer == nil {
		e.registerer = prometheus.NewRegistry()
	}
	e.executions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "weave",
		Subsystem: "tools",
		Name:      "executions_total",
		Help:      "Tool executions, by tool and outcome.",
	}, []string{"tool", "outcome"})
	e.registerer.MustRegister(e.executions)
	return e
}

// batchGroup is a maximal contiguous run of same-class calls.
type batchGroup struct {
	start    int
	calls    []ports.ToolCall
	readOnly bool
}

// ExecuteBatch runs the calls and returns one result per call, in the
// order the calls were issued.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []ports.ToolCall) []ports.ToolResult {
	results := make([]ports.ToolResult, len(calls))
	for _, group := range e.partition(calls) {
		if group.readOnly {
			e.runParallel(ctx, group, results)
		} else {
			e.runSerial(ctx, group, results)
		}
	}
	return results
}

// partition splits the batch into maximal contiguous groups of the same
// execution class, preserving issue order. Unknown tools classify as
// mutating.
func (e *Executor) partition(calls []ports.ToolCall) []batchGroup {
	var groups []batchGroup
	for i, call := range calls {
		readOnly := false
		if tool, ok := e.registry.Get(call.Name); ok {
			readOnly = tool.ReadOnly
		}
		if len(groups) > 0 && groups[len(groups)-1].readOnly == readOnly {
			groups[len(groups)-1].calls = append(groups[len(groups)-1].calls, call)
			continue
		}
		groups = append(groups, batchGroup{start: i, calls: []ports.ToolCall{call}, readOnly: readOnly})
	}
	return groups
}

func (e *Executor) runParallel(ctx context.Context, group batchGroup, results []ports.ToolResult) {
	sem := semaphore.NewWeighted(int64(e.config.ConcurrencyLimit))
	var wg sync.WaitGroup
	for offset, call := range group.calls {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[group.start+offset] = errorResult(call, err)
			continue
		}
		wg.Add(1)
		go func(index int, call ports.ToolCall) {
			defer wg.Done()
			defer sem.Release(1)
			results[index] = e.runOne(ctx, call)
		}(group.start+offset, call)
	}
	wg.Wait()
}

func (e *Executor) runSerial(ctx context.Context, group batchGroup, results []ports.ToolResult) {
	for offset, call := range group.calls {
		results[group.start+offset] = e.runOne(ctx, call)
	}
}

// runOne executes a single call: publish tool.call, validate, run under
// the per-call timeout, truncate oversized output, publish tool.result.
func (e *Executor) runOne(ctx context.Context, call ports.ToolCall) ports.ToolResult {
	e.publishCall(call)

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		result := errorResult(call, fmt.Errorf("tools: unknown tool %q", call.Name))
		e.publishResult(call, result)
		return result
	}

	if err := tool.validateArguments(call); err != nil {
		result := errorResult(call, err)
		e.publishResult(call, result)
		return result
	}

	callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	defer cancel()
	if tool.Scope == ScopeSandboxed && e.sandbox != nil {
		callCtx = WithSandbox(callCtx, e.sandbox)
	}

	result := e.invoke(callCtx, tool, call)
	result = truncateResult(result)
	outcome := "ok"
	if result.Error != nil {
		outcome = "error"
	}
	e.executions.WithLabelValues(call.Name, outcome).Inc()
	e.publishResult(call, result)
	return result
}

// invoke runs the handler on its own goroutine so a handler that ignores
// context cancellation still cannot stall the batch past the timeout.
func (e *Executor) invoke(ctx context.Context, tool *Tool, call ports.ToolCall) ports.ToolResult {
	type outcome struct {
		result ports.ToolResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- outcome{err: fmt.Errorf("tool panic: %v", recovered)}
			}
		}()
		result, err := tool.Handler(ctx, call)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return errorResult(call, out.err)
		}
		result := out.result
		result.CallID = call.ID
		result.TaskID = call.TaskID
		result.SessionID = call.SessionID
		return result
	case <-ctx.Done():
		e.logger.Warn("Tool %s timed out or was cancelled: %v", call.Name, ctx.Err())
		return errorResult(call, ctx.Err())
	}
}

func errorResult(call ports.ToolCall, err error) ports.ToolResult {
	return ports.ToolResult{
		CallID:    call.ID,
		Error:     err,
		TaskID:    call.TaskID,
		SessionID: call.SessionID,
	}
}

// truncateResult caps tool output at the byte and character limits.
func truncateResult(result ports.ToolResult) ports.ToolResult {
	content := result.Content
	if len(content) <= maxOutputBytes {
		runes := []rune(content)
		if len(runes) <= maxOutputChars {
			return result
		}
		result.Content = string(runes[:maxOutputChars]) + truncationMarker
		result.Truncated = true
		return result
	}

	cut := content[:maxOutputBytes]
	// Back off to a rune boundary.
	for len(cut) > 0 && cut[len(cut)-1]&0xC0 == 0x80 {
		cut = cut[:len(cut)-1]
	}
	result.Content = cut + truncationMarker
	result.Truncated = true
	return result
}

func (e *Executor) publishCall(call ports.ToolCall) {
	if e.bus == nil {
		return
	}
	event := bus.NewEvent(bus.TypeToolCall, "tools")
	event.TaskID = call.TaskID
	event.Payload = map[string]any{
		"call_id":   call.ID,
		"tool":      call.Name,
		"arguments": call.Arguments,
	}
	if err := e.bus.Publish(event); err != nil {
		e.logger.Debug("Failed to publish tool.call: %v", err)
	}
}

func (e *Executor) publishResult(call ports.ToolCall, result ports.ToolResult) {
	if e.bus == nil {
		return
	}
	event := bus.NewEvent(bus.TypeToolResult, "tools")
	event.TaskID = call.TaskID
	payload := map[string]any{
		"call_id":   call.ID,
		"tool":      call.Name,
		"content":   result.Content,
		"truncated": result.Truncated,
		"success":   result.Error == nil,
	}
	if result.Error != nil {
		payload["error"] = result.Error.Error()
	}
	event.Payload = payload
	if err := e.bus.Publish(event); err != nil {
		e.logger.Debug("Failed to publish tool.result: %v", err)
	}
}
