package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"weave/internal/agent/ports"
	"weave/internal/bus"
	weavecontext "weave/internal/context"
	weaveerrors "weave/internal/errors"
	"weave/internal/llm"
	"weave/internal/logging"
	"weave/internal/memory"
	"weave/internal/skills"
	"weave/internal/task"
	"weave/internal/token"
	"weave/internal/tools"
)

// Dependencies are the shared services an agent tree runs on. Every agent
// in one tree sees the same bus, registry, executor, activator, and
// semantic store; memory tiers and scoped memory are per-agent.
type Dependencies struct {
	LLM       ports.LLMClient
	Bus       *bus.Bus
	Registry  *tools.Registry
	Executor  *tools.Executor
	Activator *skills.Activator
	Retriever ports.KnowledgeRetriever
	Counter   *token.Counter
	Semantic  *memory.SemanticStore
	Tracer    trace.Tracer

	TierConfig memory.TierConfig
}

// Agent is one reasoning node: it owns its working memory and scoped
// memory, and solves tasks through the iterate-reason-act loop.
type Agent struct {
	id     string
	config Config
	deps   Dependencies
	budget *Budget
	depth  int

	tiers  *memory.TierStore
	scoped *memory.ScopedMemory
	logger *logging.Logger
}

// Option configures an Agent.
type Option func(*Agent)

// WithBudget attaches a shared token budget.
func WithBudget(budget *Budget) Option {
	return func(a *Agent) { a.budget = budget }
}

// WithTiers overrides the agent's working-memory store.
func WithTiers(tiers *memory.TierStore) Option {
	return func(a *Agent) { a.tiers = tiers }
}

// WithScoped overrides the agent's scoped memory.
func WithScoped(scoped *memory.ScopedMemory) Option {
	return func(a *Agent) { a.scoped = scoped }
}

// New creates a root agent. The LLM client is wrapped with transient-error
// retry; permanent provider errors and mid-stream failures surface
// immediately.
func New(id string, config Config, deps Dependencies, opts ...Option) *Agent {
	config = config.normalized()
	if deps.LLM != nil {
		deps.LLM = llm.NewRetryClient(deps.LLM, retryConfigFor(config))
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("weave")
	}
	a := &Agent{
		id:     id,
		config: config,
		deps:   deps,
		logger: logging.ForComponent("agent." + id),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.tiers == nil {
		a.tiers = newTierStore(deps)
	}
	if a.scoped == nil {
		a.scoped = memory.NewScopedMemory(id)
	}
	return a
}

func retryConfigFor(config Config) weaveerrors.RetryConfig {
	retry := weaveerrors.DefaultRetryConfig()
	retry.MaxAttempts = config.MaxRetries
	return retry
}

func newTierStore(deps Dependencies) *memory.TierStore {
	var opts []memory.TierOption
	if deps.Bus != nil {
		opts = append(opts, memory.WithBus(deps.Bus))
	}
	return memory.NewTierStore(deps.TierConfig, deps.Semantic, opts...)
}

// ID returns the agent's node identifier.
func (a *Agent) ID() string { return a.id }

// Scoped exposes the agent's scoped memory.
func (a *Agent) Scoped() *memory.ScopedMemory { return a.scoped }

// Tiers exposes the agent's working-memory store.
func (a *Agent) Tiers() *memory.TierStore { return a.tiers }

// Config returns the agent's effective configuration.
func (a *Agent) Config() Config { return a.config }

// run is the per-Solve state: activation outcome, local tool table, and
// the growing conversation buffer.
type run struct {
	agent *Agent
	task  *task.Task

	instructions []string
	activated    []string
	nodes        []skills.NodeSpec
	compiled     map[string]tools.Tool

	conversation []ports.Message
	orchestrator *weavecontext.Orchestrator

	traceID string
	spanID  string

	iterations  int
	lastContent string
}

// Solve runs the reasoning loop on the task until a terminal state. The
// task is mutated in place; a non-nil error is also recorded on the task
// as a structured failure. A node.complete event is published on every
// path out, including cancellation.
func (a *Agent) Solve(ctx context.Context, t *task.Task) error {
	if t == nil {
		return fmt.Errorf("agent: nil task")
	}
	ctx, span := a.deps.Tracer.Start(ctx, "agent.solve")
	defer span.End()

	if err := t.Transition(task.StatusRunning); err != nil {
		return err
	}
	t.SetMeta(task.MetaDepth, a.depth)

	r := &run{agent: a, task: t, compiled: make(map[string]tools.Tool)}
	if sc := span.SpanContext(); sc.IsValid() {
		r.traceID = sc.TraceID().String()
		r.spanID = sc.SpanID().String()
		t.SetMeta(task.MetaTraceID, r.traceID)
		t.SetMeta(task.MetaSpanID, r.spanID)
	}

	a.publish(r, bus.TypeNodeStart, map[string]any{"action": string(t.Action)})
	a.tiers.AddTask(t)
	r.activate(ctx)
	r.orchestrator = a.newOrchestrator(r, 0)

	content, err := a.iterate(ctx, r)
	return a.finish(ctx, r, content, err)
}

// iterate runs the loop body until done, final answer, cancellation,
// budget exhaustion, or the iteration cap.
func (a *Agent) iterate(ctx context.Context, r *run) (string, error) {
	if a.deps.LLM == nil {
		return "", fmt.Errorf("agent: no LLM client configured")
	}
	for r.iterations = 0; r.iterations < a.config.MaxIterations; r.iterations++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if a.budget.Exhausted() {
			return "", ErrBudgetExceeded
		}

		messages, err := r.orchestrator.BuildContext(ctx, r.task)
		if err != nil {
			return "", err
		}
		messages = append(messages, r.conversation...)

		resp, err := a.complete(ctx, r, messages)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", err
		}
		r.lastContent = resp.Content

		if len(resp.ToolCalls) == 0 {
			if a.config.RequireDone {
				r.appendAssistant(resp.Content, nil)
				r.appendUser("Call the done tool with your final answer when the task is complete.")
				continue
			}
			return resp.Content, nil
		}

		r.appendAssistant(resp.Content, resp.ToolCalls)
		finished, content, err := a.dispatch(ctx, r, resp.ToolCalls)
		if err != nil {
			return "", err
		}
		if finished {
			return content, nil
		}
	}

	// Iteration cap reached: terminate with whatever the model last said.
	r.task.SetMeta("max_iterations_reached", true)
	return r.lastContent, nil
}

// complete issues one LLM call under the configured deadline, streaming
// content deltas as droppable node.thinking events and charging the shared
// budget with the reported usage.
func (a *Agent) complete(ctx context.Context, r *run, messages []ports.Message) (*ports.CompletionResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.config.LLMTimeout)
	defer cancel()

	resp, err := a.deps.LLM.StreamComplete(callCtx, ports.CompletionRequest{
		Messages: messages,
		Tools:    r.toolDefinitions(),
	}, ports.CompletionStreamCallbacks{
		OnContentDelta: func(delta ports.ContentDelta) {
			if delta.Delta == "" {
				return
			}
			a.publish(r, bus.TypeNodeThinking, map[string]any{"delta": delta.Delta})
		},
	})
	if err != nil {
		return nil, err
	}
	a.budget.Charge(resp.Usage.TotalTokens)
	return resp, nil
}

// finish records the terminal state, updates memory, and publishes the
// terminal lifecycle event.
func (a *Agent) finish(ctx context.Context, r *run, content string, loopErr error) error {
	t := r.task
	status := task.StatusCompleted
	switch {
	case loopErr == nil:
		result := map[string]any{task.ResultContent: content}
		if a.config.SelfEvaluate {
			if metrics := a.selfEvaluate(ctx, r, content); metrics != nil {
				result[task.ResultQualityMetrics] = metrics
				if confidence, ok := metrics["confidence"]; ok {
					t.SetMeta(task.MetaImportance, confidence)
				}
			}
		}
		t.SetResult(result)
		_ = t.Transition(task.StatusCompleted)
	case loopErr == context.Canceled || loopErr == context.DeadlineExceeded:
		status = task.StatusCancelled
		_ = t.Transition(task.StatusCancelled)
	default:
		status = task.StatusFailed
		_ = t.Fail(failureKind(loopErr), loopErr, 0)
		a.publish(r, bus.TypeNodeError, map[string]any{
			"error":       loopErr.Error(),
			"kind":        failureKind(loopErr),
			"recoverable": false,
		})
	}

	a.tiers.PromoteTasksAsync(context.WithoutCancel(ctx))
	a.publish(r, bus.TypeNodeComplete, map[string]any{
		"status":     string(status),
		"iterations": r.iterations,
	})
	return loopErr
}

func failureKind(err error) string {
	switch {
	case err == ErrBudgetExceeded:
		return "budget_exceeded"
	case weaveerrors.IsTransient(err):
		return "transient"
	default:
		return "permanent"
	}
}

// BuildContext assembles the agent's context window for a task without
// running the loop: no skill activation, no conversation buffer. Session
// aggregation uses it to snapshot an agent's view under an explicit
// budget; maxTokens <= 0 keeps the configured window.
func (a *Agent) BuildContext(ctx context.Context, t *task.Task, maxTokens int) ([]ports.Message, error) {
	r := &run{agent: a, task: t, compiled: make(map[string]tools.Tool)}
	return a.newOrchestrator(r, maxTokens).BuildContext(ctx, t)
}

// newOrchestrator wires the seven context sources over this run's state.
// maxTokens overrides the configured window when positive.
func (a *Agent) newOrchestrator(r *run, maxTokens int) *weavecontext.Orchestrator {
	config := weavecontext.DefaultConfig()
	config.MaxContextTokens = a.config.MaxContextTokens
	if maxTokens > 0 {
		config.MaxContextTokens = maxTokens
	}
	config.OutputReserveRatio = a.config.OutputReserveRatio
	config.Model = a.config.Model

	prompt := weavecontext.NewPromptSource(a.config.SystemPrompt, func() []string {
		return r.instructions
	})
	return weavecontext.NewOrchestrator(config, a.deps.Counter, prompt,
		weavecontext.NewUserInputSource(),
		weavecontext.NewToolsSource(r.toolDefinitions),
		weavecontext.NewSkillsSource(r.activeSkills),
		weavecontext.NewMemoryTierSource(a.tiers),
		weavecontext.NewKnowledgeSource(a.deps.Retriever, 3),
		weavecontext.NewAgentOutputSource(a.tiers),
	)
}

// activate runs skill activation once, before the first iteration. Skill
// instructions join the system prompt, compiled actions join the local tool
// table, and agent-form skills become delegation targets.
func (r *run) activate(ctx context.Context) {
	a := r.agent
	if a.deps.Activator == nil {
		return
	}
	activation, err := a.deps.Activator.Activate(ctx, r.task, a.config.enabledSkillSet())
	if err != nil {
		a.logger.Warn("Skill activation failed, continuing bare: %v", err)
		return
	}
	r.instructions = activation.Instructions
	r.activated = activation.Skills
	r.nodes = activation.Nodes
	for _, tool := range activation.CompiledTools {
		r.compiled[tool.Definition.Name] = tool
	}
}

// activeSkills reports non-instruction activations for the context window;
// instruction bodies already live in the system prompt.
func (r *run) activeSkills() []weavecontext.ActiveSkill {
	var out []weavecontext.ActiveSkill
	for name := range r.compiled {
		out = append(out, weavecontext.ActiveSkill{
			Name:         name,
			Instructions: "compiled action available as a tool",
		})
	}
	for _, node := range r.nodes {
		out = append(out, weavecontext.ActiveSkill{
			Name:         node.SkillName,
			Instructions: "specialist available via delegate_task with agent=" + node.SkillName,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// toolDefinitions is the tool surface offered to the model: the shared
// registry minus disabled tools, plus compiled skill actions and the
// meta-tools.
func (r *run) toolDefinitions() []ports.ToolDefinition {
	a := r.agent
	var defs []ports.ToolDefinition
	if a.deps.Registry != nil {
		for _, def := range a.deps.Registry.Definitions() {
			if a.config.toolAllowed(def.Name) {
				defs = append(defs, def)
			}
		}
	}
	compiledNames := make([]string, 0, len(r.compiled))
	for name := range r.compiled {
		compiledNames = append(compiledNames, name)
	}
	sort.Strings(compiledNames)
	for _, name := range compiledNames {
		defs = append(defs, r.compiled[name].Definition)
	}
	return append(defs, metaToolDefinitions()...)
}

func (r *run) appendAssistant(content string, calls []ports.ToolCall) {
	r.conversation = append(r.conversation, ports.Message{
		Role:      "assistant",
		Content:   content,
		ToolCalls: calls,
	})
}

func (r *run) appendUser(content string) {
	r.conversation = append(r.conversation, ports.Message{Role: "user", Content: content})
}

func (r *run) appendToolResult(call ports.ToolCall, result ports.ToolResult) {
	content := result.Content
	if result.Error != nil {
		content = weaveerrors.FormatForModel(result.Error)
	}
	r.conversation = append(r.conversation, ports.Message{
		Role:       "tool",
		Content:    content,
		ToolCallID: call.ID,
	})
}

// publish emits one event stamped with this run's task and trace identity.
func (a *Agent) publish(r *run, eventType bus.Type, payload map[string]any) {
	if a.deps.Bus == nil {
		return
	}
	event := bus.NewEvent(eventType, a.id)
	event.TaskID = r.task.TaskID
	event.Action = string(r.task.Action)
	event.Payload = payload
	event.TraceID = r.traceID
	event.SpanID = r.spanID
	if err := a.deps.Bus.Publish(event); err != nil {
		a.logger.Debug("Failed to publish %s: %v", eventType, err)
	}
}

// selfEvaluate asks the model to grade its own answer. Failures are
// swallowed: evaluation never blocks completion.
func (a *Agent) selfEvaluate(ctx context.Context, r *run, answer string) map[string]float64 {
	if a.deps.LLM == nil || answer == "" {
		return nil
	}
	evalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.config.LLMTimeout)
	defer cancel()

	resp, err := a.deps.LLM.StreamComplete(evalCtx, ports.CompletionRequest{
		Messages: []ports.Message{
			{Role: "system", Content: `Grade the answer to the task. Reply with JSON only: {"confidence":0..1,"coverage":0..1,"novelty":0..1}`},
			{Role: "user", Content: fmt.Sprintf("Task: %s\n\nAnswer: %s", r.task.Content(), answer)},
		},
	}, ports.CompletionStreamCallbacks{})
	if err != nil {
		a.logger.Debug("Self-evaluation failed: %v", err)
		return nil
	}
	a.budget.Charge(resp.Usage.TotalTokens)
	return parseQualityMetrics(resp.Content)
}

// taskChildID derives a hierarchical node id for a delegated child.
func (a *Agent) taskChildID() string {
	return a.id + "/" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}
