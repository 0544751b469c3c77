package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"weave/internal/agent/ports"
	"weave/internal/bus"
	"weave/internal/logging"
	"weave/internal/memory"
	"weave/internal/skills"
	"weave/internal/task"
)

// ErrDepthLimitExceeded reports that another delegation level would exceed
// the recursion limit.
var ErrDepthLimitExceeded = fmt.Errorf("agent: delegation depth limit exceeded")

// seedLimit caps how many shared entries a hint match warms into a child's
// inherited cache.
const seedLimit = 8

// DelegateOptions shapes a child agent for one delegated sub-task.
type DelegateOptions struct {
	Description  string
	ContextHints []string
	Specialist   *skills.NodeSpec

	AddSkills    []string
	RemoveSkills []string
	AddTools     []string
	RemoveTools  []string
}

// delegateFromCall adapts a delegate_task tool call into Delegate.
func (a *Agent) delegateFromCall(ctx context.Context, r *run, call ports.ToolCall) (string, error) {
	opts := DelegateOptions{
		Description:  argString(call.Arguments, "description"),
		ContextHints: argStrings(call.Arguments, "context_hints"),
		AddSkills:    argStrings(call.Arguments, "add_skills"),
		RemoveSkills: argStrings(call.Arguments, "remove_skills"),
		AddTools:     argStrings(call.Arguments, "add_tools"),
		RemoveTools:  argStrings(call.Arguments, "remove_tools"),
	}
	if opts.Description == "" {
		return "", fmt.Errorf("delegate_task: description is required")
	}
	if specialist := argString(call.Arguments, "agent"); specialist != "" {
		for i := range r.nodes {
			if skills.NormalizeName(r.nodes[i].SkillName) == skills.NormalizeName(specialist) {
				opts.Specialist = &r.nodes[i]
				break
			}
		}
		if opts.Specialist == nil {
			return "", fmt.Errorf("delegate_task: no specialist named %q is active", specialist)
		}
	}
	return a.Delegate(ctx, r.task, opts)
}

// Delegate spawns a child agent for the sub-task and blocks until it
// terminates. The child inherits the bus, registries, and token budget;
// its working memory and conversation are its own, and its scoped memory
// sees the parent's shared state through the inherited scope. At
// termination the child's shared entries merge back, win-or-lose.
func (a *Agent) Delegate(ctx context.Context, parent *task.Task, opts DelegateOptions) (string, error) {
	if a.depth+1 > a.config.MaxRecursionDepth {
		return "", fmt.Errorf("%w: depth %d", ErrDepthLimitExceeded, a.depth+1)
	}
	if a.budget.Exhausted() {
		return "", ErrBudgetExceeded
	}

	childID := a.taskChildID()
	childTask := task.New(task.ActionDelegate, map[string]any{"content": opts.Description})
	childTask.ParentTaskID = parent.TaskID
	childTask.SessionID = parent.SessionID
	childTask.SourceAgent = a.id
	childTask.TargetAgent = childID

	a.publishDelegation(bus.TypeTaskDelegate, a.id, childID, childTask, map[string]any{
		"description": opts.Description,
	})

	childConfig := a.config.Inherit(opts.AddSkills, opts.RemoveSkills, opts.AddTools, opts.RemoveTools)
	if opts.Specialist != nil {
		childConfig.SystemPrompt = opts.Specialist.Prompt
		childConfig.ExtraTools = mergeSets(childConfig.ExtraTools, opts.Specialist.Tools, nil)
	}

	childScoped := a.scoped.NewChild(childID)
	a.seedInherited(childScoped, opts.ContextHints)

	child := &Agent{
		id:     childID,
		config: childConfig,
		deps:   a.deps,
		budget: a.budget,
		depth:  a.depth + 1,
		tiers:  newTierStore(a.deps),
		scoped: childScoped,
		logger: logging.ForComponent("agent." + childID),
	}

	a.publishDelegation(bus.TypeTaskAccept, childID, a.id, childTask, nil)
	err := child.Solve(ctx, childTask)

	// The merge happens regardless of outcome: partial shared findings from
	// a failed child are still findings.
	a.scoped.MergeSharedFrom(childScoped)
	a.publishResultEvent(childID, childTask, err)

	if err != nil {
		return "", fmt.Errorf("delegated task %s: %w", childTask.TaskID, err)
	}
	return childTask.ResultContentString(), nil
}

// seedInherited warms the child's inherited cache with the shared and
// global entries whose ids match the context hints, most recent first.
func (a *Agent) seedInherited(child *memory.ScopedMemory, hints []string) {
	if len(hints) == 0 {
		return
	}
	entries := append(a.scoped.ListByScope(memory.ScopeShared), a.scoped.ListByScope(memory.ScopeGlobal)...)

	var matched []memory.Entry
	for _, entry := range entries {
		id := strings.ToLower(entry.ID)
		for _, hint := range hints {
			hint = strings.ToLower(strings.TrimSpace(hint))
			if hint != "" && (strings.Contains(id, hint) || strings.Contains(hint, id)) {
				matched = append(matched, entry)
				break
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].UpdatedAt.After(matched[j].UpdatedAt) })
	if len(matched) > seedLimit {
		matched = matched[:seedLimit]
	}
	for _, entry := range matched {
		if _, err := child.Read(entry.ID, memory.ScopeInherited); err != nil {
			a.logger.Debug("Failed to seed inherited entry %s: %v", entry.ID, err)
		}
	}
}

func (a *Agent) publishDelegation(eventType bus.Type, source, target string, t *task.Task, payload map[string]any) {
	if a.deps.Bus == nil {
		return
	}
	event := bus.NewEvent(eventType, source)
	event.TargetNode = target
	event.TaskID = t.TaskID
	event.Action = string(t.Action)
	event.Payload = payload
	if err := a.deps.Bus.Publish(event); err != nil {
		a.logger.Debug("Failed to publish %s: %v", eventType, err)
	}
}

// publishResultEvent emits the task.result envelope request/reply
// correlates on.
func (a *Agent) publishResultEvent(childID string, childTask *task.Task, err error) {
	payload := map[string]any{}
	if err != nil {
		payload["status"] = "failed"
		payload["error"] = map[string]any{
			"kind":    failureKind(err),
			"message": err.Error(),
		}
	} else {
		payload["status"] = string(childTask.CurrentStatus())
		payload["content"] = childTask.ResultContentString()
	}
	a.publishDelegation(bus.TypeTaskResult, childID, a.id, childTask, payload)
}
