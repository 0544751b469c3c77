package agent

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"weave/internal/agent/ports"
	"weave/internal/bus"
	"weave/internal/task"
)

// Meta-tool names. These are intercepted by the loop and never reach the
// tool executor.
const (
	metaDone          = "done"
	metaCreatePlan    = "create_plan"
	metaDelegateTask  = "delegate_task"
	metaQueryL1       = "query_l1_memory"
	metaQueryL2       = "query_l2_memory"
	metaQueryEvents   = "query_events_by_action"
	defaultQueryLimit = 10
)

func isMetaTool(name string) bool {
	switch name {
	case metaDone, metaCreatePlan, metaDelegateTask, metaQueryL1, metaQueryL2, metaQueryEvents:
		return true
	default:
		return false
	}
}

// metaToolDefinitions describes the loop-control tools offered alongside
// the registry tools.
func metaToolDefinitions() []ports.ToolDefinition {
	return []ports.ToolDefinition{
		{
			Name:        metaDone,
			Description: "Finish the task with the final answer.",
			Parameters: ports.ParameterSchema{
				Type: "object",
				Properties: map[string]ports.Property{
					"content": {Type: "string", Description: "The final answer"},
				},
				Required: []string{"content"},
			},
		},
		{
			Name:        metaCreatePlan,
			Description: "Break the task into an ordered list of sub-task steps to work through.",
			Parameters: ports.ParameterSchema{
				Type: "object",
				Properties: map[string]ports.Property{
					"steps": {Type: "array", Description: "Ordered sub-task descriptions", Items: &ports.Property{Type: "string"}},
				},
				Required: []string{"steps"},
			},
		},
		{
			Name:        metaDelegateTask,
			Description: "Hand a sub-task to a child agent and wait for its answer.",
			Parameters: ports.ParameterSchema{
				Type: "object",
				Properties: map[string]ports.Property{
					"description":   {Type: "string", Description: "What the child agent should do"},
					"context_hints": {Type: "array", Description: "Shared memory entry ids the child needs", Items: &ports.Property{Type: "string"}},
					"agent":         {Type: "string", Description: "Specialist skill to instantiate, if any"},
					"add_skills":    {Type: "array", Description: "Skills to enable for the child", Items: &ports.Property{Type: "string"}},
					"remove_skills": {Type: "array", Description: "Skills to disable for the child", Items: &ports.Property{Type: "string"}},
					"add_tools":     {Type: "array", Description: "Extra tools for the child", Items: &ports.Property{Type: "string"}},
					"remove_tools":  {Type: "array", Description: "Tools to withhold from the child", Items: &ports.Property{Type: "string"}},
				},
				Required: []string{"description"},
			},
		},
		{
			Name:        metaQueryL1,
			Description: "List recent tasks from working memory.",
			Parameters: ports.ParameterSchema{
				Type: "object",
				Properties: map[string]ports.Property{
					"limit": {Type: "integer", Description: "Maximum tasks to return"},
				},
			},
		},
		{
			Name:        metaQueryL2,
			Description: "List the most important remembered tasks.",
			Parameters: ports.ParameterSchema{
				Type: "object",
				Properties: map[string]ports.Property{
					"limit": {Type: "integer", Description: "Maximum tasks to return"},
				},
			},
		},
		{
			Name:        metaQueryEvents,
			Description: "Query the event log by action name.",
			Parameters: ports.ParameterSchema{
				Type: "object",
				Properties: map[string]ports.Property{
					"action": {Type: "string", Description: "Action to filter by"},
					"limit":  {Type: "integer", Description: "Maximum events to return"},
				},
				Required: []string{"action"},
			},
		},
	}
}

// dispatch processes the tool calls of one iteration in issue order.
// Meta-tools and compiled skill actions run inline; contiguous runs of
// registry tools go through the executor as one batch. done short-circuits:
// remaining calls in the same response are skipped.
func (a *Agent) dispatch(ctx context.Context, r *run, calls []ports.ToolCall) (bool, string, error) {
	i := 0
	for i < len(calls) {
		call := calls[i]

		if isMetaTool(call.Name) {
			finished, content, err := a.dispatchMeta(ctx, r, call)
			if err != nil {
				return false, "", err
			}
			if finished {
				return true, content, nil
			}
			i++
			continue
		}

		if !a.config.toolAllowed(call.Name) {
			result := ports.ToolResult{
				CallID: call.ID,
				Error:  fmt.Errorf("tool %s is not available to this agent", call.Name),
			}
			r.appendToolResult(call, result)
			i++
			continue
		}

		if tool, ok := r.compiled[call.Name]; ok {
			a.publishToolEvent(r, bus.TypeToolCall, call, ports.ToolResult{})
			result, err := tool.Handler(ctx, call)
			if err != nil && result.Error == nil {
				result.Error = err
			}
			result.CallID = call.ID
			a.publishToolEvent(r, bus.TypeToolResult, call, result)
			r.appendToolResult(call, result)
			i++
			continue
		}

		// Contiguous run of registry tools, dispatched as one batch.
		j := i
		for j < len(calls) {
			next := calls[j]
			if isMetaTool(next.Name) || !a.config.toolAllowed(next.Name) {
				break
			}
			if _, ok := r.compiled[next.Name]; ok {
				break
			}
			j++
		}
		batch := make([]ports.ToolCall, j-i)
		for k, c := range calls[i:j] {
			c.SessionID = r.task.SessionID
			c.TaskID = r.task.TaskID
			c.ParentTaskID = r.task.ParentTaskID
			batch[k] = c
		}
		results := a.executeBatch(ctx, batch)
		for k, result := range results {
			r.appendToolResult(calls[i+k], result)
		}
		i = j
	}
	return false, "", nil
}

func (a *Agent) executeBatch(ctx context.Context, batch []ports.ToolCall) []ports.ToolResult {
	if a.deps.Executor != nil {
		return a.deps.Executor.ExecuteBatch(ctx, batch)
	}
	results := make([]ports.ToolResult, len(batch))
	for i, call := range batch {
		results[i] = ports.ToolResult{
			CallID: call.ID,
			Error:  fmt.Errorf("no tool executor configured"),
		}
	}
	return results
}

// dispatchMeta runs one meta-tool. Only budget exhaustion is fatal; every
// other failure is reported back to the model as a tool error.
func (a *Agent) dispatchMeta(ctx context.Context, r *run, call ports.ToolCall) (bool, string, error) {
	a.publishToolEvent(r, bus.TypeToolCall, call, ports.ToolResult{})
	var result ports.ToolResult
	result.CallID = call.ID

	switch call.Name {
	case metaDone:
		content := argString(call.Arguments, "content")
		result.Content = "done"
		a.publishToolEvent(r, bus.TypeToolResult, call, result)
		r.appendToolResult(call, result)
		return true, content, nil

	case metaCreatePlan:
		result.Content = a.createPlan(r, argStrings(call.Arguments, "steps"))

	case metaDelegateTask:
		content, err := a.delegateFromCall(ctx, r, call)
		if err != nil {
			if stderrors.Is(err, ErrBudgetExceeded) {
				return false, "", err
			}
			result.Error = err
		} else {
			result.Content = content
		}

	case metaQueryL1:
		limit := argInt(call.Arguments, "limit", defaultQueryLimit)
		result.Content = renderTasks(a.tiers.L1Tasks(limit, r.task.SessionID))

	case metaQueryL2:
		limit := argInt(call.Arguments, "limit", defaultQueryLimit)
		result.Content = renderTasks(a.tiers.L2Tasks(limit))

	case metaQueryEvents:
		result.Content = a.queryEvents(call.Arguments)
	}

	a.publishToolEvent(r, bus.TypeToolResult, call, result)
	r.appendToolResult(call, result)
	return false, "", nil
}

// createPlan records the steps as pending sub-tasks in working memory and
// returns the numbered plan. The model works through the steps in the
// following iterations; the sub-tasks keep the plan visible in context.
func (a *Agent) createPlan(r *run, steps []string) string {
	if len(steps) == 0 {
		return "plan is empty"
	}
	var b strings.Builder
	b.WriteString("Plan recorded:\n")
	for i, step := range steps {
		sub := task.New(task.ActionPlan, map[string]any{"content": step})
		sub.ParentTaskID = r.task.TaskID
		sub.SessionID = r.task.SessionID
		sub.SourceAgent = a.id
		a.tiers.AddTask(sub)
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *Agent) queryEvents(args map[string]any) string {
	if a.deps.Bus == nil {
		return "event log unavailable"
	}
	action := argString(args, "action")
	limit := argInt(args, "limit", defaultQueryLimit)
	events := a.deps.Bus.QueryByAction(action, limit)
	if len(events) == 0 {
		return "no events for action " + action
	}
	var b strings.Builder
	for _, event := range events {
		fmt.Fprintf(&b, "#%d %s from %s task=%s\n", event.Seq, event.Type, event.SourceNode, event.TaskID)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderTasks(tasks []*task.Task) string {
	if len(tasks) == 0 {
		return "no tasks"
	}
	var b strings.Builder
	for _, t := range tasks {
		line := t.Content()
		if result := t.ResultContentString(); result != "" {
			line += " => " + result
		}
		fmt.Fprintf(&b, "[%s %s] %s\n", t.Status, t.TaskID, line)
	}
	return strings.TrimRight(b.String(), "\n")
}

// publishToolEvent mirrors the executor's tool.call / tool.result events
// for tools the loop runs inline.
func (a *Agent) publishToolEvent(r *run, eventType bus.Type, call ports.ToolCall, result ports.ToolResult) {
	payload := map[string]any{"tool": call.Name, "call_id": call.ID}
	if eventType == bus.TypeToolResult {
		payload["success"] = result.Error == nil
		if result.Error != nil {
			payload["error"] = result.Error.Error()
		} else {
			payload["content"] = result.Content
		}
	}
	a.publish(r, eventType, payload)
}

// parseQualityMetrics extracts {"confidence","coverage","novelty"} from
// model output, tolerating prose and malformed JSON.
func parseQualityMetrics(content string) map[string]float64 {
	content = strings.TrimSpace(content)
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		content = content[start : end+1]
	}

	var metrics map[string]float64
	if err := json.Unmarshal([]byte(content), &metrics); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(content)
		if repairErr != nil {
			return nil
		}
		if err := json.Unmarshal([]byte(repaired), &metrics); err != nil {
			return nil
		}
	}
	for key, value := range metrics {
		if value < 0 {
			metrics[key] = 0
		}
		if value > 1 {
			metrics[key] = 1
		}
	}
	if len(metrics) == 0 {
		return nil
	}
	return metrics
}

func argString(args map[string]any, key string) string {
	value, _ := args[key].(string)
	return value
}

func argInt(args map[string]any, key string, fallback int) int {
	switch value := args[key].(type) {
	case float64:
		if value > 0 {
			return int(value)
		}
	case int:
		if value > 0 {
			return value
		}
	}
	return fallback
}

func argStrings(args map[string]any, key string) []string {
	switch value := args[key].(type) {
	case []string:
		return value
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			if text, ok := item.(string); ok {
				out = append(out, text)
			}
		}
		return out
	default:
		return nil
	}
}
