package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"weave/internal/agent/ports"
	"weave/internal/bus"
	"weave/internal/logging"
	"weave/internal/task"
	"weave/internal/tools"
)

// Mode selects how skills are discovered for a task.
type Mode string

const (
	// ModeExplicit activates exactly the configured skill set.
	ModeExplicit Mode = "explicit"
	// ModeAuto discovers skills through the LLM only.
	ModeAuto Mode = "auto"
	// ModeHybrid gathers rule-based keyword candidates and lets the LLM
	// filter them.
	ModeHybrid Mode = "hybrid"
)

// NodeSpec describes the sub-agent a Form-3 skill instantiates. The
// delegation layer turns it into a child agent on demand.
type NodeSpec struct {
	SkillName string
	Prompt    string
	Tools     []string
}

// Activation is the outcome of activating skills for one task.
type Activation struct {
	Skills        []string
	Instructions  []string
	CompiledTools []tools.Tool
	Nodes         []NodeSpec
}

// Publisher is the slice of the bus the activator needs.
type Publisher interface {
	Publish(event bus.Event) error
}

// Activator discovers and activates skills for tasks.
type Activator struct {
	library  Library
	registry *tools.Registry
	llm      ports.LLMClient
	bus      Publisher
	mode     Mode
	logger   *logging.Logger
}

// ActivatorOption configures an Activator.
type ActivatorOption func(*Activator)

// WithLLM enables LLM-driven discovery for auto and hybrid modes.
func WithLLM(client ports.LLMClient) ActivatorOption {
	return func(a *Activator) { a.llm = client }
}

// WithBus publishes skill.activate events.
func WithBus(publisher Publisher) ActivatorOption {
	return func(a *Activator) { a.bus = publisher }
}

// NewActivator builds an activator over the library. The tool registry is
// consulted for required-tool availability; skills whose required tools
// are missing never activate.
func NewActivator(library Library, registry *tools.Registry, mode Mode, opts ...ActivatorOption) *Activator {
	if mode == "" {
		mode = ModeHybrid
	}
	a := &Activator{
		library:  library,
		registry: registry,
		mode:     mode,
		logger:   logging.ForComponent("skills.activator"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Activate discovers skills relevant to the task, filters them by
// required-tool availability, and applies each skill's activation form.
// enabled limits the candidate set when non-empty.
func (a *Activator) Activate(ctx context.Context, current *task.Task, enabled map[string]bool) (Activation, error) {
	candidates := a.discover(ctx, current, enabled)

	var activation Activation
	for _, skill := range candidates {
		if len(skill.RequiredTools) > 0 && (a.registry == nil || !a.registry.Has(skill.RequiredTools...)) {
			a.logger.Info("Skill %s skipped: required tools unavailable %v", skill.Name, skill.RequiredTools)
			continue
		}

		switch skill.Form {
		case FormInstruction:
			activation.Instructions = append(activation.Instructions, skill.Body)
		case FormTools:
			for _, action := range skill.Actions {
				activation.CompiledTools = append(activation.CompiledTools, compileAction(skill, action))
			}
		case FormAgent:
			activation.Nodes = append(activation.Nodes, NodeSpec{
				SkillName: skill.Name,
				Prompt:    skill.Agent.Prompt,
				Tools:     skill.Agent.Tools,
			})
		}
		activation.Skills = append(activation.Skills, skill.Name)
		a.publishActivate(current, skill)
	}
	return activation, nil
}

// discover selects candidate skills per the activation mode.
func (a *Activator) discover(ctx context.Context, current *task.Task, enabled map[string]bool) []Skill {
	switch a.mode {
	case ModeExplicit:
		var out []Skill
		for name := range enabled {
			if skill, ok := a.library.Get(name); ok {
				out = append(out, skill)
			}
		}
		return sortByName(out)
	case ModeAuto:
		return a.llmDiscover(ctx, current, a.allowed(a.library.List(), enabled))
	default: // hybrid
		candidates := a.ruleCandidates(current, enabled)
		if a.llm == nil || len(candidates) <= 1 {
			return candidates
		}
		return a.llmDiscover(ctx, current, candidates)
	}
}

func (a *Activator) allowed(skills []Skill, enabled map[string]bool) []Skill {
	if len(enabled) == 0 {
		return skills
	}
	var out []Skill
	for _, skill := range skills {
		if enabled[NormalizeName(skill.Name)] {
			out = append(out, skill)
		}
	}
	return out
}

// ruleCandidates matches skill keywords against the task text.
func (a *Activator) ruleCandidates(current *task.Task, enabled map[string]bool) []Skill {
	text := ""
	if current != nil {
		text = strings.ToLower(current.Content())
	}
	var out []Skill
	for _, skill := range a.allowed(a.library.List(), enabled) {
		for _, keyword := range skill.Keywords {
			if keyword != "" && strings.Contains(text, strings.ToLower(keyword)) {
				out = append(out, skill)
				break
			}
		}
	}
	return out
}

// llmDiscover asks the model to pick relevant skills from the candidate
// catalog, repairing malformed JSON before giving up. Discovery failures
// fall back to no skills rather than failing the task.
func (a *Activator) llmDiscover(ctx context.Context, current *task.Task, candidates []Skill) []Skill {
	if a.llm == nil || len(candidates) == 0 {
		return nil
	}

	var catalog strings.Builder
	for _, skill := range candidates {
		fmt.Fprintf(&catalog, "- %s: %s\n", skill.Name, skill.Description)
	}
	taskText := ""
	if current != nil {
		taskText = current.Content()
	}

	resp, err := a.llm.StreamComplete(ctx, ports.CompletionRequest{
		Messages: []ports.Message{
			{Role: "system", Content: "Select the skills relevant to the task. Reply with a JSON array of skill names, nothing else."},
			{Role: "user", Content: fmt.Sprintf("Task: %s\n\nSkills:\n%s", taskText, catalog.String())},
		},
	}, ports.CompletionStreamCallbacks{})
	if err != nil {
		a.logger.Warn("Skill discovery failed: %v", err)
		return nil
	}

	names := parseNameList(resp.Content)
	var out []Skill
	for _, name := range names {
		for _, skill := range candidates {
			if NormalizeName(skill.Name) == NormalizeName(name) {
				out = append(out, skill)
				break
			}
		}
	}
	return out
}

// parseNameList extracts a JSON string array from model output, tolerating
// surrounding prose and malformed JSON.
func parseNameList(content string) []string {
	content = strings.TrimSpace(content)
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start >= 0 && end > start {
		content = content[start : end+1]
	}

	var names []string
	if err := json.Unmarshal([]byte(content), &names); err == nil {
		return names
	}
	repaired, err := jsonrepair.JSONRepair(content)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal([]byte(repaired), &names); err != nil {
		return nil
	}
	return names
}

// compileAction turns one scripted action into a read-only tool whose
// output is the action template with {param} placeholders substituted.
func compileAction(skill Skill, action Action) tools.Tool {
	properties := make(map[string]ports.Property, len(action.Parameters))
	required := make([]string, 0, len(action.Parameters))
	for name, description := range action.Parameters {
		properties[name] = ports.Property{Type: "string", Description: description}
		required = append(required, name)
	}

	template := action.Output
	return tools.Tool{
		Definition: ports.ToolDefinition{
			Name:        NormalizeName(skill.Name) + "_" + NormalizeName(action.Name),
			Description: action.Description,
			Parameters: ports.ParameterSchema{
				Type:       "object",
				Properties: properties,
				Required:   required,
			},
		},
		Scope:    tools.ScopeSandboxed,
		ReadOnly: true,
		Handler: func(_ context.Context, call ports.ToolCall) (ports.ToolResult, error) {
			out := template
			for name, value := range call.Arguments {
				text, _ := value.(string)
				out = strings.ReplaceAll(out, "{"+name+"}", text)
			}
			return ports.ToolResult{Content: out}, nil
		},
	}
}

func (a *Activator) publishActivate(current *task.Task, skill Skill) {
	if a.bus == nil {
		return
	}
	event := bus.NewEvent(bus.TypeSkillActivate, "skills")
	if current != nil {
		event.TaskID = current.TaskID
	}
	event.Payload = map[string]any{
		"skill": skill.Name,
		"form":  string(skill.Form),
	}
	if err := a.bus.Publish(event); err != nil {
		a.logger.Debug("Failed to publish skill.activate: %v", err)
	}
}

func sortByName(skills []Skill) []Skill {
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills
}
