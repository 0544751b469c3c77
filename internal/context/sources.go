package context

import (
	"context"
	"fmt"
	"strings"
	"time"

	"weave/internal/agent/ports"
	"weave/internal/logging"
	"weave/internal/memory"
	"weave/internal/task"
	"weave/internal/token"
)

// Source names, used for ratio configuration and dedupe bookkeeping.
const (
	SourcePrompt      = "prompt"
	SourceUserInput   = "user_input"
	SourceAgentOutput = "agent_output"
	SourceMemoryTiers = "memory_tiers"
	SourceKnowledge   = "knowledge"
	SourceTools       = "tools"
	SourceSkills      = "skills"
)

// PromptSource composes the system prompt in three layers: the caller's
// system prompt, activated skill instructions, and the framework autonomy
// instructions.
type PromptSource struct {
	systemPrompt      string
	skillInstructions func() []string
}

const autonomyInstructions = `You work in iterations: reason about the task, call tools when needed, and call done with your final answer when the task is complete.
When a task is too large, call create_plan to break it into sub-tasks, or delegate_task to hand a sub-task to a specialist.`

// NewPromptSource builds the system-prompt source. skillInstructions may
// be nil when no skill activator is wired.
func NewPromptSource(systemPrompt string, skillInstructions func() []string) *PromptSource {
	return &PromptSource{systemPrompt: systemPrompt, skillInstructions: skillInstructions}
}

func (s *PromptSource) Name() string { return SourcePrompt }

func (s *PromptSource) Collect(_ context.Context, query Query, budget int, counter *token.Counter) ([]Component, error) {
	var layers []string
	if s.systemPrompt != "" {
		layers = append(layers, s.systemPrompt)
	}
	if s.skillInstructions != nil {
		layers = append(layers, s.skillInstructions()...)
	}
	layers = append(layers, autonomyInstructions)

	content := strings.Join(layers, "\n\n")
	return []Component{{
		Source:     SourcePrompt,
		Role:       "system",
		Content:    content,
		Priority:   PriorityCritical,
		TokenCount: countTokens(counter, query.Model, content),
		Strategy:   StrategyDrop,
		Timestamp:  time.Now(),
	}}, nil
}

// UserInputSource surfaces the incoming task content.
type UserInputSource struct{}

func NewUserInputSource() *UserInputSource { return &UserInputSource{} }

func (s *UserInputSource) Name() string { return SourceUserInput }

func (s *UserInputSource) Collect(_ context.Context, query Query, budget int, counter *token.Counter) ([]Component, error) {
	content := query.Text
	if content == "" && query.Task != nil {
		content = query.Task.Content()
	}
	if content == "" {
		return nil, nil
	}
	component := Component{
		Source:     SourceUserInput,
		Role:       "user",
		Content:    content,
		Priority:   PriorityEssential,
		TokenCount: countTokens(counter, query.Model, content),
		Strategy:   StrategyTruncate,
		SessionID:  query.SessionID,
		Timestamp:  time.Now(),
	}
	if query.Task != nil {
		component.TaskID = query.Task.TaskID
	}
	return []Component{component}, nil
}

// AgentOutputSource surfaces recent assistant outputs from the recency tier.
type AgentOutputSource struct {
	tiers *memory.TierStore
}

func NewAgentOutputSource(tiers *memory.TierStore) *AgentOutputSource {
	return &AgentOutputSource{tiers: tiers}
}

func (s *AgentOutputSource) Name() string { return SourceAgentOutput }

func (s *AgentOutputSource) Collect(_ context.Context, query Query, budget int, counter *token.Counter) ([]Component, error) {
	if s.tiers == nil {
		return nil, nil
	}
	var components []Component
	for _, t := range s.tiers.L1Tasks(10, query.SessionID) {
		output := t.ResultContentString()
		if output == "" {
			continue
		}
		components = append(components, Component{
			Source:     SourceAgentOutput,
			Role:       "assistant",
			Content:    output,
			Priority:   PriorityMedium,
			TokenCount: countTokens(counter, query.Model, output),
			Strategy:   StrategyTruncate,
			TaskID:     t.TaskID,
			SessionID:  t.SessionID,
			Timestamp:  t.CreatedAt,
		})
	}
	return fit(components, budget), nil
}

// MemoryTierSource surfaces recalled tasks from all four tiers: L1 recent
// and L2 important at HIGH, L3 session history at MEDIUM, and L4 semantic
// retrieval as ESSENTIAL knowledge.
type MemoryTierSource struct {
	tiers  *memory.TierStore
	logger *logging.Logger
}

func NewMemoryTierSource(tiers *memory.TierStore) *MemoryTierSource {
	return &MemoryTierSource{tiers: tiers, logger: logging.ForComponent("context.memory")}
}

func (s *MemoryTierSource) Name() string { return SourceMemoryTiers }

func (s *MemoryTierSource) Collect(ctx context.Context, query Query, budget int, counter *token.Counter) ([]Component, error) {
	if s.tiers == nil {
		return nil, nil
	}
	var components []Component

	appendTask := func(t *task.Task, priority Priority, label string) {
		content := t.Content()
		if result := t.ResultContentString(); result != "" {
			content = fmt.Sprintf("%s => %s", content, result)
		}
		if content == "" {
			return
		}
		content = fmt.Sprintf("[%s] %s", label, content)
		components = append(components, Component{
			Source:     SourceMemoryTiers,
			Role:       "system",
			Content:    content,
			Priority:   priority,
			TokenCount: countTokens(counter, query.Model, content),
			Strategy:   StrategyTruncate,
			TaskID:     t.TaskID,
			SessionID:  t.SessionID,
			Timestamp:  t.CreatedAt,
		})
	}

	if query.Text != "" {
		for _, recalled := range s.tiers.SemanticSearch(ctx, query.Text, 3) {
			appendTask(recalled, PriorityEssential, "semantic memory")
		}
	}
	for _, t := range s.tiers.L1Tasks(10, query.SessionID) {
		appendTask(t, PriorityHigh, "recent")
	}
	for _, t := range s.tiers.L2Tasks(5) {
		appendTask(t, PriorityHigh, "important")
	}
	for _, t := range s.tiers.L3Tasks(10, query.SessionID) {
		appendTask(t, PriorityMedium, "session")
	}

	return fit(components, budget), nil
}

// KnowledgeSource surfaces external RAG snippets. Provider failures fall
// back to an empty result.
type KnowledgeSource struct {
	retriever ports.KnowledgeRetriever
	topK      int
	logger    *logging.Logger
}

func NewKnowledgeSource(retriever ports.KnowledgeRetriever, topK int) *KnowledgeSource {
	if topK <= 0 {
		topK = 3
	}
	return &KnowledgeSource{
		retriever: retriever,
		topK:      topK,
		logger:    logging.ForComponent("context.knowledge"),
	}
}

func (s *KnowledgeSource) Name() string { return SourceKnowledge }

func (s *KnowledgeSource) Collect(ctx context.Context, query Query, budget int, counter *token.Counter) ([]Component, error) {
	if s.retriever == nil || query.Text == "" {
		return nil, nil
	}
	docs, err := s.retriever.Retrieve(ctx, query.Text, s.topK)
	if err != nil {
		s.logger.Warn("Knowledge retrieval failed: %v", err)
		return nil, nil
	}
	var components []Component
	for _, doc := range docs {
		content := "[knowledge] " + doc.Content
		components = append(components, Component{
			Source:     SourceKnowledge,
			Role:       "system",
			Content:    content,
			Priority:   PriorityEssential,
			TokenCount: countTokens(counter, query.Model, content),
			Strategy:   StrategyTruncate,
			Timestamp:  time.Now(),
		})
	}
	return fit(components, budget), nil
}

// ToolsSource surfaces a budgeted rendering of the available tool
// definitions, pruning to name and description when schemas do not fit.
type ToolsSource struct {
	definitions func() []ports.ToolDefinition
}

func NewToolsSource(definitions func() []ports.ToolDefinition) *ToolsSource {
	return &ToolsSource{definitions: definitions}
}

func (s *ToolsSource) Name() string { return SourceTools }

func (s *ToolsSource) Collect(_ context.Context, query Query, budget int, counter *token.Counter) ([]Component, error) {
	if s.definitions == nil {
		return nil, nil
	}
	defs := s.definitions()
	if len(defs) == 0 {
		return nil, nil
	}

	full := renderTools(defs, true)
	content := full
	if countTokens(counter, query.Model, full) > budget {
		content = renderTools(defs, false)
	}
	return fit([]Component{{
		Source:     SourceTools,
		Role:       "system",
		Content:    content,
		Priority:   PriorityHigh,
		TokenCount: countTokens(counter, query.Model, content),
		Strategy:   StrategyTruncate,
		Timestamp:  time.Now(),
	}}, budget), nil
}

func renderTools(defs []ports.ToolDefinition, withParams bool) string {
	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, def := range defs {
		fmt.Fprintf(&b, "- %s: %s\n", def.Name, def.Description)
		if !withParams {
			continue
		}
		for name, prop := range def.Parameters.Properties {
			fmt.Fprintf(&b, "    %s (%s): %s\n", name, prop.Type, prop.Description)
		}
	}
	return b.String()
}

// ActiveSkill is one activated skill's prompt contribution.
type ActiveSkill struct {
	Name         string
	Instructions string
	Priority     Priority
}

// SkillsSource surfaces active skill instructions from the activator.
type SkillsSource struct {
	active func() []ActiveSkill
}

func NewSkillsSource(active func() []ActiveSkill) *SkillsSource {
	return &SkillsSource{active: active}
}

func (s *SkillsSource) Name() string { return SourceSkills }

func (s *SkillsSource) Collect(_ context.Context, query Query, budget int, counter *token.Counter) ([]Component, error) {
	if s.active == nil {
		return nil, nil
	}
	var components []Component
	for _, skill := range s.active() {
		if skill.Instructions == "" {
			continue
		}
		priority := skill.Priority
		if priority == 0 {
			priority = PriorityMedium
		}
		content := fmt.Sprintf("[skill:%s] %s", skill.Name, skill.Instructions)
		components = append(components, Component{
			Source:     SourceSkills,
			Role:       "system",
			Content:    content,
			Priority:   priority,
			TokenCount: countTokens(counter, query.Model, content),
			Strategy:   StrategyTruncate,
			Timestamp:  time.Now(),
		})
	}
	return fit(components, budget), nil
}
