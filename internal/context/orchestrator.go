package context

import (
	"context"
	"fmt"
	"sort"

	"weave/internal/agent/ports"
	"weave/internal/logging"
	"weave/internal/task"
	"weave/internal/token"
)

// ErrBudgetTooSmall reports that the system prompt alone exceeds the
// context window.
var ErrBudgetTooSmall = fmt.Errorf("context: system prompt exceeds max context tokens")

// Config controls the orchestrator's budget math.
type Config struct {
	MaxContextTokens   int                `mapstructure:"max_context_tokens"`
	OutputReserveRatio float64            `mapstructure:"output_reserve_ratio"`
	SourceRatios       map[string]float64 `mapstructure:"source_ratios"`
	Model              string             `mapstructure:"model"`
}

// DefaultConfig returns the standard budget split. The ratios are
// heuristic and tunable per model; the ordering guarantees are not.
func DefaultConfig() Config {
	return Config{
		MaxContextTokens:   8000,
		OutputReserveRatio: 0.10,
		SourceRatios: map[string]float64{
			SourcePrompt:      0.12,
			SourceUserInput:   0.12,
			SourceTools:       0.15,
			SourceSkills:      0.10,
			SourceMemoryTiers: 0.36,
			SourceKnowledge:   0.10,
			SourceAgentOutput: 0.05,
		},
	}
}

// Orchestrator assembles the final message window from the registered
// sources in priority order, with retrieved knowledge placed immediately
// after the system prompt.
type Orchestrator struct {
	config  Config
	counter *token.Counter
	prompt  Source
	sources []Source
	logger  *logging.Logger
}

// NewOrchestrator wires the prompt source plus the remaining sources. The
// source slice order is the budget rollover order.
func NewOrchestrator(config Config, counter *token.Counter, prompt Source, sources ...Source) *Orchestrator {
	if config.MaxContextTokens <= 0 {
		config.MaxContextTokens = DefaultConfig().MaxContextTokens
	}
	if config.OutputReserveRatio <= 0 || config.OutputReserveRatio >= 1 {
		config.OutputReserveRatio = 0.10
	}
	if len(config.SourceRatios) == 0 {
		config.SourceRatios = DefaultConfig().SourceRatios
	}
	return &Orchestrator{
		config:  config,
		counter: counter,
		prompt:  prompt,
		sources: sources,
		logger:  logging.ForComponent("context.orchestrator"),
	}
}

// BuildContext assembles the message list for the current task. It is
// best-effort under provider failures and fails only when the system
// prompt alone cannot fit.
func (o *Orchestrator) BuildContext(ctx context.Context, current *task.Task) ([]ports.Message, error) {
	query := Query{Task: current, Model: o.config.Model}
	if current != nil {
		query.SessionID = current.SessionID
		query.Text = current.Content()
	}

	systemComponents, err := o.prompt.Collect(ctx, query, o.config.MaxContextTokens, o.counter)
	if err != nil {
		return nil, err
	}
	systemTokens := 0
	for _, component := range systemComponents {
		systemTokens += component.TokenCount
	}
	if systemTokens > o.config.MaxContextTokens {
		return nil, fmt.Errorf("%w: %d > %d", ErrBudgetTooSmall, systemTokens, o.config.MaxContextTokens)
	}

	reserve := int(float64(o.config.MaxContextTokens) * o.config.OutputReserveRatio)
	budget := o.config.MaxContextTokens - systemTokens - reserve
	if budget < 0 {
		budget = 0
	}

	collected := o.collect(ctx, query, budget)
	collected = filterSession(collected, query.SessionID)
	collected = dedupeByTask(collected)
	collected = fitTotal(collected, budget)

	return o.assemble(systemComponents, collected), nil
}

// collect runs each source under its ratio share of the budget; unused
// budget rolls over to the next source.
func (o *Orchestrator) collect(ctx context.Context, query Query, budget int) []Component {
	var out []Component
	carry := 0
	for _, source := range o.sources {
		ratio := o.config.SourceRatios[source.Name()]
		if ratio <= 0 {
			continue
		}
		allocation := int(float64(budget)*ratio) + carry
		if allocation <= 0 {
			carry = allocation
			continue
		}
		components, err := source.Collect(ctx, query, allocation, o.counter)
		if err != nil {
			o.logger.Warn("Source %s failed, continuing without it: %v", source.Name(), err)
			carry = allocation
			continue
		}
		used := 0
		for _, component := range components {
			used += component.TokenCount
		}
		carry = allocation - used
		out = append(out, components...)
	}
	return out
}

// filterSession drops components bound to a different session. Components
// without a session tag are global and survive.
func filterSession(components []Component, sessionID string) []Component {
	if sessionID == "" {
		return components
	}
	out := components[:0]
	for _, component := range components {
		if component.SessionID != "" && component.SessionID != sessionID {
			continue
		}
		out = append(out, component)
	}
	return out
}

// dedupeByTask keeps the highest-priority component per task id.
func dedupeByTask(components []Component) []Component {
	seen := make(map[string]int) // task id -> index into out
	out := components[:0]
	for _, component := range components {
		if component.TaskID == "" {
			out = append(out, component)
			continue
		}
		if i, ok := seen[component.TaskID]; ok {
			if component.Priority > out[i].Priority {
				out[i] = component
			}
			continue
		}
		seen[component.TaskID] = len(out)
		out = append(out, component)
	}
	return out
}

// fitTotal drops components bottom-up by priority (oldest first within a
// priority) until the total fits the budget.
func fitTotal(components []Component, budget int) []Component {
	total := 0
	for _, component := range components {
		total += component.TokenCount
	}
	if total <= budget {
		return components
	}

	// Victim order: lowest priority first, then oldest.
	victims := make([]int, len(components))
	for i := range victims {
		victims[i] = i
	}
	sort.SliceStable(victims, func(a, b int) bool {
		ca, cb := components[victims[a]], components[victims[b]]
		if ca.Priority != cb.Priority {
			return ca.Priority < cb.Priority
		}
		return ca.Timestamp.Before(cb.Timestamp)
	})

	dropped := make(map[int]bool)
	for _, index := range victims {
		if total <= budget {
			break
		}
		component := &components[index]
		overage := total - budget
		// Shrinkable components give up just the overage, as long as a
		// meaningful quarter of them survives; otherwise drop outright.
		if component.Strategy != StrategyDrop && component.TokenCount > overage &&
			component.TokenCount-overage >= component.TokenCount/4 {
			keep := component.TokenCount - overage
			component.Content = truncateRunes(component.Content, keep, component.TokenCount)
			component.TokenCount = keep
			total = budget
			break
		}
		dropped[index] = true
		total -= component.TokenCount
	}

	out := components[:0]
	for i, component := range components {
		if !dropped[i] {
			out = append(out, component)
		}
	}
	return out
}

// truncateRunes cuts content proportionally to keep/total tokens, on a
// rune boundary, appending a truncation marker.
func truncateRunes(content string, keep, total int) string {
	runes := []rune(content)
	cut := len(runes) * keep / total
	if cut >= len(runes) {
		return content
	}
	if cut < 0 {
		cut = 0
	}
	return string(runes[:cut]) + " [truncated]"
}

// assemble renders the final message list: system prompt first, then the
// remaining components in strict priority order with knowledge (ESSENTIAL)
// in the primacy position before any session history, and the current user
// input as the closing message.
func (o *Orchestrator) assemble(systemComponents, components []Component) []ports.Message {
	var messages []ports.Message
	for _, component := range systemComponents {
		messages = append(messages, ports.Message{Role: component.Role, Content: component.Content})
	}

	var userInput *Component
	rest := make([]Component, 0, len(components))
	for i := range components {
		if components[i].Source == SourceUserInput && userInput == nil {
			userInput = &components[i]
			continue
		}
		rest = append(rest, components[i])
	}

	// Stable by priority: ESSENTIAL knowledge lands directly after the
	// system prompt, history after it, recency order preserved inside a
	// priority band.
	sort.SliceStable(rest, func(a, b int) bool { return rest[a].Priority > rest[b].Priority })

	for _, component := range rest {
		messages = append(messages, ports.Message{Role: component.Role, Content: component.Content})
	}
	if userInput != nil {
		messages = append(messages, ports.Message{Role: userInput.Role, Content: userInput.Content})
	}
	return messages
}
