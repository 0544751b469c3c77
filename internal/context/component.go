// Package context assembles the message window for each LLM call: seven
// prioritized sources feed an orchestrator that fits them into the model's
// token budget with retrieved knowledge in the primacy position.
package context

import (
	"context"
	"time"

	"weave/internal/task"
	"weave/internal/token"
)

// Priority ranks context components; higher wins budget contention.
type Priority int

const (
	PriorityCritical  Priority = 100
	PriorityEssential Priority = 90
	PriorityHigh      Priority = 70
	PriorityMedium    Priority = 50
	PriorityLow       Priority = 30
)

// Strategy names how an over-budget component shrinks.
type Strategy string

const (
	StrategySummarize Strategy = "summarize"
	StrategyTruncate  Strategy = "truncate"
	StrategyDrop      Strategy = "drop"
)

// Component is one candidate piece of context.
type Component struct {
	Source     string
	Role       string
	Content    string
	Priority   Priority
	TokenCount int
	Strategy   Strategy
	TaskID     string
	SessionID  string
	Timestamp  time.Time
}

// Query carries what the sources need to collect for the current task.
type Query struct {
	Task      *task.Task
	SessionID string
	Text      string
	Model     string
}

// Source supplies context components for a query within a token budget.
// Sources must keep their returned total at or under the budget, favoring
// higher-priority and newer items; provider failures degrade to an empty
// result rather than an error where the contract allows it.
type Source interface {
	Name() string
	Collect(ctx context.Context, query Query, budget int, counter *token.Counter) ([]Component, error)
}

// countTokens counts with the model's encoding, falling back to the fast
// heuristic when the model is unknown.
func countTokens(counter *token.Counter, model, text string) int {
	if counter != nil {
		if n, err := counter.CountText(model, text); err == nil {
			return n
		}
	}
	return token.EstimateFast(text)
}

// fit trims components to the budget in order, dropping whole items once
// the budget is spent. Shared by the simple sources.
func fit(components []Component, budget int) []Component {
	out := components[:0]
	used := 0
	for _, component := range components {
		if used+component.TokenCount > budget {
			continue
		}
		used += component.TokenCount
		out = append(out, component)
	}
	return out
}
