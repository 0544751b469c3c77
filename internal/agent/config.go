// Package agent implements the ReAct loop: iterative reasoning over an
// assembled context, streamed LLM calls, tool dispatch, meta-tools, and
// fractal delegation to child agents.
package agent

import (
	"time"

	"weave/internal/skills"
)

// Config is a per-agent bag of capabilities and limits.
type Config struct {
	SystemPrompt string `mapstructure:"system_prompt"`
	Model        string `mapstructure:"model"`

	EnabledSkills  []string    `mapstructure:"enabled_skills"`
	DisabledSkills []string    `mapstructure:"disabled_skills"`
	ExtraTools     []string    `mapstructure:"extra_tools"`
	DisabledTools  []string    `mapstructure:"disabled_tools"`
	ActivationMode skills.Mode `mapstructure:"skill_activation_mode"`

	MaxIterations      int           `mapstructure:"max_iterations"`
	MaxRecursionDepth  int           `mapstructure:"max_recursion_depth"`
	MaxContextTokens   int           `mapstructure:"max_context_tokens"`
	OutputReserveRatio float64       `mapstructure:"output_reserve_ratio"`
	MaxRetries         int           `mapstructure:"max_retries"`
	LLMTimeout         time.Duration `mapstructure:"llm_timeout"`

	// RequireDone forces completion through the done meta-tool; plain
	// text answers get a nudge instead of terminating the loop.
	RequireDone bool `mapstructure:"require_done"`
	// SelfEvaluate runs a short quality-metrics call after completion.
	SelfEvaluate bool `mapstructure:"self_evaluate"`
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		ActivationMode:     skills.ModeHybrid,
		MaxIterations:      10,
		MaxRecursionDepth:  5,
		MaxContextTokens:   8000,
		OutputReserveRatio: 0.10,
		MaxRetries:         1,
		LLMTimeout:         60 * time.Second,
	}
}

// normalized fills zero values with defaults.
func (c Config) normalized() Config {
	defaults := DefaultConfig()
	if c.ActivationMode == "" {
		c.ActivationMode = defaults.ActivationMode
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = defaults.MaxIterations
	}
	if c.MaxRecursionDepth <= 0 {
		c.MaxRecursionDepth = defaults.MaxRecursionDepth
	}
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = defaults.MaxContextTokens
	}
	if c.OutputReserveRatio <= 0 {
		c.OutputReserveRatio = defaults.OutputReserveRatio
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = defaults.LLMTimeout
	}
	return c
}

// Inherit derives a child configuration: (parent ∪ add) \ remove for
// skills and tools; everything else is inherited as-is. Removals also join
// the disabled sets so they bind even when the parent allows everything.
func (c Config) Inherit(addSkills, removeSkills, addTools, removeTools []string) Config {
	child := c
	child.EnabledSkills = mergeSets(c.EnabledSkills, addSkills, removeSkills)
	child.DisabledSkills = mergeSets(c.DisabledSkills, removeSkills, addSkills)
	child.ExtraTools = mergeSets(c.ExtraTools, addTools, removeTools)
	child.DisabledTools = mergeSets(c.DisabledTools, removeTools, addTools)
	return child
}

func mergeSets(base, add, remove []string) []string {
	set := make(map[string]bool, len(base)+len(add))
	var order []string
	for _, item := range base {
		if !set[item] {
			set[item] = true
			order = append(order, item)
		}
	}
	for _, item := range add {
		if !set[item] {
			set[item] = true
			order = append(order, item)
		}
	}
	removed := make(map[string]bool, len(remove))
	for _, item := range remove {
		removed[item] = true
	}
	out := order[:0]
	for _, item := range order {
		if !removed[item] {
			out = append(out, item)
		}
	}
	return out
}

// enabledSkillSet builds the allow set for the skill activator.
func (c Config) enabledSkillSet() map[string]bool {
	if len(c.EnabledSkills) == 0 {
		return nil
	}
	disabled := make(map[string]bool, len(c.DisabledSkills))
	for _, name := range c.DisabledSkills {
		disabled[skills.NormalizeName(name)] = true
	}
	set := make(map[string]bool, len(c.EnabledSkills))
	for _, name := range c.EnabledSkills {
		key := skills.NormalizeName(name)
		if !disabled[key] {
			set[key] = true
		}
	}
	return set
}

// toolAllowed reports whether a registry tool is visible to this agent.
func (c Config) toolAllowed(name string) bool {
	for _, disabled := range c.DisabledTools {
		if disabled == name {
			return false
		}
	}
	return true
}
