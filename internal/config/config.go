// Package config loads the runtime configuration: defaults, then an
// optional weave-config file, then WEAVE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"weave/internal/agent"
	"weave/internal/memory"
	"weave/internal/skills"
	"weave/internal/tools"
)

// ProviderSettings locates the LLM provider endpoint. An empty API key
// selects the offline scripted provider.
type ProviderSettings struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// RAGConfig configures the knowledge-base retriever.
type RAGConfig struct {
	Collection     string  `mapstructure:"collection"`
	PersistPath    string  `mapstructure:"persist_path"`
	MinSimilarity  float32 `mapstructure:"min_similarity"`
	EmbeddingModel string  `mapstructure:"embedding_model"`
}

// Config is the full runtime configuration surface.
type Config struct {
	Model        string `mapstructure:"model"`
	SystemPrompt string `mapstructure:"system_prompt"`
	SkillsDir    string `mapstructure:"skills_dir"`
	WorkspaceDir string `mapstructure:"workspace_dir"`

	SkillActivationMode string `mapstructure:"skill_activation_mode"`

	MaxIterations      int     `mapstructure:"max_iterations"`
	MaxRecursionDepth  int     `mapstructure:"max_recursion_depth"`
	MaxContextTokens   int     `mapstructure:"max_context_tokens"`
	OutputReserveRatio float64 `mapstructure:"output_reserve_ratio"`
	MaxRetries         int     `mapstructure:"max_retries"`

	LLMTimeoutS  int `mapstructure:"llm_timeout_s"`
	ToolTimeoutS int `mapstructure:"tool_timeout_s"`

	ToolConcurrencyLimit int   `mapstructure:"tool_concurrency_limit"`
	BusHistoryCap        int   `mapstructure:"bus_history_cap"`
	TokenBudget          int64 `mapstructure:"token_budget"`

	LLM    ProviderSettings  `mapstructure:"llm"`
	Memory memory.TierConfig `mapstructure:"memory"`
	RAG    RAGConfig         `mapstructure:"rag"`
}

// Load reads the configuration. An explicit path pins the config file;
// otherwise weave-config.{yaml,json,toml} is searched in the working
// directory and $HOME, and a missing file falls back to defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("WEAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("weave-config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("model", "gpt-4o-mini")
	v.SetDefault("skill_activation_mode", string(skills.ModeHybrid))
	v.SetDefault("max_iterations", 10)
	v.SetDefault("max_recursion_depth", 5)
	v.SetDefault("max_context_tokens", 8000)
	v.SetDefault("output_reserve_ratio", 0.10)
	v.SetDefault("max_retries", 1)
	v.SetDefault("llm_timeout_s", 60)
	v.SetDefault("tool_timeout_s", 120)
	v.SetDefault("tool_concurrency_limit", 10)
	v.SetDefault("bus_history_cap", 1000)

	tiers := memory.DefaultTierConfig()
	v.SetDefault("memory.max_l1_size", tiers.MaxL1Size)
	v.SetDefault("memory.max_l2_size", tiers.MaxL2Size)
	v.SetDefault("memory.max_l3_per_session", tiers.MaxL3PerSession)
	v.SetDefault("memory.importance_promote_threshold", tiers.PromoteThreshold)
	v.SetDefault("memory.l3_promote_threshold", tiers.L3PromoteThreshold)

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")

	v.SetDefault("rag.collection", "weave-knowledge")
	v.SetDefault("rag.min_similarity", 0.2)
	v.SetDefault("rag.embedding_model", "text-embedding-3-small")
}

// AgentConfig maps the loaded surface onto an agent configuration.
func (c Config) AgentConfig() agent.Config {
	return agent.Config{
		SystemPrompt:       c.SystemPrompt,
		Model:              c.Model,
		ActivationMode:     skills.Mode(c.SkillActivationMode),
		MaxIterations:      c.MaxIterations,
		MaxRecursionDepth:  c.MaxRecursionDepth,
		MaxContextTokens:   c.MaxContextTokens,
		OutputReserveRatio: c.OutputReserveRatio,
		MaxRetries:         c.MaxRetries,
		LLMTimeout:         time.Duration(c.LLMTimeoutS) * time.Second,
	}
}

// ExecutorConfig maps the loaded surface onto the tool executor.
func (c Config) ExecutorConfig() tools.ExecutorConfig {
	return tools.ExecutorConfig{
		ConcurrencyLimit: c.ToolConcurrencyLimit,
		CallTimeout:      time.Duration(c.ToolTimeoutS) * time.Second,
	}
}
