// Command weave runs the agent framework from the terminal: one task in,
// streamed events out, final answer last.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"weave/internal/agent"
	"weave/internal/agent/ports"
	"weave/internal/bus"
	"weave/internal/config"
	"weave/internal/llm"
	"weave/internal/memory"
	"weave/internal/observability"
	"weave/internal/rag"
	"weave/internal/session"
	"weave/internal/skills"
	"weave/internal/task"
	"weave/internal/token"
	"weave/internal/tools"
	"weave/internal/tools/builtin"
)

var version = "dev"

var (
	gray   = color.New(color.FgHiBlack).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
)

func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("error: ")+err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "weave",
		Short:         "Long-horizon agent framework",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a weave-config file")
	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newSkillsCmd(&configPath))
	return root
}

func newRunCmd(configPath *string) *cobra.Command {
	var (
		workspace string
		skillsDir string
		trace     bool
		budget    int64
	)

	cmd := &cobra.Command{
		Use:   "run [task]",
		Short: "Run one task to completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if workspace != "" {
				cfg.WorkspaceDir = workspace
			}
			if skillsDir != "" {
				cfg.SkillsDir = skillsDir
			}
			if budget > 0 {
				cfg.TokenBudget = budget
			}
			return runTask(cmd.Context(), cfg, strings.Join(args, " "), trace)
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "sandbox root for file tools (default: cwd)")
	cmd.Flags().StringVar(&skillsDir, "skills", "", "directory of skill playbooks")
	cmd.Flags().BoolVar(&trace, "trace", false, "export spans to stderr")
	cmd.Flags().Int64Var(&budget, "budget", 0, "token budget for the whole run (0 = unlimited)")
	return cmd
}

func runTask(ctx context.Context, cfg config.Config, content string, trace bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !isTTY() {
		color.NoColor = true
	}

	var traceWriter io.Writer
	if trace {
		traceWriter = os.Stderr
	}
	tracing, err := observability.NewTracing("weave", traceWriter)
	if err != nil {
		return err
	}
	defer func() { _ = tracing.Shutdown(context.Background()) }()

	eventBus := bus.New(bus.WithHistoryCap(cfg.BusHistoryCap))
	defer func() { _ = eventBus.Close() }()
	unsubscribe := watchEvents(eventBus)
	defer unsubscribe()

	deps, err := buildDependencies(cfg, eventBus)
	if err != nil {
		return err
	}
	deps.Tracer = tracing.Tracer("weave/agent")

	var opts []agent.Option
	if cfg.TokenBudget > 0 {
		opts = append(opts, agent.WithBudget(agent.NewBudget(cfg.TokenBudget)))
	}
	root := agent.New("root", cfg.AgentConfig(), deps, opts...)

	s := session.New("cli", root, eventBus)
	defer func() { _ = s.End() }()

	t, err := s.AddTask(ctx, content)
	if err != nil {
		return err
	}
	s.Wait()
	root.Tiers().Wait()

	switch t.CurrentStatus() {
	case task.StatusCompleted:
		fmt.Println(green("\n" + t.ResultContentString()))
		return nil
	case task.StatusCancelled:
		return fmt.Errorf("task cancelled")
	default:
		return fmt.Errorf("task failed: %s", t.ResultContentString())
	}
}

// buildDependencies wires the shared services: tools with a sandbox over
// the workspace, skills, semantic memory, and the LLM provider.
func buildDependencies(cfg config.Config, eventBus *bus.Bus) (agent.Dependencies, error) {
	workspace := cfg.WorkspaceDir
	if workspace == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return agent.Dependencies{}, err
		}
		workspace = cwd
	}
	sandbox, err := tools.NewSandbox(workspace)
	if err != nil {
		return agent.Dependencies{}, err
	}

	registry := tools.NewRegistry()
	if err := builtin.RegisterDefaults(registry); err != nil {
		return agent.Dependencies{}, err
	}
	registry.Freeze()
	executor := tools.NewExecutor(registry, cfg.ExecutorConfig(),
		tools.WithEventBus(eventBus), tools.WithSandboxHandle(sandbox))

	library, err := skills.Load(cfg.SkillsDir)
	if err != nil {
		return agent.Dependencies{}, err
	}

	client, err := newLLMClient(cfg)
	if err != nil {
		return agent.Dependencies{}, err
	}
	activator := skills.NewActivator(library, registry, skills.Mode(cfg.SkillActivationMode),
		skills.WithLLM(client), skills.WithBus(eventBus))

	// Vector retrieval needs a real provider; without a key memory falls
	// back to keyword scoring and the knowledge base stays empty.
	var embed memory.EmbedFunc
	var retriever ports.KnowledgeRetriever
	if cfg.LLM.APIKey != "" {
		embedder, err := llm.NewOpenAIEmbedder(cfg.RAG.EmbeddingModel, llm.ProviderConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
		})
		if err != nil {
			return agent.Dependencies{}, err
		}
		embed = embedder.Embed
		retriever, err = rag.NewRetriever(rag.Config{
			Collection:    cfg.RAG.Collection,
			PersistPath:   cfg.RAG.PersistPath,
			MinSimilarity: cfg.RAG.MinSimilarity,
		}, embedder)
		if err != nil {
			return agent.Dependencies{}, err
		}
	}

	semantic, err := memory.NewSemanticStore(embed)
	if err != nil {
		return agent.Dependencies{}, err
	}
	counter, err := token.NewCounter()
	if err != nil {
		return agent.Dependencies{}, err
	}

	return agent.Dependencies{
		LLM:        client,
		Bus:        eventBus,
		Registry:   registry,
		Executor:   executor,
		Activator:  activator,
		Retriever:  retriever,
		Counter:    counter,
		Semantic:   semantic,
		TierConfig: cfg.Memory,
	}, nil
}

// newLLMClient picks the provider: a real endpoint when an API key is
// configured, the offline scripted client otherwise.
func newLLMClient(cfg config.Config) (ports.LLMClient, error) {
	if cfg.LLM.APIKey == "" {
		fmt.Fprintln(os.Stderr, yellow("no API key configured; using the offline provider"))
		return llm.NewScriptedClient(cfg.Model, llm.ScriptStep{
			Content: "No LLM provider is configured. Set llm.api_key in weave-config or WEAVE_LLM_API_KEY.",
		}), nil
	}
	return llm.NewOpenAIClient(cfg.Model, llm.ProviderConfig{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
	})
}

// watchEvents mirrors the run onto the terminal: thinking in gray, tool
// activity in cyan, lifecycle in green/red.
func watchEvents(eventBus *bus.Bus) func() {
	unsubscribe, err := eventBus.Subscribe(bus.Selector{}, func(event bus.Event) error {
		switch event.Type {
		case bus.TypeNodeThinking:
			if delta, ok := event.Payload["delta"].(string); ok {
				fmt.Print(gray(delta))
			}
		case bus.TypeToolCall:
			fmt.Printf("\n%s %v\n", cyan("→ tool:"), event.Payload["tool"])
		case bus.TypeToolResult:
			if success, ok := event.Payload["success"].(bool); ok && !success {
				fmt.Printf("%s %v\n", red("✗"), event.Payload["error"])
			}
		case bus.TypeTaskDelegate:
			fmt.Printf("\n%s %s → %s\n", cyan("delegate:"), event.SourceNode, event.TargetNode)
		case bus.TypeNodeComplete:
			fmt.Printf("\n%s %s (%v)\n", green("node done:"), event.SourceNode, event.Payload["status"])
		case bus.TypeNodeError:
			fmt.Printf("\n%s %v\n", red("node error:"), event.Payload["error"])
		}
		return nil
	})
	if err != nil {
		return func() {}
	}
	return unsubscribe
}

func newSkillsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "skills",
		Short: "List the loaded skill playbooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			library, err := skills.Load(cfg.SkillsDir)
			if err != nil {
				return err
			}
			all := library.List()
			if len(all) == 0 {
				fmt.Println("no skills loaded")
				return nil
			}
			for _, skill := range all {
				fmt.Printf("%s (%s): %s\n", skill.Name, skill.Form, skill.Description)
			}
			return nil
		},
	}
}
