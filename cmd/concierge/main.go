package main

import (
	"fmt"
	"os"
	"path/filepath"

	"concierge/internal/config"
	"concierge/internal/embedding"
	"concierge/internal/generator"
	"concierge/internal/logging"
	"concierge/internal/mcp"
	"concierge/internal/orchestrator"
	"concierge/internal/retrieval"
	"concierge/internal/router"
	"concierge/internal/vectorstore"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	configPath string
	workspace  string

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "concierge",
	Short: "concierge - personal-site chat assistant",
	Long: `concierge answers visitor questions on a personal website.

Each message is routed to one of three paths: retrieval over the site
owner's knowledge base, a live-data tool call (currently playing track,
recent activity, latest post, project details), or direct generation.
Replies stream as they are produced.

Run without arguments to start an interactive chat session.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if workspace == "" {
			workspace, err = os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to resolve workspace: %w", err)
			}
		}
		if err := logging.Initialize(workspace); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		if configPath == "" {
			configPath = filepath.Join(workspace, ".concierge", "config.json")
		}
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInteractiveChat(cmd.Context())
	},
}

// chatCmd answers a single message and exits
var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Answer one message and exit",
	Long: `Sends a single message through the full pipeline and streams the
reply to stdout.

Example:
  concierge chat "What are you listening to?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSingleChat,
}

// toolsCmd lists the live-data tool catalog
var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools the configured tool server exposes",
	RunE:  runListTools,
}

// initCmd writes a default config file
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration to the workspace",
	Long: `Creates .concierge/config.json with default settings for the
router thresholds, retrieval collections, tool server, and logging.
Existing configuration is left untouched.`,
	RunE: runInit,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (default: .concierge/config.json)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(initCmd)
}

// buildOrchestrator wires every stage from configuration.
func buildOrchestrator() (*orchestrator.Orchestrator, func(), error) {
	engine, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create embedding engine: %w", err)
	}

	store := vectorstore.NewHandle(vectorstore.Config{
		BaseURL:  cfg.VectorStore.BaseURL,
		Tenant:   cfg.VectorStore.Tenant,
		Database: cfg.VectorStore.Database,
		Timeout:  cfg.GetVectorStoreTimeout(),
	}, engine)

	var reranker *retrieval.Reranker
	if cfg.Rerank.Enabled {
		reranker = retrieval.NewReranker(retrieval.RerankConfig{
			Endpoint: cfg.Rerank.Endpoint,
			APIKey:   cfg.Rerank.APIKey,
			Model:    cfg.Rerank.Model,
			Timeout:  cfg.GetRerankTimeout(),
		})
	}
	searcher := retrieval.NewSearcher(store, reranker)

	gen := generator.NewClient(cfg.LLM)

	var rt router.Router
	var closeRouter func()
	if cfg.Routing.Strategy == "llm" {
		rt = router.NewLLMRouter(gen, cfg.Routing, cfg.Retrieval)
		closeRouter = func() {}
	} else {
		embRouter := router.NewEmbeddingRouter(engine, cfg.Routing, cfg.Retrieval, workspace)
		if err := embRouter.WatchConfig(configPath); err != nil {
			logging.Boot("Config watcher unavailable: %v", err)
		}
		rt = embRouter
		closeRouter = func() { embRouter.Close() }
	}

	var transport mcp.Transport
	if cfg.Tools.Server.Protocol == "stdio" {
		transport = mcp.NewStdioTransport(cfg.Tools.Server.Command, cfg.Tools.Server.Args)
	} else {
		transport = mcp.NewHTTPTransport(cfg.Tools.Server.URL, cfg.Tools.Server.GetTimeout())
	}
	gateway := mcp.NewGateway(transport, mcp.DefaultFormatters())

	cleanup := func() {
		closeRouter()
		gateway.Close()
	}

	return orchestrator.New(cfg, rt, searcher, gateway, gen), cleanup, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
