package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Muhumuree/code-executor-MCP/internal/audit"
	"github.com/Muhumuree/code-executor-MCP/internal/config"
	"github.com/Muhumuree/code-executor-MCP/internal/dispatch"
	"github.com/Muhumuree/code-executor-MCP/internal/filter"
	"github.com/Muhumuree/code-executor-MCP/internal/mcp"
	"github.com/Muhumuree/code-executor-MCP/internal/observability"
	"github.com/Muhumuree/code-executor-MCP/internal/ratelimit"
	"github.com/Muhumuree/code-executor-MCP/internal/resilience"
	"github.com/Muhumuree/code-executor-MCP/internal/sandbox"
	"github.com/Muhumuree/code-executor-MCP/internal/schema"
	"github.com/Muhumuree/code-executor-MCP/internal/server"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration server",
		Long: `Start the orchestration server.

The server connects to the configured downstream MCP servers, then
serves the execute operation over HTTP or stdio depending on
server.mode. Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func runServe(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := observability.NewLogger(cfg.Log)
	metrics := observability.NewMetrics()

	auditor, err := audit.NewLogger(cfg.StateDir, cfg.Audit, logger)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	auditor.StartSweeper()

	limiter := ratelimit.NewLimiter(cfg.RateLimit)
	breakers := resilience.NewRegistry(cfg.Breaker.Defaults, cfg.Breaker.Overrides, logger)

	pool := mcp.NewPool(cfg.Pool, logger)
	pool.SetActiveObserver(func(n int) { metrics.ActiveDownstreamCalls.Set(float64(n)) })
	pool.SetQueueDepthObserver(func(n int) { metrics.QueueDepth.Set(float64(n)) })

	cache := schema.NewCache(cfg.SchemaCache, descriptorFetcher(pool), cfg.StateDir, logger)
	cache.LoadFromDisk()
	cache.SetLookupObserver(func(result string) {
		metrics.SchemaCacheHits.WithLabelValues(result).Inc()
	})

	dispatcher := dispatch.New(logger, auditor, limiter, breakers,
		cache, schema.NewValidator(), pool, metrics)

	redact, err := filter.New()
	if err != nil {
		return fmt.Errorf("compile redaction patterns: %w", err)
	}

	if cfg.Sampling.Enabled {
		// The sampling backend is a collaborator supplied by the embedding
		// client; without one the /sample endpoint stays off.
		logger.Warn("sampling.enabled is set but no sampling backend is wired; /sample stays disabled")
	}

	supervisor := sandbox.NewSupervisor(sandbox.SupervisorOptions{
		Sandbox:  cfg.Sandbox,
		Sampling: cfg.Sampling,
		Caller:   dispatcher,
		Lister:   pool,
		Redact:   redact,
		Auditor:  auditor,
		Logger:   logger,
	})

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := pool.Start(ctx, cfg.Servers); err != nil {
		auditor.Close()
		return fmt.Errorf("start downstream pool: %w", err)
	}

	srv := server.New(server.Options{
		Config:   cfg.Server,
		Executor: supervisor,
		Status:   pool,
		Metrics:  metrics,
		Auditor:  auditor,
		Logger:   logger,
		OnShutdown: func(context.Context) {
			if err := pool.Close(); err != nil {
				logger.Error("pool close failed", "error", err)
			}
			limiter.Close()
			if err := cache.SaveToDisk(); err != nil {
				logger.Error("schema cache persist failed", "error", err)
			}
			if err := auditor.Close(); err != nil {
				logger.Error("audit close failed", "error", err)
			}
		},
	})

	startConfigWatcher(ctx, configPath, logger, pool)

	if cfg.Server.Mode == "stdio" {
		stdio := server.NewStdio(srv, os.Stdin, os.Stdout, logger)
		err := stdio.Run(ctx)
		srv.Shutdown()
		return err
	}
	return srv.Run(ctx)
}

// descriptorFetcher adapts the pool's tool lookup to the schema cache.
func descriptorFetcher(pool *mcp.Pool) schema.Fetcher {
	return func(ctx context.Context, name string) (*schema.Descriptor, error) {
		tool, err := pool.GetTool(ctx, name)
		if err != nil {
			return nil, err
		}
		serverName, _, _ := mcp.SplitToolName(name)
		return &schema.Descriptor{
			Name:        name,
			Server:      serverName,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		}, nil
	}
}

// startConfigWatcher hot-reloads the downstream server list. Other settings
// require a restart.
func startConfigWatcher(ctx context.Context, configPath string, logger *slog.Logger, pool *mcp.Pool) {
	path := configPath
	if path == "" {
		for _, candidate := range config.DefaultPaths() {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path == "" {
		return
	}
	watcher := config.NewWatcher(path, logger, func(cfg *config.Config) {
		if err := pool.Reconcile(ctx, cfg.Servers); err != nil {
			logger.Error("pool reconcile failed", "error", err)
		}
	})
	go func() {
		if err := watcher.Run(ctx); err != nil {
			logger.Warn("config watcher stopped", "error", err)
		}
	}()
}
