package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Muhumuree/code-executor-MCP/internal/audit"
	"github.com/Muhumuree/code-executor-MCP/internal/config"
	"github.com/Muhumuree/code-executor-MCP/internal/mcp"
	"github.com/Muhumuree/code-executor-MCP/internal/observability"
)

// toolListing is the YAML shape printed per tool.
type toolListing struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

func buildToolsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List tools exposed by the configured downstream servers",
		Long: `Connect to every configured downstream server and list the tools it
exposes, under their fully-qualified <server>.<tool> names.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTools(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func runTools(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if len(cfg.Servers) == 0 {
		return fmt.Errorf("no downstream servers configured")
	}

	logger := observability.NewLogger(cfg.Log)
	auditor, err := audit.NewLogger(cfg.StateDir, cfg.Audit, logger)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditor.Close()

	pool := mcp.NewPool(cfg.Pool, logger)
	if err := pool.Start(ctx, cfg.Servers); err != nil {
		return fmt.Errorf("connect downstream servers: %w", err)
	}
	defer pool.Close()

	tools, err := pool.AllTools(ctx)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}

	if err := auditor.Record(ctx, &audit.Event{
		Kind:    audit.KindDiscovery,
		Outcome: audit.OutcomeSuccess,
		Meta:    map[string]any{"tools": len(tools), "servers": len(cfg.Servers)},
	}); err != nil {
		logger.Error("audit write failed", "kind", audit.KindDiscovery, "error", err)
	}

	listings := make([]toolListing, 0, len(tools))
	for _, tool := range tools {
		listings = append(listings, toolListing{Name: tool.Name, Description: tool.Description})
	}
	out, err := yaml.Marshal(listings)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
