// Package main provides the code-executor CLI.
//
// code-executor is an orchestration server that runs short user programs in
// a sandbox and brokers their tool calls to downstream MCP servers.
//
// Start the server:
//
//	code-executor serve --config code-executor.yaml
//
// List the tools the configured downstream servers expose:
//
//	code-executor tools
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "code-executor",
		Short: "Sandboxed code execution with brokered MCP tool calls",
		Long: `code-executor runs short user-supplied programs inside a locked-down
sandbox and brokers their tool calls to downstream MCP servers, with
schema validation, admission control, and a persistent audit trail.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildToolsCmd(),
	)
	return rootCmd
}
