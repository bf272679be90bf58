package cmd

import (
	"context"
	"fmt"

	"github.com/mfenderov/campuscal/internal/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP server",
	Long: `Start the MCP server for event recommendations.

The server communicates via stdio and provides these tools:
  - recommend_events: dry-run recommendations for a month
  - search_events: search archived events (when elasticsearch.enabled)
  - get_event: fetch an archived event by ID (when elasticsearch.enabled)

Example:
  campuscal mcp`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()

	a, err := buildApp(context.Background(), &cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	mcpConfig := mcp.Config{
		Name:    cfg.MCP.Name,
		Version: cfg.MCP.Version,
		Runner:  a.pipeline,
	}
	if a.archive != nil {
		mcpConfig.Archive = a.archive
	}

	server, err := mcp.NewServer(mcpConfig)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	fmt.Fprintln(cmd.ErrOrStderr(), "Starting MCP server...")

	return server.ServeStdio()
}
