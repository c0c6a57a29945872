package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/enactai/enact/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	var (
		transport string
		port      int
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for AI agents",
		Long: `Start a Model Context Protocol (MCP) server that exposes the congressional data
tools to AI agents. Every tool takes a "token" argument and is authorized before it
runs. Supports stdio (default) and Streamable HTTP transports.

In stdio mode there is no caller address, so tokens restricted to an IP whitelist
are refused. Use the HTTP transport for those.`,
		Example: `  enact mcp                               # stdio mode (for Claude Desktop)
  enact mcp --transport http --port 3001  # Streamable HTTP at /mcp`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport mode: stdio or http")
	cmd.Flags().IntVar(&port, "port", 3001, "HTTP port (only used with --transport http)")

	viper.BindPFlag("mcp.transport", cmd.Flags().Lookup("transport"))
	viper.BindPFlag("mcp.port", cmd.Flags().Lookup("port"))

	return cmd
}

func runMCP(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	data, err := a.newUpstream()
	if err != nil {
		return err
	}
	defer data.Close()

	s := a.settings
	mcpSrv := mcp.NewMCPServer(mcp.Config{
		Authorizer:        a.authorizer,
		Lifecycle:         a.lifecycle,
		Data:              data,
		Logger:            a.logger,
		Version:           versionString(),
		TrustProxyHeaders: s.Server.TrustProxyHeaders,
	})

	switch s.MCP.Transport {
	case "stdio":
		return runWithMaintenance(ctx, a, func(context.Context) error {
			return mcpSrv.ServeStdio()
		})
	case "http":
		addr := fmt.Sprintf("%s:%d", s.MCP.Host, s.MCP.Port)
		return runWithMaintenance(ctx, a, func(ctx context.Context) error {
			return mcpSrv.ServeHTTP(ctx, addr)
		})
	default:
		return fmt.Errorf("unsupported transport %q; use 'stdio' or 'http'", s.MCP.Transport)
	}
}
