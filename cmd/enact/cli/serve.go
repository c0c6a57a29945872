package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/enactai/enact/internal/mcp"
	"github.com/enactai/enact/internal/server"
)

const banner = `
  ___ _ __   __ _  ___| |_
 / _ \ '_ \ / _' |/ __| __|
|  __/ | | | (_| | (__| |_
 \___|_| |_|\__,_|\___|\__|
`

func newServeCmd() *cobra.Command {
	var (
		port  int
		host  string
		noMCP bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start the HTTP server: the admin token API under /api/v1, the MCP tools over
Streamable HTTP at /mcp, health probes and Prometheus metrics. Expired tokens and
old usage records are swept in the background.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), !noMCP)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8082, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&noMCP, "no-mcp", false, "Do not mount the MCP endpoint at /mcp")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(parent context.Context, withMCP bool) error {
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

	s := a.settings
	a.registerTokenGauge()

	deps := server.Deps{
		Authorizer:  a.authorizer,
		Lifecycle:   a.lifecycle,
		Recorder:    a.recorder,
		Sweeper:     a.sweeper,
		Metrics:     a.metrics,
		ReadyChecks: a.readyChecks(),
	}
	if withMCP {
		data, err := a.newUpstream()
		if err != nil {
			return err
		}
		defer data.Close()
		deps.MCP = mcp.NewMCPServer(mcp.Config{
			Authorizer:        a.authorizer,
			Lifecycle:         a.lifecycle,
			Data:              data,
			Logger:            a.logger,
			Version:           versionString(),
			TrustProxyHeaders: s.Server.TrustProxyHeaders,
		}).HTTPHandler()
	}

	srv := server.New(server.Config{
		Host:              s.Server.Host,
		Port:              s.Server.Port,
		ShutdownTimeout:   s.Server.ShutdownTimeout,
		CORSOrigins:       s.Server.CORSOrigins,
		IPRateLimit:       s.Server.IPRateLimit,
		TrustProxyHeaders: s.Server.TrustProxyHeaders,
	}, deps, a.logger)

	if err := writePID(os.Getpid()); err != nil {
		a.logger.Warn("failed to write pid file", "path", pidFilePath(), "error", err)
	}
	defer removePID()

	fmt.Print(banner)
	fmt.Println()
	fmt.Printf("→ Enact %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", s.Server.Host, s.Server.Port)
	fmt.Printf("→ Admin API:  http://%s:%d/api/v1/system\n", s.Server.Host, s.Server.Port)
	if withMCP {
		fmt.Printf("→ MCP:        http://%s:%d/mcp\n", s.Server.Host, s.Server.Port)
	}
	fmt.Printf("→ Health:     http://%s:%d/healthz\n", s.Server.Host, s.Server.Port)
	fmt.Printf("→ Store:      %s\n", a.store.Dialect())
	fmt.Println()

	return runWithMaintenance(ctx, a, srv.ListenAndServe)
}

// runWithMaintenance runs fn alongside the background sweeper and, for the
// in-memory limiter, its janitor. It returns when fn does.
func runWithMaintenance(ctx context.Context, a *app, fn func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	bgCtx, cancelBg := context.WithCancel(gctx)

	g.Go(func() error {
		defer cancelBg()
		return fn(gctx)
	})
	g.Go(func() error {
		a.sweeper.Run(bgCtx)
		return nil
	})
	if a.window != nil {
		g.Go(func() error {
			a.window.Janitor(bgCtx, a.settings.RateLimit.Window)
			return nil
		})
	}
	return g.Wait()
}
