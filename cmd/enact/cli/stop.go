package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// stopGrace is added to the server's drain budget to cover closing the
// store and limiter after the HTTP server has returned.
const stopGrace = 5 * time.Second

const stopPoll = 100 * time.Millisecond

func newStopCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running enact server",
		Long: `Stop an enact server that was started with 'enact serve'.

The server is sent SIGTERM and given server.shutdown_timeout to drain
in-flight requests, plus a short grace period to release the token store.
On Windows the process is killed outright.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("timeout") {
				timeout = stopDeadline(viper.GetDuration("server.shutdown_timeout"))
			}
			return runStop(cmd.Context(), cmd.OutOrStdout(), timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait for the server to exit (default server.shutdown_timeout + 5s)")
	return cmd
}

// stopDeadline is how long stop waits for a server that drains for up to
// shutdown.
func stopDeadline(shutdown time.Duration) time.Duration {
	if shutdown <= 0 {
		shutdown = 15 * time.Second
	}
	return shutdown + stopGrace
}

func runStop(ctx context.Context, out io.Writer, timeout time.Duration) error {
	pid, err := readPID()
	if err != nil {
		return fmt.Errorf("no running server found (missing PID file at %s)", pidFilePath())
	}
	if !isProcessRunning(pid) {
		removePID()
		return fmt.Errorf("server (PID %d) is not running (stale PID file removed)", pid)
	}

	fmt.Fprintf(out, "Stopping enact server (PID %d), waiting up to %s...\n", pid, timeout)
	if err := stopProcess(pid); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := waitForExit(ctx, pid, isProcessRunning, stopPoll); err != nil {
		return fmt.Errorf("server (PID %d) still running after %s; it may still be draining connections", pid, timeout)
	}
	removePID()
	fmt.Fprintln(out, "Server stopped.")
	return nil
}

// waitForExit polls alive until it reports pid gone or ctx ends.
func waitForExit(ctx context.Context, pid int, alive func(int) bool, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if !alive(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
