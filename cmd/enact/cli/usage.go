package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/enactai/enact/internal/model"
)

func newUsageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect and maintain the usage log",
	}

	cmd.AddCommand(newUsageSummaryCmd())
	cmd.AddCommand(newUsagePruneCmd())
	cmd.AddCommand(newUsageAlertsCmd())

	return cmd
}

func newUsageSummaryCmd() *cobra.Command {
	var (
		hours      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show request counts for every token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if hours < 1 {
				return fmt.Errorf("--hours must be at least 1")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				rows, err := a.recorder.Summary(ctx, time.Duration(hours)*time.Hour)
				if err != nil {
					return fmt.Errorf("usage summary: %w", err)
				}
				w := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(w, model.ListResponse[model.UsageSummary]{
						Resource: rows,
						Meta:     model.ResponseMeta{Count: len(rows)},
					})
				}
				if len(rows) == 0 {
					fmt.Fprintf(w, "No usage in the last %d hour(s).\n", hours)
					return nil
				}
				table := make([][]any, len(rows))
				for i, r := range rows {
					table[i] = []any{r.TokenID, r.TotalRequests, r.Failed, r.Denied}
				}
				printTable(w, []string{"Token", "Requests", "Failed", "Denied"}, table)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&hours, "hours", 24, "Look-back window in hours")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func newUsagePruneCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete usage records older than the retention period",
		Long:  "Delete usage records older than --days, or usage.retention_days when the flag is not given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				retention := a.settings.Retention()
				if cmd.Flags().Changed("days") {
					if days < 1 {
						return fmt.Errorf("--days must be at least 1")
					}
					retention = time.Duration(days) * 24 * time.Hour
				}
				n, err := a.recorder.Prune(ctx, retention)
				if err != nil {
					return fmt.Errorf("prune usage: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d usage record(s) older than %s\n", n, retention)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "Retention in days")

	return cmd
}

func newUsageAlertsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Report tokens that need attention",
		Long: `Report active tokens that never expire, have gone unused, carry
unusually heavy traffic or fail too often. Thresholds come from the
alerts section of the configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				alerts, err := a.lifecycle.Alerts(ctx)
				if err != nil {
					return fmt.Errorf("security alerts: %w", err)
				}
				w := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(w, model.ListResponse[model.SecurityAlert]{
						Resource: alerts,
						Meta:     model.ResponseMeta{Count: len(alerts)},
					})
				}
				printAlerts(w, alerts)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func printAlerts(w io.Writer, alerts []model.SecurityAlert) {
	if len(alerts) == 0 {
		fmt.Fprintln(w, "No alerts.")
		return
	}
	var rows [][]any
	for _, al := range alerts {
		for _, t := range al.Tokens {
			value := "-"
			switch al.Kind {
			case model.AlertHighUsage:
				value = strconv.FormatFloat(t.Value, 'f', 0, 64)
			case model.AlertHighErrorRate:
				value = fmt.Sprintf("%.1f%%", t.Value*100)
			}
			rows = append(rows, []any{al.Severity, al.Kind, t.ID, t.Name, value})
		}
	}
	for _, al := range alerts {
		fmt.Fprintf(w, "[%s] %s: %s\n", al.Severity, al.Title, al.Message)
	}
	fmt.Fprintln(w)
	printTable(w, []string{"Severity", "Alert", "Token", "Name", "Value"}, rows)
}
