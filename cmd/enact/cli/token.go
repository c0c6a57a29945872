package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/enactai/enact/internal/model"
	"github.com/enactai/enact/internal/service"
)

// cliActor is recorded as revoked_by for changes made from the command line.
const cliActor = "cli"

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "token",
		Aliases: []string{"tokens"},
		Short:   "Manage access tokens",
		Long:    "Create, inspect, update, revoke and rotate the access tokens that gate tool calls.",
	}

	cmd.AddCommand(newTokenCreateCmd())
	cmd.AddCommand(newTokenListCmd())
	cmd.AddCommand(newTokenShowCmd())
	cmd.AddCommand(newTokenUpdateCmd())
	cmd.AddCommand(newTokenRevokeCmd())
	cmd.AddCommand(newTokenRotateCmd())
	cmd.AddCommand(newTokenStatsCmd())
	cmd.AddCommand(newTokenSweepCmd())

	return cmd
}

// withApp opens the service graph for the duration of fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// ---------- token create ----------

func newTokenCreateCmd() *cobra.Command {
	var (
		name        string
		description string
		tier        string
		tools       []string
		ips         []string
		rateLimit   int
		expiresIn   time.Duration
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new access token",
		Long: `Issue a new access token. The secret is printed once and cannot be retrieved
again. When stdout is not a terminal only the secret is printed, so it can be
captured by a script.`,
		Example: `  enact token create --name "research bot" --tier read_only
  enact token create --name ci --tier standard --tools get_bill,get_votes --expires-in 720h
  SECRET=$(enact token create --name deploy --tier admin --ip 10.0.0.0/8)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := model.ParseTier(tier)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				tok, secret, err := a.lifecycle.Create(ctx, service.CreateParams{
					Name:         name,
					Description:  description,
					Tier:         t,
					AllowedTools: tools,
					IPWhitelist:  ips,
					RateLimit:    rateLimit,
					ExpiresIn:    expiresIn,
				})
				if err != nil {
					return fmt.Errorf("create token: %w", err)
				}
				return printIssued(cmd.OutOrStdout(), tok, secret, jsonOutput)
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Human-readable token name (required)")
	cmd.Flags().StringVar(&description, "description", "", "Free-form description")
	cmd.Flags().StringVar(&tier, "tier", string(model.TierStandard), "Permission tier: read_only, standard or admin")
	cmd.Flags().StringSliceVar(&tools, "tools", nil, "Restrict the token to these tools (default: every tool its tier allows)")
	cmd.Flags().StringSliceVar(&ips, "ip", nil, "Allowed caller IP or CIDR; repeatable (default: any address)")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "Calls allowed per rate window (default: ratelimit.default_limit)")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Lifetime, e.g. 720h (default: never expires)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the token and secret as JSON")
	cmd.MarkFlagRequired("name")

	return cmd
}

// printIssued shows a freshly issued secret. Off a terminal only the
// secret itself is written.
func printIssued(w io.Writer, tok *model.Token, secret string, jsonOutput bool) error {
	if jsonOutput {
		return printJSON(w, model.IssuedToken{Token: tok, Secret: secret})
	}
	if !isTerminal(w) {
		_, err := fmt.Fprintln(w, secret)
		return err
	}

	fmt.Fprintln(w, "Token issued:")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  ID:      %s\n", tok.ID)
	fmt.Fprintf(w, "  Name:    %s\n", tok.Name)
	fmt.Fprintf(w, "  Tier:    %s\n", tok.Tier)
	fmt.Fprintf(w, "  Expires: %s\n", formatTime(tok.ExpiresAt))
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Secret:  %s\n", secret)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Save this secret now - it cannot be retrieved again.")
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// ---------- token list ----------

func newTokenListCmd() *cobra.Command {
	var (
		all        bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List access tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				tokens, err := a.lifecycle.List(ctx, all)
				if err != nil {
					return fmt.Errorf("list tokens: %w", err)
				}
				w := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(w, model.ListResponse[*model.Token]{
						Resource: tokens,
						Meta:     model.ResponseMeta{Count: len(tokens)},
					})
				}
				if len(tokens) == 0 {
					fmt.Fprintln(w, "No tokens found. Use 'enact token create' to issue one.")
					return nil
				}
				rows := make([][]any, len(tokens))
				for i, t := range tokens {
					rows[i] = []any{t.ID, t.Name, t.Tier, t.SecretHint, yesNo(t.IsActive), formatTime(t.ExpiresAt), formatTime(t.LastUsedAt), t.TotalRequests}
				}
				printTable(w, []string{"ID", "Name", "Tier", "Hint", "Active", "Expires", "Last Used", "Requests"}, rows)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include revoked and expired tokens")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// ---------- token show ----------

func newTokenShowCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show <token-id>",
		Short: "Show one token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				tok, err := a.lifecycle.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), tok)
				}
				printToken(cmd.OutOrStdout(), tok)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func printToken(w io.Writer, t *model.Token) {
	fields := [][2]any{
		{"ID", t.ID},
		{"Name", t.Name},
		{"Description", orDash(t.Description)},
		{"Tier", t.Tier},
		{"Secret Hint", t.SecretHint},
		{"Active", yesNo(t.IsActive)},
		{"Allowed Tools", formatList(t.AllowedTools)},
		{"IP Whitelist", formatList(t.IPWhitelist)},
		{"Rate Limit", t.RateLimit},
		{"Created", formatTime(&t.CreatedAt)},
		{"Expires", formatTime(t.ExpiresAt)},
		{"Last Used", formatTime(t.LastUsedAt)},
		{"Total Requests", t.TotalRequests},
		{"Total Errors", t.TotalErrors},
	}
	if t.RevokedAt != nil {
		fields = append(fields,
			[2]any{"Revoked", formatTime(t.RevokedAt)},
			[2]any{"Revoked By", orDash(t.RevokedBy)},
			[2]any{"Revoked Reason", orDash(t.RevokedReason)},
		)
	}
	if t.RotatedFrom != "" {
		fields = append(fields, [2]any{"Rotated From", t.RotatedFrom})
	}
	printFields(w, fields)
}

// ---------- token update ----------

func newTokenUpdateCmd() *cobra.Command {
	var (
		name        string
		description string
		tier        string
		tools       []string
		ips         []string
		rateLimit   int
		expiresIn   time.Duration
		noExpiry    bool
	)

	cmd := &cobra.Command{
		Use:   "update <token-id>",
		Short: "Change a token's restrictions",
		Long:  "Change a token's metadata or restrictions. Only the flags given are changed. Pass --tools or --ip with an empty value to clear a restriction.",
		Example: `  enact token update tok_123 --tier admin
  enact token update tok_123 --tools get_bill,get_member --rate-limit 100
  enact token update tok_123 --ip ""   # allow any address`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p service.UpdateParams
			flags := cmd.Flags()
			if flags.Changed("name") {
				p.Name = &name
			}
			if flags.Changed("description") {
				p.Description = &description
			}
			if flags.Changed("tier") {
				t, err := model.ParseTier(tier)
				if err != nil {
					return err
				}
				p.Tier = &t
			}
			if flags.Changed("tools") {
				cleaned := nonEmpty(tools)
				p.AllowedTools = &cleaned
			}
			if flags.Changed("ip") {
				cleaned := nonEmpty(ips)
				p.IPWhitelist = &cleaned
			}
			if flags.Changed("rate-limit") {
				p.RateLimit = &rateLimit
			}
			if flags.Changed("expires-in") {
				at := time.Now().Add(expiresIn)
				p.ExpiresAt = &at
			}
			p.ClearExpiry = noExpiry

			return withApp(cmd, func(ctx context.Context, a *app) error {
				tok, err := a.lifecycle.Update(ctx, args[0], p)
				if err != nil {
					return fmt.Errorf("update token: %w", err)
				}
				printToken(cmd.OutOrStdout(), tok)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "New name")
	cmd.Flags().StringVar(&description, "description", "", "New description")
	cmd.Flags().StringVar(&tier, "tier", "", "New tier: read_only, standard or admin")
	cmd.Flags().StringSliceVar(&tools, "tools", nil, "Replace the tool restriction")
	cmd.Flags().StringSliceVar(&ips, "ip", nil, "Replace the IP whitelist")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "New calls-per-window limit")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Expire this long from now")
	cmd.Flags().BoolVar(&noExpiry, "no-expiry", false, "Remove the expiry")
	cmd.MarkFlagsMutuallyExclusive("expires-in", "no-expiry")

	return cmd
}

func nonEmpty(items []string) []string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ---------- token revoke ----------

func newTokenRevokeCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "revoke <token-id>",
		Short: "Revoke a token",
		Long:  "Revoke a token immediately. Revocation is permanent; revoking an already revoked token is a no-op.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				revoked, err := a.lifecycle.Revoke(ctx, args[0], cliActor, reason)
				if err != nil {
					return fmt.Errorf("revoke token: %w", err)
				}
				if revoked {
					fmt.Fprintf(cmd.OutOrStdout(), "Revoked token %s\n", args[0])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Token %s was already revoked\n", args[0])
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Why the token is being revoked")

	return cmd
}

// ---------- token rotate ----------

func newTokenRotateCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "rotate <token-id>",
		Short: "Replace a token with a new secret",
		Long: `Revoke a token and issue a replacement with the same name, tier and
restrictions. An expiring token keeps its original lifetime, counted from now.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				tok, secret, err := a.lifecycle.Rotate(ctx, args[0], cliActor)
				if err != nil {
					return fmt.Errorf("rotate token: %w", err)
				}
				return printIssued(cmd.OutOrStdout(), tok, secret, jsonOutput)
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the new token and secret as JSON")

	return cmd
}

// ---------- token stats ----------

func newTokenStatsCmd() *cobra.Command {
	var (
		hours      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "stats <token-id>",
		Short: "Show usage statistics for a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if hours < 1 {
				return fmt.Errorf("--hours must be at least 1")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				stats, err := a.lifecycle.Stats(ctx, args[0], time.Duration(hours)*time.Hour)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(w, stats)
				}
				printFields(w, [][2]any{
					{"Token", stats.TokenID},
					{"Since", formatTime(&stats.Since)},
					{"Requests", stats.TotalRequests},
					{"Successful", stats.Successful},
					{"Failed", stats.Failed},
					{"Denied", stats.Denied},
					{"Error Rate", fmt.Sprintf("%.1f%%", stats.ErrorRate*100)},
					{"Avg Response", fmt.Sprintf("%.0fms", stats.AvgResponseTimeMs)},
					{"Unique Callers", stats.UniqueCallers},
				})
				if len(stats.Tools) > 0 {
					fmt.Fprintln(w)
					rows := make([][]any, len(stats.Tools))
					for i, tc := range stats.Tools {
						rows[i] = []any{tc.Tool, tc.Count}
					}
					printTable(w, []string{"Tool", "Calls"}, rows)
				}
				if len(stats.DenialReasons) > 0 {
					fmt.Fprintln(w)
					rows := make([][]any, 0, len(stats.DenialReasons))
					for reason, n := range stats.DenialReasons {
						rows = append(rows, []any{reason, n})
					}
					printTable(w, []string{"Denial Reason", "Count"}, rows)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&hours, "hours", 24, "Look-back window in hours")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// ---------- token sweep ----------

func newTokenSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Deactivate expired tokens and prune old usage records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.sweeper.RunOnce(ctx)
				if err != nil {
					return fmt.Errorf("sweep: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deactivated %d expired token(s), pruned %d usage record(s)\n",
					res.TokensDeactivated, res.UsagePruned)
				return nil
			})
		},
	}
}
