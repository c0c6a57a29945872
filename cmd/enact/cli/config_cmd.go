package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-secure-stdlib/base62"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/enactai/enact/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage enact configuration",
		Long:  "Initialize a default configuration file, check the effective configuration, or display it.",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigValidateCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

// ---------- config init ----------

func newConfigInitCmd() *cobra.Command {
	var (
		force    bool
		path     string
		generate bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default enact.yaml configuration file",
		Long: `Create a default configuration file. On a terminal you are prompted for the
secret key used to digest tokens; leave it empty to supply it later through
ENACT_SECURITY_SECRET_KEY. --generate-secret writes a random key instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := map[string]any{}
			if dataDir != "" {
				overrides["store.data_dir"] = dataDir
			}

			switch {
			case generate:
				key, err := base62.Random(40)
				if err != nil {
					return fmt.Errorf("generate secret key: %w", err)
				}
				overrides["security.secret_key"] = key
			case term.IsTerminal(int(os.Stdin.Fd())):
				key, err := promptSecretKey()
				if err != nil {
					return err
				}
				if key != "" {
					overrides["security.secret_key"] = key
				}
			}

			if err := config.WriteDefault(path, force, overrides); err != nil {
				return err
			}
			fmt.Printf("Created %s\n", path)
			if _, ok := overrides["security.secret_key"]; !ok {
				fmt.Printf("Set %s_SECURITY_SECRET_KEY before running 'enact serve'.\n", config.EnvPrefix)
			} else {
				fmt.Println("Run 'enact token create --tier admin --name bootstrap' to issue the first admin token.")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config file")
	cmd.Flags().StringVar(&path, "path", "enact.yaml", "Where to write the file")
	cmd.Flags().BoolVar(&generate, "generate-secret", false, "Write a randomly generated secret key")

	return cmd
}

func promptSecretKey() (string, error) {
	fmt.Printf("Secret key (min %d characters, empty to skip): ", config.MinSecretKeyLength)
	first, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read secret key: %w", err)
	}
	key := strings.TrimSpace(string(first))
	if key == "" {
		return "", nil
	}
	if len(key) < config.MinSecretKeyLength {
		return "", fmt.Errorf("secret key must be at least %d characters", config.MinSecretKeyLength)
	}

	fmt.Print("Confirm secret key: ")
	confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read confirmation: %w", err)
	}
	if key != strings.TrimSpace(string(confirm)) {
		return "", fmt.Errorf("secret keys do not match")
	}
	return key, nil
}

// ---------- config validate ----------

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the effective configuration for errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadSettings(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid.")
			return nil
		},
	}
}

// ---------- config show ----------

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current effective configuration",
		Long:  "Show the effective configuration after defaults, the config file and environment overrides. Secrets are redacted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			s.Store.DataDir = resolveDataDir()

			w := cmd.OutOrStdout()
			if f := viper.ConfigFileUsed(); f != "" {
				fmt.Fprintf(w, "# Config file: %s\n", f)
			} else {
				fmt.Fprintln(w, "# Config file: (none found, using defaults)")
			}

			out, err := config.MarshalSettings(s.Redacted())
			if err != nil {
				return err
			}
			_, err = w.Write(out)
			return err
		},
	}
}
