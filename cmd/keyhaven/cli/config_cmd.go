package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keyhaven/keyhaven/internal/store"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage Keyhaven configuration",
		Long:  "Initialize a default configuration file, display the effective configuration, or read and write server settings.",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigGetCmd())
	cmd.AddCommand(newConfigSetCmd())

	return cmd
}

// ---------- config init ----------

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default keyhaven.yaml configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config file")

	return cmd
}

const defaultConfig = `# Keyhaven Configuration

server:
  host: 0.0.0.0
  port: 8080
  shutdown_timeout: 30s
  cors:
    origins:
      - "*"

# Authentication and at-rest encryption.
# Both secrets should come from the environment, not this file.
auth:
  jwt_secret: ${KEYHAVEN_JWT_SECRET}
  session_ttl: 168h
  encryption_key: ${KEYHAVEN_ENCRYPTION_KEY}

# Rate limiting
rate_limit:
  login_per_minute: 10    # login/register attempts per client IP
  key_per_minute: 300     # key-authenticated requests per secret

# Logging
logging:
  level: info    # debug, info, warn, error
  format: text   # text or json
`

func runConfigInit(force bool) error {
	path := "keyhaven.yaml"

	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	if err := os.WriteFile(path, []byte(defaultConfig), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Created %s\n", path)
	fmt.Println("Set KEYHAVEN_JWT_SECRET and KEYHAVEN_ENCRYPTION_KEY, then run 'keyhaven serve'.")
	return nil
}

// ---------- config show ----------

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow()
		},
	}

	return cmd
}

func runConfigShow() error {
	// Ensure config is loaded
	initConfig()

	configFile := viper.ConfigFileUsed()
	if configFile != "" {
		fmt.Printf("Config file: %s\n", configFile)
	} else {
		fmt.Println("Config file: (none found, using defaults)")
	}
	fmt.Println()

	// Print all settings
	settings := viper.AllSettings()
	if len(settings) == 0 {
		fmt.Println("No configuration settings loaded.")
		fmt.Println("Run 'keyhaven config init' to create a default configuration file.")
		return nil
	}

	for key, value := range settings {
		fmt.Printf("  %s: %v\n", key, value)
	}

	return nil
}

// ---------- config get / set ----------
//
// These operate on the persisted settings table in the store, not the YAML
// file. They hold operator-tunable values that survive restarts.

func newConfigGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Read a persisted server setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigGet(args[0])
		},
	}

	return cmd
}

func runConfigGet(key string) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	value, err := st.GetSetting(context.Background(), key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("setting %q is not set", key)
		}
		return fmt.Errorf("read setting: %w", err)
	}

	fmt.Println(value)
	return nil
}

func newConfigSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Write a persisted server setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSet(args[0], args[1])
		},
	}

	return cmd
}

func runConfigSet(key, value string) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.SetSetting(context.Background(), key, value); err != nil {
		return fmt.Errorf("write setting: %w", err)
	}

	fmt.Printf("Set %s\n", key)
	return nil
}
