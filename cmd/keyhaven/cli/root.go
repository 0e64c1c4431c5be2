// Package cli implements the keyhaven command tree.
package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	appVersion string // set in Execute, used by serve for display
)

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	appVersion = version
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keyhaven",
		Short: "Self-hosted API key custodian",
		Long: `Keyhaven issues, stores, and rotates API keys for your users.

Secrets are shown exactly once at creation, held encrypted at rest, and
validated by hash. Every authenticated call is metered per key, and the
server raises alerts on rotations and deactivations.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./keyhaven.yaml)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory for the SQLite store (default: ~/.keyhaven)")

	cobra.OnInitialize(initConfig)

	// Add subcommands
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))
	cmd.AddCommand(newUserCmd())
	cmd.AddCommand(newKeyCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("keyhaven")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.keyhaven")
	}

	viper.SetEnvPrefix("KEYHAVEN")
	viper.AutomaticEnv()
	viper.ReadInConfig() // Ignore error - config file is optional
}
