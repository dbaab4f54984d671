package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/claimsync/internal/config"
)

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	config.ApplyDefaults(viper.GetViper())

	rootCmd := &cobra.Command{
		Use:           "claimsync",
		Short:         "Offline claims capture with delta sync",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	defaults := config.NewViper()
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	bindFlag(rootCmd.PersistentFlags(), "log.level", "log-level")

	rootCmd.AddCommand(
		newServeCommand(defaults),
		newTokenCommand(),
		newSyncCommand(defaults),
		newStatusCommand(defaults),
		newQueueCommand(defaults),
	)
	return rootCmd
}

// addAgentFlags registers the flags shared by every command that opens the local
// sync state. They are bound to viper when the command runs.
func addAgentFlags(cmd *cobra.Command, defaults *viper.Viper) {
	cmd.Flags().String("state-path", defaults.GetString("state.path"), "SQLite path for the local sync state")
	cmd.Flags().String("backend-url", "", "Base URL of the claims backend")
	cmd.Flags().String("access-token", "", "Bearer token for the claims backend")
	cmd.Flags().Int("backend-timeout-seconds", defaults.GetInt("backend.timeout_seconds"), "Backend request timeout in seconds")
	cmd.Flags().String("provider-id", "", "Provider the agent acts for")
	cmd.Flags().Int("max-in-flight", defaults.GetInt("sync.max_in_flight"), "Concurrent deltas per phase (0 = unbounded)")
}

func bindAgentFlags(cmd *cobra.Command) {
	bindFlag(cmd.Flags(), "state.path", "state-path")
	bindFlag(cmd.Flags(), "backend.url", "backend-url")
	bindFlag(cmd.Flags(), "backend.access_token", "access-token")
	bindFlag(cmd.Flags(), "backend.timeout_seconds", "backend-timeout-seconds")
	bindFlag(cmd.Flags(), "provider.id", "provider-id")
	bindFlag(cmd.Flags(), "sync.max_in_flight", "max-in-flight")
}

func bindFlag(flags *pflag.FlagSet, key, flag string) {
	if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
