package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/wayfarer/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	envFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "wayfarer",
		Short:         "Real-time likes, comments and shares for posts, shorts and schedules",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before configuration")
	rootCmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	bindFlag(rootCmd, "log.level", "log-level")

	rootCmd.AddCommand(
		newRelayCommand(defaults),
		newTokenCommand(defaults),
		newWatchCommand(defaults),
		newLikeCommand(defaults),
		newCommentCommand(defaults),
		newShareCommand(defaults),
		newFollowersCommand(defaults),
		newFollowCommand(defaults),
	)
	return rootCmd
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

// bindFlags binds a subcommand's flags when it runs. Several subcommands
// share keys, and binding at construction would let the last one win.
func bindFlags(cmd *cobra.Command, bindings map[string]string) error {
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}

func initConfig() error {
	if err := config.LoadEnvFile(envFile, envFile != ".env"); err != nil {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
