// Package cmd implements the CLI commands for hlstrackd.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/hlstrack/internal/hlsconfig"
	"github.com/jmylchreest/hlstrack/internal/observability"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "hlstrackd",
	Short: "Track an HLS playlist session from the command line",
	Long: `hlstrackd tracks one HTTP Live Streaming playlist session: it loads a
multivariant or media playlist, follows the primary variant's live
reloads, and logs every refresh, stall, and exclusion it observes.

It is a demo harness for internal/hlstrack, not a media server — it
never proxies or serves the segments it discovers.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initLogging()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.hlstrack.yaml)")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	hlsconfig.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/hlstrack")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".hlstrack")
	}

	viper.SetEnvPrefix("HLSTRACK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// initLogging configures the default slog logger from viper-bound config.
func initLogging() error {
	var logCfg hlsconfig.LoggingConfig
	if err := viper.UnmarshalKey("logging", &logCfg); err != nil {
		return fmt.Errorf("unmarshaling logging config: %w", err)
	}
	if logCfg.Level == "" {
		logCfg.Level = "info"
	}
	if logCfg.Format == "" {
		logCfg.Format = "text"
	}
	observability.SetDefault(observability.NewLogger(logCfg))
	return nil
}
