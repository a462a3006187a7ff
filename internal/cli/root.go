// Package cli implements the pulsez command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	appVersion = "dev"
	appCommit  = "none"
	appDate    = "unknown"
)

// SetVersionInfo sets the version information injected via ldflags.
func SetVersionInfo(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

// configPath is the --config flag shared by every command.
var configPath string

var rootCmd = &cobra.Command{
	Use:   "pulsez",
	Short: "Real-time event analytics and alerting",
	Long: `pulsez ingests per-tenant event streams, keeps rolling windows of recent
activity, and publishes live metrics, threshold alerts and short-range
forecasts to WebSocket and NATS subscribers.

Settings come from defaults, an optional YAML file given with --config,
and PULSEZ_* environment variables, in increasing order of precedence.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "pulsez %s\ncommit: %s\nbuilt:  %s\n", appVersion, appCommit, appDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML settings file")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
