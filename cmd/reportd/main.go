package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "reportd",
	Short:         "Report cache and scheduled report runner",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to the YAML config file (env REPORTCACHE_CONFIG)")
	rootCmd.PersistentFlags().String("env-file", ".env", "env file loaded before the config")
	rootCmd.PersistentFlags().Bool("no-telemetry", false, "disable OTLP export even when configured")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
