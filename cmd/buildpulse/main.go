package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev" // Will be set during build

var rootCmd = &cobra.Command{
	Use:   "buildpulse",
	Short: "CI pipeline telemetry and alerting",
	Long: `Buildpulse ingests CI build and queue telemetry and turns it into signal:
rolling health metrics, threshold alerts with deduplication and auto-resolution,
short-horizon queue forecasts, and heuristic failure-pattern detection.`,
	Version: version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(backfillCmd)
}
