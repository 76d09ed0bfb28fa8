package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"buildpulse/internal/engine"
	"buildpulse/internal/store"

	"github.com/spf13/cobra"
)

var (
	reportDBPath    string
	reportDays      int
	reportCommitter string
	reportBranch    string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Run ad-hoc analysis against the database",
}

var reportPatternsCmd = &cobra.Command{
	Use:   "patterns <pipeline>",
	Short: "Detect failure patterns for a pipeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runReportPatterns,
}

var reportPredictCmd = &cobra.Command{
	Use:   "predict <pipeline>",
	Short: "Predict the next build's success probability",
	Args:  cobra.ExactArgs(1),
	RunE:  runReportPredict,
}

func init() {
	reportCmd.PersistentFlags().StringVar(&reportDBPath, "db", getEnvOrDefault("BUILDPULSE_DB_PATH", "./buildpulse.db"), "Path to SQLite database")
	reportPatternsCmd.Flags().IntVar(&reportDays, "days", 30, "Lookback window in days")
	reportPredictCmd.Flags().StringVar(&reportCommitter, "committer", "", "Committer context")
	reportPredictCmd.Flags().StringVar(&reportBranch, "branch", "", "Branch context")

	reportCmd.AddCommand(reportPatternsCmd)
	reportCmd.AddCommand(reportPredictCmd)
}

func reportEngine() (*engine.Engine, *store.Store, error) {
	st, err := store.Open(reportDBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return engine.New(st, nil, logger, nil), st, nil
}

func runReportPatterns(cmd *cobra.Command, args []string) error {
	eng, st, err := reportEngine()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	pipeline, err := st.PipelineByName(ctx, args[0])
	if err != nil {
		return fmt.Errorf("pipeline %q: %w", args[0], err)
	}

	patterns, err := eng.DetectPatterns(ctx, pipeline.ID, reportDays)
	if err != nil {
		return err
	}

	if len(patterns) == 0 {
		fmt.Printf("No failure patterns detected for %s in the last %d days\n", pipeline.Name, reportDays)
		return nil
	}

	fmt.Printf("Failure patterns for %s (last %d days):\n\n", pipeline.Name, reportDays)
	for _, p := range patterns {
		fmt.Printf("  [%s/%s] %s\n", p.PatternType, p.Severity, p.Description)
		fmt.Printf("      confidence %.0f%%  -  %s\n", p.Confidence*100, p.Recommendation)
	}
	return nil
}

func runReportPredict(cmd *cobra.Command, args []string) error {
	eng, st, err := reportEngine()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	pipeline, err := st.PipelineByName(ctx, args[0])
	if err != nil {
		return fmt.Errorf("pipeline %q: %w", args[0], err)
	}

	prediction, err := eng.PredictNextBuild(ctx, pipeline.ID, reportCommitter, reportBranch)
	if err != nil {
		return err
	}

	fmt.Printf("Next build on %s: %.1f%% likely to succeed (confidence: %s)\n",
		pipeline.Name, prediction.Probability, prediction.Confidence)
	fmt.Printf("Reasoning: %s\n", prediction.Reasoning)
	return nil
}
