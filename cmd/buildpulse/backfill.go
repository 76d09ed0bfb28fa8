package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"buildpulse/internal/collect"
	"buildpulse/internal/config"
	"buildpulse/internal/store"

	"github.com/spf13/cobra"
)

var (
	backfillConfigFile string
	backfillMaxRuns    int
)

var backfillCmd = &cobra.Command{
	Use:   "backfill <pipeline>",
	Short: "Import build history from the GitHub Actions API",
	Long: `Import recent workflow runs for a configured pipeline so analysis does
not start from an empty history. Runs already recorded are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runBackfill,
}

func init() {
	backfillCmd.Flags().StringVarP(&backfillConfigFile, "config", "c", getEnvOrDefault("BUILDPULSE_CONFIG_FILE", "./buildpulse.yaml"), "Path to buildpulse.yaml configuration file")
	backfillCmd.Flags().IntVar(&backfillMaxRuns, "max-runs", 200, "Maximum number of workflow runs to import")
}

func runBackfill(cmd *cobra.Command, args []string) error {
	name := args[0]

	cfg, err := config.Load(backfillConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	pipelineCfg, ok := cfg.Pipelines[name]
	if !ok {
		return fmt.Errorf("pipeline %q is not configured", name)
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	owner, repo := pipelineCfg.RepoParts()
	pipeline, err := st.UpsertPipeline(ctx, name, owner, repo)
	if err != nil {
		return fmt.Errorf("failed to register pipeline: %w", err)
	}

	token := ""
	if pipelineCfg.TokenEnv != "" {
		token = os.Getenv(pipelineCfg.TokenEnv)
		if token == "" {
			fmt.Fprintf(os.Stderr, "Warning: %s is not set; using unauthenticated API access\n", pipelineCfg.TokenEnv)
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	collector := collect.New(token, st, logger)

	imported, err := collector.Backfill(ctx, pipeline, backfillMaxRuns)
	if err != nil {
		return fmt.Errorf("backfill failed after %d builds: %w", imported, err)
	}

	fmt.Printf("Imported %d builds for %s\n", imported, name)
	return nil
}
