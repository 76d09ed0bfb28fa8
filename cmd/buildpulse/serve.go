package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"buildpulse/internal/alert"
	"buildpulse/internal/config"
	"buildpulse/internal/engine"
	"buildpulse/internal/notify"
	"buildpulse/internal/scheduler"
	"buildpulse/internal/server"
	"buildpulse/internal/store"

	"github.com/spf13/cobra"
)

var (
	configFile string
	logFile    string
	dbPath     string
	host       string
	port       int
	testMode   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the telemetry server",
	Long: `Start the HTTP server and the evaluation scheduler.

The server ingests GitHub Actions webhooks, recomputes per-pipeline metrics
and queue forecasts on a fixed interval, and raises alerts on breaches.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&configFile, "config", "c", getEnvOrDefault("BUILDPULSE_CONFIG_FILE", "./buildpulse.yaml"), "Path to buildpulse.yaml configuration file")
	serveCmd.Flags().StringVar(&logFile, "log", getEnvOrDefault("BUILDPULSE_LOG_FILE", "./buildpulse.log"), "Path to log file")
	serveCmd.Flags().StringVar(&dbPath, "db", getEnvOrDefault("BUILDPULSE_DB_PATH", ""), "Path to SQLite database (overrides config)")
	serveCmd.Flags().StringVar(&host, "host", getEnvOrDefault("BUILDPULSE_HOST", ""), "Host to bind to (overrides config)")
	serveCmd.Flags().IntVarP(&port, "port", "p", getEnvOrDefaultInt("BUILDPULSE_PORT", 0), "Port to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&testMode, "test-mode", os.Getenv("BUILDPULSE_TEST_MODE") == "1", "Enable test mode (disable rate limits)")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, logFileHandle, err := setupLogging(logFile)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logFileHandle.Close()

	logger.Info("Starting buildpulse", "version", version)

	logger.Info("Loading configuration", "config", configFile)
	cfg, err := config.Load(configFile)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if dbPath != "" {
		cfg.Database = dbPath
	}
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	if len(cfg.Pipelines) == 0 {
		logger.Warn("No pipelines configured", "config", configFile)
		logger.Warn("The server will start but won't compute any metrics until pipelines are added")
	}

	logger.Info("Opening database", "db", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := seedFromConfig(ctx, st, cfg); err != nil {
		logger.Error("Failed to seed configuration", "error", err)
		return err
	}

	notifier := notify.New(notify.Config{
		WebhookURL:      cfg.Notifications.WebhookURL,
		SlackWebhookURL: cfg.Notifications.SlackWebhookURL,
		Command:         cfg.Notifications.Command,
		PerMinute:       cfg.Notifications.PerMinute,
	}, logger)

	eng := engine.New(st, notifier, logger, nil)

	sched := scheduler.New(eng, st,
		time.Duration(cfg.Scheduler.IntervalMinutes)*time.Minute,
		cfg.Scheduler.Workers, logger)
	go sched.Run(ctx)

	srv := server.NewServer(st, eng, cfg, logger, testMode)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Server.Host, cfg.Server.Port)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		logger.Error("Server failed", "error", err)
		return fmt.Errorf("server failed: %w", err)
	}
}

// seedFromConfig mirrors the YAML pipelines and global alert overrides
// into the database so the scheduler and evaluator see them.
func seedFromConfig(ctx context.Context, st *store.Store, cfg *config.Config) error {
	for name, p := range cfg.Pipelines {
		owner, repo := p.RepoParts()
		if _, err := st.UpsertPipeline(ctx, name, owner, repo); err != nil {
			return fmt.Errorf("failed to register pipeline %q: %w", name, err)
		}
	}

	for alertType, override := range cfg.Alerts {
		row := alert.DefaultConfig(alertType)
		if override.Enabled != nil {
			row.Enabled = *override.Enabled
		}
		if override.WarningThreshold != nil {
			row.WarningThreshold = *override.WarningThreshold
		}
		if override.CriticalThreshold != nil {
			row.CriticalThreshold = *override.CriticalThreshold
		}
		if override.WindowMinutes != nil {
			row.WindowMinutes = *override.WindowMinutes
		}
		if override.CooldownMinutes != nil {
			row.CooldownMinutes = *override.CooldownMinutes
		}
		if override.NotifyWebhook != nil {
			row.NotifyWebhook = *override.NotifyWebhook
		}
		if override.NotifySlack != nil {
			row.NotifySlack = *override.NotifySlack
		}
		if override.NotifyCommand != nil {
			row.NotifyCommand = *override.NotifyCommand
		}
		if err := st.UpsertAlertConfig(ctx, &row); err != nil {
			return fmt.Errorf("failed to seed alert config %q: %w", alertType, err)
		}
	}
	return nil
}

// setupLogging configures slog for file logging
// Returns both the logger and the file handle (caller must close the file)
func setupLogging(logPath string) (*slog.Logger, *os.File, error) {
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	multiWriter := io.MultiWriter(os.Stdout, file)

	handler := slog.NewJSONHandler(multiWriter, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})

	return slog.New(handler), file, nil
}

// Helper functions for environment variables
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
