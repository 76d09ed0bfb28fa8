// Package notify dispatches engine signals to external channels. Dispatch
// is fire-and-forget: a channel failure is logged and never affects alert
// persistence or evaluation.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"time"

	"github.com/kballard/go-shellquote"
	"golang.org/x/time/rate"

	"buildpulse/internal/store"
)

const (
	dispatchTimeout = 10 * time.Second
	commandTimeout  = 30 * time.Second

	// Per-channel notification budget, tokens per minute.
	defaultPerMinute = 10
)

// Config selects and configures the outbound channels. Empty values
// disable a channel.
type Config struct {
	WebhookURL      string
	SlackWebhookURL string
	Command         string
	PerMinute       int
}

// Notifier sends "metrics calculated" and "alert created" signals.
type Notifier struct {
	cfg     Config
	client  *http.Client
	logger  *slog.Logger
	limiter *rate.Limiter
}

// New creates a notifier for the configured channels.
func New(cfg Config, logger *slog.Logger) *Notifier {
	perMinute := cfg.PerMinute
	if perMinute <= 0 {
		perMinute = defaultPerMinute
	}
	return &Notifier{
		cfg:     cfg,
		client:  &http.Client{Timeout: dispatchTimeout},
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
	}
}

// metricsSignal carries enough payload for a downstream consumer to act
// without re-querying.
type metricsSignal struct {
	Event       string  `json:"event"`
	PipelineID  int64   `json:"pipeline_id"`
	Pipeline    string  `json:"pipeline"`
	SnapshotID  int64   `json:"snapshot_id"`
	SuccessRate float64 `json:"success_rate"`
	TotalBuilds int     `json:"total_builds"`
	AvgDuration float64 `json:"avg_duration"`
}

type alertSignal struct {
	Event       string  `json:"event"`
	PipelineID  int64   `json:"pipeline_id"`
	Pipeline    string  `json:"pipeline"`
	AlertID     int64   `json:"alert_id"`
	Type        string  `json:"type"`
	Severity    string  `json:"severity"`
	Title       string  `json:"title"`
	Message     string  `json:"message"`
	Threshold   float64 `json:"threshold"`
	Actual      float64 `json:"actual"`
	Fingerprint string  `json:"fingerprint"`
}

// MetricsCalculated announces a freshly persisted snapshot on the generic
// webhook channel.
func (n *Notifier) MetricsCalculated(ctx context.Context, pipeline *store.Pipeline, snap *store.MetricsSnapshot) {
	if n.cfg.WebhookURL == "" {
		return
	}
	if !n.limiter.Allow() {
		n.logger.Warn("notification rate limit exceeded, dropping metrics signal", "pipeline", pipeline.Name)
		return
	}
	n.postJSON(ctx, n.cfg.WebhookURL, metricsSignal{
		Event:       "metrics_calculated",
		PipelineID:  pipeline.ID,
		Pipeline:    pipeline.Name,
		SnapshotID:  snap.ID,
		SuccessRate: snap.SuccessRate,
		TotalBuilds: snap.TotalBuilds,
		AvgDuration: snap.AvgDuration,
	})
}

// AlertCreated announces a new or renotified alert on every channel the
// resolved alert config enables.
func (n *Notifier) AlertCreated(ctx context.Context, pipeline *store.Pipeline, a *store.Alert, cfg store.AlertConfig) {
	if !n.limiter.Allow() {
		n.logger.Warn("notification rate limit exceeded, dropping alert signal",
			"pipeline", pipeline.Name, "fingerprint", a.Fingerprint)
		return
	}

	signal := alertSignal{
		Event:       "alert_created",
		PipelineID:  pipeline.ID,
		Pipeline:    pipeline.Name,
		AlertID:     a.ID,
		Type:        a.Type,
		Severity:    a.Severity,
		Title:       a.Title,
		Message:     a.Message,
		Threshold:   a.Threshold,
		Actual:      a.Actual,
		Fingerprint: a.Fingerprint,
	}

	if cfg.NotifyWebhook && n.cfg.WebhookURL != "" {
		n.postJSON(ctx, n.cfg.WebhookURL, signal)
	}
	if cfg.NotifySlack && n.cfg.SlackWebhookURL != "" {
		n.postJSON(ctx, n.cfg.SlackWebhookURL, map[string]string{
			"text": fmt.Sprintf("[%s] %s: %s", a.Severity, a.Title, a.Message),
		})
	}
	if cfg.NotifyCommand && n.cfg.Command != "" {
		n.runCommand(ctx, signal)
	}
}

func (n *Notifier) postJSON(ctx context.Context, url string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("failed to marshal notification payload", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("failed to build notification request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Error("notification delivery failed", "url", url, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.logger.Error("notification rejected", "url", url, "status", resp.StatusCode)
	}
}

// runCommand executes the configured command with the alert payload on
// stdin. The command line is shell-quoted in the config, never passed
// through a shell here.
func (n *Notifier) runCommand(ctx context.Context, signal alertSignal) {
	parts, err := shellquote.Split(n.cfg.Command)
	if err != nil || len(parts) == 0 {
		n.logger.Error("invalid notification command", "command", n.cfg.Command, "error", err)
		return
	}

	body, err := json.Marshal(signal)
	if err != nil {
		n.logger.Error("failed to marshal command payload", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Stdin = bytes.NewReader(body)
	if output, err := cmd.CombinedOutput(); err != nil {
		n.logger.Error("notification command failed",
			"command", parts[0], "error", err, "output", string(output))
	}
}
