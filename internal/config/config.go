// Package config loads and validates the YAML service configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	MinSecretLength          = 32
	DefaultPort              = 5600
	DefaultHost              = "127.0.0.1"
	DefaultIntervalMinutes   = 5
	DefaultWorkers           = 4
	DefaultNotifyPerMinute   = 10
)

// ForbiddenSecrets are placeholder values that must never ship as a
// webhook secret.
var ForbiddenSecrets = map[string]bool{
	"replace-with-secret":     true,
	"github-webhook-password": true,
	"topsecret":               true,
	"secret":                  true,
	"password":                true,
	"changeme":                true,
}

// Config is the root of the YAML configuration file.
type Config struct {
	Server        ServerConfig              `yaml:"server"`
	Database      string                    `yaml:"database"`
	Scheduler     SchedulerConfig           `yaml:"scheduler"`
	Notifications NotificationsConfig       `yaml:"notifications"`
	Alerts        map[string]AlertOverride  `yaml:"alerts"`
	Pipelines     map[string]PipelineConfig `yaml:"pipelines"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type SchedulerConfig struct {
	IntervalMinutes int `yaml:"interval_minutes"`
	Workers         int `yaml:"workers"`
}

type NotificationsConfig struct {
	WebhookURL      string `yaml:"webhook_url"`
	SlackWebhookURL string `yaml:"slack_webhook_url"`
	Command         string `yaml:"command"`
	PerMinute       int    `yaml:"per_minute"`
}

// AlertOverride seeds a global alert_configs row for one alert type.
type AlertOverride struct {
	Enabled           *bool    `yaml:"enabled"`
	WarningThreshold  *float64 `yaml:"warning_threshold"`
	CriticalThreshold *float64 `yaml:"critical_threshold"`
	WindowMinutes     *int     `yaml:"window_minutes"`
	CooldownMinutes   *int     `yaml:"cooldown_minutes"`
	NotifyWebhook     *bool    `yaml:"notify_webhook"`
	NotifySlack       *bool    `yaml:"notify_slack"`
	NotifyCommand     *bool    `yaml:"notify_command"`
}

// PipelineConfig declares one monitored pipeline.
type PipelineConfig struct {
	Repo     string `yaml:"repo"` // "owner/name", optional
	Secret   string `yaml:"secret"`
	TokenEnv string `yaml:"token_env"` // env var holding a GitHub token for backfill
}

// RepoParts splits the owner/name pair; both are empty when no repo is set.
func (p PipelineConfig) RepoParts() (owner, name string) {
	parts := strings.SplitN(p.Repo, "/", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	cfg.applyDefaults()

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration:\n%s", strings.Join(errs, "\n"))
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Database == "" {
		c.Database = "./buildpulse.db"
	}
	if c.Scheduler.IntervalMinutes == 0 {
		c.Scheduler.IntervalMinutes = DefaultIntervalMinutes
	}
	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = DefaultWorkers
	}
	if c.Notifications.PerMinute == 0 {
		c.Notifications.PerMinute = DefaultNotifyPerMinute
	}
	if c.Pipelines == nil {
		c.Pipelines = make(map[string]PipelineConfig)
	}
}

// Validate returns one message per problem found.
func (c *Config) Validate() []string {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("  - server port out of range: %d", c.Server.Port))
	}
	if c.Scheduler.IntervalMinutes < 1 {
		errs = append(errs, fmt.Sprintf("  - scheduler interval must be at least 1 minute, got %d", c.Scheduler.IntervalMinutes))
	}
	if c.Scheduler.Workers < 1 {
		errs = append(errs, fmt.Sprintf("  - scheduler workers must be positive, got %d", c.Scheduler.Workers))
	}

	knownAlertTypes := map[string]bool{
		"success_rate_drop":    true,
		"duration_increase":    true,
		"consecutive_failures": true,
		"stale_pipeline":       true,
	}
	for name := range c.Alerts {
		if !knownAlertTypes[name] {
			errs = append(errs, fmt.Sprintf("  - unknown alert type %q", name))
		}
	}

	for name, p := range c.Pipelines {
		if p.Secret == "" {
			errs = append(errs, fmt.Sprintf("  - pipeline %q: missing required 'secret' field", name))
		} else {
			if len(p.Secret) < MinSecretLength {
				errs = append(errs, fmt.Sprintf("  - pipeline %q: secret too short (minimum %d characters)", name, MinSecretLength))
			}
			if ForbiddenSecrets[strings.ToLower(p.Secret)] {
				errs = append(errs, fmt.Sprintf("  - pipeline %q: secret appears to be a placeholder value, replace with real secret", name))
			}
		}
		if p.Repo != "" {
			if owner, repo := p.RepoParts(); owner == "" || repo == "" {
				errs = append(errs, fmt.Sprintf("  - pipeline %q: repo must be in owner/name form, got %q", name, p.Repo))
			}
		}
	}

	return errs
}
