package alert

import "buildpulse/internal/store"

// Default thresholds per alert type, used when neither a pipeline-specific
// nor a global config row exists.
func DefaultConfig(alertType string) store.AlertConfig {
	c := store.AlertConfig{
		AlertType:       alertType,
		Enabled:         true,
		WindowMinutes:   60,
		CooldownMinutes: 30,
		NotifyWebhook:   true,
	}
	switch alertType {
	case store.AlertSuccessRateDrop:
		c.WarningThreshold = 70
		c.CriticalThreshold = 50
	case store.AlertDurationIncrease:
		c.WarningThreshold = 50
		c.CriticalThreshold = 100
	case store.AlertConsecutiveFailures:
		c.WarningThreshold = 3
		c.CriticalThreshold = 5
	case store.AlertStalePipeline:
		c.WarningThreshold = 24
		c.CriticalThreshold = 48
		c.WindowMinutes = 24 * 60
		c.CooldownMinutes = 24 * 60
	}
	return c
}

// ResolveConfig applies the configuration precedence for one
// (pipeline, alert type) evaluation: the pipeline-specific row wins, then
// the global row, then the hard-coded default.
func ResolveConfig(pipelineCfg, globalCfg *store.AlertConfig, alertType string) store.AlertConfig {
	if pipelineCfg != nil {
		return *pipelineCfg
	}
	if globalCfg != nil {
		return *globalCfg
	}
	return DefaultConfig(alertType)
}
