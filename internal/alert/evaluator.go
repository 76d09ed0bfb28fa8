// Package alert runs threshold rules against fresh metrics snapshots,
// deduplicates alerts via fingerprint and cooldown, and auto-resolves
// alerts whose triggering condition has cleared.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"buildpulse/internal/store"
)

// Severity cutoffs written into the rules themselves, independent of the
// configurable firing thresholds.
const (
	criticalSuccessRate    = 50.0
	criticalDurationPct    = 100.0
	emergencyFailureStreak = 5
	staleAfterHours        = 24.0
	autoResolveSuccessRate = 80.0
)

// minBuildsForRateAlert guards the success-rate rule against firing on a
// pipeline with almost no history.
const minBuildsForRateAlert = 5

// Notification pairs an alert with the config that produced it so the
// dispatcher knows which channels to use.
type Notification struct {
	Alert  store.Alert
	Config store.AlertConfig
}

// Result describes what one evaluation pass did.
type Result struct {
	Created       []store.Alert
	Notifications []Notification
	Resolved      []store.Alert
}

// Evaluator applies the four rule types to snapshots.
type Evaluator struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewEvaluator creates an evaluator. now may be nil for time.Now.
func NewEvaluator(logger *slog.Logger, now func() time.Time) *Evaluator {
	if now == nil {
		now = time.Now
	}
	return &Evaluator{logger: logger, now: now}
}

// candidate is a rule that fired and may become (or renotify) an alert.
type candidate struct {
	alertType  string
	severity   string
	title      string
	message    string
	threshold  float64
	actual     float64
	singleShot bool // no renotification while still active
}

// Evaluate runs all rules against the snapshot, then auto-resolves any
// active alerts whose condition has cleared. It must be called with the
// same transaction that persisted the snapshot so the dedup lookup always
// sees the latest evaluation.
func (e *Evaluator) Evaluate(ctx context.Context, q *store.Queries, pipeline *store.Pipeline, snap *store.MetricsSnapshot, prev *store.MetricsSnapshot) (*Result, error) {
	result := &Result{}
	now := e.now()

	rules := []struct {
		alertType string
		check     func(cfg store.AlertConfig) *candidate
	}{
		{store.AlertSuccessRateDrop, func(cfg store.AlertConfig) *candidate {
			return checkSuccessRate(pipeline, snap, cfg)
		}},
		{store.AlertDurationIncrease, func(cfg store.AlertConfig) *candidate {
			return checkDurationIncrease(pipeline, snap, prev, cfg)
		}},
		{store.AlertConsecutiveFailures, func(cfg store.AlertConfig) *candidate {
			return checkConsecutiveFailures(pipeline, snap, cfg)
		}},
		{store.AlertStalePipeline, func(cfg store.AlertConfig) *candidate {
			return checkStalePipeline(pipeline, snap, cfg, now)
		}},
	}

	for _, rule := range rules {
		pipelineCfg, globalCfg, err := q.AlertConfigFor(ctx, pipeline.ID, rule.alertType)
		if err != nil {
			return nil, err
		}
		cfg := ResolveConfig(pipelineCfg, globalCfg, rule.alertType)
		if !cfg.Enabled {
			continue
		}
		cand := rule.check(cfg)
		if cand == nil {
			continue
		}
		if err := e.raise(ctx, q, pipeline.ID, cand, cfg, now, result); err != nil {
			return nil, err
		}
	}

	if err := e.autoResolve(ctx, q, pipeline.ID, snap, now, result); err != nil {
		return nil, err
	}
	return result, nil
}

// raise creates a new alert for the candidate, or applies the dedup
// contract against an existing active alert with the same fingerprint:
// renotify only once the cooldown has elapsed, never create a second
// active alert.
func (e *Evaluator) raise(ctx context.Context, q *store.Queries, pipelineID int64, cand *candidate, cfg store.AlertConfig, now time.Time, result *Result) error {
	fingerprint := Fingerprint(cand.alertType, pipelineID)

	existing, err := q.ActiveAlertByFingerprint(ctx, fingerprint)
	if err != nil && err != store.ErrNotFound {
		return err
	}

	if existing != nil {
		if cand.singleShot {
			return nil
		}
		cooldown := time.Duration(cfg.CooldownMinutes) * time.Minute
		if now.Sub(existing.LastNotifiedAt) < cooldown {
			return nil
		}
		if err := q.TouchAlertNotification(ctx, existing.ID, now); err != nil {
			return err
		}
		existing.LastNotifiedAt = now
		existing.NotificationCount++
		result.Notifications = append(result.Notifications, Notification{Alert: *existing, Config: cfg})
		e.logger.Info("alert renotified",
			"fingerprint", fingerprint,
			"count", existing.NotificationCount)
		return nil
	}

	a := store.Alert{
		PipelineID:  pipelineID,
		Type:        cand.alertType,
		Severity:    cand.severity,
		Status:      store.AlertActive,
		Title:       cand.title,
		Message:     cand.message,
		Threshold:   cand.threshold,
		Actual:      cand.actual,
		Fingerprint: fingerprint,
		CreatedAt:   now,
	}
	if _, err := q.InsertAlert(ctx, &a); err != nil {
		return err
	}
	result.Created = append(result.Created, a)
	result.Notifications = append(result.Notifications, Notification{Alert: a, Config: cfg})
	e.logger.Info("alert created",
		"fingerprint", fingerprint,
		"severity", a.Severity,
		"actual", a.Actual)
	return nil
}

// autoResolve scans the pipeline's active alerts and resolves those whose
// triggering condition has cleared in the new snapshot.
func (e *Evaluator) autoResolve(ctx context.Context, q *store.Queries, pipelineID int64, snap *store.MetricsSnapshot, now time.Time, result *Result) error {
	active, err := q.ActiveAlertsForPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}

	for i := range active {
		a := &active[i]
		cleared := false
		switch a.Type {
		case store.AlertSuccessRateDrop:
			cleared = snap.SuccessRate >= autoResolveSuccessRate
		case store.AlertConsecutiveFailures:
			cleared = snap.ConsecutiveFailures == 0
		case store.AlertStalePipeline:
			cleared = snap.BuildsToday > 0
		}
		if !cleared {
			continue
		}
		if err := q.ResolveAlert(ctx, a.ID, "auto", "", now); err != nil {
			return err
		}
		a.Status = store.AlertResolved
		resolvedBy := "auto"
		a.ResolvedBy = &resolvedBy
		resolvedAt := now
		a.ResolvedAt = &resolvedAt
		result.Resolved = append(result.Resolved, *a)
		e.logger.Info("alert auto-resolved", "fingerprint", a.Fingerprint, "type", a.Type)
	}
	return nil
}

// Fingerprint identifies "this kind of problem for this pipeline". It is
// deliberately not keyed by thresholds or windows; a reconfigured rule
// keeps suppressing under the fingerprint of its still-active alert.
func Fingerprint(alertType string, pipelineID int64) string {
	return fmt.Sprintf("%s_%d", alertType, pipelineID)
}

func checkSuccessRate(pipeline *store.Pipeline, snap *store.MetricsSnapshot, cfg store.AlertConfig) *candidate {
	if snap.TotalBuilds < minBuildsForRateAlert || snap.SuccessRate >= cfg.CriticalThreshold {
		return nil
	}
	severity := store.SeverityWarning
	if snap.SuccessRate < criticalSuccessRate {
		severity = store.SeverityCritical
	}
	return &candidate{
		alertType: store.AlertSuccessRateDrop,
		severity:  severity,
		title:     fmt.Sprintf("Success rate dropped on %s", pipeline.Name),
		message: fmt.Sprintf("Success rate is %.1f%% across %d builds (threshold %.0f%%)",
			snap.SuccessRate, snap.TotalBuilds, cfg.CriticalThreshold),
		threshold: cfg.CriticalThreshold,
		actual:    snap.SuccessRate,
	}
}

func checkDurationIncrease(pipeline *store.Pipeline, snap, prev *store.MetricsSnapshot, cfg store.AlertConfig) *candidate {
	if prev == nil || prev.AvgDuration <= 0 || snap.AvgDuration <= 0 {
		return nil
	}
	increase := (snap.AvgDuration - prev.AvgDuration) / prev.AvgDuration * 100
	if increase <= cfg.WarningThreshold {
		return nil
	}
	severity := store.SeverityWarning
	if increase > criticalDurationPct {
		severity = store.SeverityCritical
	}
	return &candidate{
		alertType: store.AlertDurationIncrease,
		severity:  severity,
		title:     fmt.Sprintf("Build duration increased on %s", pipeline.Name),
		message: fmt.Sprintf("Average duration rose %.0f%% (%.0fs to %.0fs)",
			increase, prev.AvgDuration, snap.AvgDuration),
		threshold: cfg.WarningThreshold,
		actual:    increase,
	}
}

func checkConsecutiveFailures(pipeline *store.Pipeline, snap *store.MetricsSnapshot, cfg store.AlertConfig) *candidate {
	if float64(snap.ConsecutiveFailures) < cfg.WarningThreshold {
		return nil
	}
	severity := store.SeverityCritical
	if snap.ConsecutiveFailures >= emergencyFailureStreak {
		severity = store.SeverityEmergency
	}
	return &candidate{
		alertType: store.AlertConsecutiveFailures,
		severity:  severity,
		title:     fmt.Sprintf("Consecutive failures on %s", pipeline.Name),
		message: fmt.Sprintf("%d builds in a row have failed (threshold %.0f)",
			snap.ConsecutiveFailures, cfg.WarningThreshold),
		threshold: cfg.WarningThreshold,
		actual:    float64(snap.ConsecutiveFailures),
	}
}

// checkStalePipeline fires when a pipeline has gone quiet. Pipelines with
// no recorded activity at all are skipped; brand-new pipelines are the
// expected steady state, not an incident. The alert is single-shot: it
// stays silent until resolved rather than renotifying on cooldown.
func checkStalePipeline(pipeline *store.Pipeline, snap *store.MetricsSnapshot, cfg store.AlertConfig, now time.Time) *candidate {
	var last *time.Time
	if snap.LastSuccessAt != nil {
		last = snap.LastSuccessAt
	}
	if snap.LastFailureAt != nil && (last == nil || snap.LastFailureAt.After(*last)) {
		last = snap.LastFailureAt
	}
	if last == nil {
		return nil
	}
	hours := now.Sub(*last).Hours()
	if hours <= staleAfterHours {
		return nil
	}
	return &candidate{
		alertType: store.AlertStalePipeline,
		severity:  store.SeverityInfo,
		title:     fmt.Sprintf("Pipeline %s is stale", pipeline.Name),
		message: fmt.Sprintf("No build activity for %.0f hours (last seen %s)",
			hours, last.UTC().Format(time.RFC3339)),
		threshold:  staleAfterHours,
		actual:     hours,
		singleShot: true,
	}
}
