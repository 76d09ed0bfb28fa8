// Package engine wires the analytics components to the store and exposes
// the operations the HTTP API, scheduler, and CLI all share.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"buildpulse/internal/alert"
	"buildpulse/internal/metrics"
	"buildpulse/internal/notify"
	"buildpulse/internal/pattern"
	"buildpulse/internal/predict"
	"buildpulse/internal/queue"
	"buildpulse/internal/store"
)

const (
	// queueHistoryWindow is how far back queue snapshots feed the forecast.
	queueHistoryWindow = 2 * time.Hour
	// waitWindow bounds the completed trackers averaged into wait time.
	waitWindow = time.Hour
)

// Engine is the analytics core: one instance serves all pipelines.
type Engine struct {
	store     *store.Store
	evaluator *alert.Evaluator
	notifier  *notify.Notifier
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an engine. notifier may be nil to disable dispatch; now may
// be nil for time.Now.
func New(s *store.Store, notifier *notify.Notifier, logger *slog.Logger, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:     s,
		evaluator: alert.NewEvaluator(logger, now),
		notifier:  notifier,
		logger:    logger,
		now:       now,
	}
}

// ComputeMetrics reduces a pipeline's build history into a new snapshot,
// evaluates alerts against it, and persists both in one transaction: a
// snapshot is never committed without its alert evaluation. Notification
// dispatch happens after commit and cannot roll anything back.
func (e *Engine) ComputeMetrics(ctx context.Context, pipelineID int64) (*store.MetricsSnapshot, error) {
	pipeline, err := e.store.PipelineByID(ctx, pipelineID)
	if err != nil {
		return nil, err
	}

	builds, err := e.store.BuildsForPipeline(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to load builds: %w", err)
	}

	now := e.now()
	var snap store.MetricsSnapshot
	var result *alert.Result

	err = e.store.InTx(ctx, func(q *store.Queries) error {
		prev, err := q.LatestMetricsSnapshot(ctx, pipelineID)
		if err != nil && err != store.ErrNotFound {
			return err
		}
		if err == store.ErrNotFound {
			prev = nil
		}

		snap = metrics.Compute(pipelineID, builds, prev, now)
		if _, err := q.InsertMetricsSnapshot(ctx, &snap); err != nil {
			return err
		}

		result, err = e.evaluator.Evaluate(ctx, q, pipeline, &snap, prev)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate pipeline %d: %w", pipelineID, err)
	}

	e.dispatch(pipeline, &snap, result)
	return &snap, nil
}

// dispatch sends the post-commit signals in the background.
func (e *Engine) dispatch(pipeline *store.Pipeline, snap *store.MetricsSnapshot, result *alert.Result) {
	if e.notifier == nil {
		return
	}
	notifications := result.Notifications
	go func() {
		ctx := context.Background()
		e.notifier.MetricsCalculated(ctx, pipeline, snap)
		for i := range notifications {
			e.notifier.AlertCreated(ctx, pipeline, &notifications[i].Alert, notifications[i].Config)
		}
	}()
}

// ComputeQueueForecast reduces current queue-tracker state plus recent
// queue history into a new queue snapshot and persists it.
func (e *Engine) ComputeQueueForecast(ctx context.Context, pipelineID int64) (*store.QueueSnapshot, error) {
	if _, err := e.store.PipelineByID(ctx, pipelineID); err != nil {
		return nil, err
	}

	now := e.now()

	queued, err := e.store.CountTrackers(ctx, pipelineID, store.QueueQueued)
	if err != nil {
		return nil, err
	}
	running, err := e.store.CountTrackers(ctx, pipelineID, store.QueueRunning)
	if err != nil {
		return nil, err
	}

	waits, err := e.store.CompletedWaitTimes(ctx, pipelineID, now.Add(-waitWindow))
	if err != nil {
		return nil, err
	}
	avgWait := 0.0
	if len(waits) > 0 {
		for _, w := range waits {
			avgWait += w
		}
		avgWait /= float64(len(waits))
	}

	history, err := e.store.QueueSnapshotsSince(ctx, pipelineID, now.Add(-queueHistoryWindow))
	if err != nil {
		return nil, err
	}
	samples := make([]queue.Sample, len(history))
	for i := range history {
		samples[i] = queue.Sample{Depth: history[i].QueuedCount, At: history[i].CalculatedAt}
	}

	snap := queue.Forecast(pipelineID, queue.Inputs{
		QueuedCount:    queued,
		RunningCount:   running,
		AvgWaitSeconds: avgWait,
		History:        samples,
		Now:            now,
	})
	if _, err := e.store.InsertQueueSnapshot(ctx, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// DetectPatterns scans the lookback window for failure patterns, caches
// the findings, and returns them sorted by confidence.
func (e *Engine) DetectPatterns(ctx context.Context, pipelineID int64, lookbackDays int) ([]store.FailurePattern, error) {
	if _, err := e.store.PipelineByID(ctx, pipelineID); err != nil {
		return nil, err
	}
	if lookbackDays <= 0 {
		lookbackDays = 30
	}

	now := e.now()
	builds, err := e.store.BuildsSince(ctx, pipelineID, now.AddDate(0, 0, -lookbackDays))
	if err != nil {
		return nil, fmt.Errorf("failed to load builds: %w", err)
	}

	findings := pattern.Detect(builds, now, pattern.DefaultLimit)
	for i := range findings {
		findings[i].PipelineID = pipelineID
	}
	if err := e.store.ReplaceFailurePatterns(ctx, pipelineID, findings); err != nil {
		return nil, err
	}
	return findings, nil
}

// PredictNextBuild estimates the next-build success probability for a
// pipeline, optionally in the context of a committer and branch. The
// prediction is computed on demand and never stored.
func (e *Engine) PredictNextBuild(ctx context.Context, pipelineID int64, committer, branch string) (*predict.Prediction, error) {
	if _, err := e.store.PipelineByID(ctx, pipelineID); err != nil {
		return nil, err
	}

	builds, err := e.store.BuildsForPipeline(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to load builds: %w", err)
	}

	p := predict.Predict(builds, committer, branch, e.now())
	return &p, nil
}

// AcknowledgeAlert records a manual acknowledgement.
func (e *Engine) AcknowledgeAlert(ctx context.Context, alertID int64, actor string) error {
	return e.store.AcknowledgeAlert(ctx, alertID, actor, e.now())
}

// ResolveAlertManually records a manual resolution with optional notes.
func (e *Engine) ResolveAlertManually(ctx context.Context, alertID int64, actor, notes string) error {
	return e.store.ResolveAlert(ctx, alertID, actor, notes, e.now())
}
