// Package scheduler drives the periodic per-pipeline evaluation: one
// metrics snapshot and one queue snapshot per pipeline per tick.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"buildpulse/internal/engine"
	"buildpulse/internal/store"
)

const DefaultWorkers = 4

// Scheduler runs evaluation ticks until its context is cancelled.
type Scheduler struct {
	engine   *engine.Engine
	store    *store.Store
	interval time.Duration
	workers  int
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[int64]bool
}

// New creates a scheduler. workers <= 0 uses DefaultWorkers.
func New(eng *engine.Engine, s *store.Store, interval time.Duration, workers int, logger *slog.Logger) *Scheduler {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Scheduler{
		engine:   eng,
		store:    s,
		interval: interval,
		workers:  workers,
		logger:   logger,
		inflight: make(map[int64]bool),
	}
}

// Run ticks until ctx is cancelled. The first tick fires immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "interval", s.interval.String(), "workers", s.workers)
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates every pipeline once. Pipelines run in a bounded worker
// pool; one pipeline's failure is logged and skipped, never aborting the
// batch.
func (s *Scheduler) Tick(ctx context.Context) {
	pipelines, err := s.store.ListPipelines(ctx)
	if err != nil {
		s.logger.Error("failed to list pipelines", "error", err)
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for _, p := range pipelines {
		p := p
		g.Go(func() error {
			if !s.tryAcquire(p.ID) {
				s.logger.Warn("evaluation still in flight, skipping", "pipeline", p.Name)
				return nil
			}
			defer s.release(p.ID)

			if err := s.evaluateOne(ctx, p); err != nil {
				s.logger.Error("pipeline evaluation failed", "pipeline", p.Name, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

func (s *Scheduler) evaluateOne(ctx context.Context, p store.Pipeline) (err error) {
	// A bug in one pipeline's computation must not take down the batch.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during evaluation: %v", r)
		}
	}()

	if _, err := s.engine.ComputeMetrics(ctx, p.ID); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	if _, err := s.engine.ComputeQueueForecast(ctx, p.ID); err != nil {
		return fmt.Errorf("queue forecast: %w", err)
	}
	return nil
}

func (s *Scheduler) tryAcquire(pipelineID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[pipelineID] {
		return false
	}
	s.inflight[pipelineID] = true
	return true
}

func (s *Scheduler) release(pipelineID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, pipelineID)
}
