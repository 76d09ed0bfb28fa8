package scheduler

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"buildpulse/internal/engine"
	"buildpulse/internal/store"
)

func testSetup(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(st, nil, logger, nil)
	return New(eng, st, time.Minute, 2, logger), st
}

func TestTickEvaluatesEveryPipeline(t *testing.T) {
	sched, st := testSetup(t)
	ctx := context.Background()

	var pipelines []*store.Pipeline
	for _, name := range []string{"checkout-ci", "docs-ci"} {
		p, err := st.UpsertPipeline(ctx, name, "acme", name)
		if err != nil {
			t.Fatalf("failed to seed pipeline: %v", err)
		}
		pipelines = append(pipelines, p)
	}

	sched.Tick(ctx)

	for _, p := range pipelines {
		if _, err := st.LatestMetricsSnapshot(ctx, p.ID); err != nil {
			t.Errorf("pipeline %s has no metrics snapshot after tick: %v", p.Name, err)
		}
		if _, err := st.LatestQueueSnapshot(ctx, p.ID); err != nil {
			t.Errorf("pipeline %s has no queue snapshot after tick: %v", p.Name, err)
		}
	}
}

func TestTickWithNoPipelines(t *testing.T) {
	sched, _ := testSetup(t)

	// Must be a quiet no-op.
	sched.Tick(context.Background())
}

func TestTickAppendsSnapshotsPerRun(t *testing.T) {
	sched, st := testSetup(t)
	ctx := context.Background()

	p, err := st.UpsertPipeline(ctx, "checkout-ci", "acme", "checkout")
	if err != nil {
		t.Fatalf("failed to seed pipeline: %v", err)
	}

	sched.Tick(ctx)
	sched.Tick(ctx)

	history, err := st.MetricsHistory(ctx, p.ID, 10)
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("got %d snapshots after two ticks, want 2", len(history))
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sched, _ := testSetup(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
