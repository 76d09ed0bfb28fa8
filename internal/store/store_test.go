package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var testNow = time.Date(2026, 3, 18, 12, 0, 0, 0, time.UTC)

func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testPipeline(t *testing.T, st *Store) *Pipeline {
	t.Helper()
	p, err := st.UpsertPipeline(context.Background(), "checkout-ci", "acme", "checkout")
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}
	return p
}

func strptr(s string) *string { return &s }

func TestUpsertPipelineIsIdempotent(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	first, err := st.UpsertPipeline(ctx, "checkout-ci", "acme", "checkout")
	if err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	second, err := st.UpsertPipeline(ctx, "checkout-ci", "acme", "checkout-v2")
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("upsert created a second row: ids %d and %d", first.ID, second.ID)
	}
	if second.RepoName != "checkout-v2" {
		t.Errorf("RepoName = %q, want updated value", second.RepoName)
	}

	pipelines, err := st.ListPipelines(ctx)
	if err != nil {
		t.Fatalf("failed to list pipelines: %v", err)
	}
	if len(pipelines) != 1 {
		t.Errorf("got %d pipelines, want 1", len(pipelines))
	}
}

func TestPipelineNotFound(t *testing.T) {
	st := testStore(t)

	_, err := st.PipelineByName(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestInsertBuildIdempotentOnExternalID(t *testing.T) {
	st := testStore(t)
	p := testPipeline(t, st)
	ctx := context.Background()

	b := &Build{
		PipelineID: p.ID,
		ExternalID: strptr("run-42"),
		Status:     BuildSuccess,
		Branch:     "main",
		CreatedAt:  testNow,
	}
	id, err := st.InsertBuild(ctx, b)
	if err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if id == 0 {
		t.Fatal("first insert returned id 0")
	}

	dup := &Build{
		PipelineID: p.ID,
		ExternalID: strptr("run-42"),
		Status:     BuildFailure,
		Branch:     "main",
		CreatedAt:  testNow,
	}
	dupID, err := st.InsertBuild(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate insert failed: %v", err)
	}
	if dupID != 0 {
		t.Errorf("duplicate insert returned id %d, want 0", dupID)
	}

	builds, err := st.BuildsForPipeline(ctx, p.ID)
	if err != nil {
		t.Fatalf("failed to list builds: %v", err)
	}
	if len(builds) != 1 {
		t.Fatalf("got %d builds, want 1", len(builds))
	}
	if builds[0].Status != BuildSuccess {
		t.Errorf("Status = %q, want the original row untouched", builds[0].Status)
	}
}

func TestInsertBuildWithoutExternalID(t *testing.T) {
	st := testStore(t)
	p := testPipeline(t, st)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := st.InsertBuild(ctx, &Build{
			PipelineID: p.ID,
			Status:     BuildSuccess,
			CreatedAt:  testNow,
		}); err != nil {
			t.Fatalf("insert %d failed: %v", i, err)
		}
	}

	builds, err := st.BuildsForPipeline(ctx, p.ID)
	if err != nil {
		t.Fatalf("failed to list builds: %v", err)
	}
	if len(builds) != 2 {
		t.Errorf("got %d builds, want 2 (nil external ids never collide)", len(builds))
	}
}

func TestBuildRoundTrip(t *testing.T) {
	st := testStore(t)
	p := testPipeline(t, st)
	ctx := context.Background()

	started := testNow.Add(-10 * time.Minute)
	finished := testNow.Add(-5 * time.Minute)
	duration := 300.0
	in := &Build{
		PipelineID:      p.ID,
		ExternalID:      strptr("run-1"),
		Status:          BuildFailure,
		StartedAt:       &started,
		FinishedAt:      &finished,
		DurationSeconds: &duration,
		CommitHash:      strptr("abc123"),
		Committer:       strptr("alice"),
		Branch:          "main",
		CreatedAt:       testNow,
	}
	if _, err := st.InsertBuild(ctx, in); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	builds, err := st.BuildsForPipeline(ctx, p.ID)
	if err != nil {
		t.Fatalf("failed to list builds: %v", err)
	}
	if len(builds) != 1 {
		t.Fatalf("got %d builds, want 1", len(builds))
	}

	if diff := cmp.Diff(in, &builds[0], cmpopts.IgnoreFields(Build{}, "ID")); diff != "" {
		t.Errorf("build round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestTrackerLifecycle(t *testing.T) {
	st := testStore(t)
	p := testPipeline(t, st)
	ctx := context.Background()

	queuedAt := testNow
	startedAt := testNow.Add(90 * time.Second)
	completedAt := testNow.Add(10 * time.Minute)

	tr, err := st.TransitionTracker(ctx, p.ID, "run-1", QueueQueued, queuedAt)
	if err != nil {
		t.Fatalf("queued transition failed: %v", err)
	}
	if tr.Status != QueueQueued {
		t.Errorf("Status = %q, want %q", tr.Status, QueueQueued)
	}

	tr, err = st.TransitionTracker(ctx, p.ID, "run-1", QueueRunning, startedAt)
	if err != nil {
		t.Fatalf("running transition failed: %v", err)
	}
	if tr.StartedAt == nil || !tr.StartedAt.Equal(startedAt) {
		t.Errorf("StartedAt = %v, want %v", tr.StartedAt, startedAt)
	}

	tr, err = st.TransitionTracker(ctx, p.ID, "run-1", QueueCompleted, completedAt)
	if err != nil {
		t.Fatalf("completed transition failed: %v", err)
	}
	if tr.WaitTimeSeconds == nil || *tr.WaitTimeSeconds != 90 {
		t.Errorf("WaitTimeSeconds = %v, want 90", tr.WaitTimeSeconds)
	}

	waits, err := st.CompletedWaitTimes(ctx, p.ID, testNow)
	if err != nil {
		t.Fatalf("failed to query wait times: %v", err)
	}
	if len(waits) != 1 || waits[0] != 90 {
		t.Errorf("CompletedWaitTimes = %v, want [90]", waits)
	}
}

func TestTrackerIgnoresBackwardTransitions(t *testing.T) {
	st := testStore(t)
	p := testPipeline(t, st)
	ctx := context.Background()

	if _, err := st.TransitionTracker(ctx, p.ID, "run-1", QueueRunning, testNow); err != nil {
		t.Fatalf("running transition failed: %v", err)
	}

	// A late queued delivery must not rewind the tracker.
	tr, err := st.TransitionTracker(ctx, p.ID, "run-1", QueueQueued, testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("stale transition failed: %v", err)
	}
	if tr.Status != QueueRunning {
		t.Errorf("Status = %q after stale delivery, want %q", tr.Status, QueueRunning)
	}

	// A duplicate running delivery is a no-op too.
	tr, err = st.TransitionTracker(ctx, p.ID, "run-1", QueueRunning, testNow.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("duplicate transition failed: %v", err)
	}
	if tr.StartedAt == nil || !tr.StartedAt.Equal(testNow) {
		t.Errorf("StartedAt = %v, want the original %v", tr.StartedAt, testNow)
	}

	running, err := st.CountTrackers(ctx, p.ID, QueueRunning)
	if err != nil {
		t.Fatalf("failed to count trackers: %v", err)
	}
	if running != 1 {
		t.Errorf("running count = %d, want 1", running)
	}
}

func TestTrackerCompletedOnFirstSight(t *testing.T) {
	st := testStore(t)
	p := testPipeline(t, st)

	tr, err := st.TransitionTracker(context.Background(), p.ID, "run-9", QueueCompleted, testNow)
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if tr.Status != QueueCompleted {
		t.Errorf("Status = %q, want %q", tr.Status, QueueCompleted)
	}
	if tr.WaitTimeSeconds == nil || *tr.WaitTimeSeconds != 0 {
		t.Errorf("WaitTimeSeconds = %v, want 0", tr.WaitTimeSeconds)
	}
}

func TestMetricsSnapshotLatestAndHistory(t *testing.T) {
	st := testStore(t)
	p := testPipeline(t, st)
	ctx := context.Background()

	peakHour := 14
	for i := 0; i < 3; i++ {
		snap := &MetricsSnapshot{
			PipelineID:   p.ID,
			CalculatedAt: testNow.Add(time.Duration(i) * time.Hour),
			TotalBuilds:  10 + i,
			SuccessRate:  float64(70 + i),
			PeakHour:     &peakHour,
		}
		if _, err := st.InsertMetricsSnapshot(ctx, snap); err != nil {
			t.Fatalf("insert %d failed: %v", i, err)
		}
	}

	latest, err := st.LatestMetricsSnapshot(ctx, p.ID)
	if err != nil {
		t.Fatalf("failed to fetch latest: %v", err)
	}
	if latest.TotalBuilds != 12 || latest.SuccessRate != 72 {
		t.Errorf("latest = %d builds at %v%%, want 12 at 72", latest.TotalBuilds, latest.SuccessRate)
	}
	if latest.PeakHour == nil || *latest.PeakHour != 14 {
		t.Errorf("PeakHour = %v, want 14", latest.PeakHour)
	}

	history, err := st.MetricsHistory(ctx, p.ID, 2)
	if err != nil {
		t.Fatalf("failed to fetch history: %v", err)
	}
	if len(history) != 2 || history[0].TotalBuilds != 12 || history[1].TotalBuilds != 11 {
		t.Errorf("history order wrong: %+v", history)
	}

	_, err = st.LatestMetricsSnapshot(ctx, p.ID+100)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound for unknown pipeline", err)
	}
}

func TestQueueSnapshotsSinceOrdering(t *testing.T) {
	st := testStore(t)
	p := testPipeline(t, st)
	ctx := context.Background()

	depths := []int{2, 5, 3}
	for i, d := range depths {
		snap := &QueueSnapshot{
			PipelineID:   p.ID,
			CalculatedAt: testNow.Add(time.Duration(i) * 5 * time.Minute),
			QueuedCount:  d,
			Trend:        "stable",
			Bottleneck:   "operating normally",
		}
		if _, err := st.InsertQueueSnapshot(ctx, snap); err != nil {
			t.Fatalf("insert %d failed: %v", i, err)
		}
	}

	snaps, err := st.QueueSnapshotsSince(ctx, p.ID, testNow)
	if err != nil {
		t.Fatalf("failed to query snapshots: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("got %d snapshots, want 3", len(snaps))
	}
	for i, d := range depths {
		if snaps[i].QueuedCount != d {
			t.Errorf("snapshot %d depth = %d, want %d (oldest first)", i, snaps[i].QueuedCount, d)
		}
	}
}

func TestAlertLifecycle(t *testing.T) {
	st := testStore(t)
	p := testPipeline(t, st)
	ctx := context.Background()

	a := &Alert{
		PipelineID:  p.ID,
		Type:        AlertSuccessRateDrop,
		Severity:    SeverityCritical,
		Status:      AlertActive,
		Title:       "Success rate dropped",
		Message:     "Success rate is 47.8%",
		Threshold:   50,
		Actual:      47.8,
		Fingerprint: "success_rate_drop_1",
		CreatedAt:   testNow,
	}
	id, err := st.InsertAlert(ctx, a)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if a.NotificationCount != 1 {
		t.Errorf("NotificationCount = %d, want default 1", a.NotificationCount)
	}

	found, err := st.ActiveAlertByFingerprint(ctx, "success_rate_drop_1")
	if err != nil {
		t.Fatalf("fingerprint lookup failed: %v", err)
	}
	if found.ID != id {
		t.Errorf("found alert %d, want %d", found.ID, id)
	}

	if err := st.AcknowledgeAlert(ctx, id, "alice", testNow.Add(time.Minute)); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}

	// An acknowledged alert no longer matches the active fingerprint lookup.
	if _, err := st.ActiveAlertByFingerprint(ctx, "success_rate_drop_1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound after acknowledgement", err)
	}

	// Acknowledging twice is rejected.
	if err := st.AcknowledgeAlert(ctx, id, "bob", testNow.Add(2*time.Minute)); !errors.Is(err, ErrNotFound) {
		t.Errorf("second acknowledge err = %v, want ErrNotFound", err)
	}

	if err := st.ResolveAlert(ctx, id, "alice", "fixed the flaky test", testNow.Add(3*time.Minute)); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	got, err := st.AlertByID(ctx, id)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got.Status != AlertResolved {
		t.Errorf("Status = %q, want %q", got.Status, AlertResolved)
	}
	if got.AcknowledgedBy == nil || *got.AcknowledgedBy != "alice" {
		t.Errorf("AcknowledgedBy = %v, want alice", got.AcknowledgedBy)
	}
	if got.Notes == nil || *got.Notes != "fixed the flaky test" {
		t.Errorf("Notes = %v", got.Notes)
	}

	// Resolved is terminal.
	if err := st.ResolveAlert(ctx, id, "bob", "", testNow.Add(4*time.Minute)); !errors.Is(err, ErrNotFound) {
		t.Errorf("resolve of resolved alert err = %v, want ErrNotFound", err)
	}
	if err := st.AcknowledgeAlert(ctx, id, "bob", testNow.Add(4*time.Minute)); !errors.Is(err, ErrNotFound) {
		t.Errorf("acknowledge of resolved alert err = %v, want ErrNotFound", err)
	}
}

func TestListAlertsFiltersByStatus(t *testing.T) {
	st := testStore(t)
	p := testPipeline(t, st)
	ctx := context.Background()

	for i, fp := range []string{"a_1", "b_1"} {
		a := &Alert{
			PipelineID:  p.ID,
			Type:        AlertSuccessRateDrop,
			Severity:    SeverityWarning,
			Status:      AlertActive,
			Title:       "t",
			Message:     "m",
			Fingerprint: fp,
			CreatedAt:   testNow.Add(time.Duration(i) * time.Minute),
		}
		if _, err := st.InsertAlert(ctx, a); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		if i == 1 {
			if err := st.ResolveAlert(ctx, a.ID, "alice", "", testNow); err != nil {
				t.Fatalf("resolve failed: %v", err)
			}
		}
	}

	active, err := st.ListAlerts(ctx, AlertActive, 100)
	if err != nil {
		t.Fatalf("list active failed: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("got %d active alerts, want 1", len(active))
	}

	all, err := st.ListAlerts(ctx, "", 100)
	if err != nil {
		t.Fatalf("list all failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("got %d alerts, want 2", len(all))
	}
}

func TestReplaceFailurePatterns(t *testing.T) {
	st := testStore(t)
	p := testPipeline(t, st)
	ctx := context.Background()

	first := []FailurePattern{
		{PipelineID: p.ID, PatternType: "time_of_day", Subject: "03:00", Severity: "high",
			Confidence: 0.9, BuildCount: 4, FailureCount: 4, Description: "d", Recommendation: "r",
			DetectedAt: testNow},
		{PipelineID: p.ID, PatternType: "committer", Subject: "alice", Severity: "medium",
			Confidence: 0.5, BuildCount: 6, FailureCount: 3, Description: "d", Recommendation: "r",
			DetectedAt: testNow},
	}
	if err := st.ReplaceFailurePatterns(ctx, p.ID, first); err != nil {
		t.Fatalf("first replace failed: %v", err)
	}

	second := []FailurePattern{
		{PipelineID: p.ID, PatternType: "flaky", Subject: "main/bob", Severity: "medium",
			Confidence: 0.4, BuildCount: 5, FailureCount: 2, Description: "d", Recommendation: "r",
			DetectedAt: testNow.Add(time.Hour)},
	}
	if err := st.ReplaceFailurePatterns(ctx, p.ID, second); err != nil {
		t.Fatalf("second replace failed: %v", err)
	}

	got, err := st.FailurePatternsForPipeline(ctx, p.ID)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(got) != 1 || got[0].PatternType != "flaky" {
		t.Errorf("patterns = %+v, want only the latest run", got)
	}
}

func TestUpsertAlertConfigGlobalRow(t *testing.T) {
	st := testStore(t)
	p := testPipeline(t, st)
	ctx := context.Background()

	global := &AlertConfig{
		AlertType:         AlertSuccessRateDrop,
		Enabled:           true,
		WarningThreshold:  70,
		CriticalThreshold: 50,
		WindowMinutes:     60,
		CooldownMinutes:   30,
	}
	for i := 0; i < 2; i++ {
		if err := st.UpsertAlertConfig(ctx, global); err != nil {
			t.Fatalf("upsert %d failed: %v", i, err)
		}
	}
	global.CriticalThreshold = 40
	if err := st.UpsertAlertConfig(ctx, global); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	pipelineCfg, globalCfg, err := st.AlertConfigFor(ctx, p.ID, AlertSuccessRateDrop)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if pipelineCfg != nil {
		t.Errorf("pipeline config = %+v, want nil", pipelineCfg)
	}
	if globalCfg == nil {
		t.Fatal("global config missing")
	}
	if globalCfg.CriticalThreshold != 40 {
		t.Errorf("CriticalThreshold = %v, want the updated 40", globalCfg.CriticalThreshold)
	}

	override := &AlertConfig{
		PipelineID:        &p.ID,
		AlertType:         AlertSuccessRateDrop,
		Enabled:           true,
		CriticalThreshold: 30,
		WindowMinutes:     60,
		CooldownMinutes:   30,
	}
	if err := st.UpsertAlertConfig(ctx, override); err != nil {
		t.Fatalf("pipeline upsert failed: %v", err)
	}

	pipelineCfg, globalCfg, err = st.AlertConfigFor(ctx, p.ID, AlertSuccessRateDrop)
	if err != nil {
		t.Fatalf("second lookup failed: %v", err)
	}
	if pipelineCfg == nil || pipelineCfg.CriticalThreshold != 30 {
		t.Errorf("pipeline config = %+v, want the override row", pipelineCfg)
	}
	if globalCfg == nil {
		t.Error("global config lost after pipeline override")
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	st := testStore(t)
	p := testPipeline(t, st)
	ctx := context.Background()

	failure := errors.New("boom")
	err := st.InTx(ctx, func(q *Queries) error {
		if _, err := q.InsertBuild(ctx, &Build{
			PipelineID: p.ID,
			Status:     BuildSuccess,
			CreatedAt:  testNow,
		}); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("err = %v, want the callback error", err)
	}

	builds, err := st.BuildsForPipeline(ctx, p.ID)
	if err != nil {
		t.Fatalf("failed to list builds: %v", err)
	}
	if len(builds) != 0 {
		t.Errorf("got %d builds after rollback, want 0", len(builds))
	}
}
