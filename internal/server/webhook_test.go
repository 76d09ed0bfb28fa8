package server

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"buildpulse/internal/store"
)

func postWebhook(t *testing.T, handler http.Handler, pipeline, event string, payload []byte, opts ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/in/"+pipeline, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-Hub-Signature-256", signPayload(payload, testSecret))
	for _, opt := range opts {
		opt(req)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func workflowRunPayload(action string, runID int64, conclusion string, started, updated time.Time) []byte {
	status := "completed"
	if action != "completed" {
		status = "in_progress"
	}
	return []byte(fmt.Sprintf(`{
		"action": %q,
		"workflow_run": {
			"id": %d,
			"status": %q,
			"conclusion": %q,
			"head_branch": "main",
			"head_sha": "abc123",
			"created_at": %q,
			"run_started_at": %q,
			"updated_at": %q,
			"actor": {"login": "alice"}
		}
	}`, action, runID, status, conclusion,
		started.Add(-time.Minute).Format(time.RFC3339),
		started.Format(time.RFC3339),
		updated.Format(time.RFC3339)))
}

func TestWebhookUnknownPipeline(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	w := postWebhook(t, router, "nope", "workflow_run", []byte(`{}`))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestWebhookRequiresJSONContentType(t *testing.T) {
	srv, st := newTestServer(t)
	seedPipeline(t, st)
	router := srv.Router()

	w := postWebhook(t, router, "checkout-ci", "workflow_run", []byte(`{}`),
		func(r *http.Request) { r.Header.Set("Content-Type", "text/plain") })
	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want 415", w.Code)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	srv, st := newTestServer(t)
	seedPipeline(t, st)
	router := srv.Router()

	w := postWebhook(t, router, "checkout-ci", "workflow_run", []byte(`{}`),
		func(r *http.Request) { r.Header.Set("X-Hub-Signature-256", "sha256=deadbeef") })
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	srv, st := newTestServer(t)
	p := seedPipeline(t, st)
	router := srv.Router()

	w := postWebhook(t, router, "checkout-ci", "push", []byte(`{}`))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	builds, err := st.BuildsForPipeline(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("failed to list builds: %v", err)
	}
	if len(builds) != 0 {
		t.Errorf("got %d builds from an ignored event, want 0", len(builds))
	}
}

func TestWebhookCompletedRunRecordsBuild(t *testing.T) {
	srv, st := newTestServer(t)
	p := seedPipeline(t, st)
	router := srv.Router()

	started := time.Now().UTC().Add(-10 * time.Minute).Truncate(time.Second)
	updated := started.Add(5 * time.Minute)
	payload := workflowRunPayload("completed", 1001, "success", started, updated)

	w := postWebhook(t, router, "checkout-ci", "workflow_run", payload)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	builds, err := st.BuildsForPipeline(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("failed to list builds: %v", err)
	}
	if len(builds) != 1 {
		t.Fatalf("got %d builds, want 1", len(builds))
	}

	b := builds[0]
	if b.Status != store.BuildSuccess {
		t.Errorf("Status = %q, want success", b.Status)
	}
	if b.ExternalID == nil || *b.ExternalID != "1001" {
		t.Errorf("ExternalID = %v, want 1001", b.ExternalID)
	}
	if b.Branch != "main" {
		t.Errorf("Branch = %q, want main", b.Branch)
	}
	if b.Committer == nil || *b.Committer != "alice" {
		t.Errorf("Committer = %v, want alice", b.Committer)
	}
	if b.DurationSeconds == nil || *b.DurationSeconds != 300 {
		t.Errorf("DurationSeconds = %v, want 300", b.DurationSeconds)
	}

	completed, err := st.CountTrackers(context.Background(), p.ID, store.QueueCompleted)
	if err != nil {
		t.Fatalf("failed to count trackers: %v", err)
	}
	if completed != 1 {
		t.Errorf("completed trackers = %d, want 1", completed)
	}
}

func TestWebhookRedeliveryIsIdempotent(t *testing.T) {
	srv, st := newTestServer(t)
	p := seedPipeline(t, st)
	router := srv.Router()

	started := time.Now().UTC().Add(-10 * time.Minute).Truncate(time.Second)
	payload := workflowRunPayload("completed", 1001, "failure", started, started.Add(time.Minute))

	for i := 0; i < 3; i++ {
		w := postWebhook(t, router, "checkout-ci", "workflow_run", payload)
		if w.Code != http.StatusOK {
			t.Fatalf("delivery %d status = %d", i, w.Code)
		}
	}

	builds, err := st.BuildsForPipeline(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("failed to list builds: %v", err)
	}
	if len(builds) != 1 {
		t.Errorf("got %d builds after redelivery, want 1", len(builds))
	}
}

func TestWebhookJobEventsAdvanceQueueTracker(t *testing.T) {
	srv, st := newTestServer(t)
	p := seedPipeline(t, st)
	router := srv.Router()

	queuedAt := time.Now().UTC().Add(-5 * time.Minute).Truncate(time.Second)
	queued := []byte(fmt.Sprintf(`{
		"action": "queued",
		"workflow_job": {"id": 55, "run_id": 2002, "created_at": %q}
	}`, queuedAt.Format(time.RFC3339)))

	w := postWebhook(t, router, "checkout-ci", "workflow_job", queued)
	if w.Code != http.StatusOK {
		t.Fatalf("queued status = %d, body %s", w.Code, w.Body.String())
	}

	count, err := st.CountTrackers(context.Background(), p.ID, store.QueueQueued)
	if err != nil {
		t.Fatalf("failed to count trackers: %v", err)
	}
	if count != 1 {
		t.Errorf("queued trackers = %d, want 1", count)
	}

	startedAt := queuedAt.Add(2 * time.Minute)
	inProgress := []byte(fmt.Sprintf(`{
		"action": "in_progress",
		"workflow_job": {"id": 55, "run_id": 2002, "started_at": %q}
	}`, startedAt.Format(time.RFC3339)))

	w = postWebhook(t, router, "checkout-ci", "workflow_job", inProgress)
	if w.Code != http.StatusOK {
		t.Fatalf("in_progress status = %d", w.Code)
	}

	running, err := st.CountTrackers(context.Background(), p.ID, store.QueueRunning)
	if err != nil {
		t.Fatalf("failed to count trackers: %v", err)
	}
	if running != 1 {
		t.Errorf("running trackers = %d, want 1", running)
	}
}
