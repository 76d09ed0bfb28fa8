package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"buildpulse/internal/store"
)

func seedPipeline(t *testing.T, st *store.Store) *store.Pipeline {
	t.Helper()
	p, err := st.UpsertPipeline(context.Background(), "checkout-ci", "acme", "checkout")
	if err != nil {
		t.Fatalf("failed to seed pipeline: %v", err)
	}
	return p
}

func seedBuilds(t *testing.T, st *store.Store, pipelineID int64, successes, failures int) {
	t.Helper()
	base := time.Now().UTC().Add(-48 * time.Hour)
	n := 0
	insert := func(status string) {
		ts := base.Add(time.Duration(n) * time.Hour)
		ext := fmt.Sprintf("run-%d", n)
		n++
		if _, err := st.InsertBuild(context.Background(), &store.Build{
			PipelineID: pipelineID,
			ExternalID: &ext,
			Status:     status,
			StartedAt:  &ts,
			Branch:     "main",
			CreatedAt:  ts,
		}); err != nil {
			t.Fatalf("failed to seed build: %v", err)
		}
	}
	for i := 0; i < successes; i++ {
		insert(store.BuildSuccess)
	}
	for i := 0; i < failures; i++ {
		insert(store.BuildFailure)
	}
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), into); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
}

func TestHandleHealth(t *testing.T) {
	srv, st := newTestServer(t)
	seedPipeline(t, st)
	router := srv.Router()

	w := doJSON(t, router, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp struct {
		Status        string   `json:"status"`
		Pipelines     []string `json:"pipelines"`
		PipelineCount int      `json:"pipeline_count"`
	}
	decode(t, w, &resp)
	if resp.Status != "ok" || resp.PipelineCount != 1 {
		t.Errorf("health = %+v", resp)
	}
	if len(resp.Pipelines) != 1 || resp.Pipelines[0] != "checkout-ci" {
		t.Errorf("pipelines = %v", resp.Pipelines)
	}
}

func TestHandleListPipelines(t *testing.T) {
	srv, st := newTestServer(t)
	seedPipeline(t, st)
	router := srv.Router()

	w := doJSON(t, router, http.MethodGet, "/api/pipelines", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp struct {
		Pipelines []store.Pipeline `json:"pipelines"`
	}
	decode(t, w, &resp)
	if len(resp.Pipelines) != 1 || resp.Pipelines[0].Name != "checkout-ci" {
		t.Errorf("pipelines = %+v", resp.Pipelines)
	}
}

func TestHandleMetricsBeforeFirstEvaluation(t *testing.T) {
	srv, st := newTestServer(t)
	p := seedPipeline(t, st)
	router := srv.Router()

	w := doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/pipelines/%d/metrics", p.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp struct {
		Latest  *store.MetricsSnapshot  `json:"latest"`
		History []store.MetricsSnapshot `json:"history"`
	}
	decode(t, w, &resp)
	if resp.Latest != nil {
		t.Errorf("latest = %+v, want null before the first evaluation", resp.Latest)
	}
}

func TestHandleEvaluateComputesMetricsAndAlerts(t *testing.T) {
	srv, st := newTestServer(t)
	p := seedPipeline(t, st)
	seedBuilds(t, st, p.ID, 11, 12)
	router := srv.Router()

	w := doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/pipelines/%d/evaluate", p.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Metrics store.MetricsSnapshot `json:"metrics"`
		Queue   store.QueueSnapshot   `json:"queue"`
	}
	decode(t, w, &resp)
	if resp.Metrics.TotalBuilds != 23 {
		t.Errorf("TotalBuilds = %d, want 23", resp.Metrics.TotalBuilds)
	}
	if resp.Metrics.SuccessRate != 47.8 {
		t.Errorf("SuccessRate = %v, want 47.8", resp.Metrics.SuccessRate)
	}

	// 47.8% is below the default critical threshold, so the evaluation
	// left an active alert behind.
	w = doJSON(t, router, http.MethodGet, "/api/alerts?status=active", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("alert list status = %d", w.Code)
	}
	var alerts struct {
		Alerts []store.Alert `json:"alerts"`
	}
	decode(t, w, &alerts)
	if len(alerts.Alerts) == 0 {
		t.Fatal("no active alerts after evaluating a failing pipeline")
	}
	found := false
	for _, a := range alerts.Alerts {
		if a.Type == store.AlertSuccessRateDrop && a.Severity == store.SeverityCritical {
			found = true
		}
	}
	if !found {
		t.Errorf("no critical success rate alert in %+v", alerts.Alerts)
	}
}

func TestHandleEvaluateUnknownPipeline(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	w := doJSON(t, router, http.MethodPost, "/api/pipelines/999/evaluate", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}

	w = doJSON(t, router, http.MethodPost, "/api/pipelines/abc/evaluate", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d for a non-numeric id, want 400", w.Code)
	}
}

func TestHandlePredictionWithNoHistory(t *testing.T) {
	srv, st := newTestServer(t)
	p := seedPipeline(t, st)
	router := srv.Router()

	w := doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/pipelines/%d/prediction", p.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Probability float64 `json:"probability"`
		Confidence  string  `json:"confidence"`
		Reasoning   string  `json:"reasoning"`
	}
	decode(t, w, &resp)
	if resp.Probability != 50 || resp.Confidence != "low" {
		t.Errorf("prediction = %+v, want the neutral 50/low", resp)
	}
}

func TestHandlePatternsRejectsBadDays(t *testing.T) {
	srv, st := newTestServer(t)
	p := seedPipeline(t, st)
	router := srv.Router()

	w := doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/pipelines/%d/patterns?days=zero", p.ID), nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleListAlertsRejectsBadStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	w := doJSON(t, router, http.MethodGet, "/api/alerts?status=bogus", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestAlertAcknowledgeAndResolveFlow(t *testing.T) {
	srv, st := newTestServer(t)
	p := seedPipeline(t, st)
	seedBuilds(t, st, p.ID, 2, 10)
	router := srv.Router()

	w := doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/pipelines/%d/evaluate", p.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("evaluate status = %d", w.Code)
	}

	alerts, err := st.ListAlerts(context.Background(), store.AlertActive, 10)
	if err != nil || len(alerts) == 0 {
		t.Fatalf("no active alerts to work with: %v", err)
	}
	id := alerts[0].ID

	// Missing actor is rejected.
	w = doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/alerts/%d/acknowledge", id), map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("ack without actor status = %d, want 400", w.Code)
	}

	w = doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/alerts/%d/acknowledge", id),
		map[string]string{"actor": "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("ack status = %d, body %s", w.Code, w.Body.String())
	}

	// A second acknowledgement finds no active alert.
	w = doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/alerts/%d/acknowledge", id),
		map[string]string{"actor": "bob"})
	if w.Code != http.StatusNotFound {
		t.Errorf("second ack status = %d, want 404", w.Code)
	}

	w = doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/alerts/%d/resolve", id),
		map[string]string{"actor": "alice", "notes": "rolled back the migration"})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve status = %d, body %s", w.Code, w.Body.String())
	}

	got, err := st.AlertByID(context.Background(), id)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got.Status != store.AlertResolved {
		t.Errorf("Status = %q, want resolved", got.Status)
	}
	if got.Notes == nil || *got.Notes != "rolled back the migration" {
		t.Errorf("Notes = %v", got.Notes)
	}
}
