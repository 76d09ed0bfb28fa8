package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"buildpulse/internal/store"

	"github.com/go-chi/chi/v5"
)

const (
	MaxPayloadBytes  = 1_000_000 // 1 MB
	MetricsHistoryLimit = 20
	AlertListLimit      = 100
)

// HandleHealth reports service liveness and the monitored pipeline count.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pipelines, err := s.Store.ListPipelines(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to list pipelines")
		return
	}

	names := make([]string, 0, len(pipelines))
	for _, p := range pipelines {
		names = append(names, p.Name)
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"pipelines":      names,
		"pipeline_count": len(pipelines),
	})
}

// HandleListPipelines returns all monitored pipelines.
func (s *Server) HandleListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := s.Store.ListPipelines(r.Context())
	if err != nil {
		s.Logger.Error("failed to list pipelines", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list pipelines")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"pipelines": pipelines})
}

// HandleMetrics returns the latest metrics snapshot and recent history.
func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	pipelineID, ok := s.pipelineID(w, r)
	if !ok {
		return
	}

	latest, err := s.Store.LatestMetricsSnapshot(r.Context(), pipelineID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.Logger.Error("failed to load metrics", "pipeline_id", pipelineID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load metrics")
		return
	}

	history, err := s.Store.MetricsHistory(r.Context(), pipelineID, MetricsHistoryLimit)
	if err != nil {
		s.Logger.Error("failed to load metrics history", "pipeline_id", pipelineID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to load metrics")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"latest":  latest,
		"history": history,
	})
}

// HandleQueueForecast computes a fresh queue snapshot for the pipeline.
func (s *Server) HandleQueueForecast(w http.ResponseWriter, r *http.Request) {
	pipelineID, ok := s.pipelineID(w, r)
	if !ok {
		return
	}

	snap, err := s.Engine.ComputeQueueForecast(r.Context(), pipelineID)
	if err != nil {
		s.respondEngineError(w, pipelineID, err)
		return
	}
	s.respondJSON(w, http.StatusOK, snap)
}

// HandlePatterns runs pattern detection over the lookback window.
func (s *Server) HandlePatterns(w http.ResponseWriter, r *http.Request) {
	pipelineID, ok := s.pipelineID(w, r)
	if !ok {
		return
	}

	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			s.respondError(w, http.StatusBadRequest, "invalid days parameter")
			return
		}
		days = parsed
	}

	patterns, err := s.Engine.DetectPatterns(r.Context(), pipelineID, days)
	if err != nil {
		s.respondEngineError(w, pipelineID, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"lookback_days": days,
		"patterns":      patterns,
	})
}

// HandlePrediction estimates the next-build success probability.
func (s *Server) HandlePrediction(w http.ResponseWriter, r *http.Request) {
	pipelineID, ok := s.pipelineID(w, r)
	if !ok {
		return
	}

	committer := r.URL.Query().Get("committer")
	branch := r.URL.Query().Get("branch")

	prediction, err := s.Engine.PredictNextBuild(r.Context(), pipelineID, committer, branch)
	if err != nil {
		s.respondEngineError(w, pipelineID, err)
		return
	}
	s.respondJSON(w, http.StatusOK, prediction)
}

// HandleEvaluate triggers a full evaluation pass for one pipeline: a new
// metrics snapshot (with alert evaluation) and a new queue snapshot.
func (s *Server) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	pipelineID, ok := s.pipelineID(w, r)
	if !ok {
		return
	}

	metricsSnap, err := s.Engine.ComputeMetrics(r.Context(), pipelineID)
	if err != nil {
		s.respondEngineError(w, pipelineID, err)
		return
	}
	queueSnap, err := s.Engine.ComputeQueueForecast(r.Context(), pipelineID)
	if err != nil {
		s.respondEngineError(w, pipelineID, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"metrics": metricsSnap,
		"queue":   queueSnap,
	})
}

// HandleListAlerts lists alerts, optionally filtered by status.
func (s *Server) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", store.AlertActive, store.AlertAcknowledged, store.AlertResolved:
	default:
		s.respondError(w, http.StatusBadRequest, "invalid status filter")
		return
	}

	alerts, err := s.Store.ListAlerts(r.Context(), status, AlertListLimit)
	if err != nil {
		s.Logger.Error("failed to list alerts", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

type alertActionRequest struct {
	Actor string `json:"actor"`
	Notes string `json:"notes"`
}

// HandleAcknowledgeAlert records a manual acknowledgement.
func (s *Server) HandleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	alertID, req, ok := s.alertAction(w, r)
	if !ok {
		return
	}

	if err := s.Engine.AcknowledgeAlert(r.Context(), alertID, req.Actor); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "no active alert with that id")
			return
		}
		s.Logger.Error("failed to acknowledge alert", "alert_id", alertID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to acknowledge alert")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": store.AlertAcknowledged})
}

// HandleResolveAlert records a manual resolution.
func (s *Server) HandleResolveAlert(w http.ResponseWriter, r *http.Request) {
	alertID, req, ok := s.alertAction(w, r)
	if !ok {
		return
	}

	if err := s.Engine.ResolveAlertManually(r.Context(), alertID, req.Actor, req.Notes); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "no open alert with that id")
			return
		}
		s.Logger.Error("failed to resolve alert", "alert_id", alertID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to resolve alert")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": store.AlertResolved})
}

func (s *Server) alertAction(w http.ResponseWriter, r *http.Request) (int64, *alertActionRequest, bool) {
	alertID, err := strconv.ParseInt(chi.URLParam(r, "alertID"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid alert id")
		return 0, nil, false
	}

	var req alertActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return 0, nil, false
	}
	if req.Actor == "" {
		s.respondError(w, http.StatusBadRequest, "actor is required")
		return 0, nil, false
	}
	return alertID, &req, true
}

func (s *Server) pipelineID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "pipelineID"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid pipeline id")
		return 0, false
	}
	return id, true
}

func (s *Server) respondEngineError(w http.ResponseWriter, pipelineID int64, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "unknown pipeline")
		return
	}
	s.Logger.Error("engine operation failed", "pipeline_id", pipelineID, "error", err)
	s.respondError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.Logger.Error("failed to encode response", "error", err)
	}
}
