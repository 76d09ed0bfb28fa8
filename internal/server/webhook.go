package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-github/v57/github"

	"buildpulse/internal/collect"
	"buildpulse/internal/store"
)

// HandleWebhook ingests GitHub Actions events for one pipeline. Delivery
// is at-least-once, so every state change applied here is idempotent:
// redelivered events are no-ops.
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	pipelineName := chi.URLParam(r, "pipelineName")

	pipelineCfg, ok := s.Config.Pipelines[pipelineName]
	if !ok {
		s.respondError(w, http.StatusNotFound, "Unknown pipeline")
		return
	}

	pipeline, err := s.Store.PipelineByName(r.Context(), pipelineName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "Unknown pipeline")
			return
		}
		s.Logger.Error("failed to look up pipeline", "pipeline", pipelineName, "error", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if r.ContentLength > MaxPayloadBytes {
		s.respondError(w, http.StatusRequestEntityTooLarge, "Payload too large")
		return
	}
	if r.Header.Get("Content-Type") != "application/json" {
		s.respondError(w, http.StatusUnsupportedMediaType, "Invalid content type")
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	if event != "workflow_run" && event != "workflow_job" {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Ignoring event"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxPayloadBytes))
	if err != nil {
		s.Logger.Error("failed to read webhook body", "pipeline", pipelineName, "error", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to read payload")
		return
	}

	signature := r.Header.Get("X-Hub-Signature-256")
	if !VerifySignature(body, signature, pipelineCfg.Secret) {
		s.respondError(w, http.StatusForbidden, "Invalid signature")
		return
	}

	switch event {
	case "workflow_run":
		err = s.ingestWorkflowRun(r, pipeline, body)
	case "workflow_job":
		err = s.ingestWorkflowJob(r, pipeline, body)
	}
	if err != nil {
		s.Logger.Error("failed to ingest event", "pipeline", pipelineName, "event", event, "error", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to record event")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{"message": "Event recorded", "pipeline": pipelineName})
}

func (s *Server) ingestWorkflowRun(r *http.Request, pipeline *store.Pipeline, body []byte) error {
	var event github.WorkflowRunEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return err
	}
	run := event.GetWorkflowRun()
	if run == nil {
		return nil
	}

	ref := strconv.FormatInt(run.GetID(), 10)
	ctx := r.Context()

	switch event.GetAction() {
	case "requested":
		at := run.GetCreatedAt().Time
		if at.IsZero() {
			at = time.Now()
		}
		_, err := s.Store.TransitionTracker(ctx, pipeline.ID, ref, store.QueueQueued, at)
		return err
	case "in_progress":
		at := run.GetRunStartedAt().Time
		if at.IsZero() {
			at = time.Now()
		}
		_, err := s.Store.TransitionTracker(ctx, pipeline.ID, ref, store.QueueRunning, at)
		return err
	case "completed":
		at := run.GetUpdatedAt().Time
		if at.IsZero() {
			at = time.Now()
		}
		if _, err := s.Store.TransitionTracker(ctx, pipeline.ID, ref, store.QueueCompleted, at); err != nil {
			return err
		}
		// Duplicate deliveries hit the unique external id and insert nothing.
		_, err := s.Store.InsertBuild(ctx, collect.BuildFromRun(pipeline.ID, run))
		return err
	}
	return nil
}

// ingestWorkflowJob advances the parent run's queue tracker from job-level
// events, which arrive earlier and with finer timing than run events.
func (s *Server) ingestWorkflowJob(r *http.Request, pipeline *store.Pipeline, body []byte) error {
	var event github.WorkflowJobEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return err
	}
	job := event.GetWorkflowJob()
	if job == nil {
		return nil
	}

	ref := strconv.FormatInt(job.GetRunID(), 10)
	ctx := r.Context()

	switch event.GetAction() {
	case "queued":
		at := job.GetCreatedAt().Time
		if at.IsZero() {
			at = time.Now()
		}
		_, err := s.Store.TransitionTracker(ctx, pipeline.ID, ref, store.QueueQueued, at)
		return err
	case "in_progress":
		at := job.GetStartedAt().Time
		if at.IsZero() {
			at = time.Now()
		}
		_, err := s.Store.TransitionTracker(ctx, pipeline.ID, ref, store.QueueRunning, at)
		return err
	}
	// Job completion is not a run completion; the workflow_run event
	// carries the final status.
	return nil
}
