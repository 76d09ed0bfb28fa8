// Package collect backfills build history from the GitHub Actions API so
// freshly added pipelines do not start from an empty history.
package collect

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"buildpulse/internal/store"
)

const runsPerPage = 100

// Collector imports workflow runs as build records.
type Collector struct {
	client *github.Client
	store  *store.Store
	logger *slog.Logger
}

// New creates a collector. An empty token yields an unauthenticated
// client, which works for public repositories at a lower rate limit.
func New(token string, s *store.Store, logger *slog.Logger) *Collector {
	var client *github.Client
	if token == "" {
		client = github.NewClient(nil)
	} else {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		client = github.NewClient(oauth2.NewClient(context.Background(), ts))
	}
	return &Collector{client: client, store: s, logger: logger}
}

// Backfill imports up to maxRuns recent workflow runs for the pipeline's
// repository. Runs already recorded (by workflow run id) are skipped, so
// repeated backfills are idempotent. Returns the number of new builds.
func (c *Collector) Backfill(ctx context.Context, pipeline *store.Pipeline, maxRuns int) (int, error) {
	if pipeline.RepoOwner == "" || pipeline.RepoName == "" {
		return 0, fmt.Errorf("pipeline %s has no repository configured", pipeline.Name)
	}
	if maxRuns <= 0 {
		maxRuns = runsPerPage
	}

	imported := 0
	opts := &github.ListWorkflowRunsOptions{
		ListOptions: github.ListOptions{PerPage: runsPerPage},
	}

	for imported < maxRuns {
		runs, resp, err := c.client.Actions.ListRepositoryWorkflowRuns(ctx, pipeline.RepoOwner, pipeline.RepoName, opts)
		if err != nil {
			return imported, fmt.Errorf("failed to list workflow runs: %w", err)
		}

		for _, run := range runs.WorkflowRuns {
			if imported >= maxRuns {
				break
			}
			build := BuildFromRun(pipeline.ID, run)
			id, err := c.store.InsertBuild(ctx, build)
			if err != nil {
				return imported, fmt.Errorf("failed to record run %d: %w", run.GetID(), err)
			}
			if id != 0 {
				imported++
			}
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	c.logger.Info("backfill complete", "pipeline", pipeline.Name, "imported", imported)
	return imported, nil
}

// BuildFromRun converts a workflow run into a build record. Shared with
// the webhook intake path so both produce identical rows.
func BuildFromRun(pipelineID int64, run *github.WorkflowRun) *store.Build {
	externalID := strconv.FormatInt(run.GetID(), 10)
	b := &store.Build{
		PipelineID: pipelineID,
		ExternalID: &externalID,
		Status:     StatusFromRun(run.GetStatus(), run.GetConclusion()),
		Branch:     run.GetHeadBranch(),
		CreatedAt:  run.GetCreatedAt().Time,
	}

	if sha := run.GetHeadSHA(); sha != "" {
		b.CommitHash = &sha
	}
	if actor := run.GetActor().GetLogin(); actor != "" {
		b.Committer = &actor
	}

	if started := run.GetRunStartedAt(); !started.IsZero() {
		t := started.Time
		b.StartedAt = &t
	}
	if run.GetStatus() == "completed" {
		if updated := run.GetUpdatedAt(); !updated.IsZero() {
			t := updated.Time
			b.FinishedAt = &t
		}
	}
	if b.StartedAt != nil && b.FinishedAt != nil && !b.FinishedAt.Before(*b.StartedAt) {
		d := b.FinishedAt.Sub(*b.StartedAt).Seconds()
		b.DurationSeconds = &d
	}
	return b
}

// StatusFromRun maps a GitHub Actions status/conclusion pair onto the
// build status vocabulary.
func StatusFromRun(status, conclusion string) string {
	if status != "completed" {
		return store.BuildUnknown
	}
	switch strings.ToLower(conclusion) {
	case "success":
		return store.BuildSuccess
	case "failure", "timed_out", "startup_failure":
		return store.BuildFailure
	case "cancelled":
		return store.BuildCancelled
	case "skipped":
		return store.BuildSkipped
	default:
		return store.BuildUnknown
	}
}
