package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertBuild records a build. When the build carries an external id that
// already exists for the pipeline the insert is a no-op and 0 is returned,
// which keeps webhook redelivery and API backfill idempotent.
func (q *Queries) InsertBuild(ctx context.Context, b *Build) (int64, error) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}

	result, err := q.db.ExecContext(ctx, `
		INSERT INTO builds
		(pipeline_id, external_id, status, started_at, finished_at,
		 duration_seconds, commit_hash, committer, branch, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pipeline_id, external_id) WHERE external_id IS NOT NULL DO NOTHING
	`,
		b.PipelineID,
		b.ExternalID,
		b.Status,
		formatTimePtr(b.StartedAt),
		formatTimePtr(b.FinishedAt),
		b.DurationSeconds,
		b.CommitHash,
		b.Committer,
		b.Branch,
		formatTime(b.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert build: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return 0, nil
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	return id, nil
}

// BuildsForPipeline returns all builds for a pipeline, newest insert first.
func (q *Queries) BuildsForPipeline(ctx context.Context, pipelineID int64) ([]Build, error) {
	return q.queryBuilds(ctx, `
		SELECT id, pipeline_id, external_id, status, started_at, finished_at,
		       duration_seconds, commit_hash, committer, branch, created_at
		FROM builds
		WHERE pipeline_id = ?
		ORDER BY id DESC
	`, pipelineID)
}

// BuildsSince returns builds for a pipeline created at or after the cutoff.
func (q *Queries) BuildsSince(ctx context.Context, pipelineID int64, cutoff time.Time) ([]Build, error) {
	return q.queryBuilds(ctx, `
		SELECT id, pipeline_id, external_id, status, started_at, finished_at,
		       duration_seconds, commit_hash, committer, branch, created_at
		FROM builds
		WHERE pipeline_id = ? AND created_at >= ?
		ORDER BY id DESC
	`, pipelineID, formatTime(cutoff))
}

func (q *Queries) queryBuilds(ctx context.Context, query string, args ...interface{}) ([]Build, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query builds: %w", err)
	}
	defer rows.Close()

	var builds []Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating builds: %w", err)
	}
	return builds, nil
}

func scanBuild(s scanner) (*Build, error) {
	var b Build
	var startedAt, finishedAt sql.NullString
	var createdAt string

	err := s.Scan(
		&b.ID,
		&b.PipelineID,
		&b.ExternalID,
		&b.Status,
		&startedAt,
		&finishedAt,
		&b.DurationSeconds,
		&b.CommitHash,
		&b.Committer,
		&b.Branch,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan build: %w", err)
	}

	if b.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if b.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return nil, err
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &b, nil
}
