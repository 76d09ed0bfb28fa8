package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertPipeline inserts a pipeline by name or updates its repo fields,
// returning the stored row either way.
func (q *Queries) UpsertPipeline(ctx context.Context, name, repoOwner, repoName string) (*Pipeline, error) {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO pipelines (name, repo_owner, repo_name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET repo_owner = excluded.repo_owner, repo_name = excluded.repo_name
	`, name, repoOwner, repoName, formatTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert pipeline: %w", err)
	}
	return q.PipelineByName(ctx, name)
}

// PipelineByName returns the pipeline with the given name, or ErrNotFound.
func (q *Queries) PipelineByName(ctx context.Context, name string) (*Pipeline, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, name, repo_owner, repo_name, created_at
		FROM pipelines WHERE name = ?
	`, name)
	return scanPipeline(row)
}

// PipelineByID returns the pipeline with the given id, or ErrNotFound.
func (q *Queries) PipelineByID(ctx context.Context, id int64) (*Pipeline, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, name, repo_owner, repo_name, created_at
		FROM pipelines WHERE id = ?
	`, id)
	return scanPipeline(row)
}

// ListPipelines returns all pipelines ordered by name.
func (q *Queries) ListPipelines(ctx context.Context) ([]Pipeline, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, name, repo_owner, repo_name, created_at
		FROM pipelines ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pipelines: %w", err)
	}
	return pipelines, nil
}

func scanPipeline(s scanner) (*Pipeline, error) {
	var p Pipeline
	var createdAt string

	err := s.Scan(&p.ID, &p.Name, &p.RepoOwner, &p.RepoName, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan pipeline: %w", err)
	}

	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &p, nil
}
