package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

var queueRank = map[string]int{
	QueueQueued:    0,
	QueueRunning:   1,
	QueueCompleted: 2,
}

// TransitionTracker moves a build's queue tracker forward to status,
// creating the tracker on first sight. Transitions to an already-reached
// or earlier state are no-ops, so at-least-once delivery is safe.
func (q *Queries) TransitionTracker(ctx context.Context, pipelineID int64, buildRef, status string, at time.Time) (*QueueTracker, error) {
	newRank, ok := queueRank[status]
	if !ok {
		return nil, fmt.Errorf("unknown queue status %q", status)
	}

	existing, err := q.trackerByRef(ctx, pipelineID, buildRef)
	if err != nil && err != ErrNotFound {
		return nil, err
	}

	if existing == nil {
		t := &QueueTracker{
			PipelineID: pipelineID,
			BuildRef:   buildRef,
			Status:     status,
			QueuedAt:   at,
		}
		if newRank >= queueRank[QueueRunning] {
			t.StartedAt = &at
		}
		if newRank >= queueRank[QueueCompleted] {
			t.CompletedAt = &at
			wait := 0.0
			t.WaitTimeSeconds = &wait
		}
		result, err := q.db.ExecContext(ctx, `
			INSERT INTO queue_trackers
			(pipeline_id, build_ref, status, queued_at, started_at, completed_at, wait_time_seconds)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, pipelineID, buildRef, status, formatTime(at),
			formatTimePtr(t.StartedAt), formatTimePtr(t.CompletedAt), t.WaitTimeSeconds)
		if err != nil {
			return nil, fmt.Errorf("failed to insert queue tracker: %w", err)
		}
		if t.ID, err = result.LastInsertId(); err != nil {
			return nil, fmt.Errorf("failed to get last insert ID: %w", err)
		}
		return t, nil
	}

	if newRank <= queueRank[existing.Status] {
		return existing, nil
	}

	existing.Status = status
	if newRank >= queueRank[QueueRunning] && existing.StartedAt == nil {
		existing.StartedAt = &at
	}
	if newRank >= queueRank[QueueCompleted] {
		existing.CompletedAt = &at
		end := at
		if existing.StartedAt != nil {
			end = *existing.StartedAt
		}
		wait := end.Sub(existing.QueuedAt).Seconds()
		if wait < 0 {
			wait = 0
		}
		existing.WaitTimeSeconds = &wait
	}

	_, err = q.db.ExecContext(ctx, `
		UPDATE queue_trackers
		SET status = ?, started_at = ?, completed_at = ?, wait_time_seconds = ?
		WHERE id = ?
	`, existing.Status, formatTimePtr(existing.StartedAt),
		formatTimePtr(existing.CompletedAt), existing.WaitTimeSeconds, existing.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update queue tracker: %w", err)
	}
	return existing, nil
}

// CountTrackers returns the number of trackers in the given status.
func (q *Queries) CountTrackers(ctx context.Context, pipelineID int64, status string) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_trackers WHERE pipeline_id = ? AND status = ?
	`, pipelineID, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue trackers: %w", err)
	}
	return count, nil
}

// CompletedWaitTimes returns wait times of trackers completed at or after
// the cutoff.
func (q *Queries) CompletedWaitTimes(ctx context.Context, pipelineID int64, cutoff time.Time) ([]float64, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT wait_time_seconds FROM queue_trackers
		WHERE pipeline_id = ? AND status = ? AND completed_at >= ? AND wait_time_seconds IS NOT NULL
	`, pipelineID, QueueCompleted, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to query wait times: %w", err)
	}
	defer rows.Close()

	var waits []float64
	for rows.Next() {
		var w float64
		if err := rows.Scan(&w); err != nil {
			return nil, fmt.Errorf("failed to scan wait time: %w", err)
		}
		waits = append(waits, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating wait times: %w", err)
	}
	return waits, nil
}

func (q *Queries) trackerByRef(ctx context.Context, pipelineID int64, buildRef string) (*QueueTracker, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, pipeline_id, build_ref, status, queued_at, started_at, completed_at, wait_time_seconds
		FROM queue_trackers
		WHERE pipeline_id = ? AND build_ref = ?
	`, pipelineID, buildRef)

	var t QueueTracker
	var queuedAt string
	var startedAt, completedAt sql.NullString

	err := row.Scan(&t.ID, &t.PipelineID, &t.BuildRef, &t.Status,
		&queuedAt, &startedAt, &completedAt, &t.WaitTimeSeconds)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan queue tracker: %w", err)
	}

	if t.QueuedAt, err = parseTime(queuedAt); err != nil {
		return nil, err
	}
	if t.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
