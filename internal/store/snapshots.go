package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertMetricsSnapshot appends a metrics snapshot. Snapshots are never
// updated after this point.
func (q *Queries) InsertMetricsSnapshot(ctx context.Context, m *MetricsSnapshot) (int64, error) {
	result, err := q.db.ExecContext(ctx, `
		INSERT INTO pipeline_metrics
		(pipeline_id, calculated_at, total_builds, successful_builds, failed_builds,
		 success_rate, avg_duration, min_duration, max_duration,
		 builds_today, builds_this_week, peak_hour, peak_day,
		 consecutive_failures, last_success_at, last_failure_at,
		 most_common_failure_hour, success_rate_change, avg_duration_change)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.PipelineID, formatTime(m.CalculatedAt),
		m.TotalBuilds, m.SuccessfulBuilds, m.FailedBuilds,
		m.SuccessRate, m.AvgDuration, m.MinDuration, m.MaxDuration,
		m.BuildsToday, m.BuildsThisWeek, m.PeakHour, m.PeakDay,
		m.ConsecutiveFailures,
		formatTimePtr(m.LastSuccessAt), formatTimePtr(m.LastFailureAt),
		m.MostCommonFailureHour, m.SuccessRateChange, m.AvgDurationChange,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert metrics snapshot: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	m.ID = id
	return id, nil
}

// LatestMetricsSnapshot returns the most recent snapshot for a pipeline,
// or ErrNotFound when none has been computed yet.
func (q *Queries) LatestMetricsSnapshot(ctx context.Context, pipelineID int64) (*MetricsSnapshot, error) {
	row := q.db.QueryRowContext(ctx, metricsSelect+`
		WHERE pipeline_id = ? ORDER BY id DESC LIMIT 1
	`, pipelineID)
	return scanMetricsSnapshot(row)
}

// MetricsHistory returns up to limit snapshots for a pipeline, newest first.
func (q *Queries) MetricsHistory(ctx context.Context, pipelineID int64, limit int) ([]MetricsSnapshot, error) {
	rows, err := q.db.QueryContext(ctx, metricsSelect+`
		WHERE pipeline_id = ? ORDER BY id DESC LIMIT ?
	`, pipelineID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics history: %w", err)
	}
	defer rows.Close()

	var snapshots []MetricsSnapshot
	for rows.Next() {
		m, err := scanMetricsSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating metrics history: %w", err)
	}
	return snapshots, nil
}

const metricsSelect = `
	SELECT id, pipeline_id, calculated_at, total_builds, successful_builds,
	       failed_builds, success_rate, avg_duration, min_duration, max_duration,
	       builds_today, builds_this_week, peak_hour, peak_day,
	       consecutive_failures, last_success_at, last_failure_at,
	       most_common_failure_hour, success_rate_change, avg_duration_change
	FROM pipeline_metrics
`

func scanMetricsSnapshot(s scanner) (*MetricsSnapshot, error) {
	var m MetricsSnapshot
	var calculatedAt string
	var lastSuccess, lastFailure sql.NullString

	err := s.Scan(
		&m.ID, &m.PipelineID, &calculatedAt,
		&m.TotalBuilds, &m.SuccessfulBuilds, &m.FailedBuilds,
		&m.SuccessRate, &m.AvgDuration, &m.MinDuration, &m.MaxDuration,
		&m.BuildsToday, &m.BuildsThisWeek, &m.PeakHour, &m.PeakDay,
		&m.ConsecutiveFailures, &lastSuccess, &lastFailure,
		&m.MostCommonFailureHour, &m.SuccessRateChange, &m.AvgDurationChange,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan metrics snapshot: %w", err)
	}

	if m.CalculatedAt, err = parseTime(calculatedAt); err != nil {
		return nil, err
	}
	if m.LastSuccessAt, err = parseTimePtr(lastSuccess); err != nil {
		return nil, err
	}
	if m.LastFailureAt, err = parseTimePtr(lastFailure); err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertQueueSnapshot appends a queue snapshot.
func (q *Queries) InsertQueueSnapshot(ctx context.Context, m *QueueSnapshot) (int64, error) {
	result, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_metrics
		(pipeline_id, calculated_at, queued_count, running_count, avg_wait_seconds,
		 predicted_30min, trend, slope, bottleneck, peak_depth, peak_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.PipelineID, formatTime(m.CalculatedAt),
		m.QueuedCount, m.RunningCount, m.AvgWaitSeconds,
		m.Predicted30Min, m.Trend, m.Slope, m.Bottleneck,
		m.PeakDepth, formatTimePtr(m.PeakAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert queue snapshot: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	m.ID = id
	return id, nil
}

// QueueSnapshotsSince returns queue snapshots taken at or after the cutoff,
// oldest first so callers can fit a trend over them in sample order.
func (q *Queries) QueueSnapshotsSince(ctx context.Context, pipelineID int64, cutoff time.Time) ([]QueueSnapshot, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, pipeline_id, calculated_at, queued_count, running_count,
		       avg_wait_seconds, predicted_30min, trend, slope, bottleneck,
		       peak_depth, peak_at
		FROM queue_metrics
		WHERE pipeline_id = ? AND calculated_at >= ?
		ORDER BY id ASC
	`, pipelineID, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to query queue snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []QueueSnapshot
	for rows.Next() {
		var m QueueSnapshot
		var calculatedAt string
		var peakAt sql.NullString

		err := rows.Scan(&m.ID, &m.PipelineID, &calculatedAt,
			&m.QueuedCount, &m.RunningCount, &m.AvgWaitSeconds,
			&m.Predicted30Min, &m.Trend, &m.Slope, &m.Bottleneck,
			&m.PeakDepth, &peakAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue snapshot: %w", err)
		}
		if m.CalculatedAt, err = parseTime(calculatedAt); err != nil {
			return nil, err
		}
		if m.PeakAt, err = parseTimePtr(peakAt); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue snapshots: %w", err)
	}
	return snapshots, nil
}

// LatestQueueSnapshot returns the most recent queue snapshot for a pipeline.
func (q *Queries) LatestQueueSnapshot(ctx context.Context, pipelineID int64) (*QueueSnapshot, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, pipeline_id, calculated_at, queued_count, running_count,
		       avg_wait_seconds, predicted_30min, trend, slope, bottleneck,
		       peak_depth, peak_at
		FROM queue_metrics
		WHERE pipeline_id = ? ORDER BY id DESC LIMIT 1
	`, pipelineID)

	var m QueueSnapshot
	var calculatedAt string
	var peakAt sql.NullString

	err := row.Scan(&m.ID, &m.PipelineID, &calculatedAt,
		&m.QueuedCount, &m.RunningCount, &m.AvgWaitSeconds,
		&m.Predicted30Min, &m.Trend, &m.Slope, &m.Bottleneck,
		&m.PeakDepth, &peakAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan queue snapshot: %w", err)
	}
	if m.CalculatedAt, err = parseTime(calculatedAt); err != nil {
		return nil, err
	}
	if m.PeakAt, err = parseTimePtr(peakAt); err != nil {
		return nil, err
	}
	return &m, nil
}
