package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertAlertConfig inserts or replaces the config row for the
// (pipeline, alert type) pair. A nil pipeline id targets the global row.
// SQLite treats NULLs as distinct in unique constraints, so the global row
// is matched with IS instead of relying on ON CONFLICT.
func (q *Queries) UpsertAlertConfig(ctx context.Context, c *AlertConfig) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE alert_configs SET
			enabled = ?,
			warning_threshold = ?,
			critical_threshold = ?,
			window_minutes = ?,
			cooldown_minutes = ?,
			notify_webhook = ?,
			notify_slack = ?,
			notify_command = ?
		WHERE pipeline_id IS ? AND alert_type = ?
	`, c.Enabled, c.WarningThreshold, c.CriticalThreshold,
		c.WindowMinutes, c.CooldownMinutes, c.NotifyWebhook, c.NotifySlack, c.NotifyCommand,
		c.PipelineID, c.AlertType)
	if err != nil {
		return fmt.Errorf("failed to update alert config: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO alert_configs
		(pipeline_id, alert_type, enabled, warning_threshold, critical_threshold,
		 window_minutes, cooldown_minutes, notify_webhook, notify_slack, notify_command)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.PipelineID, c.AlertType, c.Enabled, c.WarningThreshold, c.CriticalThreshold,
		c.WindowMinutes, c.CooldownMinutes, c.NotifyWebhook, c.NotifySlack, c.NotifyCommand)
	if err != nil {
		return fmt.Errorf("failed to insert alert config: %w", err)
	}
	return nil
}

// AlertConfigFor returns the stored config rows relevant to one
// (pipeline, alert type) lookup: the pipeline-specific row and the global
// row, either of which may be nil. Precedence is applied by the caller.
func (q *Queries) AlertConfigFor(ctx context.Context, pipelineID int64, alertType string) (pipeline, global *AlertConfig, err error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, pipeline_id, alert_type, enabled, warning_threshold,
		       critical_threshold, window_minutes, cooldown_minutes,
		       notify_webhook, notify_slack, notify_command
		FROM alert_configs
		WHERE alert_type = ? AND (pipeline_id = ? OR pipeline_id IS NULL)
	`, alertType, pipelineID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query alert configs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c AlertConfig
		err := rows.Scan(&c.ID, &c.PipelineID, &c.AlertType, &c.Enabled,
			&c.WarningThreshold, &c.CriticalThreshold, &c.WindowMinutes,
			&c.CooldownMinutes, &c.NotifyWebhook, &c.NotifySlack, &c.NotifyCommand)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan alert config: %w", err)
		}
		cc := c
		if c.PipelineID != nil {
			pipeline = &cc
		} else {
			global = &cc
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating alert configs: %w", err)
	}
	return pipeline, global, nil
}

// InsertAlert creates a new alert row in the active state.
func (q *Queries) InsertAlert(ctx context.Context, a *Alert) (int64, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.LastNotifiedAt.IsZero() {
		a.LastNotifiedAt = a.CreatedAt
	}
	if a.NotificationCount == 0 {
		a.NotificationCount = 1
	}

	result, err := q.db.ExecContext(ctx, `
		INSERT INTO alerts
		(pipeline_id, type, severity, status, title, message, threshold, actual,
		 fingerprint, created_at, last_notified_at, notification_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.PipelineID, a.Type, a.Severity, a.Status, a.Title, a.Message,
		a.Threshold, a.Actual, a.Fingerprint,
		formatTime(a.CreatedAt), formatTime(a.LastNotifiedAt), a.NotificationCount)
	if err != nil {
		return 0, fmt.Errorf("failed to insert alert: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	a.ID = id
	return id, nil
}

// ActiveAlertByFingerprint returns the single active alert carrying the
// fingerprint, or ErrNotFound.
func (q *Queries) ActiveAlertByFingerprint(ctx context.Context, fingerprint string) (*Alert, error) {
	row := q.db.QueryRowContext(ctx, alertSelect+`
		WHERE fingerprint = ? AND status = ? LIMIT 1
	`, fingerprint, AlertActive)
	return scanAlert(row)
}

// AlertByID returns one alert, or ErrNotFound.
func (q *Queries) AlertByID(ctx context.Context, id int64) (*Alert, error) {
	row := q.db.QueryRowContext(ctx, alertSelect+` WHERE id = ?`, id)
	return scanAlert(row)
}

// ActiveAlertsForPipeline returns all alerts still active for a pipeline.
func (q *Queries) ActiveAlertsForPipeline(ctx context.Context, pipelineID int64) ([]Alert, error) {
	return q.queryAlerts(ctx, alertSelect+`
		WHERE pipeline_id = ? AND status = ? ORDER BY id
	`, pipelineID, AlertActive)
}

// ListAlerts returns alerts filtered by status; an empty status returns all.
func (q *Queries) ListAlerts(ctx context.Context, status string, limit int) ([]Alert, error) {
	if status == "" {
		return q.queryAlerts(ctx, alertSelect+` ORDER BY id DESC LIMIT ?`, limit)
	}
	return q.queryAlerts(ctx, alertSelect+`
		WHERE status = ? ORDER BY id DESC LIMIT ?
	`, status, limit)
}

// TouchAlertNotification records another notification for a still-active
// alert after its cooldown elapsed.
func (q *Queries) TouchAlertNotification(ctx context.Context, id int64, at time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE alerts
		SET last_notified_at = ?, notification_count = notification_count + 1
		WHERE id = ?
	`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to update alert notification: %w", err)
	}
	return nil
}

// AcknowledgeAlert moves an active alert to acknowledged. Acknowledging an
// alert in any other state is rejected.
func (q *Queries) AcknowledgeAlert(ctx context.Context, id int64, actor string, at time.Time) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE alerts
		SET status = ?, acknowledged_by = ?, acknowledged_at = ?
		WHERE id = ? AND status = ?
	`, AlertAcknowledged, actor, formatTime(at), id, AlertActive)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	return requireAffected(result, id)
}

// ResolveAlert moves an active or acknowledged alert to resolved, the
// terminal state. Notes may be empty.
func (q *Queries) ResolveAlert(ctx context.Context, id int64, actor, notes string, at time.Time) error {
	var notesPtr *string
	if notes != "" {
		notesPtr = &notes
	}
	result, err := q.db.ExecContext(ctx, `
		UPDATE alerts
		SET status = ?, resolved_by = ?, resolved_at = ?, notes = ?
		WHERE id = ? AND status IN (?, ?)
	`, AlertResolved, actor, formatTime(at), notesPtr, id, AlertActive, AlertAcknowledged)
	if err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}
	return requireAffected(result, id)
}

func requireAffected(result sql.Result, id int64) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("alert %d: %w", id, ErrNotFound)
	}
	return nil
}

const alertSelect = `
	SELECT id, pipeline_id, type, severity, status, title, message,
	       threshold, actual, fingerprint, created_at,
	       acknowledged_by, acknowledged_at, resolved_by, resolved_at,
	       notes, last_notified_at, notification_count
	FROM alerts
`

func (q *Queries) queryAlerts(ctx context.Context, query string, args ...interface{}) ([]Alert, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}
	return alerts, nil
}

func scanAlert(s scanner) (*Alert, error) {
	var a Alert
	var createdAt, lastNotifiedAt string
	var ackedAt, resolvedAt sql.NullString

	err := s.Scan(
		&a.ID, &a.PipelineID, &a.Type, &a.Severity, &a.Status,
		&a.Title, &a.Message, &a.Threshold, &a.Actual, &a.Fingerprint,
		&createdAt, &a.AcknowledgedBy, &ackedAt, &a.ResolvedBy, &resolvedAt,
		&a.Notes, &lastNotifiedAt, &a.NotificationCount,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}

	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.AcknowledgedAt, err = parseTimePtr(ackedAt); err != nil {
		return nil, err
	}
	if a.ResolvedAt, err = parseTimePtr(resolvedAt); err != nil {
		return nil, err
	}
	if a.LastNotifiedAt, err = parseTime(lastNotifiedAt); err != nil {
		return nil, err
	}
	return &a, nil
}
