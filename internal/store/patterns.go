package store

import (
	"context"
	"fmt"
)

// ReplaceFailurePatterns swaps the cached detection results for a pipeline
// with the findings from the latest run.
func (q *Queries) ReplaceFailurePatterns(ctx context.Context, pipelineID int64, patterns []FailurePattern) error {
	if _, err := q.db.ExecContext(ctx, `
		DELETE FROM failure_patterns WHERE pipeline_id = ?
	`, pipelineID); err != nil {
		return fmt.Errorf("failed to clear failure patterns: %w", err)
	}

	for i := range patterns {
		p := &patterns[i]
		result, err := q.db.ExecContext(ctx, `
			INSERT INTO failure_patterns
			(pipeline_id, pattern_type, subject, severity, confidence,
			 build_count, failure_count, description, recommendation, detected_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, pipelineID, p.PatternType, p.Subject, p.Severity, p.Confidence,
			p.BuildCount, p.FailureCount, p.Description, p.Recommendation,
			formatTime(p.DetectedAt))
		if err != nil {
			return fmt.Errorf("failed to insert failure pattern: %w", err)
		}
		if p.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get last insert ID: %w", err)
		}
	}
	return nil
}

// FailurePatternsForPipeline returns the cached findings from the last
// detection run, highest confidence first.
func (q *Queries) FailurePatternsForPipeline(ctx context.Context, pipelineID int64) ([]FailurePattern, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, pipeline_id, pattern_type, subject, severity, confidence,
		       build_count, failure_count, description, recommendation, detected_at
		FROM failure_patterns
		WHERE pipeline_id = ?
		ORDER BY confidence DESC, id
	`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to query failure patterns: %w", err)
	}
	defer rows.Close()

	var patterns []FailurePattern
	for rows.Next() {
		var p FailurePattern
		var detectedAt string
		err := rows.Scan(&p.ID, &p.PipelineID, &p.PatternType, &p.Subject,
			&p.Severity, &p.Confidence, &p.BuildCount, &p.FailureCount,
			&p.Description, &p.Recommendation, &detectedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failure pattern: %w", err)
		}
		if p.DetectedAt, err = parseTime(detectedAt); err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failure patterns: %w", err)
	}
	return patterns, nil
}
