package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup targets a row that does not exist.
var ErrNotFound = errors.New("not found")

// DBTX is the subset of database/sql shared by *sql.DB and *sql.Tx,
// so every query works both standalone and inside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Queries bundles all row-level operations against a DBTX.
type Queries struct {
	db DBTX
}

// Store manages all persistent state in SQLite.
type Store struct {
	db *sql.DB
	*Queries
}

// Open opens (creating if necessary) the SQLite database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite is a single-writer database
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, Queries: &Queries{db: db}}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// InTx runs fn inside a transaction. The snapshot write and its alert
// evaluation go through here so either both commit or neither does.
func (s *Store) InTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&Queries{db: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (after: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pipelines (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			repo_owner TEXT NOT NULL DEFAULT '',
			repo_name TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS builds (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pipeline_id INTEGER NOT NULL,
			external_id TEXT,
			status TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT,
			duration_seconds REAL,
			commit_hash TEXT,
			committer TEXT,
			branch TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_builds_external
			ON builds(pipeline_id, external_id) WHERE external_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_builds_pipeline
			ON builds(pipeline_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS queue_trackers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pipeline_id INTEGER NOT NULL,
			build_ref TEXT NOT NULL,
			status TEXT NOT NULL,
			queued_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			wait_time_seconds REAL,
			UNIQUE(pipeline_id, build_ref)
		)`,
		`CREATE TABLE IF NOT EXISTS pipeline_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pipeline_id INTEGER NOT NULL,
			calculated_at TEXT NOT NULL,
			total_builds INTEGER NOT NULL,
			successful_builds INTEGER NOT NULL,
			failed_builds INTEGER NOT NULL,
			success_rate REAL NOT NULL,
			avg_duration REAL NOT NULL,
			min_duration REAL NOT NULL,
			max_duration REAL NOT NULL,
			builds_today INTEGER NOT NULL,
			builds_this_week INTEGER NOT NULL,
			peak_hour INTEGER,
			peak_day INTEGER,
			consecutive_failures INTEGER NOT NULL,
			last_success_at TEXT,
			last_failure_at TEXT,
			most_common_failure_hour INTEGER,
			success_rate_change REAL NOT NULL,
			avg_duration_change REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_pipeline
			ON pipeline_metrics(pipeline_id, id DESC)`,
		`CREATE TABLE IF NOT EXISTS queue_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pipeline_id INTEGER NOT NULL,
			calculated_at TEXT NOT NULL,
			queued_count INTEGER NOT NULL,
			running_count INTEGER NOT NULL,
			avg_wait_seconds REAL NOT NULL,
			predicted_30min REAL NOT NULL,
			trend TEXT NOT NULL,
			slope REAL NOT NULL,
			bottleneck TEXT NOT NULL,
			peak_depth INTEGER NOT NULL,
			peak_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_metrics_pipeline
			ON queue_metrics(pipeline_id, id DESC)`,
		`CREATE TABLE IF NOT EXISTS alert_configs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pipeline_id INTEGER,
			alert_type TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			warning_threshold REAL NOT NULL,
			critical_threshold REAL NOT NULL,
			window_minutes INTEGER NOT NULL,
			cooldown_minutes INTEGER NOT NULL,
			notify_webhook INTEGER NOT NULL DEFAULT 1,
			notify_slack INTEGER NOT NULL DEFAULT 0,
			notify_command INTEGER NOT NULL DEFAULT 0,
			UNIQUE(pipeline_id, alert_type)
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pipeline_id INTEGER NOT NULL,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			title TEXT NOT NULL,
			message TEXT NOT NULL,
			threshold REAL NOT NULL,
			actual REAL NOT NULL,
			fingerprint TEXT NOT NULL,
			created_at TEXT NOT NULL,
			acknowledged_by TEXT,
			acknowledged_at TEXT,
			resolved_by TEXT,
			resolved_at TEXT,
			notes TEXT,
			last_notified_at TEXT NOT NULL,
			notification_count INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_fingerprint
			ON alerts(fingerprint, status)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_pipeline
			ON alerts(pipeline_id, status)`,
		`CREATE TABLE IF NOT EXISTS failure_patterns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pipeline_id INTEGER NOT NULL,
			pattern_type TEXT NOT NULL,
			subject TEXT NOT NULL,
			severity TEXT NOT NULL,
			confidence REAL NOT NULL,
			build_count INTEGER NOT NULL,
			failure_count INTEGER NOT NULL,
			description TEXT NOT NULL,
			recommendation TEXT NOT NULL,
			detected_at TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// scanner is implemented by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
