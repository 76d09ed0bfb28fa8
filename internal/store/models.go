package store

import (
	"strings"
	"time"
)

// Build status values as reported by CI providers. Matching is
// case-insensitive everywhere; anything unrecognized is "unknown".
const (
	BuildSuccess   = "success"
	BuildFailure   = "failure"
	BuildCancelled = "cancelled"
	BuildSkipped   = "skipped"
	BuildUnknown   = "unknown"
)

// Queue tracker states. Transitions only move forward; a duplicate or
// out-of-order delivery is a no-op.
const (
	QueueQueued    = "queued"
	QueueRunning   = "running"
	QueueCompleted = "completed"
)

// Alert types evaluated against each fresh metrics snapshot.
const (
	AlertSuccessRateDrop     = "success_rate_drop"
	AlertDurationIncrease    = "duration_increase"
	AlertConsecutiveFailures = "consecutive_failures"
	AlertStalePipeline       = "stale_pipeline"
)

// Alert severities, least to most severe.
const (
	SeverityInfo      = "info"
	SeverityWarning   = "warning"
	SeverityCritical  = "critical"
	SeverityEmergency = "emergency"
)

// Alert lifecycle states. Resolved is terminal.
const (
	AlertActive       = "active"
	AlertAcknowledged = "acknowledged"
	AlertResolved     = "resolved"
)

// minCreatedAge rejects created_at timestamps younger than this as
// auto-stamped placeholders rather than real build activity.
const minCreatedAge = 5 * time.Minute

// Pipeline identifies one monitored CI pipeline.
type Pipeline struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	RepoOwner string    `json:"repo_owner"`
	RepoName  string    `json:"repo_name"`
	CreatedAt time.Time `json:"created_at"`
}

// Build represents a single recorded CI build.
type Build struct {
	ID              int64      `json:"id"`
	PipelineID      int64      `json:"pipeline_id"`
	ExternalID      *string    `json:"external_id,omitempty"`
	Status          string     `json:"status"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty"`
	CommitHash      *string    `json:"commit_hash,omitempty"`
	Committer       *string    `json:"committer,omitempty"`
	Branch          string     `json:"branch"`
	CreatedAt       time.Time  `json:"created_at"`
}

// EffectiveTimestamp resolves the best-available time for a build:
// start time, then end time, then creation time. Creation times within
// five minutes of now are discarded as placeholders, in which case the
// build has no usable timestamp and is excluded from time-dependent math.
func (b *Build) EffectiveTimestamp(now time.Time) (time.Time, bool) {
	if b.StartedAt != nil {
		return *b.StartedAt, true
	}
	if b.FinishedAt != nil {
		return *b.FinishedAt, true
	}
	if !b.CreatedAt.IsZero() && now.Sub(b.CreatedAt) >= minCreatedAge {
		return b.CreatedAt, true
	}
	return time.Time{}, false
}

// IsSuccess reports whether the build status counts as a success.
func (b *Build) IsSuccess() bool { return strings.EqualFold(b.Status, BuildSuccess) }

// IsFailure reports whether the build status counts as a failure.
func (b *Build) IsFailure() bool { return strings.EqualFold(b.Status, BuildFailure) }

// QueueTracker follows one build through the queue lifecycle.
type QueueTracker struct {
	ID              int64      `json:"id"`
	PipelineID      int64      `json:"pipeline_id"`
	BuildRef        string     `json:"build_ref"`
	Status          string     `json:"status"`
	QueuedAt        time.Time  `json:"queued_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	WaitTimeSeconds *float64   `json:"wait_time_seconds,omitempty"`
}

// MetricsSnapshot is a point-in-time reduction of a pipeline's build
// history. Snapshots are append-only and never mutated after insert.
type MetricsSnapshot struct {
	ID                    int64      `json:"id"`
	PipelineID            int64      `json:"pipeline_id"`
	CalculatedAt          time.Time  `json:"calculated_at"`
	TotalBuilds           int        `json:"total_builds"`
	SuccessfulBuilds      int        `json:"successful_builds"`
	FailedBuilds          int        `json:"failed_builds"`
	SuccessRate           float64    `json:"success_rate"`
	AvgDuration           float64    `json:"avg_duration"`
	MinDuration           float64    `json:"min_duration"`
	MaxDuration           float64    `json:"max_duration"`
	BuildsToday           int        `json:"builds_today"`
	BuildsThisWeek        int        `json:"builds_this_week"`
	PeakHour              *int       `json:"peak_hour,omitempty"`
	PeakDay               *int       `json:"peak_day,omitempty"`
	ConsecutiveFailures   int        `json:"consecutive_failures"`
	LastSuccessAt         *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt         *time.Time `json:"last_failure_at,omitempty"`
	MostCommonFailureHour *int       `json:"most_common_failure_hour,omitempty"`
	SuccessRateChange     float64    `json:"success_rate_change"`
	AvgDurationChange     float64    `json:"avg_duration_change"`
}

// QueueSnapshot is a point-in-time record of queue state plus a
// short-horizon forecast.
type QueueSnapshot struct {
	ID             int64      `json:"id"`
	PipelineID     int64      `json:"pipeline_id"`
	CalculatedAt   time.Time  `json:"calculated_at"`
	QueuedCount    int        `json:"queued_count"`
	RunningCount   int        `json:"running_count"`
	AvgWaitSeconds float64    `json:"avg_wait_seconds"`
	Predicted30Min float64    `json:"predicted_30min"`
	Trend          string     `json:"trend"`
	Slope          float64    `json:"slope"`
	Bottleneck     string     `json:"bottleneck"`
	PeakDepth      int        `json:"peak_depth"`
	PeakAt         *time.Time `json:"peak_at,omitempty"`
}

// AlertConfig holds threshold settings for one (pipeline, alert type)
// pair. A nil PipelineID marks the global fallback row.
type AlertConfig struct {
	ID                int64  `json:"id"`
	PipelineID        *int64 `json:"pipeline_id,omitempty"`
	AlertType         string `json:"alert_type"`
	Enabled           bool   `json:"enabled"`
	WarningThreshold  float64 `json:"warning_threshold"`
	CriticalThreshold float64 `json:"critical_threshold"`
	WindowMinutes     int    `json:"window_minutes"`
	CooldownMinutes   int    `json:"cooldown_minutes"`
	NotifyWebhook     bool   `json:"notify_webhook"`
	NotifySlack       bool   `json:"notify_slack"`
	NotifyCommand     bool   `json:"notify_command"`
}

// Alert is one instance of a triggered rule. At most one alert with
// status "active" may exist per fingerprint at any time.
type Alert struct {
	ID                int64      `json:"id"`
	PipelineID        int64      `json:"pipeline_id"`
	Type              string     `json:"type"`
	Severity          string     `json:"severity"`
	Status            string     `json:"status"`
	Title             string     `json:"title"`
	Message           string     `json:"message"`
	Threshold         float64    `json:"threshold"`
	Actual            float64    `json:"actual"`
	Fingerprint       string     `json:"fingerprint"`
	CreatedAt         time.Time  `json:"created_at"`
	AcknowledgedBy    *string    `json:"acknowledged_by,omitempty"`
	AcknowledgedAt    *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedBy        *string    `json:"resolved_by,omitempty"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
	Notes             *string    `json:"notes,omitempty"`
	LastNotifiedAt    time.Time  `json:"last_notified_at"`
	NotificationCount int        `json:"notification_count"`
}

// FailurePattern caches one finding from the last pattern detection run.
type FailurePattern struct {
	ID             int64     `json:"id"`
	PipelineID     int64     `json:"pipeline_id"`
	PatternType    string    `json:"pattern_type"`
	Subject        string    `json:"subject"`
	Severity       string    `json:"severity"`
	Confidence     float64   `json:"confidence"`
	BuildCount     int       `json:"build_count"`
	FailureCount   int       `json:"failure_count"`
	Description    string    `json:"description"`
	Recommendation string    `json:"recommendation"`
	DetectedAt     time.Time `json:"detected_at"`
}
