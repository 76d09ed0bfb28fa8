// Package metrics reduces a pipeline's build history into point-in-time
// snapshots: success rates, duration statistics, time-of-day patterns,
// failure streaks, and trend deltas against the previous snapshot.
package metrics

import (
	"math"
	"sort"
	"time"

	"buildpulse/internal/store"
)

// Compute reduces the full build list of one pipeline into a snapshot.
// An empty build list yields a fully zeroed snapshot, never an error;
// callers (including alert evaluation) rely on that contract. Builds with
// no resolvable timestamp still count toward totals but are excluded from
// time-dependent calculations.
func Compute(pipelineID int64, builds []store.Build, prev *store.MetricsSnapshot, now time.Time) store.MetricsSnapshot {
	snap := store.MetricsSnapshot{
		PipelineID:   pipelineID,
		CalculatedAt: now,
		TotalBuilds:  len(builds),
	}

	for i := range builds {
		if builds[i].IsSuccess() {
			snap.SuccessfulBuilds++
		} else if builds[i].IsFailure() {
			snap.FailedBuilds++
		}
	}
	if snap.TotalBuilds > 0 {
		snap.SuccessRate = round1(float64(snap.SuccessfulBuilds) / float64(snap.TotalBuilds) * 100)
	}

	computeDurations(&snap, builds)
	computeTimePatterns(&snap, builds, now)
	computeFailureAnalysis(&snap, builds, now)

	if prev != nil {
		if prev.SuccessRate > 0 {
			snap.SuccessRateChange = round1(snap.SuccessRate - prev.SuccessRate)
		}
		if prev.AvgDuration > 0 {
			snap.AvgDurationChange = snap.AvgDuration - prev.AvgDuration
		}
	}

	return snap
}

// computeDurations fills min/avg/max over builds that carry a duration.
// Zero is a valid duration and is included.
func computeDurations(snap *store.MetricsSnapshot, builds []store.Build) {
	var sum float64
	count := 0
	for i := range builds {
		d := builds[i].DurationSeconds
		if d == nil {
			continue
		}
		if count == 0 {
			snap.MinDuration = *d
			snap.MaxDuration = *d
		} else {
			if *d < snap.MinDuration {
				snap.MinDuration = *d
			}
			if *d > snap.MaxDuration {
				snap.MaxDuration = *d
			}
		}
		sum += *d
		count++
	}
	if count > 0 {
		snap.AvgDuration = sum / float64(count)
	}
}

func computeTimePatterns(snap *store.MetricsSnapshot, builds []store.Build, now time.Time) {
	dayStart := now.UTC().Truncate(24 * time.Hour)
	// ISO weeks start on Monday
	weekStart := dayStart.AddDate(0, 0, -((int(dayStart.Weekday()) + 6) % 7))

	hourCounts := newModeCounter()
	dayCounts := newModeCounter()

	for i := range builds {
		ts, ok := builds[i].EffectiveTimestamp(now)
		if !ok {
			continue
		}
		ts = ts.UTC()
		if !ts.Before(dayStart) {
			snap.BuildsToday++
		}
		if !ts.Before(weekStart) {
			snap.BuildsThisWeek++
		}
		hourCounts.add(ts.Hour())
		dayCounts.add(int(ts.Weekday()))
	}

	snap.PeakHour = hourCounts.mode()
	snap.PeakDay = dayCounts.mode()
}

func computeFailureAnalysis(snap *store.MetricsSnapshot, builds []store.Build, now time.Time) {
	type timed struct {
		build *store.Build
		ts    time.Time
	}
	var ordered []timed
	for i := range builds {
		ts, ok := builds[i].EffectiveTimestamp(now)
		if !ok {
			continue
		}
		ordered = append(ordered, timed{build: &builds[i], ts: ts})
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ts.After(ordered[j].ts)
	})

	failureHours := newModeCounter()
	for _, t := range ordered {
		switch {
		case t.build.IsSuccess():
			if snap.LastSuccessAt == nil {
				ts := t.ts
				snap.LastSuccessAt = &ts
			}
		case t.build.IsFailure():
			if snap.LastFailureAt == nil {
				ts := t.ts
				snap.LastFailureAt = &ts
			}
			failureHours.add(t.ts.UTC().Hour())
		}
	}
	snap.MostCommonFailureHour = failureHours.mode()

	// Leading run of failures in time-descending order; stops at the
	// first build that is not a failure.
	for _, t := range ordered {
		if !t.build.IsFailure() {
			break
		}
		snap.ConsecutiveFailures++
	}
}

// modeCounter tracks the mode of small integer keys with ties broken by
// first-seen maximum.
type modeCounter struct {
	counts map[int]int
	best   *int
	bestN  int
}

func newModeCounter() *modeCounter {
	return &modeCounter{counts: make(map[int]int)}
}

func (m *modeCounter) add(key int) {
	m.counts[key]++
	if m.counts[key] > m.bestN {
		m.bestN = m.counts[key]
		k := key
		m.best = &k
	}
}

func (m *modeCounter) mode() *int {
	return m.best
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
