// Package pattern scans build history for statistically elevated failure
// rates by hour-of-day and committer, and flags flaky branch/committer
// combinations.
package pattern

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"buildpulse/internal/store"
)

// Pattern types reported by Detect.
const (
	TypeTimeOfDay = "time_of_day"
	TypeCommitter = "committer"
	TypeFlaky     = "flaky"
)

const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
)

const (
	minHourlyBuilds    = 2
	minCommitterBuilds = 5
	minFlakyBuilds     = 5
	// DefaultLimit caps the combined report to the strongest findings.
	DefaultLimit = 10
)

type group struct {
	total    int
	failures int
}

func (g *group) rate() float64 {
	if g.total == 0 {
		return 0
	}
	return float64(g.failures) / float64(g.total)
}

// Detect scans builds (already filtered to the lookback window) and
// returns findings sorted by confidence descending, capped to limit.
// Confidence is the group's failure rate as a fraction.
func Detect(builds []store.Build, now time.Time, limit int) []store.FailurePattern {
	if len(builds) == 0 {
		return nil
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	overall := 0.0
	failures := 0
	for i := range builds {
		if builds[i].IsFailure() {
			failures++
		}
	}
	overall = float64(failures) / float64(len(builds))

	var findings []store.FailurePattern
	findings = append(findings, detectHourly(builds, overall, now)...)
	findings = append(findings, detectCommitter(builds, overall)...)
	findings = append(findings, detectFlaky(builds)...)

	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Confidence > findings[j].Confidence
	})
	if len(findings) > limit {
		findings = findings[:limit]
	}
	for i := range findings {
		findings[i].DetectedAt = now
	}
	return findings
}

func detectHourly(builds []store.Build, overall float64, now time.Time) []store.FailurePattern {
	hours := make(map[int]*group)
	for i := range builds {
		ts, ok := builds[i].EffectiveTimestamp(now)
		if !ok {
			continue
		}
		h := ts.UTC().Hour()
		g := hours[h]
		if g == nil {
			g = &group{}
			hours[h] = g
		}
		g.total++
		if builds[i].IsFailure() {
			g.failures++
		}
	}

	threshold := overall * 1.2
	if threshold < 0.5 {
		threshold = 0.5
	}

	var findings []store.FailurePattern
	for h := 0; h < 24; h++ {
		g := hours[h]
		if g == nil || g.total < minHourlyBuilds {
			continue
		}
		rate := g.rate()
		if rate <= threshold {
			continue
		}
		severity := SeverityMedium
		if rate > 0.7 {
			severity = SeverityHigh
		}
		findings = append(findings, store.FailurePattern{
			PatternType:  TypeTimeOfDay,
			Subject:      fmt.Sprintf("%02d:00", h),
			Severity:     severity,
			Confidence:   rate,
			BuildCount:   g.total,
			FailureCount: g.failures,
			Description: fmt.Sprintf("%.0f%% of builds between %02d:00 and %02d:59 fail (%d of %d)",
				rate*100, h, h, g.failures, g.total),
			Recommendation: fmt.Sprintf("Investigate shared infrastructure load or scheduled jobs around %02d:00", h),
		})
	}
	return findings
}

func detectCommitter(builds []store.Build, overall float64) []store.FailurePattern {
	committers := make(map[string]*group)
	var order []string
	for i := range builds {
		name := committerName(&builds[i])
		if name == "" {
			continue
		}
		g := committers[name]
		if g == nil {
			g = &group{}
			committers[name] = g
			order = append(order, name)
		}
		g.total++
		if builds[i].IsFailure() {
			g.failures++
		}
	}

	var findings []store.FailurePattern
	for _, name := range order {
		g := committers[name]
		if g.total < minCommitterBuilds {
			continue
		}
		rate := g.rate()
		if rate <= overall*1.3 {
			continue
		}
		severity := SeverityMedium
		if rate > 0.4 {
			severity = SeverityHigh
		}
		findings = append(findings, store.FailurePattern{
			PatternType:  TypeCommitter,
			Subject:      name,
			Severity:     severity,
			Confidence:   rate,
			BuildCount:   g.total,
			FailureCount: g.failures,
			Description: fmt.Sprintf("Builds by %s fail %.0f%% of the time vs %.0f%% overall (%d of %d)",
				name, rate*100, overall*100, g.failures, g.total),
			Recommendation: fmt.Sprintf("Review recent changes by %s and pair on pre-push checks", name),
		})
	}
	return findings
}

// detectFlaky flags branch/committer combinations whose failure rate sits
// strictly between 30% and 70%, neither reliably green nor reliably broken.
func detectFlaky(builds []store.Build) []store.FailurePattern {
	combos := make(map[string]*group)
	var order []string
	for i := range builds {
		name := committerName(&builds[i])
		if name == "" || builds[i].Branch == "" {
			continue
		}
		key := builds[i].Branch + "/" + name
		g := combos[key]
		if g == nil {
			g = &group{}
			combos[key] = g
			order = append(order, key)
		}
		g.total++
		if builds[i].IsFailure() {
			g.failures++
		}
	}

	var findings []store.FailurePattern
	for _, key := range order {
		g := combos[key]
		if g.total < minFlakyBuilds {
			continue
		}
		rate := g.rate()
		if rate <= 0.3 || rate >= 0.7 {
			continue
		}
		findings = append(findings, store.FailurePattern{
			PatternType:  TypeFlaky,
			Subject:      key,
			Severity:     SeverityMedium,
			Confidence:   rate,
			BuildCount:   g.total,
			FailureCount: g.failures,
			Description: fmt.Sprintf("%s oscillates between pass and fail (%.0f%% failure rate over %d builds)",
				key, rate*100, g.total),
			Recommendation: "Look for test-order dependence, timing assumptions, or shared state in this branch's tests",
		})
	}
	return findings
}

func committerName(b *store.Build) string {
	if b.Committer == nil {
		return ""
	}
	name := strings.TrimSpace(*b.Committer)
	if name == "" || strings.EqualFold(name, "unknown") {
		return ""
	}
	return name
}
