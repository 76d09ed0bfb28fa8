// Package predict estimates the success probability of a pipeline's next
// build from weighted historical factors. The output is an explainable
// heuristic, not a trained model.
package predict

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"buildpulse/internal/store"
)

// Confidence buckets assigned by available sample size.
const (
	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"
)

const (
	minBuilds       = 5
	recentSample    = 20
	subgroupSample  = 10
	minSubgroup     = 3
	neutralScore    = 70
	floorProbability = 5
	ceilProbability  = 95
)

// Factor weights. They sum to 1.
const (
	weightBase      = 0.30
	weightTimeOfDay = 0.25
	weightCommitter = 0.20
	weightTrend     = 0.15
	weightBranch    = 0.10
)

// Prediction is the probability estimate for the next build.
type Prediction struct {
	Probability float64            `json:"probability"`
	Confidence  string             `json:"confidence"`
	Reasoning   string             `json:"reasoning"`
	Factors     map[string]float64 `json:"factors,omitempty"`
}

// Predict estimates the next-build success probability from build history
// and optional committer/branch context. Below five builds it returns the
// fixed neutral prediction. The result is always within [5,95].
func Predict(builds []store.Build, committer, branch string, now time.Time) Prediction {
	if len(builds) < minBuilds {
		return Prediction{
			Probability: 50,
			Confidence:  ConfidenceLow,
			Reasoning:   "insufficient historical data",
		}
	}

	ordered := sortByTimeDesc(builds, now)
	recent := ordered
	if len(recent) > recentSample {
		recent = recent[:recentSample]
	}

	base := successScore(recent)
	timeOfDay := timeFactor(recent, now)
	committerScore := committerFactor(ordered, committer)
	trend := trendFactor(ordered)
	branchScore := branchFactor(ordered, branch)

	probability := weightBase*base +
		weightTimeOfDay*timeOfDay +
		weightCommitter*committerScore +
		weightTrend*trend +
		weightBranch*branchScore
	probability = clamp(probability, floorProbability, ceilProbability)
	probability = math.Round(probability*10) / 10

	factors := map[string]float64{
		"base_rate":   base,
		"time_of_day": timeOfDay,
		"committer":   committerScore,
		"trend":       trend,
		"branch":      branchScore,
	}

	return Prediction{
		Probability: probability,
		Confidence:  confidenceFor(len(builds)),
		Reasoning:   buildReasoning(factors, committer, branch),
		Factors:     factors,
	}
}

func sortByTimeDesc(builds []store.Build, now time.Time) []store.Build {
	ordered := make([]store.Build, len(builds))
	copy(ordered, builds)
	sort.SliceStable(ordered, func(i, j int) bool {
		ti, _ := ordered[i].EffectiveTimestamp(now)
		tj, _ := ordered[j].EffectiveTimestamp(now)
		return ti.After(tj)
	})
	return ordered
}

// successScore is the percentage of successes in the sample.
func successScore(builds []store.Build) float64 {
	if len(builds) == 0 {
		return neutralScore
	}
	successes := 0
	for i := range builds {
		if builds[i].IsSuccess() {
			successes++
		}
	}
	return float64(successes) / float64(len(builds)) * 100
}

func timeFactor(recent []store.Build, now time.Time) float64 {
	hour := now.UTC().Hour()
	var sample []store.Build
	for i := range recent {
		ts, ok := recent[i].EffectiveTimestamp(now)
		if !ok || ts.UTC().Hour() != hour {
			continue
		}
		sample = append(sample, recent[i])
		if len(sample) == subgroupSample {
			break
		}
	}
	if len(sample) < minSubgroup {
		return neutralScore
	}
	return successScore(sample)
}

func committerFactor(ordered []store.Build, committer string) float64 {
	if committer == "" {
		return neutralScore
	}
	var sample []store.Build
	for i := range ordered {
		if ordered[i].Committer == nil || !strings.EqualFold(*ordered[i].Committer, committer) {
			continue
		}
		sample = append(sample, ordered[i])
		if len(sample) == subgroupSample {
			break
		}
	}
	if len(sample) < minSubgroup {
		return neutralScore
	}
	return successScore(sample)
}

// trendFactor compares the most recent five builds against the five
// before them, scaling the success-rate delta onto a [20,100] score.
func trendFactor(ordered []store.Build) float64 {
	if len(ordered) < 10 {
		return neutralScore
	}
	recentRate := successScore(ordered[:5])
	previousRate := successScore(ordered[5:10])
	delta := recentRate - previousRate
	return clamp(neutralScore+delta*0.5, 20, 100)
}

func branchFactor(ordered []store.Build, branch string) float64 {
	if branch == "" {
		return neutralScore
	}
	var sample []store.Build
	for i := range ordered {
		if !strings.EqualFold(ordered[i].Branch, branch) {
			continue
		}
		sample = append(sample, ordered[i])
		if len(sample) == subgroupSample {
			break
		}
	}
	if len(sample) < minSubgroup {
		// New branches inherit a prior from their name: mainline
		// branches are usually kept green.
		if strings.EqualFold(branch, "main") || strings.EqualFold(branch, "master") {
			return 80
		}
		return 60
	}
	return successScore(sample)
}

func confidenceFor(samples int) string {
	switch {
	case samples < 10:
		return ConfidenceLow
	case samples < 25:
		return ConfidenceMedium
	default:
		return ConfidenceHigh
	}
}

// buildReasoning names the factors that deviate notably from neutral
// (above 80 or below 50), falling back to a generic statement.
func buildReasoning(factors map[string]float64, committer, branch string) string {
	var parts []string

	describe := func(score float64, positive, negative string) {
		if score > 80 {
			parts = append(parts, positive)
		} else if score < 50 {
			parts = append(parts, negative)
		}
	}

	describe(factors["base_rate"],
		"strong overall success history",
		"weak overall success history")
	describe(factors["time_of_day"],
		"builds at this hour usually succeed",
		"builds at this hour often fail")
	if committer != "" {
		describe(factors["committer"],
			fmt.Sprintf("%s has a strong recent track record", committer),
			fmt.Sprintf("%s has an elevated recent failure rate", committer))
	}
	describe(factors["trend"],
		"recent builds are trending up",
		"recent builds are trending down")
	if branch != "" {
		describe(factors["branch"],
			fmt.Sprintf("branch %s has been reliable", branch),
			fmt.Sprintf("branch %s has been failing often", branch))
	}

	if len(parts) == 0 {
		return "history does not point strongly in either direction"
	}
	return strings.Join(parts, "; ")
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
