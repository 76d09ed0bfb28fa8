// Package queue turns queue-tracker state and recent queue history into a
// snapshot with a short-horizon depth projection.
package queue

import (
	"time"

	"buildpulse/internal/store"
)

// Trend labels assigned by comparing the fitted slope to the deadband.
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

// Bottleneck classifications, first matching rule wins.
const (
	BottleneckHighDepth   = "high queue depth"
	BottleneckLongWaits   = "long wait times"
	BottleneckAtCapacity  = "system at capacity"
	BottleneckOutpacing   = "queue growing faster than processing"
	BottleneckNone        = "operating normally"
)

const (
	// slopeDeadband is the |slope| below which the trend reads stable.
	slopeDeadband = 0.1
	// samplesAhead converts the 30-minute horizon into samples at the
	// 5-minute snapshot cadence.
	samplesAhead = 6
	// movingWindow caps the moving-average window.
	movingWindow = 5
	// minHistory is the sample count below which no trend is fitted.
	minHistory = 3
)

// Sample is one historical queue depth observation.
type Sample struct {
	Depth int
	At    time.Time
}

// Inputs carries everything Forecast needs, gathered by the caller.
type Inputs struct {
	QueuedCount    int
	RunningCount   int
	AvgWaitSeconds float64
	History        []Sample // oldest first
	Now            time.Time
}

// Forecast produces a queue snapshot for one pipeline. With fewer than
// three historical samples the projection falls back to the current depth
// with a stable trend.
func Forecast(pipelineID int64, in Inputs) store.QueueSnapshot {
	snap := store.QueueSnapshot{
		PipelineID:     pipelineID,
		CalculatedAt:   in.Now,
		QueuedCount:    in.QueuedCount,
		RunningCount:   in.RunningCount,
		AvgWaitSeconds: in.AvgWaitSeconds,
		Trend:          TrendStable,
		Predicted30Min: float64(in.QueuedCount),
	}

	if len(in.History) >= minHistory {
		ma := movingAverage(in.History)
		slope := fitSlope(in.History)

		predicted := ma + slope*samplesAhead
		if predicted < 0 {
			predicted = 0
		}
		snap.Predicted30Min = predicted
		snap.Slope = slope

		switch {
		case slope > slopeDeadband:
			snap.Trend = TrendIncreasing
		case slope < -slopeDeadband:
			snap.Trend = TrendDecreasing
		}
	}

	snap.PeakDepth = in.QueuedCount
	peakAt := in.Now
	for _, s := range in.History {
		if s.Depth > snap.PeakDepth {
			snap.PeakDepth = s.Depth
			peakAt = s.At
		}
	}
	snap.PeakAt = &peakAt

	snap.Bottleneck = classifyBottleneck(in.QueuedCount, in.RunningCount, in.AvgWaitSeconds)
	return snap
}

func movingAverage(history []Sample) float64 {
	window := movingWindow
	if len(history) < window {
		window = len(history)
	}
	sum := 0.0
	for _, s := range history[len(history)-window:] {
		sum += float64(s.Depth)
	}
	return sum / float64(window)
}

// fitSlope runs an ordinary-least-squares fit of depth against sample
// index across the whole series.
func fitSlope(history []Sample) float64 {
	n := float64(len(history))
	var sumX, sumY, sumXY, sumXX float64
	for i, s := range history {
		x := float64(i)
		y := float64(s.Depth)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

func classifyBottleneck(depth, running int, avgWait float64) string {
	switch {
	case depth > 10:
		return BottleneckHighDepth
	case avgWait > 300:
		return BottleneckLongWaits
	case running > 5 && depth > 5:
		return BottleneckAtCapacity
	case running > 0 && depth > 2*running:
		return BottleneckOutpacing
	default:
		return BottleneckNone
	}
}
