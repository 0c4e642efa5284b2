package scheduler

import (
	"time"

	"github.com/flowforge/poolctl/config"
)

// HealthScore is one candidate's score and the components that
// produced it, attached to decisions for observability (spec.md
// §4.3.1).
type HealthScore struct {
	Total           float64
	LatencyScore    float64
	SuccessScore    float64
	ErrorScore      float64
	FairnessBoost   float64
	RecencyPenalty  float64
	InFlightPenalty float64
}

// computeHealthScore implements the component table in spec.md
// §4.3.1. poolAvgLatency is the pool-wide average p50 latency in ms
// (0 if unknown); fairnessBoost is pre-computed by the fairness
// subsystem (§4.3.2) and passed in so this function stays pure.
func computeHealthScore(k *Key, weights config.HealthScoreWeights, now time.Time, poolAvgLatencyMs float64, fairnessBoost float64, recentFailures60s int) HealthScore {
	hs := HealthScore{FairnessBoost: fairnessBoost}

	hs.LatencyScore = latencyScore(k, weights, poolAvgLatencyMs)
	hs.SuccessScore = successScore(k, weights)
	hs.ErrorScore = errorScore(weights, recentFailures60s)
	hs.RecencyPenalty = recencyPenalty(k, now)
	hs.InFlightPenalty = float64(15 * k.InFlight())

	total := hs.LatencyScore + hs.SuccessScore + hs.ErrorScore + hs.FairnessBoost - hs.RecencyPenalty - hs.InFlightPenalty
	if total < 0 {
		total = 0
	}
	hs.Total = total
	return hs
}

func latencyScore(k *Key, weights config.HealthScoreWeights, poolAvgLatencyMs float64) float64 {
	maxScore := float64(weights.Latency)
	p := k.latency.Percentiles()
	if !p.OK || poolAvgLatencyMs <= 0 {
		return 0
	}

	r := float64(p.P50) / poolAvgLatencyMs
	var score float64
	switch {
	case r < 0.8:
		score = maxScore
	case r < 1.0:
		score = maxScore * (35.0 / 40.0)
	case r < 1.5:
		score = maxScore * (20.0 / 40.0)
	default:
		score = maxScore * (5.0 / 40.0)
	}

	quarantined, _, _ := k.quarantineSnapshot()
	if quarantined {
		score -= maxScore * (20.0 / 40.0)
	}
	if score < 0 {
		score = 0
	}
	return score
}

func successScore(k *Key, weights config.HealthScoreWeights) float64 {
	return roundToNearest(k.SuccessRate() * float64(weights.SuccessRate))
}

func errorScore(weights config.HealthScoreWeights, recentFailures60s int) float64 {
	maxScore := float64(weights.ErrorRecency)
	penalty := (maxScore / 4) * float64(recentFailures60s) // scaled so 4 recent failures zero it out
	score := maxScore - penalty
	if score < 0 {
		score = 0
	}
	return score
}

func recencyPenalty(k *Key, now time.Time) float64 {
	ms := k.msSinceLastUse(now)
	switch {
	case ms < 500:
		return 30
	case ms < 1000:
		return 20
	case ms < 2000:
		return 10
	default:
		return 0
	}
}

func roundToNearest(v float64) float64 {
	if v < 0 {
		return 0
	}
	return float64(int(v + 0.5))
}
