// Package recorder implements the decision recorder from spec.md §4.6:
// a bounded append-only audit trail of selection decisions plus the
// per-credential counters that drive fairness telemetry.
package recorder

// ReasonCode is a selection or exclusion reason, drawn from a closed
// enum (spec.md §6.3) to keep telemetry label cardinality bounded.
type ReasonCode string

const (
	ReasonHealthScoreWinner       ReasonCode = "health_score_winner"
	ReasonRoundRobinTurn          ReasonCode = "round_robin_turn"
	ReasonLastAvailable           ReasonCode = "last_available"
	ReasonWeightedRandom          ReasonCode = "weighted_random"
	ReasonCircuitRecovery         ReasonCode = "circuit_recovery"
	ReasonRateLimitRotated        ReasonCode = "rate_limit_rotated"
	ReasonSlowKeyAvoided          ReasonCode = "slow_key_avoided"
	ReasonForcedFallback          ReasonCode = "forced_fallback"
	ReasonLeastLoaded             ReasonCode = "least_loaded"
	ReasonFairnessBoost           ReasonCode = "fairness_boost"
	ReasonExcludedCircuitOpen     ReasonCode = "excluded_circuit_open"
	ReasonExcludedRateLimited     ReasonCode = "excluded_rate_limited"
	ReasonExcludedAtMaxConcurrency ReasonCode = "excluded_at_max_concurrency"
	ReasonExcludedSlowQuarantine  ReasonCode = "excluded_slow_quarantine"
	ReasonExcludedExplicitly      ReasonCode = "excluded_explicitly"
	ReasonExcludedTokenExhausted  ReasonCode = "excluded_token_exhausted"

	// ReasonUnknown is the sentinel any out-of-enum value is coerced
	// to at the snapshot/telemetry boundary (spec.md §3.2 invariant 7).
	ReasonUnknown ReasonCode = "unknown"
)

var validReasons = map[ReasonCode]struct{}{
	ReasonHealthScoreWinner:        {},
	ReasonRoundRobinTurn:           {},
	ReasonLastAvailable:            {},
	ReasonWeightedRandom:           {},
	ReasonCircuitRecovery:          {},
	ReasonRateLimitRotated:         {},
	ReasonSlowKeyAvoided:           {},
	ReasonForcedFallback:           {},
	ReasonLeastLoaded:              {},
	ReasonFairnessBoost:            {},
	ReasonExcludedCircuitOpen:      {},
	ReasonExcludedRateLimited:      {},
	ReasonExcludedAtMaxConcurrency: {},
	ReasonExcludedSlowQuarantine:   {},
	ReasonExcludedExplicitly:       {},
	ReasonExcludedTokenExhausted:   {},
}

// Coerce returns r if it belongs to the closed enum, otherwise
// ReasonUnknown.
func Coerce(r ReasonCode) ReasonCode {
	if _, ok := validReasons[r]; ok {
		return r
	}
	return ReasonUnknown
}
