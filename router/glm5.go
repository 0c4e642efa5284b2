package router

import "sync/atomic"

// GLM5Stats exposes the staged heavy-tier preference rollout counters
// (spec.md §4.4): eligible, applied, and shadow are tracked separately
// so operators can compare what *would* have happened against what
// actually did while preferencePercent is 0.
type GLM5Stats struct {
	Eligible uint64
	Applied  uint64
	Shadow   uint64
}

// GLM5Stats returns the current staged-rollout counters.
func (r *Router) GLM5Stats() GLM5Stats {
	return GLM5Stats{
		Eligible: atomic.LoadUint64(&r.glm5EligibleCount),
		Applied:  atomic.LoadUint64(&r.glm5AppliedCount),
		Shadow:   atomic.LoadUint64(&r.glm5ShadowCount),
	}
}

// applyGLM5Preference biases a heavy-tier candidate set toward the
// configured preferred model with probability preferencePercent. When
// disabled it still records eligibility/shadow counters so the
// would-have-preferred rate is observable before enabling (spec.md
// §4.4 "shadow mode").
func (r *Router) applyGLM5Preference(tier Tier, candidates []*Model) []*Model {
	if tier != TierHeavy || r.cfg.GLM5.PreferredModelID == "" {
		return candidates
	}

	var preferred *Model
	for _, m := range candidates {
		if m.ID() == r.cfg.GLM5.PreferredModelID {
			preferred = m
			break
		}
	}
	if preferred == nil {
		return candidates
	}

	atomic.AddUint64(&r.glm5EligibleCount, 1)
	if !r.cfg.GLM5.Enabled {
		atomic.AddUint64(&r.glm5ShadowCount, 1)
		return candidates
	}
	if randFloat() < r.cfg.GLM5.PreferencePercent {
		atomic.AddUint64(&r.glm5AppliedCount, 1)
		return []*Model{preferred}
	}
	atomic.AddUint64(&r.glm5ShadowCount, 1)
	return candidates
}
