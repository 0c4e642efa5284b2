package router

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowforge/poolctl/config"
)

// RequestFeatures describes the request-level signals used to
// determine tier when no explicit override is given (spec.md §4.4
// step 1).
type RequestFeatures struct {
	HasTools bool
}

// RouteInfo describes how a selection was made. OriginalTier is the
// tier determineTier picked before any downgrade; Tier is where the
// selection actually landed.
type RouteInfo struct {
	Tier         Tier
	OriginalTier Tier
	Source       string // "direct" | "failover"
	Reason       string
	Downgraded   bool
}

// Router owns the tiered model pool (spec.md §4.4). Safe for
// concurrent use.
type Router struct {
	mu     sync.RWMutex
	models map[string]*Model
	tiers  map[Tier][]*Model

	cfg *config.Config

	glm5EligibleCount uint64
	glm5AppliedCount  uint64
	glm5ShadowCount   uint64

	downgradeAppliedCount uint64
	downgradeShadowCount  uint64

	penaltyWindow time.Duration
	jitter        func(time.Duration) time.Duration
}

// TierModelSpec is one candidate model's static metadata, supplied by
// model discovery (spec.md §6.2).
type TierModelSpec struct {
	ID             string
	MaxConcurrency int
}

// NewRouter builds a Router from the configured tier table.
func NewRouter(cfg *config.Config, light, medium, heavy []TierModelSpec) *Router {
	r := &Router{
		models:        make(map[string]*Model),
		tiers:         make(map[Tier][]*Model),
		cfg:           cfg,
		penaltyWindow: 120 * time.Second,
		jitter:        defaultJitter(cfg.PoolCooldown.RetryJitterMs),
	}
	r.loadTier(TierLight, light)
	r.loadTier(TierMedium, medium)
	r.loadTier(TierHeavy, heavy)
	return r
}

func defaultJitter(span time.Duration) func(time.Duration) time.Duration {
	return func(time.Duration) time.Duration {
		if span <= 0 {
			return 0
		}
		return time.Duration((randFloat()*2 - 1) * float64(span))
	}
}

func (r *Router) loadTier(tier Tier, specs []TierModelSpec) {
	for _, s := range specs {
		m := newModel(s.ID, tier, s.MaxConcurrency)
		r.models[s.ID] = m
		r.tiers[tier] = append(r.tiers[tier], m)
	}
}

func (r *Router) tierModels(tier Tier) []*Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Model, len(r.tiers[tier]))
	copy(out, r.tiers[tier])
	return out
}

// determineTier implements spec.md §4.4 step 1: explicit override >
// request features > tierHint > default (light).
func determineTier(override Tier, features RequestFeatures, tierHint Tier) Tier {
	if override != "" {
		return override
	}
	if features.HasTools {
		return TierHeavy
	}
	if tierHint != "" {
		return tierHint
	}
	return TierLight
}

// SelectModel implements spec.md §4.4: tier determination, candidate
// filtering, tier downgrade, per-tier strategy, and slot reservation.
// Whether a downgrade actually takes effect or is only counted is
// governed by cfg.Downgrade.ShadowMode (active vs shadow), the same
// split applyGLM5Preference applies to the heavy-tier rollout.
func (r *Router) SelectModel(override Tier, features RequestFeatures, tierHint Tier) (*Model, RouteInfo) {
	now := time.Now()
	tier := determineTier(override, features, tierHint)
	originalTier := tier
	source := "direct"
	downgraded := false

	for {
		candidates := filterAvailable(r.tierModels(tier), now)
		candidates = r.applyGLM5Preference(tier, candidates)
		if len(candidates) > 0 {
			m, reason := r.applyStrategy(tier, candidates, now)
			m.reserve()
			return m, RouteInfo{Tier: tier, OriginalTier: originalTier, Source: source, Reason: reason, Downgraded: downgraded}
		}
		next, ok := tier.downgrade()
		if !ok {
			return nil, RouteInfo{Tier: tier, OriginalTier: originalTier, Source: source, Reason: "all_models_cooling_down", Downgraded: downgraded}
		}
		if r.cfg.Downgrade.ShadowMode {
			atomic.AddUint64(&r.downgradeShadowCount, 1)
			return nil, RouteInfo{Tier: originalTier, OriginalTier: originalTier, Source: source, Reason: "all_models_cooling_down", Downgraded: false}
		}
		atomic.AddUint64(&r.downgradeAppliedCount, 1)
		tier = next
		source = "failover"
		downgraded = true
	}
}

func filterAvailable(models []*Model, now time.Time) []*Model {
	var out []*Model
	for _, m := range models {
		if m.available(now) {
			out = append(out, m)
		}
	}
	return out
}

// applyStrategy implements spec.md §4.4 step 4's four strategies.
func (r *Router) applyStrategy(tier Tier, candidates []*Model, now time.Time) (*Model, string) {
	strategy := r.strategyFor(tier)
	switch strategy {
	case "throughput":
		return maxFreeConcurrency(candidates), "throughput"
	case "quality":
		return candidates[0], "quality" // explicit ordering as configured
	case "pool":
		return r.weightedByPenalty(candidates, now), "pool"
	default: // "balanced"
		return candidates[int(randFloat()*float64(len(candidates)))%len(candidates)], "balanced"
	}
}

func (r *Router) strategyFor(tier Tier) string {
	switch tier {
	case TierLight:
		return r.cfg.Tiers.Light.Strategy
	case TierMedium:
		return r.cfg.Tiers.Medium.Strategy
	case TierHeavy:
		return r.cfg.Tiers.Heavy.Strategy
	default:
		return "balanced"
	}
}

func maxFreeConcurrency(candidates []*Model) *Model {
	best := candidates[0]
	bestFree := freeConcurrency(best)
	for _, m := range candidates[1:] {
		if f := freeConcurrency(m); f > bestFree {
			best, bestFree = m, f
		}
	}
	return best
}

func freeConcurrency(m *Model) int64 {
	m.mu.Lock()
	max := int64(m.maxConcurrency)
	m.mu.Unlock()
	return max - m.InFlightCount()
}

// weightedByPenalty implements the `pool` strategy: weight inversely
// proportional to the decaying 429 penalty, so models with fewer
// recent 429s are preferred.
func (r *Router) weightedByPenalty(candidates []*Model, now time.Time) *Model {
	weights := make([]float64, len(candidates))
	var total float64
	for i, m := range candidates {
		w := 1.0 / (1.0 + m.penalty(now, r.penaltyWindow))
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return candidates[0]
	}
	target := randFloat() * total
	var cum float64
	for i, w := range weights {
		cum += w
		if target < cum {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

// RecordModelOutcome feeds a call result back into the model's
// cooldown and penalty state and releases its in-flight slot.
func (r *Router) RecordModelOutcome(modelID string, success bool, is429 bool) {
	m := r.lookup(modelID)
	if m == nil {
		return
	}
	defer m.Release()
	now := time.Now()
	if is429 {
		m.RecordPool429(now)
		m.RecordCooldown(now, r.cfg.ModelCooldown, r.jitter)
		return
	}
	if !success {
		m.RecordCooldown(now, r.cfg.ModelCooldown, r.jitter)
		return
	}
	m.RecordOutcome(now, true, r.cfg.ModelCooldown)
}

// RecordModelCooldown applies an explicit cooldown, e.g. from a
// dispatcher-observed 5xx.
func (r *Router) RecordModelCooldown(modelID string) {
	m := r.lookup(modelID)
	if m == nil {
		return
	}
	m.RecordCooldown(time.Now(), r.cfg.ModelCooldown, r.jitter)
}

// ReleaseModel releases a model's in-flight slot without recording an
// outcome (used on dispatcher-side cancellation).
func (r *Router) ReleaseModel(modelID string) {
	if m := r.lookup(modelID); m != nil {
		m.Release()
	}
}

func (r *Router) lookup(modelID string) *Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.models[modelID]
}

// AllModels returns every known model across all tiers, for snapshot
// consumers (spec.md §4.7).
func (r *Router) AllModels() []*Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	return out
}
