package scheduler

import (
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/flowforge/poolctl/breaker"
	"github.com/flowforge/poolctl/config"
	"github.com/flowforge/poolctl/logging"
	"github.com/flowforge/poolctl/recorder"
)

// recentFailureWindow is the lookback window for the errorScore health
// component (spec.md §4.3.1 "recentFailuresIn60s").
const recentFailureWindow = 60 * time.Second

// SelectionContext is returned from SelectKey alongside the chosen
// key (or nil). It carries everything a caller needs to build a
// recorder.Decision.
type SelectionContext struct {
	Reason    recorder.ReasonCode
	Excluded  []recorder.Exclusion
	PoolState PoolState
	Score     HealthScore
	RequestID string
	Attempt   int
}

// Pool owns the dense arena of credentials plus the shared recorder
// (spec.md §9: arena-style storage, no owning cycles). One Pool is
// created per configured credential set and is safe for concurrent use
// from many goroutines.
type Pool struct {
	mu   sync.RWMutex
	keys []*Key

	cfg      *config.Config
	rec      *recorder.Recorder
	logger   logging.Logger
	rrCursor uint64

	scoreCache   map[string]cachedScore
	scoreCacheMu sync.Mutex
}

type cachedScore struct {
	score     HealthScore
	expiresAt time.Time
}

// NewPool constructs a Pool from an ordered list of credential
// {id, secret} pairs (spec.md §6.2 credential loader contract).
func NewPool(cfg *config.Config, rec *recorder.Recorder, logger logging.Logger, credentials []Credential) *Pool {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	p := &Pool{
		cfg:        cfg,
		rec:        rec,
		logger:     logger,
		scoreCache: make(map[string]cachedScore),
	}
	brkCfg := breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		FailureWindow:    cfg.Breaker.FailureWindow,
		CooldownPeriod:   cfg.Breaker.CooldownPeriod,
		HalfOpenTimeout:  cfg.Breaker.HalfOpenTimeout,
		Logger:           logger,
	}
	for i, c := range credentials {
		p.keys = append(p.keys, newKey(i, c.ID, c.Secret, brkCfg,
			cfg.PoolCooldown.BaseMs.Milliseconds(), cfg.PoolCooldown.CapMs.Milliseconds(),
			float64(cfg.RateLimitPerMinute)))
	}
	return p
}

// Credential is the loader-supplied {id, secret} pair (spec.md §6.2).
type Credential struct {
	ID     string
	Secret []byte
}

// Keys returns the pool's credentials in dense index order. Callers
// must not mutate the returned slice's backing array layout (indices
// are load-bearing), but may call Key methods freely.
func (p *Pool) Keys() []*Key {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Key, len(p.keys))
	copy(out, p.keys)
	return out
}

// KeyByID looks up a credential by its stable id, for callers (e.g.
// control.Pool) that receive only the id back from a dispatcher per
// spec.md §6.2's recordOutcome(credentialId, modelId, result) contract.
func (p *Pool) KeyByID(id string) (*Key, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, k := range p.keys {
		if k.ID() == id {
			return k, true
		}
	}
	return nil, false
}

// Release decrements a key's in-flight counter without recording an
// outcome. RecordOutcome also releases, so call exactly one of the two
// once per successful SelectKey (spec.md §5 ordering guarantees).
func (p *Pool) Release(k *Key) {
	k.release()
}

// RecordOutcome feeds a call result back into the credential (spec.md
// §4 recordOutcome contract). cancelled outcomes are benign: they
// release in-flight but never touch the breaker. is429 triggers this
// credential's own rate-limit cooldown (spec.md §4.5), independent of
// the breaker/success bookkeeping that success and cancelled drive.
func (p *Pool) RecordOutcome(k *Key, success, cancelled, is429 bool, latencyMs int) {
	defer k.release()
	k.recordOutcome(success, cancelled, is429, latencyMs)
}

// SelectKey implements the algorithm in spec.md §4.3. It never panics
// observably: a panic inside a strategy is recovered and the pool
// degrades to round-robin over the surviving candidates (spec.md §4.3
// "Failure semantics").
func (p *Pool) SelectKey(excludeIDs map[string]bool, requestID string, attempt int) (*Key, SelectionContext) {
	chosen, ctx := p.selectKey(excludeIDs, time.Now())
	ctx.RequestID = requestID
	ctx.Attempt = attempt
	return chosen, ctx
}

func (p *Pool) selectKey(excludeIDs map[string]bool, now time.Time) (*Key, SelectionContext) {
	keys := p.Keys()

	if len(keys) == 0 {
		return nil, SelectionContext{Reason: recorder.ReasonExcludedExplicitly, PoolState: PoolCritical}
	}

	excluded := make([]recorder.Exclusion, 0, len(keys))
	var available []*Key
	rateLimited := false
	for _, k := range keys {
		if reason, excludedNow := p.exclusionReason(k, excludeIDs, now); excludedNow {
			excluded = append(excluded, recorder.Exclusion{CredentialID: k.ID(), Reason: reason})
			rateLimited = rateLimited || reason == recorder.ReasonExcludedRateLimited
			p.rec.RecordOpportunity(k.ID()) // still tracked so whyNot + fairness see it
			continue
		}
		available = append(available, k)
	}

	poolState := p.poolStateLocked(keys, available, now)

	if len(available) == 0 {
		return p.handleNoAvailableKeys(keys, excludeIDs, now, poolState, excluded)
	}

	chosen, ctx := p.selectFromAvailable(available, now, poolState, rateLimited)
	ctx.Excluded = append(excluded, ctx.Excluded...)
	return chosen, ctx
}

// exclusionReason implements the priority order of spec.md §4.3 step
// 1: explicit > circuit open > at max concurrency > quarantined > rate
// cooldown not elapsed > token bucket empty. The cooldown is checked
// before the token bucket so the two never double-count the same
// exclusion event (spec.md §9 open question): if the cooldown is
// active that is the reported reason, and the bucket is not consulted.
func (p *Pool) exclusionReason(k *Key, excludeIDs map[string]bool, now time.Time) (recorder.ReasonCode, bool) {
	if excludeIDs[k.ID()] || k.isExplicitlyExcluded() {
		return recorder.ReasonExcludedExplicitly, true
	}
	if k.breaker.State() == breaker.StateOpen {
		return recorder.ReasonExcludedCircuitOpen, true
	}
	if k.InFlight() >= p.cfg.MaxConcurrencyPerKey {
		return recorder.ReasonExcludedAtMaxConcurrency, true
	}
	quarantined, _, _ := k.quarantineSnapshot()
	if quarantined {
		k.quarantineExpired(now, p.cfg.Quarantine.SlowKeyQuarantineDurationMs)
		quarantined, _, _ = k.quarantineSnapshot()
		if quarantined && !k.tryClaimQuarantineProbe(now, p.cfg.Quarantine.QuarantineProbeInterval) {
			return recorder.ReasonExcludedSlowQuarantine, true
		}
	}
	if k.cooldown.Active() {
		return recorder.ReasonExcludedRateLimited, true
	}
	if allowed, _ := k.bucket.Peek(); !allowed {
		return recorder.ReasonExcludedTokenExhausted, true
	}
	return "", false
}

// selectFromAvailable implements spec.md §4.3 steps 3-6. rateLimited
// reports that some credential was excluded for an active rate-limit
// cooldown before the available set was built.
func (p *Pool) selectFromAvailable(available []*Key, now time.Time, poolState PoolState, rateLimited bool) (*Key, SelectionContext) {
	closed := filterByBreakerState(available, breaker.StateClosed)
	pool := closed
	if len(pool) == 0 {
		pool = available
	}

	pool = filterByCapacity(pool, p.cfg.MaxConcurrencyPerKey)
	if len(pool) == 0 {
		return nil, SelectionContext{Reason: recorder.ReasonExcludedAtMaxConcurrency, PoolState: poolState}
	}

	notCoolingDown := filterNotInCooldown(pool)
	rotated := rateLimited || (len(notCoolingDown) > 0 && len(notCoolingDown) < len(pool))
	if len(notCoolingDown) > 0 {
		pool = notCoolingDown
	}

	for _, k := range pool {
		p.rec.RecordOpportunity(k.ID())
	}

	if len(pool) == 1 {
		k := pool[0]
		k.acquire(now)
		return k, SelectionContext{Reason: recorder.ReasonLastAvailable, PoolState: poolState}
	}

	k, reason, score := p.runStrategy(pool, now)
	if rotated {
		reason = recorder.ReasonRateLimitRotated
	}
	k.acquire(now)
	return k, SelectionContext{Reason: reason, PoolState: poolState, Score: score}
}

// runStrategy recovers from any panic inside the configured strategy
// and degrades to round-robin over pool (spec.md §4.3 failure
// semantics).
func (p *Pool) runStrategy(pool []*Key, now time.Time) (k *Key, reason recorder.ReasonCode, score HealthScore) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("selection strategy panicked, degrading to round robin", map[string]interface{}{
				"panic": r,
				"stack": string(debug.Stack()),
			})
			k, reason = p.roundRobin(pool), recorder.ReasonRoundRobinTurn
		}
	}()

	if !p.cfg.UseWeightedSelection {
		return p.roundRobin(pool), recorder.ReasonRoundRobinTurn, HealthScore{}
	}
	return p.weightedSelect(pool, now)
}

func (p *Pool) roundRobin(pool []*Key) *Key {
	p.mu.Lock()
	idx := p.rrCursor % uint64(len(pool))
	p.rrCursor++
	p.mu.Unlock()
	return pool[idx]
}

// weightedSelect implements spec.md §4.3.1: compute a health score per
// candidate, draw one by weighted random with weight =
// max(1, score^2/100), and label the reason. In strict fairness mode a
// candidate whose last use exceeds the starvation threshold is forced
// into selection ahead of the weighted draw (spec.md §4.3.2: "a
// starved candidate must be selected regardless of weighted draw").
func (p *Pool) weightedSelect(pool []*Key, now time.Time) (*Key, recorder.ReasonCode, HealthScore) {
	if p.cfg.Fairness.Mode == "strict" {
		if starved := p.mostStarved(pool, now); starved != nil {
			poolAvg := p.poolAverageLatency(pool)
			score := p.scoredCandidate(starved, poolAvg, p.fairnessBoost(starved, now), now)
			return starved, recorder.ReasonFairnessBoost, score
		}
	}

	poolAvg := p.poolAverageLatency(pool)
	scores := make([]HealthScore, len(pool))
	weights := make([]float64, len(pool))
	topIdx := 0

	for i, k := range pool {
		boost := p.fairnessBoost(k, now)
		scores[i] = p.scoredCandidate(k, poolAvg, boost, now)
		weights[i] = scores[i].Total * scores[i].Total / 100
		if weights[i] < 1 {
			weights[i] = 1
		}
		if scores[i].Total > scores[topIdx].Total {
			topIdx = i
		}
	}

	chosenIdx := weightedPick(weights)
	if chosenIdx < 0 {
		chosenIdx = topIdx
	}

	reason := recorder.ReasonWeightedRandom
	if chosenIdx == topIdx {
		reason = recorder.ReasonHealthScoreWinner
	}
	if scores[chosenIdx].FairnessBoost > 0 {
		reason = recorder.ReasonFairnessBoost
	}
	return pool[chosenIdx], reason, scores[chosenIdx]
}

// mostStarved returns the candidate with the longest time since last
// use, if it exceeds the starvation threshold, or nil if none do.
// Ties favor the first candidate found (pool order is arbitrary).
func (p *Pool) mostStarved(pool []*Key, now time.Time) *Key {
	thresholdMs := p.cfg.Fairness.StarvationThreshold.Milliseconds()
	if thresholdMs <= 0 {
		return nil
	}
	var oldest *Key
	var oldestMs int64
	for _, k := range pool {
		ms := k.msSinceLastUse(now)
		if ms > thresholdMs && ms > oldestMs {
			oldest = k
			oldestMs = ms
		}
	}
	return oldest
}

func weightedPick(weights []float64) int {
	var total float64
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return -1
	}
	r := rand.Float64() * total
	var cum float64
	for i, w := range weights {
		cum += w
		if r < cum {
			return i
		}
	}
	return -1
}

func (p *Pool) scoredCandidate(k *Key, poolAvg float64, fairnessBoost float64, now time.Time) HealthScore {
	if cached, ok := p.cachedScore(k.ID(), now); ok {
		cached.FairnessBoost = fairnessBoost
		return cached
	}
	score := computeHealthScore(k, p.cfg.HealthScoreWeights, now, poolAvg, fairnessBoost, k.RecentFailures(now, recentFailureWindow))
	p.storeScoreCache(k.ID(), score, now)
	return score
}

func (p *Pool) cachedScore(id string, now time.Time) (HealthScore, bool) {
	p.scoreCacheMu.Lock()
	defer p.scoreCacheMu.Unlock()
	c, ok := p.scoreCache[id]
	if !ok || now.After(c.expiresAt) {
		return HealthScore{}, false
	}
	return c.score, true
}

func (p *Pool) storeScoreCache(id string, score HealthScore, now time.Time) {
	p.scoreCacheMu.Lock()
	defer p.scoreCacheMu.Unlock()
	p.scoreCache[id] = cachedScore{score: score, expiresAt: now.Add(p.cfg.ScoreCacheTTL)}
}

func (p *Pool) poolAverageLatency(pool []*Key) float64 {
	var sum float64
	var n int
	for _, k := range pool {
		if avg := k.latency.Average(); avg > 0 {
			sum += avg
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// fairnessBoost implements spec.md §4.3.2.
func (p *Pool) fairnessBoost(k *Key, now time.Time) float64 {
	mode := p.cfg.Fairness.Mode
	if mode == "none" {
		return 0
	}
	stats := p.rec.GetStats()
	n := len(p.Keys())
	if n == 0 {
		return 0
	}
	expected := 100.0 / float64(n)
	total := p.rec.TotalSelections()
	var actual float64
	if total > 0 {
		actual = float64(stats.SelectionCounts[k.ID()]) / float64(total) * 100
	}
	factor := p.cfg.Fairness.BoostFactor

	switch {
	case actual < 0.7*expected:
		return 20 * factor
	case actual < 0.9*expected:
		return 10 * factor
	case k.msSinceLastUse(now) > p.cfg.Fairness.StarvationThreshold.Milliseconds():
		return 25
	default:
		return 0
	}
}

// handleNoAvailableKeys implements spec.md §4.3.3.
func (p *Pool) handleNoAvailableKeys(keys []*Key, excludeIDs map[string]bool, now time.Time, poolState PoolState, excluded []recorder.Exclusion) (*Key, SelectionContext) {
	var oldestOpen *Key
	for _, k := range keys {
		if excludeIDs[k.ID()] || k.isExplicitlyExcluded() {
			continue
		}
		if k.breaker.State() != breaker.StateOpen {
			continue
		}
		if oldestOpen == nil || k.breaker.OpenedAt().Before(oldestOpen.breaker.OpenedAt()) {
			oldestOpen = k
		}
	}
	if oldestOpen != nil {
		oldestOpen.breaker.ForceState(breaker.StateHalfOpen)
		oldestOpen.acquire(now)
		return oldestOpen, SelectionContext{Reason: recorder.ReasonCircuitRecovery, PoolState: poolState, Excluded: excluded}
	}

	allExcluded := true
	for _, k := range keys {
		if !excludeIDs[k.ID()] && !k.isExplicitlyExcluded() {
			allExcluded = false
			break
		}
	}
	if allExcluded {
		return nil, SelectionContext{Reason: recorder.ReasonExcludedExplicitly, PoolState: poolState, Excluded: excluded}
	}

	var best *Key
	for _, k := range keys {
		if excludeIDs[k.ID()] || k.isExplicitlyExcluded() {
			continue
		}
		k.breaker.Reset()
		if k.InFlight() >= p.cfg.MaxConcurrencyPerKey {
			continue
		}
		if best == nil || k.InFlight() < best.InFlight() {
			best = k
		}
	}
	if best == nil {
		return nil, SelectionContext{Reason: recorder.ReasonExcludedAtMaxConcurrency, PoolState: poolState, Excluded: excluded}
	}
	best.acquire(now)
	return best, SelectionContext{Reason: recorder.ReasonForcedFallback, PoolState: poolState, Excluded: excluded}
}

func (p *Pool) poolStateLocked(all, available []*Key, now time.Time) PoolState {
	if len(available) == 0 {
		return computePoolState(0, len(all), 0)
	}
	poolAvg := p.poolAverageLatency(available)
	var sum float64
	for _, k := range available {
		sum += p.scoredCandidate(k, poolAvg, 0, now).Total
	}
	avgHealth := sum / float64(len(available))
	return computePoolState(len(available), len(all), avgHealth)
}

func filterByBreakerState(keys []*Key, state breaker.State) []*Key {
	var out []*Key
	for _, k := range keys {
		if k.breaker.State() == state {
			out = append(out, k)
		}
	}
	return out
}

func filterByCapacity(keys []*Key, maxConcurrency int) []*Key {
	var out []*Key
	for _, k := range keys {
		if k.InFlight() < maxConcurrency {
			out = append(out, k)
		}
	}
	return out
}

func filterNotInCooldown(keys []*Key) []*Key {
	var out []*Key
	for _, k := range keys {
		if !k.cooldown.Active() {
			out = append(out, k)
		}
	}
	return out
}
