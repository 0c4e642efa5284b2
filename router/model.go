// Package router implements the model router and model pool from
// spec.md §4.4 (component F): tiered candidate selection, per-model
// cooldowns, the pool-429 penalty, and the staged heavy-tier
// preference rollout.
package router

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowforge/poolctl/config"
)

// Tier is one of the three model tiers.
type Tier string

const (
	TierLight  Tier = "light"
	TierMedium Tier = "medium"
	TierHeavy  Tier = "heavy"
)

func (t Tier) downgrade() (Tier, bool) {
	switch t {
	case TierHeavy:
		return TierMedium, true
	case TierMedium:
		return TierLight, true
	default:
		return "", false
	}
}

// Model is one model pool entry (spec.md §3.1). InFlight is an atomic
// counter (spec.md §5 "Model-pool per-model in-flight counters are
// atomic integers"); everything else is guarded by mu.
type Model struct {
	mu sync.Mutex

	id             string
	tier           Tier
	maxConcurrency int

	inFlight int64 // atomic

	cooldownUntil      time.Time
	consecutiveFailures int
	continuousSuccessSince time.Time

	penaltyHits  float64
	penaltyAt    time.Time
}

func newModel(id string, tier Tier, maxConcurrency int) *Model {
	return &Model{id: id, tier: tier, maxConcurrency: maxConcurrency}
}

// ID returns the model's identifier.
func (m *Model) ID() string { return m.id }

// Tier returns the model's configured tier.
func (m *Model) Tier() Tier { return m.tier }

// InFlightCount returns the current in-flight count.
func (m *Model) InFlightCount() int64 { return atomic.LoadInt64(&m.inFlight) }

// MaxConcurrency returns the model's configured concurrency cap.
func (m *Model) MaxConcurrency() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxConcurrency
}

// Available reports whether the model could currently accept a
// request: not cooling down and under its concurrency cap.
func (m *Model) Available(now time.Time) bool { return m.available(now) }

func (m *Model) reserve() { atomic.AddInt64(&m.inFlight, 1) }

// Release decrements the model's in-flight counter, clamped at zero.
func (m *Model) Release() {
	for {
		cur := atomic.LoadInt64(&m.inFlight)
		if cur <= 0 {
			return
		}
		if atomic.CompareAndSwapInt64(&m.inFlight, cur, cur-1) {
			return
		}
	}
}

func (m *Model) available(now time.Time) bool {
	m.mu.Lock()
	cooling := now.Before(m.cooldownUntil)
	m.mu.Unlock()
	return !cooling && m.InFlightCount() < int64(m.maxConcurrency)
}

// RecordCooldown applies an upstream failure/429 against this model:
// duration = min(maxMs, baseMs*2^consecutiveFailures) plus jitter in
// [-retryJitterMs, +retryJitterMs] (spec.md §4.4).
func (m *Model) RecordCooldown(now time.Time, cfg config.ModelCooldownConfig, jitter func(time.Duration) time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	backoff := float64(cfg.DefaultMs) * pow2(m.consecutiveFailures)
	if backoff > float64(cfg.MaxMs) {
		backoff = float64(cfg.MaxMs)
	}
	dur := time.Duration(backoff)
	if jitter != nil {
		dur += jitter(dur)
	}
	if dur < 0 {
		dur = 0
	}
	m.cooldownUntil = now.Add(dur)
	m.consecutiveFailures++
	m.continuousSuccessSince = time.Time{}
}

func pow2(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 2
	}
	return v
}

// RecordOutcome records a call result. A success run sustained for
// cfg.DecayMs decays the cooldown streak back to zero.
func (m *Model) RecordOutcome(now time.Time, success bool, cfg config.ModelCooldownConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !success {
		return
	}
	if m.continuousSuccessSince.IsZero() {
		m.continuousSuccessSince = now
	}
	if now.Sub(m.continuousSuccessSince) >= cfg.DecayMs {
		m.consecutiveFailures = 0
		m.cooldownUntil = time.Time{}
	}
}

// RecordPool429 bumps the decaying 429 penalty hit count.
func (m *Model) RecordPool429(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decayPenaltyLocked(now)
	m.penaltyHits++
	m.penaltyAt = now
}

// penalty returns the current decayed 429 penalty. The decay curve is
// linear toward zero over window (spec.md §9 open question: curve
// left to the implementer, fixed here as linear for predictability).
func (m *Model) penalty(now time.Time, window time.Duration) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decayPenaltyLockedWindow(now, window)
}

func (m *Model) decayPenaltyLocked(now time.Time) {
	m.penaltyHits = m.decayPenaltyLockedWindow(now, 120*time.Second)
}

// decayPenaltyLockedWindow returns penaltyHits decayed linearly from
// the last hit (penaltyAt) to now. It does not modify m.
func (m *Model) decayPenaltyLockedWindow(now time.Time, window time.Duration) float64 {
	if m.penaltyHits <= 0 || m.penaltyAt.IsZero() || window <= 0 {
		return m.penaltyHits
	}
	elapsed := now.Sub(m.penaltyAt)
	if elapsed <= 0 {
		return m.penaltyHits
	}
	decayed := m.penaltyHits * (1 - float64(elapsed)/float64(window))
	if decayed < 0 {
		decayed = 0
	}
	return decayed
}

func randFloat() float64 { return rand.Float64() }
