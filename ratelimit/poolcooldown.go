package ratelimit

import (
	"math/rand"
	"sync"
	"time"
)

// PoolCooldownConfig tunes the pool-wide cooldown controller (spec.md
// §4.5, §6.1 `poolCooldown.*`).
type PoolCooldownConfig struct {
	SleepThresholdMs int64 // window within which distinct-credential 429s are counted
	RetryJitterMs    int64
	MaxCooldownMs    int64
	BaseMs           int64
	CapMs            int64
	DecayMs          int64

	// DistinctCredentialThreshold is how many different credentials
	// must 429 within SleepThresholdMs to activate the pool cooldown.
	// Not individually enumerated in spec.md's config table (which
	// lists only timing knobs); defaulted here per the component's
	// own judgment, consistent with the worked example in spec.md §8
	// scenario 6 (4 distinct credentials all 429 together).
	DistinctCredentialThreshold int

	Jitter func(maxMs int64) int64 // overridable in tests
}

func (c PoolCooldownConfig) withDefaults() PoolCooldownConfig {
	if c.SleepThresholdMs <= 0 {
		c.SleepThresholdMs = 250
	}
	if c.RetryJitterMs <= 0 {
		c.RetryJitterMs = 200
	}
	if c.MaxCooldownMs <= 0 {
		c.MaxCooldownMs = 5000
	}
	if c.BaseMs <= 0 {
		c.BaseMs = 500
	}
	if c.CapMs <= 0 {
		c.CapMs = 5000
	}
	if c.DecayMs <= 0 {
		c.DecayMs = 10000
	}
	if c.DistinctCredentialThreshold <= 0 {
		c.DistinctCredentialThreshold = 3
	}
	if c.Jitter == nil {
		c.Jitter = func(maxMs int64) int64 {
			if maxMs <= 0 {
				return 0
			}
			return rand.Int63n(maxMs + 1)
		}
	}
	return c
}

type hit struct {
	credentialID string
	at           time.Time
}

// PoolCooldown is the process-wide 429 backoff controller. It either
// permits all traffic or enforces a single global sleep window; it
// never splits traffic within a window (spec.md §3.2 invariant 6).
type PoolCooldown struct {
	mu         sync.Mutex
	cfg        PoolCooldownConfig
	hits       []hit
	pool429s   int64
	streak     int
	sleepUntil time.Time
	lastHitAt  time.Time
	now        func() time.Time
}

// NewPoolCooldown creates a controller with the given config.
func NewPoolCooldown(cfg PoolCooldownConfig) *PoolCooldown {
	return &PoolCooldown{cfg: cfg.withDefaults(), now: time.Now}
}

// Record429 reports a 429 from the given credential. Returns the sleep
// duration the dispatcher should wait if this triggers/extends the
// pool cooldown, or 0 if traffic is still permitted.
func (p *PoolCooldown) Record429(credentialID string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.pool429s++
	p.lastHitAt = now
	p.hits = append(p.hits, hit{credentialID: credentialID, at: now})
	p.sweepLocked(now)

	if p.distinctCredentialsLocked() < p.cfg.DistinctCredentialThreshold {
		return 0
	}

	sleepMs := backoffMs(p.cfg.BaseMs, p.cfg.MaxCooldownMs, p.streak)
	sleepMs += p.cfg.Jitter(p.cfg.RetryJitterMs)
	p.streak++
	p.sleepUntil = now.Add(time.Duration(sleepMs) * time.Millisecond)
	return time.Duration(sleepMs) * time.Millisecond
}

func (p *PoolCooldown) sweepLocked(now time.Time) {
	cutoff := now.Add(-time.Duration(p.cfg.SleepThresholdMs) * time.Millisecond)
	kept := p.hits[:0]
	for _, h := range p.hits {
		if !h.at.Before(cutoff) {
			kept = append(kept, h)
		}
	}
	p.hits = kept
}

func (p *PoolCooldown) distinctCredentialsLocked() int {
	seen := make(map[string]struct{}, len(p.hits))
	for _, h := range p.hits {
		seen[h.credentialID] = struct{}{}
	}
	return len(seen)
}

// Stats is the read-only snapshot spec.md §4.5 exposes.
type Stats struct {
	InCooldown          bool
	CooldownRemainingMs int64
	Pool429Count        int64
	Streak              int
}

// State returns the current cooldown stats, decaying the streak if
// DecayMs has elapsed with no further 429s.
func (p *PoolCooldown) State() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.streak > 0 && !p.lastHitAt.IsZero() &&
		now.Sub(p.lastHitAt) >= time.Duration(p.cfg.DecayMs)*time.Millisecond {
		p.streak = 0
	}

	remaining := p.sleepUntil.Sub(now)
	inCooldown := remaining > 0
	remMs := int64(0)
	if inCooldown {
		remMs = remaining.Milliseconds()
	}
	return Stats{
		InCooldown:          inCooldown,
		CooldownRemainingMs: remMs,
		Pool429Count:        p.pool429s,
		Streak:              p.streak,
	}
}
