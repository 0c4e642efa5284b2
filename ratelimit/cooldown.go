package ratelimit

import (
	"math"
	"sync"
	"time"
)

// CredentialCooldown tracks the per-credential rate-limit cooldown set
// on an upstream 429 against that specific credential (spec.md §4.5).
// It is the "stronger signal" relative to the token bucket: when both
// could exclude a credential, the caller should report the cooldown
// reason and not also count a token-bucket exclusion (spec.md §9 open
// question).
type CredentialCooldown struct {
	mu       sync.Mutex
	baseMs   int64
	capMs    int64
	start    time.Time
	durMs    int64
	streak   int
	now      func() time.Time
}

// NewCredentialCooldown creates a cooldown tracker with the given base
// and cap backoff in milliseconds.
func NewCredentialCooldown(baseMs, capMs int64) *CredentialCooldown {
	if baseMs <= 0 {
		baseMs = 1000
	}
	if capMs <= 0 {
		capMs = 60000
	}
	return &CredentialCooldown{baseMs: baseMs, capMs: capMs, now: time.Now}
}

// Trigger records a 429 against this credential: rateLimitedAt := now,
// duration = min(capMs, baseMs * 2^streak), streak++.
func (c *CredentialCooldown) Trigger() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.start = c.now()
	c.durMs = backoffMs(c.baseMs, c.capMs, c.streak)
	c.streak++
}

// Active reports whether the cooldown has not yet elapsed.
func (c *CredentialCooldown) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.start.IsZero() {
		return false
	}
	return c.now().Sub(c.start) < time.Duration(c.durMs)*time.Millisecond
}

// RemainingMs returns milliseconds left in the cooldown, 0 if elapsed.
func (c *CredentialCooldown) RemainingMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.start.IsZero() {
		return 0
	}
	remaining := time.Duration(c.durMs)*time.Millisecond - c.now().Sub(c.start)
	if remaining < 0 {
		return 0
	}
	return remaining.Milliseconds()
}

// Reset clears the streak, e.g. after a sustained run of successes.
func (c *CredentialCooldown) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streak = 0
	c.start = time.Time{}
	c.durMs = 0
}

func backoffMs(baseMs, capMs int64, streak int) int64 {
	v := float64(baseMs) * math.Pow(2, float64(streak))
	if v > float64(capMs) {
		return capMs
	}
	return int64(v)
}
