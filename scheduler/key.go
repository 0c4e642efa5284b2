// Package scheduler implements the credential scheduler from spec.md
// §4.3 (component E): arena-style storage for the credential pool, the
// exclusion/selection algorithm, quarantine, and pool-state derivation.
package scheduler

import (
	"sync"
	"time"

	"github.com/flowforge/poolctl/breaker"
	"github.com/flowforge/poolctl/ratelimit"
	"github.com/flowforge/poolctl/ringbuffer"
)

const (
	latencySampleCapacity = 100
	recentFailureCapacity = 32
)

// Key is one credential, owned exclusively by the Pool that created
// it (spec.md §3.1). All mutable fields are guarded by mu; the
// breaker and cooldown own their own locking and are safe to call
// without holding mu.
type Key struct {
	mu sync.Mutex

	id      string
	index   int // dense 0..N-1
	secret  []byte

	inFlight int
	total    int64
	success  int64
	lastUsed time.Time

	cooldown *ratelimit.CredentialCooldown
	bucket   *ratelimit.TokenBucket

	quarantined      bool
	quarantineStart  time.Time
	quarantineReason string
	lastProbeAt      time.Time

	breaker     *breaker.Breaker
	latency     *ringbuffer.IntBuffer
	recentFails *ringbuffer.Buffer[time.Time]

	excludedExplicitly bool
}

// newKey constructs a Key at dense index idx, wiring its own breaker,
// cooldown, token bucket, and latency buffer.
func newKey(idx int, id string, secret []byte, brkCfg breaker.Config, cooldownBaseMs, cooldownCapMs int64, ratePerMinute float64) *Key {
	return &Key{
		id:          id,
		index:       idx,
		secret:      secret,
		cooldown:    ratelimit.NewCredentialCooldown(cooldownBaseMs, cooldownCapMs),
		bucket:      ratelimit.NewTokenBucket(ratePerMinute),
		breaker:     breaker.New(brkCfg),
		latency:     ringbuffer.NewInt(latencySampleCapacity),
		recentFails: ringbuffer.New[time.Time](recentFailureCapacity),
	}
}

// ID returns the credential's stable identifier.
func (k *Key) ID() string { return k.id }

// Index returns the credential's dense index in its owning Pool.
func (k *Key) Index() int { return k.index }

// DisplayPrefix returns the first 8 characters of the id, or the whole
// id if shorter, for safe logging.
func (k *Key) DisplayPrefix() string {
	if len(k.id) <= 8 {
		return k.id
	}
	return k.id[:8]
}

// Secret returns the opaque credential secret, passed unchanged to the
// dispatcher. The core never inspects or logs it.
func (k *Key) Secret() []byte { return k.secret }

// InFlight returns the current in-flight count.
func (k *Key) InFlight() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.inFlight
}

// acquire increments in-flight and records a use timestamp. Called
// only by the Pool at selection time, inside the Pool's bookkeeping.
func (k *Key) acquire(now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.inFlight++
	k.total++
	k.lastUsed = now
}

// release decrements in-flight. Invariant: never below zero (spec.md
// §3.2 invariant 1); a caller that double-releases indicates a bug in
// the dispatcher, not a recoverable condition here, so we clamp rather
// than go negative and corrupt later selection math.
func (k *Key) release() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.inFlight > 0 {
		k.inFlight--
	}
}

func (k *Key) recordSuccessLocked(latencyMs int) {
	k.success++
	k.latency.Append(latencyMs)
}

// recordOutcome feeds a call result into the key's counters, breaker,
// recent-failure window, and latency samples. cancelled outcomes behave
// like benign failures: they do not feed the breaker (spec.md §5). A
// 429 triggers this credential's own rate-limit cooldown independently
// of the breaker/success bookkeeping (spec.md §4.5).
func (k *Key) recordOutcome(success, cancelled, is429 bool, latencyMs int) {
	k.mu.Lock()
	if success {
		k.recordSuccessLocked(latencyMs)
	}
	k.mu.Unlock()

	if is429 {
		k.cooldown.Trigger()
	}

	switch {
	case cancelled:
		return
	case success:
		k.breaker.RecordSuccess()
	default:
		if !is429 {
			k.breaker.RecordFailure()
		}
		k.recentFails.Append(time.Now())
	}
}

// SuccessRate returns success/total, or 1.0 if no requests have been
// made yet (spec.md §4.3.1 successScore rule).
func (k *Key) SuccessRate() float64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.total == 0 {
		return 1
	}
	return float64(k.success) / float64(k.total)
}

func (k *Key) msSinceLastUse(now time.Time) int64 {
	k.mu.Lock()
	last := k.lastUsed
	k.mu.Unlock()
	if last.IsZero() {
		return 1 << 40 // effectively "never used"
	}
	return now.Sub(last).Milliseconds()
}

// Quarantine flags the key as persistently slow. While quarantined it
// is excluded from selection except for a probe once every
// quarantineProbeInterval (spec.md §4.3.4).
func (k *Key) Quarantine(reason string, now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.quarantined = true
	k.quarantineStart = now
	k.quarantineReason = reason
	k.lastProbeAt = now
}

// Release clears quarantine manually.
func (k *Key) Release() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.quarantined = false
}

func (k *Key) quarantineSnapshot() (quarantined bool, start time.Time, reason string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.quarantined, k.quarantineStart, k.quarantineReason
}

// quarantineExpired reports whether a quarantined key's window has
// naturally elapsed.
func (k *Key) quarantineExpired(now time.Time, duration time.Duration) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.quarantined {
		return false
	}
	if now.Sub(k.quarantineStart) >= duration {
		k.quarantined = false
		return true
	}
	return false
}

// tryClaimQuarantineProbe atomically claims the single quarantine
// probe slot, allowed once every interval.
func (k *Key) tryClaimQuarantineProbe(now time.Time, interval time.Duration) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.quarantined {
		return false
	}
	if now.Sub(k.lastProbeAt) < interval {
		return false
	}
	k.lastProbeAt = now
	return true
}

// SetExcluded marks or clears the explicit-exclusion flag (spec.md
// §4.3 step 1, the highest-priority exclusion reason).
func (k *Key) SetExcluded(excluded bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.excludedExplicitly = excluded
}

func (k *Key) isExplicitlyExcluded() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.excludedExplicitly
}

// IsExplicitlyExcluded reports whether the dispatcher has flagged this
// credential excluded (spec.md §4.7 snapshot consumer surface).
func (k *Key) IsExplicitlyExcluded() bool { return k.isExplicitlyExcluded() }

// BreakerState returns the credential's circuit-breaker state.
func (k *Key) BreakerState() breaker.State { return k.breaker.State() }

// IsQuarantined reports whether the credential is currently
// quarantined as persistently slow.
func (k *Key) IsQuarantined() bool {
	quarantined, _, _ := k.quarantineSnapshot()
	return quarantined
}

// CooldownActive reports whether the credential's rate-limit cooldown
// is currently active.
func (k *Key) CooldownActive() bool { return k.cooldown.Active() }

// BucketAllows reports whether the credential's token bucket currently
// has capacity, without consuming a token.
func (k *Key) BucketAllows() bool {
	allowed, _ := k.bucket.Peek()
	return allowed
}

// LatencyP50 returns the credential's observed median latency in
// milliseconds, or false if too few samples have been recorded yet.
func (k *Key) LatencyP50() (int, bool) {
	p := k.latency.Percentiles()
	if !p.OK {
		return 0, false
	}
	return p.P50, true
}

// RecentFailures reports the number of failures recorded against this
// credential within window, as of now (spec.md §4.3.1 errorScore:
// "recentFailuresIn60s"). Sweeps failures older than window first.
func (k *Key) RecentFailures(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	k.recentFails.DropBefore(func(t time.Time) bool { return !t.Before(cutoff) })
	return k.recentFails.Size()
}
