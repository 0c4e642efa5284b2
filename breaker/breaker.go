// Package breaker implements the per-credential circuit breaker state
// machine from spec.md §4.2: CLOSED/OPEN/HALF_OPEN, driven by failure
// density within a sliding window, with a single-probe HALF_OPEN
// admission rule and a read-only trip-likelihood prediction score.
//
// A Breaker is exclusively owned by one credential (spec.md §3.2
// invariant 2): it is the sole writer of its own state.
package breaker

import (
	"sync"
	"time"

	"github.com/flowforge/poolctl/logging"
	"github.com/flowforge/poolctl/ringbuffer"
)

// State is one of CLOSED, OPEN, HALF_OPEN.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes one breaker. Zero values are replaced by the spec.md
// §6.1 defaults in New.
type Config struct {
	FailureThreshold int           // default 5
	FailureWindow    time.Duration // default 30s
	CooldownPeriod   time.Duration // default 60s
	HalfOpenTimeout  time.Duration // default 10s

	// OnStateChange, if set, is invoked after every transition (admin
	// override included). Must not call back into the breaker that
	// invoked it (spec.md §9 "avoid re-entrant callbacks").
	OnStateChange func(from, to State)

	Logger logging.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 5
	}
	if out.FailureWindow <= 0 {
		out.FailureWindow = 30 * time.Second
	}
	if out.CooldownPeriod <= 0 {
		out.CooldownPeriod = 60 * time.Second
	}
	if out.HalfOpenTimeout <= 0 {
		out.HalfOpenTimeout = 10 * time.Second
	}
	if out.Logger == nil {
		out.Logger = logging.NoOpLogger{}
	}
	return out
}

// nowFunc is overridable in tests so the state machine can be driven
// by synthetic clocks rather than real sleeps.
type nowFunc func() time.Time

// Breaker is a single credential's circuit breaker. All public methods
// are infallible and safe for concurrent use; invalid ForceState
// inputs are silently ignored per spec.md §4.2.
type Breaker struct {
	mu     sync.Mutex
	cfg    Config
	now    nowFunc
	state  State
	fails  *ringbuffer.Buffer[time.Time]
	openedAt          time.Time
	halfOpenStartedAt time.Time
	probeInFlight     bool
	probeResolved     bool // true once RecordSuccess/RecordFailure has resolved this HALF_OPEN period
}

// New creates a CLOSED breaker with the given config.
func New(cfg Config) *Breaker {
	c := cfg.withDefaults()
	return &Breaker{
		cfg:   c,
		now:   time.Now,
		state: StateClosed,
		fails: ringbuffer.New[time.Time](maxInt(c.FailureThreshold*4, 16)),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// withClock lets tests inject a deterministic clock.
func (b *Breaker) withClock(fn nowFunc) { b.now = fn }

// State returns the current state, applying any timed transition that
// is due (OPEN -> HALF_OPEN on cooldown elapse, HALF_OPEN -> OPEN on
// probe timeout) before returning.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updateStateLocked()
	return b.state
}

// updateStateLocked applies timed transitions. Caller holds b.mu.
func (b *Breaker) updateStateLocked() {
	now := b.now()
	switch b.state {
	case StateOpen:
		if now.Sub(b.openedAt) >= b.cfg.CooldownPeriod {
			b.transitionLocked(StateHalfOpen)
		}
	case StateHalfOpen:
		// halfOpenTimeout expiry with no resolved probe result reverts
		// to OPEN, never to CLOSED (spec.md §8 boundary behavior).
		if !b.probeResolved && now.Sub(b.halfOpenStartedAt) >= b.cfg.HalfOpenTimeout {
			b.openLocked(now)
		}
	}
}

// RecordSuccess records a successful call against this credential.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.updateStateLocked()
	switch b.state {
	case StateHalfOpen:
		b.probeInFlight = false
		b.probeResolved = true
		b.fails.Reset()
		b.transitionLocked(StateClosed)
	case StateClosed:
		// success in CLOSED state doesn't clear the failure window;
		// only the window's own sweep does that.
	}
}

// RecordFailure records a failed call against this credential.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.updateStateLocked()
	now := b.now()

	switch b.state {
	case StateHalfOpen:
		b.probeInFlight = false
		b.probeResolved = true
		b.openLocked(now)
		return
	case StateOpen:
		return
	}

	b.fails.Append(now)
	b.sweepLocked(now)
	if b.fails.Size() >= b.cfg.FailureThreshold {
		b.openLocked(now)
	}
}

func (b *Breaker) sweepLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.FailureWindow)
	b.fails.DropBefore(func(t time.Time) bool { return !t.Before(cutoff) })
}

func (b *Breaker) openLocked(now time.Time) {
	b.openedAt = now
	b.transitionLocked(StateOpen)
}

// transitionLocked moves to `to`, firing the callback. Caller holds
// b.mu; the callback is invoked with the lock held, so callbacks must
// be cheap and non-reentrant.
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == StateHalfOpen {
		b.halfOpenStartedAt = b.now()
		b.probeInFlight = false
		b.probeResolved = false
	}
	b.cfg.Logger.Debug("circuit breaker state change", map[string]interface{}{
		"from": from.String(),
		"to":   to.String(),
	})
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

// IsAvailable reports whether a request may be dispatched against this
// credential right now: CLOSED, or HALF_OPEN with no probe in flight.
func (b *Breaker) IsAvailable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updateStateLocked()
	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return !b.probeInFlight
	default:
		return false
	}
}

// TryAcquireTestRequest atomically claims the single HALF_OPEN probe
// slot. Returns false if not in HALF_OPEN or a probe is already in
// flight.
func (b *Breaker) TryAcquireTestRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updateStateLocked()
	if b.state != StateHalfOpen || b.probeInFlight {
		return false
	}
	b.probeInFlight = true
	return true
}

// ForceState bypasses the normal transition rules (admin override). An
// invalid state value is silently ignored.
func (b *Breaker) ForceState(s State) {
	if s != StateClosed && s != StateOpen && s != StateHalfOpen {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if s == StateOpen {
		b.openedAt = now
	}
	b.transitionLocked(s)
	if s == StateClosed {
		b.fails.Reset()
	}
}

// OpenedAt returns the timestamp of the most recent OPEN transition.
// Used by the scheduler's no-available-keys fallback to pick the
// oldest-opened circuit.
func (b *Breaker) OpenedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedAt
}

// Reset restores the breaker to a freshly-constructed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.fails.Reset()
	b.openedAt = time.Time{}
	b.halfOpenStartedAt = time.Time{}
	b.probeInFlight = false
	b.probeResolved = false
}
