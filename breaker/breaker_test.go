package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a mutable now() for driving state transitions without
// real sleeps.
type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time  { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	b := New(cfg)
	clk := &fakeClock{t: time.Unix(0, 0)}
	b.withClock(clk.now)
	return b, clk
}

func TestBreaker_InitialStateClosed(t *testing.T) {
	b, _ := newTestBreaker(Config{})
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.IsAvailable())
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b, clk := newTestBreaker(Config{FailureThreshold: 3, FailureWindow: 30 * time.Second})
	b.RecordFailure()
	clk.advance(time.Second)
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State(), "threshold not yet reached")
	clk.advance(time.Second)
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State(), "tripped on reaching threshold, not before")
}

func TestBreaker_OpenToHalfOpenAfterCooldown(t *testing.T) {
	b, clk := newTestBreaker(Config{FailureThreshold: 1, CooldownPeriod: 10 * time.Second})
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	clk.advance(9 * time.Second)
	assert.Equal(t, StateOpen, b.State())

	clk.advance(2 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	b, clk := newTestBreaker(Config{FailureThreshold: 1, CooldownPeriod: time.Second})
	b.RecordFailure()
	clk.advance(2 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	require.True(t, b.TryAcquireTestRequest())
	assert.False(t, b.IsAvailable(), "no second probe while one is in flight")
	assert.False(t, b.TryAcquireTestRequest())
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b, clk := newTestBreaker(Config{FailureThreshold: 1, CooldownPeriod: time.Second})
	b.RecordFailure()
	clk.advance(2 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())
	require.True(t, b.TryAcquireTestRequest())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(Config{FailureThreshold: 1, CooldownPeriod: time.Second})
	b.RecordFailure()
	clk.advance(2 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())
	require.True(t, b.TryAcquireTestRequest())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_HalfOpenTimeoutRevertsToOpenNotClosed(t *testing.T) {
	b, clk := newTestBreaker(Config{
		FailureThreshold: 1,
		CooldownPeriod:   time.Second,
		HalfOpenTimeout:  5 * time.Second,
	})
	b.RecordFailure()
	clk.advance(2 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	clk.advance(6 * time.Second)
	assert.Equal(t, StateOpen, b.State(), "timeout with no result must revert to OPEN, not CLOSED")
}

func TestBreaker_ForceStateRoundTrip(t *testing.T) {
	for _, s := range []State{StateClosed, StateOpen, StateHalfOpen} {
		b, _ := newTestBreaker(Config{})
		b.ForceState(s)
		assert.Equal(t, s, b.State())
	}
}

func TestBreaker_ForceStateInvalidIgnored(t *testing.T) {
	b, _ := newTestBreaker(Config{})
	b.ForceState(State(99))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_ResetEqualsFresh(t *testing.T) {
	b, clk := newTestBreaker(Config{FailureThreshold: 1})
	b.RecordFailure()
	clk.advance(time.Minute)
	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.OpenedAt().IsZero())
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var transitions [][2]State
	b, _ := newTestBreaker(Config{
		FailureThreshold: 1,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, [2]State{from, to})
		},
	})
	b.RecordFailure()
	require.Len(t, transitions, 1)
	assert.Equal(t, StateClosed, transitions[0][0])
	assert.Equal(t, StateOpen, transitions[0][1])
}

func TestBreaker_PredictTripLikelihoodNoFailures(t *testing.T) {
	b, _ := newTestBreaker(Config{})
	assert.Equal(t, 0, b.PredictTripLikelihood())
}

func TestBreaker_PredictTripLikelihoodRisesWithFailures(t *testing.T) {
	b, clk := newTestBreaker(Config{FailureThreshold: 5, FailureWindow: 30 * time.Second})
	first := b.PredictTripLikelihood()
	b.RecordFailure()
	clk.advance(time.Second)
	b.RecordFailure()
	second := b.PredictTripLikelihood()
	assert.Greater(t, second, first)
}

func TestBreaker_PredictTripLikelihoodOpenIsMax(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1})
	b.RecordFailure()
	assert.Equal(t, 100, b.PredictTripLikelihood())
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1000, FailureWindow: time.Minute})
	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func() {
			for j := 0; j < 50; j++ {
				b.RecordFailure()
				b.RecordSuccess()
				_ = b.State()
				_ = b.IsAvailable()
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}
}
