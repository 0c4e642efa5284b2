package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket_ConsumesAndRefills(t *testing.T) {
	tb := NewTokenBucket(60) // 1 token/sec, capacity 60
	base := time.Unix(0, 0)
	tb.now = func() time.Time { return base }
	tb.lastRefill = base

	for i := 0; i < 60; i++ {
		ok, _ := tb.Check()
		require.True(t, ok, "token %d should be available", i)
	}
	ok, _ := tb.Check()
	assert.False(t, ok, "bucket should be exhausted")

	base = base.Add(2 * time.Second)
	tb.now = func() time.Time { return base }
	ok, remaining := tb.Peek()
	assert.True(t, ok)
	assert.InDelta(t, 2, remaining, 0.01)
}

func TestTokenBucket_PeekDoesNotConsume(t *testing.T) {
	tb := NewTokenBucket(10)
	ok1, r1 := tb.Peek()
	ok2, r2 := tb.Peek()
	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.Equal(t, r1, r2)
}

func TestTokenBucket_Unlimited(t *testing.T) {
	tb := NewTokenBucket(0)
	for i := 0; i < 1000; i++ {
		ok, _ := tb.Check()
		assert.True(t, ok)
	}
}

func TestCredentialCooldown_TriggerAndExpire(t *testing.T) {
	c := NewCredentialCooldown(1000, 60000)
	base := time.Unix(0, 0)
	c.now = func() time.Time { return base }

	assert.False(t, c.Active())
	c.Trigger()
	assert.True(t, c.Active())
	assert.Greater(t, c.RemainingMs(), int64(0))

	base = base.Add(2 * time.Second)
	c.now = func() time.Time { return base }
	assert.False(t, c.Active())
}

func TestCredentialCooldown_BackoffGrowsWithStreak(t *testing.T) {
	c := NewCredentialCooldown(1000, 60000)
	c.Trigger()
	first := c.durMs
	c.Trigger()
	second := c.durMs
	assert.Greater(t, second, first)
}

func TestPoolCooldown_ActivatesOnDistinctCredentials(t *testing.T) {
	pc := NewPoolCooldown(PoolCooldownConfig{
		SleepThresholdMs:            250,
		DistinctCredentialThreshold: 3,
		Jitter:                      func(int64) int64 { return 0 },
	})
	base := time.Unix(0, 0)
	pc.now = func() time.Time { return base }

	assert.Zero(t, pc.Record429("a"))
	assert.Zero(t, pc.Record429("b"))
	d := pc.Record429("c")
	assert.Greater(t, d, time.Duration(0))

	stats := pc.State()
	assert.True(t, stats.InCooldown)
	assert.Equal(t, int64(3), stats.Pool429Count)
	assert.Equal(t, 1, stats.Streak)
}

func TestPoolCooldown_SameCredentialDoesNotDoubleCount(t *testing.T) {
	pc := NewPoolCooldown(PoolCooldownConfig{DistinctCredentialThreshold: 3})
	pc.Record429("a")
	pc.Record429("a")
	pc.Record429("a")
	assert.False(t, pc.State().InCooldown)
}

func TestPoolCooldown_DecaysStreak(t *testing.T) {
	pc := NewPoolCooldown(PoolCooldownConfig{
		DistinctCredentialThreshold: 1,
		DecayMs:                     1000,
		Jitter:                      func(int64) int64 { return 0 },
	})
	base := time.Unix(0, 0)
	pc.now = func() time.Time { return base }
	pc.Record429("a")
	require.Equal(t, 1, pc.State().Streak)

	base = base.Add(2 * time.Second)
	pc.now = func() time.Time { return base }
	assert.Equal(t, 0, pc.State().Streak)
}
