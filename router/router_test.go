package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/poolctl/config"
)

func newTestRouter(t *testing.T, mutate func(*config.Config)) *Router {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Tiers = config.TiersConfig{
		Light:  config.TierDefinition{Strategy: "balanced"},
		Medium: config.TierDefinition{Strategy: "throughput"},
		Heavy:  config.TierDefinition{Strategy: "quality"},
	}
	if mutate != nil {
		mutate(cfg)
	}
	return NewRouter(cfg,
		[]TierModelSpec{{ID: "light-1", MaxConcurrency: 2}},
		[]TierModelSpec{{ID: "medium-1", MaxConcurrency: 2}, {ID: "medium-2", MaxConcurrency: 2}},
		[]TierModelSpec{{ID: "heavy-1", MaxConcurrency: 1}},
	)
}

func TestSelectModel_DefaultTierIsLight(t *testing.T) {
	r := newTestRouter(t, nil)
	m, info := r.SelectModel("", RequestFeatures{}, "")
	require.NotNil(t, m)
	assert.Equal(t, TierLight, info.Tier)
	assert.Equal(t, "light-1", m.ID())
}

func TestSelectModel_ToolsForcesHeavyTier(t *testing.T) {
	r := newTestRouter(t, nil)
	m, info := r.SelectModel("", RequestFeatures{HasTools: true}, "")
	require.NotNil(t, m)
	assert.Equal(t, TierHeavy, info.Tier)
	assert.Equal(t, "heavy-1", m.ID())
}

func TestSelectModel_ExplicitOverrideWins(t *testing.T) {
	r := newTestRouter(t, nil)
	_, info := r.SelectModel(TierMedium, RequestFeatures{HasTools: true}, TierLight)
	assert.Equal(t, TierMedium, info.Tier)
}

func TestSelectModel_DowngradesWhenTierExhausted(t *testing.T) {
	r := newTestRouter(t, nil)
	m, _ := r.SelectModel(TierHeavy, RequestFeatures{}, "")
	require.NotNil(t, m)
	// heavy-1 has maxConcurrency 1 and is now reserved; next heavy request downgrades
	m2, info2 := r.SelectModel(TierHeavy, RequestFeatures{}, "")
	require.NotNil(t, m2)
	assert.True(t, info2.Downgraded)
	assert.Equal(t, TierMedium, info2.Tier)
	assert.Equal(t, "failover", info2.Source)
}

func TestSelectModel_ThroughputPicksMaxFreeConcurrency(t *testing.T) {
	r := newTestRouter(t, nil)
	medium1 := r.lookup("medium-1")
	medium1.reserve()
	medium1.reserve()

	m, info := r.SelectModel(TierMedium, RequestFeatures{}, "")
	require.NotNil(t, m)
	assert.Equal(t, "medium-2", m.ID())
	assert.Equal(t, "throughput", info.Reason)
}

func TestRecordModelCooldown_ExcludesFromSelection(t *testing.T) {
	r := newTestRouter(t, nil)
	r.RecordModelCooldown("light-1")
	_, info := r.SelectModel(TierLight, RequestFeatures{}, "")
	assert.Equal(t, "all_models_cooling_down", info.Reason)
}

func TestRecordModelOutcome_429FeedsCooldownAndPenalty(t *testing.T) {
	r := newTestRouter(t, nil)
	m := r.lookup("light-1")
	m.reserve()
	r.RecordModelOutcome("light-1", false, true)

	assert.False(t, m.available(time.Now()))
	assert.Greater(t, m.penalty(time.Now(), r.penaltyWindow), 0.0)
}

func TestGLM5_ShadowModeCountsWithoutApplying(t *testing.T) {
	r := newTestRouter(t, func(c *config.Config) {
		c.GLM5 = config.GLM5Config{Enabled: false, PreferredModelID: "heavy-1", PreferencePercent: 0}
	})
	_, _ = r.SelectModel(TierHeavy, RequestFeatures{}, "")
	stats := r.GLM5Stats()
	assert.Equal(t, uint64(1), stats.Eligible)
	assert.Equal(t, uint64(1), stats.Shadow)
	assert.Equal(t, uint64(0), stats.Applied)
}

func TestDetermineTier_PriorityOrder(t *testing.T) {
	assert.Equal(t, TierMedium, determineTier(TierMedium, RequestFeatures{HasTools: true}, TierHeavy))
	assert.Equal(t, TierHeavy, determineTier("", RequestFeatures{HasTools: true}, TierLight))
	assert.Equal(t, TierMedium, determineTier("", RequestFeatures{}, TierMedium))
	assert.Equal(t, TierLight, determineTier("", RequestFeatures{}, ""))
}
