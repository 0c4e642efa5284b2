package snapshot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/poolctl/config"
	"github.com/flowforge/poolctl/recorder"
	"github.com/flowforge/poolctl/router"
	"github.com/flowforge/poolctl/scheduler"
)

func newTestPool(t *testing.T, n int) *scheduler.Pool {
	t.Helper()
	cfg := config.DefaultConfig()
	rec := recorder.New(cfg.MaxDecisions)
	creds := make([]scheduler.Credential, n)
	for i := 0; i < n; i++ {
		creds[i] = scheduler.Credential{ID: string(rune('a' + i)), Secret: []byte("s")}
	}
	return scheduler.NewPool(cfg, rec, nil, creds)
}

func TestGetKeySnapshot_AvailableKey(t *testing.T) {
	p := newTestPool(t, 1)
	snap, ok := GetKeySnapshot(p, 0, 3, time.Now())
	require.True(t, ok)
	assert.Equal(t, SchemaVersion, snap.Version)
	assert.Equal(t, "a", snap.KeyID)
	assert.Equal(t, KeyStateAvailable, snap.State)
	assert.Empty(t, snap.ExcludedReason)
	assert.Nil(t, snap.LatencyP50Ms)
}

func TestGetKeySnapshot_OutOfRange(t *testing.T) {
	p := newTestPool(t, 1)
	_, ok := GetKeySnapshot(p, 5, 3, time.Now())
	assert.False(t, ok)
}

func TestGetKeySnapshot_ExcludedExplicitly(t *testing.T) {
	p := newTestPool(t, 1)
	p.Keys()[0].SetExcluded(true)
	snap, ok := GetKeySnapshot(p, 0, 3, time.Now())
	require.True(t, ok)
	assert.Equal(t, KeyStateExcluded, snap.State)
	assert.Equal(t, "excluded_explicitly", snap.ExcludedReason)
}

func TestGetKeySnapshot_AtCapacity(t *testing.T) {
	p := newTestPool(t, 1)
	for i := 0; i < 3; i++ {
		k, _ := p.SelectKey(nil, "req", 0)
		require.NotNil(t, k)
	}
	snap, ok := GetKeySnapshot(p, 0, 3, time.Now())
	require.True(t, ok)
	assert.Equal(t, KeyStateAtCapacity, snap.State)
}

func TestGetAllKeySnapshots_OrderedByIndex(t *testing.T) {
	p := newTestPool(t, 3)
	snaps := GetAllKeySnapshots(p, 3, time.Now())
	require.Len(t, snaps, 3)
	for i, s := range snaps {
		assert.Equal(t, i, s.KeyIndex)
	}
}

func TestGetPoolSnapshotAll(t *testing.T) {
	cfg := config.DefaultConfig()
	r := router.NewRouter(cfg,
		[]router.TierModelSpec{{ID: "light-1", MaxConcurrency: 2}}, nil, nil)
	snap := GetPoolSnapshotAll(r, time.Now())
	require.Len(t, snap.Models, 1)
	assert.Equal(t, "light-1", snap.Models[0].ModelID)
	assert.Equal(t, "light", snap.Models[0].Tier)
	assert.True(t, snap.Models[0].IsAvailable)
}

func TestValidateKeySnapshot_RejectsVersionMismatch(t *testing.T) {
	snap := KeySnapshot{Version: "2.0", KeyID: "a", State: KeyStateAvailable}
	err := ValidateKeySnapshot(snap)
	assert.Error(t, err)
}

func TestValidateKeySnapshot_RejectsMissingRequiredField(t *testing.T) {
	snap := KeySnapshot{Version: "1.0", State: KeyStateAvailable}
	err := ValidateKeySnapshot(snap)
	assert.Error(t, err)
}

func TestValidateKeySnapshot_AcceptsWellFormed(t *testing.T) {
	snap := KeySnapshot{Version: "1.0", KeyID: "a", State: KeyStateAvailable}
	assert.NoError(t, ValidateKeySnapshot(snap))
}

func TestValidatePoolSnapshot_RejectsInvalidTier(t *testing.T) {
	snap := PoolSnapshot{Version: "1.0", Models: []ModelSnapshot{{ModelID: "m", Tier: "bogus", MaxConcurrency: 1}}}
	assert.Error(t, ValidatePoolSnapshot(snap))
}

func TestValidatePoolSnapshot_AcceptsWellFormed(t *testing.T) {
	snap := PoolSnapshot{Version: "1.0", Models: []ModelSnapshot{{ModelID: "m", Tier: "heavy", MaxConcurrency: 1}}}
	assert.NoError(t, ValidatePoolSnapshot(snap))
}
