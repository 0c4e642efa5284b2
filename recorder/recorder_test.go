package recorder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoerce(t *testing.T) {
	assert.Equal(t, ReasonLastAvailable, Coerce(ReasonLastAvailable))
	assert.Equal(t, ReasonUnknown, Coerce(ReasonCode("made_up_reason")))
}

func TestRecorder_RecordAssignsSequence(t *testing.T) {
	r := New(10)
	d1 := r.Record(Decision{SelectedKeyID: "a", Reason: ReasonLastAvailable})
	d2 := r.Record(Decision{SelectedKeyID: "a", Reason: ReasonLastAvailable})
	assert.Equal(t, uint64(1), d1.Sequence)
	assert.Equal(t, uint64(2), d2.Sequence)
}

func TestRecorder_CoercesUnknownReasons(t *testing.T) {
	r := New(10)
	d := r.Record(Decision{
		SelectedKeyID: "a",
		Reason:        ReasonCode("bogus"),
		Excluded:      []Exclusion{{CredentialID: "b", Reason: ReasonCode("also_bogus")}},
	})
	assert.Equal(t, ReasonUnknown, d.Reason)
	why := r.GetWhyNotStats()
	assert.Equal(t, int64(1), why["b"][ReasonUnknown])
}

func TestRecorder_BoundedCapacity(t *testing.T) {
	r := New(3)
	for i := 0; i < 10; i++ {
		r.Record(Decision{SelectedKeyID: "a"})
	}
	decisions := r.GetRecentDecisions(0)
	require.Len(t, decisions, 3)
	// oldest dropped first: sequence numbers should be the last three
	assert.Equal(t, uint64(8), decisions[0].Sequence)
	assert.Equal(t, uint64(10), decisions[2].Sequence)
}

func TestRecorder_GetRecentDecisionsN(t *testing.T) {
	r := New(10)
	for i := 0; i < 5; i++ {
		r.Record(Decision{SelectedKeyID: "a"})
	}
	assert.Len(t, r.GetRecentDecisions(2), 2)
	assert.Len(t, r.GetRecentDecisions(100), 5)
}

func TestRecorder_ReasonDistribution(t *testing.T) {
	r := New(10)
	r.Record(Decision{Reason: ReasonLastAvailable})
	r.Record(Decision{Reason: ReasonLastAvailable})
	r.Record(Decision{Reason: ReasonRoundRobinTurn})
	dist := r.GetReasonDistribution()
	assert.Equal(t, int64(2), dist[ReasonLastAvailable])
	assert.Equal(t, int64(1), dist[ReasonRoundRobinTurn])
}

func TestRecorder_Reset(t *testing.T) {
	r := New(10)
	r.Record(Decision{SelectedKeyID: "a"})
	r.RecordOpportunity("b")
	r.Reset()

	fresh := New(10)
	assert.Equal(t, fresh.GetStats(), r.GetStats())
	assert.Empty(t, r.GetRecentDecisions(0))
}

func TestFairness_SingleKeyIsPerfect(t *testing.T) {
	r := New(10)
	for i := 0; i < 5; i++ {
		r.Record(Decision{SelectedKeyID: "only"})
	}
	f := r.GetFairnessMetrics()
	assert.Equal(t, 100.0, f.Aggregate)
	require.Len(t, f.PerKey, 1)
	assert.Equal(t, 100.0, f.PerKey[0].Share)
}

func TestFairness_EquallySplitIsHigh(t *testing.T) {
	r := New(100)
	for i := 0; i < 50; i++ {
		r.Record(Decision{SelectedKeyID: "a"})
		r.Record(Decision{SelectedKeyID: "b"})
	}
	f := r.GetFairnessMetrics()
	assert.InDelta(t, 100.0, f.Aggregate, 0.01)
}

func TestFairness_SkewedIsLow(t *testing.T) {
	r := New(200)
	for i := 0; i < 95; i++ {
		r.Record(Decision{SelectedKeyID: "a"})
	}
	for i := 0; i < 5; i++ {
		r.Record(Decision{SelectedKeyID: "b"})
	}
	f := r.GetFairnessMetrics()
	assert.Less(t, f.Aggregate, 50.0)
}
