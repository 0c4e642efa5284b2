package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoOpRecorder_NeverPanics(t *testing.T) {
	var r Recorder = NoOpRecorder{}
	ctx := context.Background()
	assert.NotPanics(t, func() {
		r.RecordSelection(ctx, "health_score_winner")
		r.RecordOpportunity(ctx, "cred-1")
		r.RecordExclusion(ctx, "cred-1", "excluded_circuit_open")
		r.RecordPoolState(ctx, "HEALTHY")
		r.RecordModelInFlight(ctx, "model-1", 2)
		r.RecordHealthScore(ctx, 87.5)
		r.RecordModelDowngrade(ctx, "heavy", "medium")
	})
}

func TestOTelRecorder_InstrumentsAreCachedAndReused(t *testing.T) {
	rec := NewOTelRecorder("poolctl-test")
	ctx := context.Background()

	assert.NotPanics(t, func() {
		rec.RecordSelection(ctx, "last_available")
		rec.RecordSelection(ctx, "last_available")
		rec.RecordOpportunity(ctx, "cred-a")
		rec.RecordExclusion(ctx, "cred-a", "excluded_rate_limited")
		rec.RecordPoolState(ctx, "DEGRADED")
		rec.RecordModelInFlight(ctx, "model-x", 3)
		rec.RecordHealthScore(ctx, 42.0)
		rec.RecordModelDowngrade(ctx, "heavy", "medium")
	})

	assert.Len(t, rec.inst.counters, 4)
	assert.Len(t, rec.inst.gauges, 2)
	assert.Len(t, rec.inst.histograms, 1)
}
