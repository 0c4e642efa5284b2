// Package telemetry exposes the counters, gauges, and histogram the
// control plane publishes (spec.md §6.3): selections, opportunities,
// and exclusions by reason, pool state, per-model in-flight, and the
// health-score distribution. Label cardinality is bounded by the
// closed reason-code enum and the number of credentials/models.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recorder is the narrow interface control.Pool depends on,
// so tests can swap in a no-op implementation without touching OTel.
type Recorder interface {
	RecordSelection(ctx context.Context, reason string)
	RecordOpportunity(ctx context.Context, credentialID string)
	RecordExclusion(ctx context.Context, credentialID, reason string)
	RecordPoolState(ctx context.Context, state string)
	RecordModelInFlight(ctx context.Context, modelID string, count int64)
	RecordHealthScore(ctx context.Context, score float64)
	RecordModelDowngrade(ctx context.Context, fromTier, toTier string)
}

// instruments caches OTel metric instruments lazily, mirroring the
// double-checked-lock pattern of a cached instrument registry: each
// instrument is created once and reused across recordings.
type instruments struct {
	meter      metric.Meter
	mu         sync.RWMutex
	counters   map[string]metric.Int64Counter
	gauges     map[string]metric.Int64UpDownCounter
	histograms map[string]metric.Float64Histogram
}

// OTelRecorder implements Recorder against an OpenTelemetry meter.
type OTelRecorder struct {
	inst *instruments
}

// NewOTelRecorder builds a Recorder that publishes through the global
// OTel meter provider under meterName (normally the service name).
func NewOTelRecorder(meterName string) *OTelRecorder {
	return &OTelRecorder{inst: &instruments{
		meter:      otel.Meter(meterName),
		counters:   make(map[string]metric.Int64Counter),
		gauges:     make(map[string]metric.Int64UpDownCounter),
		histograms: make(map[string]metric.Float64Histogram),
	}}
}

func (i *instruments) counter(name string) (metric.Int64Counter, error) {
	i.mu.RLock()
	c, ok := i.counters[name]
	i.mu.RUnlock()
	if ok {
		return c, nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if c, ok = i.counters[name]; ok {
		return c, nil
	}
	c, err := i.meter.Int64Counter(name)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create counter %s: %w", name, err)
	}
	i.counters[name] = c
	return c, nil
}

func (i *instruments) gauge(name string) (metric.Int64UpDownCounter, error) {
	i.mu.RLock()
	g, ok := i.gauges[name]
	i.mu.RUnlock()
	if ok {
		return g, nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if g, ok = i.gauges[name]; ok {
		return g, nil
	}
	g, err := i.meter.Int64UpDownCounter(name)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create gauge %s: %w", name, err)
	}
	i.gauges[name] = g
	return g, nil
}

func (i *instruments) histogram(name string) (metric.Float64Histogram, error) {
	i.mu.RLock()
	h, ok := i.histograms[name]
	i.mu.RUnlock()
	if ok {
		return h, nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if h, ok = i.histograms[name]; ok {
		return h, nil
	}
	h, err := i.meter.Float64Histogram(name)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create histogram %s: %w", name, err)
	}
	i.histograms[name] = h
	return h, nil
}

// RecordSelection increments pool_selections_total{reason}.
func (o *OTelRecorder) RecordSelection(ctx context.Context, reason string) {
	c, err := o.inst.counter("pool_selections_total")
	if err != nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordOpportunity increments pool_opportunities_total{keyId}.
func (o *OTelRecorder) RecordOpportunity(ctx context.Context, credentialID string) {
	c, err := o.inst.counter("pool_opportunities_total")
	if err != nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("keyId", credentialID)))
}

// RecordExclusion increments pool_exclusions_total{keyId,reason}.
func (o *OTelRecorder) RecordExclusion(ctx context.Context, credentialID, reason string) {
	c, err := o.inst.counter("pool_exclusions_total")
	if err != nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(
		attribute.String("keyId", credentialID),
		attribute.String("reason", reason),
	))
}

// RecordPoolState publishes the current pool state as a gauge, one per
// state value so dashboards can sum across the enum.
func (o *OTelRecorder) RecordPoolState(ctx context.Context, state string) {
	g, err := o.inst.gauge("pool_state")
	if err != nil {
		return
	}
	g.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordModelInFlight publishes the current in-flight count for a
// model.
func (o *OTelRecorder) RecordModelInFlight(ctx context.Context, modelID string, count int64) {
	g, err := o.inst.gauge("pool_model_in_flight")
	if err != nil {
		return
	}
	g.Add(ctx, count, metric.WithAttributes(attribute.String("modelId", modelID)))
}

// RecordHealthScore records a sample into the health-score histogram.
func (o *OTelRecorder) RecordHealthScore(ctx context.Context, score float64) {
	h, err := o.inst.histogram("pool_health_score")
	if err != nil {
		return
	}
	h.Record(ctx, score)
}

// RecordModelDowngrade increments pool_model_downgrades_total{fromTier,toTier}.
func (o *OTelRecorder) RecordModelDowngrade(ctx context.Context, fromTier, toTier string) {
	c, err := o.inst.counter("pool_model_downgrades_total")
	if err != nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(
		attribute.String("fromTier", fromTier),
		attribute.String("toTier", toTier),
	))
}

// NoOpRecorder discards everything; used in tests and by callers that
// have not wired a meter provider.
type NoOpRecorder struct{}

func (NoOpRecorder) RecordSelection(context.Context, string)             {}
func (NoOpRecorder) RecordOpportunity(context.Context, string)           {}
func (NoOpRecorder) RecordExclusion(context.Context, string, string)     {}
func (NoOpRecorder) RecordPoolState(context.Context, string)             {}
func (NoOpRecorder) RecordModelInFlight(context.Context, string, int64)  {}
func (NoOpRecorder) RecordHealthScore(context.Context, float64)          {}
func (NoOpRecorder) RecordModelDowngrade(context.Context, string, string) {}
