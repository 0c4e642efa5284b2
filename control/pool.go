// Package control wires the scheduler, router, recorder, and
// pool-cooldown packages into the single struct a dispatcher holds
// (spec.md §6.1 "external interfaces" expansion): SelectCredential,
// SelectModel, RecordOutcome, Snapshot, Close. It plays the wiring role
// an agent framework's top-level runtime struct plays for an HTTP
// service, but for the credential/model pool instead.
package control

import (
	"context"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/poolctl/config"
	"github.com/flowforge/poolctl/ctlerrors"
	"github.com/flowforge/poolctl/logging"
	"github.com/flowforge/poolctl/ratelimit"
	"github.com/flowforge/poolctl/recorder"
	"github.com/flowforge/poolctl/router"
	"github.com/flowforge/poolctl/scheduler"
	"github.com/flowforge/poolctl/snapshot"
	"github.com/flowforge/poolctl/telemetry"
)

// Outcome is the dispatcher's report of one upstream call (spec.md
// §6.2 recordOutcome(credentialId, modelId, result)).
type Outcome struct {
	Success   bool
	Cancelled bool
	Is429     bool
	LatencyMs int
}

// CredentialSelection is returned from SelectCredential: enough for
// the dispatcher to use the credential and, later, report an outcome
// back by id.
type CredentialSelection struct {
	CredentialID string
	Secret       []byte
	Context      scheduler.SelectionContext
}

// ModelSelection is returned from SelectModel.
type ModelSelection struct {
	ModelID string
	Info    router.RouteInfo
}

// Pool is the concrete control-plane struct a dispatcher holds.
type Pool struct {
	cfg *config.Config

	scheduler    *scheduler.Pool
	router       *router.Router
	rec          *recorder.Recorder
	poolCooldown *ratelimit.PoolCooldown
	telemetry    telemetry.Recorder
	logger       logging.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// TierModels supplies the static per-tier model tables used to build
// the router (spec.md §6.2 "model discovery" collaborator contract).
type TierModels struct {
	Light  []router.TierModelSpec
	Medium []router.TierModelSpec
	Heavy  []router.TierModelSpec
}

// NewPool constructs a Pool from a validated config, a credential set,
// and a tier table, and starts its background workers.
func NewPool(cfg *config.Config, logger logging.Logger, tel telemetry.Recorder, credentials []scheduler.Credential, tiers TierModels) *Pool {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if tel == nil {
		tel = telemetry.NoOpRecorder{}
	}

	rec := recorder.New(cfg.MaxDecisions)
	p := &Pool{
		cfg:       cfg,
		scheduler: scheduler.NewPool(cfg, rec, logger, credentials),
		router:    router.NewRouter(cfg, tiers.Light, tiers.Medium, tiers.Heavy),
		rec:       rec,
		poolCooldown: ratelimit.NewPoolCooldown(ratelimit.PoolCooldownConfig{
			SleepThresholdMs: cfg.PoolCooldown.SleepThresholdMs.Milliseconds(),
			RetryJitterMs:    cfg.PoolCooldown.RetryJitterMs.Milliseconds(),
			MaxCooldownMs:    cfg.PoolCooldown.MaxCooldownMs.Milliseconds(),
			BaseMs:           cfg.PoolCooldown.BaseMs.Milliseconds(),
			CapMs:            cfg.PoolCooldown.CapMs.Milliseconds(),
			DecayMs:          cfg.PoolCooldown.DecayMs.Milliseconds(),
		}),
		telemetry: tel,
		logger:    logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.startHealthScoreRefresher(ctx)

	return p
}

// startHealthScoreRefresher runs a ticker-driven goroutine, cancellable
// via ctx, that periodically republishes pool-level telemetry (spec.md
// §5 "background health-score refresh, which is a timer"), grounded on
// core/redis_registry.go's StartHeartbeat ticker+context-cancellation
// pattern.
func (p *Pool) startHealthScoreRefresher(ctx context.Context) {
	interval := p.cfg.ScoreCacheTTL
	if interval <= 0 {
		interval = time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(interval) / 4 + 1))
	ticker := time.NewTicker(interval + jitter)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.publishTelemetrySnapshot(ctx)
			}
		}
	}()
}

func (p *Pool) publishTelemetrySnapshot(ctx context.Context) {
	keys := p.scheduler.Keys()
	var sum float64
	for _, k := range keys {
		sum += k.SuccessRate() * 100
	}
	if len(keys) > 0 {
		p.telemetry.RecordHealthScore(ctx, sum/float64(len(keys)))
	}
	for _, m := range p.router.AllModels() {
		p.telemetry.RecordModelInFlight(ctx, m.ID(), m.InFlightCount())
	}
}

// SelectCredential implements spec.md §4.3's selectKey, recovering any
// internal invariant-violation panic (spec.md §7 kind 5) into a
// logged, re-raised failure rather than a silently corrupted pool
// (grounded on resilience/circuit_breaker.go's debug.Stack on an
// unexpected panic path).
func (p *Pool) SelectCredential(ctx context.Context, excludeIDs map[string]bool, requestID string, attempt int) (CredentialSelection, error) {
	defer p.recoverGuard("control.Pool.SelectCredential")

	if requestID == "" {
		requestID = uuid.New().String()
	}

	k, selCtx := p.scheduler.SelectKey(excludeIDs, requestID, attempt)
	p.telemetry.RecordSelection(ctx, string(selCtx.Reason))
	for _, ex := range selCtx.Excluded {
		p.telemetry.RecordExclusion(ctx, ex.CredentialID, string(ex.Reason))
	}
	p.telemetry.RecordPoolState(ctx, string(selCtx.PoolState))

	decision := recorder.Decision{
		Timestamp:   time.Now(),
		RequestID:   requestID,
		Attempt:     attempt,
		Reason:      selCtx.Reason,
		HealthScore: int(selCtx.Score.Total),
		PoolState:   string(selCtx.PoolState),
		Excluded:    selCtx.Excluded,
	}
	if k != nil {
		decision.SelectedKeyID = k.ID()
	}
	p.rec.Record(decision)

	if k == nil {
		return CredentialSelection{}, ctlerrors.New("control.Pool.SelectCredential", "credential", ctlerrors.ErrNoAvailableCredential)
	}
	return CredentialSelection{CredentialID: k.ID(), Secret: k.Secret(), Context: selCtx}, nil
}

// SelectModel implements spec.md §4.4's model routing, with the same
// panic-recovery guard as SelectCredential. A downgraded selection
// emits a telemetry event recording the tier it moved from and to.
func (p *Pool) SelectModel(ctx context.Context, override router.Tier, features router.RequestFeatures, tierHint router.Tier) (ModelSelection, error) {
	defer p.recoverGuard("control.Pool.SelectModel")

	m, info := p.router.SelectModel(override, features, tierHint)
	if info.Downgraded {
		p.telemetry.RecordModelDowngrade(ctx, string(info.OriginalTier), string(info.Tier))
	}
	if m == nil {
		return ModelSelection{Info: info}, ctlerrors.New("control.Pool.SelectModel", "model", ctlerrors.ErrAllModelsCoolingDown)
	}
	return ModelSelection{ModelID: m.ID(), Info: info}, nil
}

// RecordOutcome feeds a dispatcher-reported call result back into the
// credential, the model, and (on a 429) the pool-wide cooldown
// controller. Returns the duration the dispatcher should sleep if this
// outcome triggered or extended a pool cooldown (spec.md §4.5).
func (p *Pool) RecordOutcome(credentialID, modelID string, outcome Outcome) time.Duration {
	if k, ok := p.scheduler.KeyByID(credentialID); ok {
		p.scheduler.RecordOutcome(k, outcome.Success, outcome.Cancelled, outcome.Is429, outcome.LatencyMs)
	}
	if modelID != "" {
		p.router.RecordModelOutcome(modelID, outcome.Success, outcome.Is429)
	}
	if outcome.Is429 {
		return p.poolCooldown.Record429(credentialID)
	}
	return 0
}

// PoolCooldownState exposes the process-wide 429 cooldown state
// (spec.md §4.5 "Exposes {inCooldown, cooldownRemainingMs, pool429Count, streak}").
func (p *Pool) PoolCooldownState() ratelimit.Stats {
	return p.poolCooldown.State()
}

// Snapshot builds the read-only KEY_SNAPSHOT and POOL_SNAPSHOT views
// (spec.md §4.7) over the pool's current state.
func (p *Pool) Snapshot() ([]snapshot.KeySnapshot, snapshot.PoolSnapshot) {
	now := time.Now()
	keys := snapshot.GetAllKeySnapshots(p.scheduler, p.cfg.MaxConcurrencyPerKey, now)
	models := snapshot.GetPoolSnapshotAll(p.router, now)
	return keys, models
}

// Stats returns the decision recorder's fairness and selection
// counters (spec.md §4.6 getStats).
func (p *Pool) Stats() recorder.Stats {
	return p.rec.GetStats()
}

// Close stops all background timers and releases references (spec.md
// §5 "The core exposes a destroy() that stops all timers").
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
}

func (p *Pool) recoverGuard(op string) {
	if r := recover(); r != nil {
		p.logger.Error("control plane invariant violation", map[string]interface{}{
			"op":    op,
			"panic": r,
			"stack": string(debug.Stack()),
		})
		panic(r)
	}
}
