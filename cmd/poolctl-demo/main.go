// poolctl-demo is a minimal runnable driver for the control package: a
// fake dispatcher loop that selects a credential and a model, pretends
// to call an upstream, reports the outcome back, and periodically
// prints a pool snapshot. It exists to exercise control.Pool end to
// end with a realistic request/response loop and graceful shutdown.
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowforge/poolctl/config"
	"github.com/flowforge/poolctl/control"
	"github.com/flowforge/poolctl/logging"
	"github.com/flowforge/poolctl/router"
	"github.com/flowforge/poolctl/scheduler"
	"github.com/flowforge/poolctl/telemetry"
)

// demoTiersYAML is the tier strategy table a deployment would normally
// load from a config file on disk; inlined here so the demo has no
// external file dependency.
const demoTiersYAML = `
light:
  models: [gpt-light]
  strategy: balanced
medium:
  models: [gpt-medium, gpt-medium-alt]
  strategy: throughput
heavy:
  models: [gpt-heavy]
  strategy: pool
`

func main() {
	cfg := config.DefaultConfig()
	tiers, err := config.LoadTiersFromYAML([]byte(demoTiersYAML))
	if err != nil {
		log.Fatalf("invalid tier table: %v", err)
	}
	cfg.Tiers = tiers
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := logging.NewLogger(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		ServiceName: cfg.ServiceName,
	})
	tel := telemetry.NewOTelRecorder(cfg.ServiceName)

	credentials := []scheduler.Credential{
		{ID: "key-1", Secret: []byte("sk-demo-1")},
		{ID: "key-2", Secret: []byte("sk-demo-2")},
		{ID: "key-3", Secret: []byte("sk-demo-3")},
	}
	tierModels := control.TierModels{
		Light:  []router.TierModelSpec{{ID: "gpt-light", MaxConcurrency: 10}},
		Medium: []router.TierModelSpec{{ID: "gpt-medium", MaxConcurrency: 6}, {ID: "gpt-medium-alt", MaxConcurrency: 6}},
		Heavy:  []router.TierModelSpec{{ID: "gpt-heavy", MaxConcurrency: 2}},
	}

	pool := control.NewPool(cfg, logger, tel, credentials, tierModels)
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("received shutdown signal, draining dispatcher loop...")
		cancel()
	}()

	log.Println("starting poolctl demo dispatcher loop")
	runDispatcherLoop(ctx, pool)
	log.Println("poolctl demo stopped gracefully")
}

// runDispatcherLoop simulates the role spec.md §6.2 assigns to a real
// dispatcher: pick a credential and a model, call upstream, report the
// outcome, repeat.
func runDispatcherLoop(ctx context.Context, pool *control.Pool) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	requestNum := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requestNum++
			requestID := fmt.Sprintf("demo-req-%d", requestNum)
			dispatchOne(ctx, pool, requestID)
			if requestNum%20 == 0 {
				printSnapshot(pool)
			}
		}
	}
}

func dispatchOne(ctx context.Context, pool *control.Pool, requestID string) {
	sel, err := pool.SelectCredential(ctx, nil, requestID, 0)
	if err != nil {
		log.Printf("%s: no credential available: %v", requestID, err)
		return
	}

	modelSel, err := pool.SelectModel(ctx, "", router.RequestFeatures{HasTools: rand.Intn(10) == 0}, "")
	if err != nil {
		log.Printf("%s: no model available: %v", requestID, err)
		return
	}

	outcome := simulateUpstreamCall()
	sleep := pool.RecordOutcome(sel.CredentialID, modelSel.ModelID, outcome)
	if sleep > 0 {
		log.Printf("%s: pool cooldown active, dispatcher should sleep %s", requestID, sleep)
	}
}

// simulateUpstreamCall stands in for the real upstream.Client call a
// production dispatcher would make; it fabricates a plausible outcome
// distribution instead.
func simulateUpstreamCall() control.Outcome {
	switch roll := rand.Intn(100); {
	case roll < 85:
		return control.Outcome{Success: true, LatencyMs: 50 + rand.Intn(400)}
	case roll < 95:
		return control.Outcome{Success: false, Is429: true}
	default:
		return control.Outcome{Success: false}
	}
}

func printSnapshot(pool *control.Pool) {
	keys, models := pool.Snapshot()
	stats := pool.Stats()
	log.Printf("pool snapshot: %d credentials, %d models, %d decisions recorded",
		len(keys), len(models.Models), stats.TotalDecisions)
}
