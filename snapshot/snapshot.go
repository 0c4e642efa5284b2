// Package snapshot implements the read-only projection interface from
// spec.md §4.7 (component H): versioned, schema-validated KEY_SNAPSHOT
// and POOL_SNAPSHOT views for explain/debug endpoints and drift
// checkers. Snapshots never mutate scheduler or router state.
package snapshot

import (
	"time"

	"github.com/flowforge/poolctl/breaker"
	"github.com/flowforge/poolctl/router"
	"github.com/flowforge/poolctl/scheduler"
)

// SchemaVersion is the version stamped on every snapshot this package
// produces. Consumers reject a major-version mismatch (spec.md §6.3).
const SchemaVersion = "1.0"

// KeyState is one of the fixed key-state enum values (spec.md §4.7).
type KeyState string

const (
	KeyStateAvailable   KeyState = "available"
	KeyStateExcluded    KeyState = "excluded"
	KeyStateRateLimited KeyState = "rate_limited"
	KeyStateCircuitOpen KeyState = "circuit_open"
	KeyStateCooldown    KeyState = "cooldown"
	KeyStateAtCapacity  KeyState = "at_capacity"
)

// KeySnapshot is the KEY_SNAPSHOT v1.0 schema (spec.md §6.3).
type KeySnapshot struct {
	Version        string   `json:"version"`
	Timestamp      int64    `json:"timestamp"`
	KeyIndex       int      `json:"keyIndex"`
	KeyID          string   `json:"keyId"`
	State          KeyState `json:"state"`
	InFlight       int      `json:"inFlight"`
	MaxConcurrency int      `json:"maxConcurrency"`
	ExcludedReason string   `json:"excludedReason,omitempty"`
	LatencyP50Ms   *int     `json:"latency,omitempty"`
}

// ModelSnapshot is one entry of POOL_SNAPSHOT's models[] (spec.md §6.3).
type ModelSnapshot struct {
	ModelID        string `json:"modelId"`
	Tier           string `json:"tier"`
	InFlight       int64  `json:"inFlight"`
	MaxConcurrency int    `json:"maxConcurrency"`
	IsAvailable    bool   `json:"isAvailable"`
}

// PoolSnapshot is the POOL_SNAPSHOT v1.0 schema (spec.md §6.3).
type PoolSnapshot struct {
	Version   string          `json:"version"`
	Timestamp int64           `json:"timestamp"`
	Models    []ModelSnapshot `json:"models"`
}

// keyStateFor derives the fixed-enum state for a single key, mirroring
// the exclusion priority in scheduler.Pool.exclusionReason but
// expressed over the narrower public surface available to a
// read-only consumer.
func keyStateFor(k *scheduler.Key, maxConcurrencyPerKey int) (KeyState, string) {
	if k.IsExplicitlyExcluded() {
		return KeyStateExcluded, "excluded_explicitly"
	}
	switch k.BreakerState() {
	case breaker.StateOpen:
		return KeyStateCircuitOpen, "excluded_circuit_open"
	}
	if k.InFlight() >= maxConcurrencyPerKey {
		return KeyStateAtCapacity, "excluded_at_max_concurrency"
	}
	if k.IsQuarantined() {
		return KeyStateExcluded, "excluded_slow_quarantine"
	}
	if k.CooldownActive() {
		return KeyStateRateLimited, "excluded_rate_limited"
	}
	if !k.BucketAllows() {
		return KeyStateCooldown, "excluded_token_exhausted"
	}
	return KeyStateAvailable, ""
}

// GetKeySnapshot builds a KEY_SNAPSHOT for the credential at index.
// Returns false if the index is out of range.
func GetKeySnapshot(p *scheduler.Pool, index int, maxConcurrencyPerKey int, now time.Time) (KeySnapshot, bool) {
	keys := p.Keys()
	if index < 0 || index >= len(keys) {
		return KeySnapshot{}, false
	}
	return keySnapshotOf(keys[index], maxConcurrencyPerKey, now), true
}

// GetAllKeySnapshots builds a KEY_SNAPSHOT for every credential in
// dense index order.
func GetAllKeySnapshots(p *scheduler.Pool, maxConcurrencyPerKey int, now time.Time) []KeySnapshot {
	keys := p.Keys()
	out := make([]KeySnapshot, len(keys))
	for i, k := range keys {
		out[i] = keySnapshotOf(k, maxConcurrencyPerKey, now)
	}
	return out
}

func keySnapshotOf(k *scheduler.Key, maxConcurrencyPerKey int, now time.Time) KeySnapshot {
	state, reason := keyStateFor(k, maxConcurrencyPerKey)
	snap := KeySnapshot{
		Version:        SchemaVersion,
		Timestamp:      now.UnixMilli(),
		KeyIndex:       k.Index(),
		KeyID:          k.ID(),
		State:          state,
		InFlight:       k.InFlight(),
		MaxConcurrency: maxConcurrencyPerKey,
		ExcludedReason: reason,
	}
	if p50, ok := k.LatencyP50(); ok {
		snap.LatencyP50Ms = &p50
	}
	return snap
}

// GetPoolSnapshotAll builds a POOL_SNAPSHOT over every model known to
// the router, across all tiers.
func GetPoolSnapshotAll(r *router.Router, now time.Time) PoolSnapshot {
	models := r.AllModels()
	out := make([]ModelSnapshot, len(models))
	for i, m := range models {
		out[i] = ModelSnapshot{
			ModelID:        m.ID(),
			Tier:           string(m.Tier()),
			InFlight:       m.InFlightCount(),
			MaxConcurrency: m.MaxConcurrency(),
			IsAvailable:    m.Available(now),
		}
	}
	return PoolSnapshot{Version: SchemaVersion, Timestamp: now.UnixMilli(), Models: out}
}

// ValidateKeySnapshot rejects a major-version mismatch or a missing
// required field, while leaving unknown fields untouched (the Go
// struct itself already ignores unrecognized JSON on decode, so this
// only needs to check the fields the schema requires).
func ValidateKeySnapshot(s KeySnapshot) error {
	if majorVersion(s.Version) != majorVersion(SchemaVersion) {
		return errVersionMismatch(s.Version)
	}
	if s.KeyID == "" {
		return errMissingField("keyId")
	}
	if s.State == "" {
		return errMissingField("state")
	}
	return nil
}

// ValidatePoolSnapshot rejects a major-version mismatch or a
// malformed model entry.
func ValidatePoolSnapshot(s PoolSnapshot) error {
	if majorVersion(s.Version) != majorVersion(SchemaVersion) {
		return errVersionMismatch(s.Version)
	}
	for _, m := range s.Models {
		if m.ModelID == "" {
			return errMissingField("modelId")
		}
		if m.Tier != "light" && m.Tier != "medium" && m.Tier != "heavy" {
			return errInvalidTier(m.Tier)
		}
		if m.MaxConcurrency <= 0 {
			return errMissingField("maxConcurrency")
		}
	}
	return nil
}

func majorVersion(v string) string {
	for i, c := range v {
		if c == '.' {
			return v[:i]
		}
	}
	return v
}
