package router

import "sync/atomic"

// DowngradeStats exposes the tier-downgrade active/shadow counters
// (spec.md §4.4 step 3), mirroring GLM5Stats's eligible/applied/shadow
// split for the heavy-tier preference rollout.
type DowngradeStats struct {
	Applied uint64
	Shadow  uint64
}

// DowngradeStats returns the current downgrade counters.
func (r *Router) DowngradeStats() DowngradeStats {
	return DowngradeStats{
		Applied: atomic.LoadUint64(&r.downgradeAppliedCount),
		Shadow:  atomic.LoadUint64(&r.downgradeShadowCount),
	}
}
