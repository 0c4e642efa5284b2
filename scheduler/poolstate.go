package scheduler

// PoolState is the process-wide aggregate derived from credential
// availability and health (spec.md §3.1, §4.3.5).
type PoolState string

const (
	PoolHealthy  PoolState = "HEALTHY"
	PoolDegraded PoolState = "DEGRADED"
	PoolCritical PoolState = "CRITICAL"
)

// computePoolState implements spec.md §4.3.5 exactly: available == 0
// or ratio < 0.25 is CRITICAL; ratio < 0.5 or avgHealth < 50 is
// DEGRADED; otherwise HEALTHY.
func computePoolState(available, total int, avgHealth float64) PoolState {
	if total == 0 {
		return PoolCritical
	}
	ratio := float64(available) / float64(total)
	switch {
	case available == 0 || ratio < 0.25:
		return PoolCritical
	case ratio < 0.5 || avgHealth < 50:
		return PoolDegraded
	default:
		return PoolHealthy
	}
}
