package recorder

import (
	"sync"
	"time"

	"github.com/flowforge/poolctl/ringbuffer"
)

// Exclusion is one excluded candidate attached to a Decision.
type Exclusion struct {
	CredentialID string
	Reason       ReasonCode
}

// Decision is one immutable selection record (spec.md §3.1).
type Decision struct {
	Sequence           uint64
	Timestamp          time.Time
	RequestID          string
	Attempt            int
	SelectedKeyID       string // empty if no credential was selected
	SelectedModelID     string
	Reason             ReasonCode
	HealthScore        int
	PoolState          string
	Excluded           []Exclusion
}

// Recorder is the bounded audit trail plus fairness counters shared by
// scheduler.Pool, which records opportunities, and control.Pool, which
// records credential-selection decisions (spec.md §4.6). The router does
// not write into it. One coarse mutex guards all
// state: selection is cheap and already holds other locks briefly, so
// contention here is expected to stay low (spec.md §5).
type Recorder struct {
	mu sync.Mutex

	maxDecisions int
	decisions    *ringbuffer.Buffer[Decision]
	sequence     uint64

	selectionCounts   map[string]int64
	opportunityCounts map[string]int64
	whyNot            map[string]map[ReasonCode]int64
	reasonCounts      map[ReasonCode]int64
}

// New creates a Recorder retaining at most maxDecisions entries
// (default 1000 per spec.md §6.1).
func New(maxDecisions int) *Recorder {
	if maxDecisions <= 0 {
		maxDecisions = 1000
	}
	return &Recorder{
		maxDecisions:      maxDecisions,
		decisions:         ringbuffer.New[Decision](maxDecisions),
		selectionCounts:   make(map[string]int64),
		opportunityCounts: make(map[string]int64),
		whyNot:            make(map[string]map[ReasonCode]int64),
		reasonCounts:      make(map[ReasonCode]int64),
	}
}

// Record appends d (coercing its reason and exclusion reasons to the
// closed enum), assigns it the next sequence number, and updates the
// selection/reason counters. Oldest entries are dropped first once
// maxDecisions is exceeded (spec.md §3.2 invariant 3).
func (r *Recorder) Record(d Decision) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sequence++
	d.Sequence = r.sequence
	d.Reason = Coerce(d.Reason)
	for i := range d.Excluded {
		d.Excluded[i].Reason = Coerce(d.Excluded[i].Reason)
		r.bumpWhyNotLocked(d.Excluded[i].CredentialID, d.Excluded[i].Reason)
	}

	r.decisions.Append(d)
	r.reasonCounts[d.Reason]++
	if d.SelectedKeyID != "" {
		r.selectionCounts[d.SelectedKeyID]++
	}
	return d
}

// RecordOpportunity marks credentialID as available-but-not-selected
// for this round; drives the fairness metric.
func (r *Recorder) RecordOpportunity(credentialID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opportunityCounts[credentialID]++
}

func (r *Recorder) bumpWhyNotLocked(credentialID string, reason ReasonCode) {
	if credentialID == "" {
		return
	}
	m, ok := r.whyNot[credentialID]
	if !ok {
		m = make(map[ReasonCode]int64)
		r.whyNot[credentialID] = m
	}
	m[reason]++
}

// GetRecentDecisions returns the n most recent decisions, newest last.
// n <= 0 or n greater than the buffer size returns everything
// available.
func (r *Recorder) GetRecentDecisions(n int) []Decision {
	all := r.decisions.Snapshot()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// GetReasonDistribution returns the count of decisions per reason
// code. O(|reasons|).
func (r *Recorder) GetReasonDistribution() map[ReasonCode]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[ReasonCode]int64, len(r.reasonCounts))
	for k, v := range r.reasonCounts {
		out[k] = v
	}
	return out
}

// GetWhyNotStats returns, per credential, the histogram of exclusion
// reasons it has accumulated.
func (r *Recorder) GetWhyNotStats() map[string]map[ReasonCode]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]map[ReasonCode]int64, len(r.whyNot))
	for k, m := range r.whyNot {
		cp := make(map[ReasonCode]int64, len(m))
		for rk, rv := range m {
			cp[rk] = rv
		}
		out[k] = cp
	}
	return out
}

// Stats is the overall recorder snapshot returned by GetStats.
type Stats struct {
	TotalDecisions    int
	SelectionCounts   map[string]int64
	OpportunityCounts map[string]int64
	Fairness          FairnessMetrics
}

// GetStats returns selection/opportunity counts plus the aggregate
// fairness metric.
func (r *Recorder) GetStats() Stats {
	r.mu.Lock()
	sel := make(map[string]int64, len(r.selectionCounts))
	for k, v := range r.selectionCounts {
		sel[k] = v
	}
	opp := make(map[string]int64, len(r.opportunityCounts))
	for k, v := range r.opportunityCounts {
		opp[k] = v
	}
	total := r.decisions.Size()
	r.mu.Unlock()

	return Stats{
		TotalDecisions:    total,
		SelectionCounts:   sel,
		OpportunityCounts: opp,
		Fairness:          computeFairness(sel, opp),
	}
}

// GetFairnessMetrics returns just the fairness metric, grounded on the
// same underlying counters as GetStats.
func (r *Recorder) GetFairnessMetrics() FairnessMetrics {
	return r.GetStats().Fairness
}

// TotalSelections returns the lifetime sum of selection counts across
// every credential. Unlike Stats.TotalDecisions (the bounded decision
// ring buffer's size), this never stops growing once maxDecisions is
// exceeded, so it is the correct denominator for a per-key selection
// ratio (spec.md §4.3.2 fairness boost).
func (r *Recorder) TotalSelections() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for _, v := range r.selectionCounts {
		total += v
	}
	return total
}

// Reset returns the recorder to a state byte-equal to a freshly
// constructed instance (spec.md §8 round-trip property).
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions.Reset()
	r.sequence = 0
	r.selectionCounts = make(map[string]int64)
	r.opportunityCounts = make(map[string]int64)
	r.whyNot = make(map[string]map[ReasonCode]int64)
	r.reasonCounts = make(map[ReasonCode]int64)
}
