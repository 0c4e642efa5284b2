package recorder

// PerKeyFairness holds one credential's share and selection rate.
type PerKeyFairness struct {
	CredentialID string
	Share        float64 // selected / totalSelections * 100
	Rate         float64 // selected / (selected+opportunities) * 100
}

// FairnessMetrics is the aggregate fairness view spec.md §4.6 exposes
// via GetFairnessMetrics.
type FairnessMetrics struct {
	PerKey    []PerKeyFairness
	Aggregate float64 // max(0, 100 - 2*meanAbsoluteDeviation(shares))
}

func computeFairness(selections, opportunities map[string]int64) FairnessMetrics {
	var total int64
	for _, v := range selections {
		total += v
	}

	ids := make(map[string]struct{}, len(selections)+len(opportunities))
	for id := range selections {
		ids[id] = struct{}{}
	}
	for id := range opportunities {
		ids[id] = struct{}{}
	}

	perKey := make([]PerKeyFairness, 0, len(ids))
	var shares []float64
	for id := range ids {
		sel := selections[id]
		opp := opportunities[id]

		var share, rate float64
		if total > 0 {
			share = float64(sel) / float64(total) * 100
		}
		if sel+opp > 0 {
			rate = float64(sel) / float64(sel+opp) * 100
		}
		perKey = append(perKey, PerKeyFairness{CredentialID: id, Share: share, Rate: rate})
		shares = append(shares, share)
	}

	aggregate := 100.0
	if len(shares) > 0 {
		mad := meanAbsoluteDeviation(shares)
		aggregate = 100 - 2*mad
		if aggregate < 0 {
			aggregate = 0
		}
	}

	return FairnessMetrics{PerKey: perKey, Aggregate: aggregate}
}

func meanAbsoluteDeviation(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var sumAbsDev float64
	for _, v := range values {
		d := v - mean
		if d < 0 {
			d = -d
		}
		sumAbsDev += d
	}
	return sumAbsDev / float64(len(values))
}
