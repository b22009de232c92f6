package analytics

import (
	"math"
	"sort"
)

// percentile returns sorted[floor(n*pct/100)] over an ascending copy of
// values. The index is clamped to the last element.
func percentile(values []float64, pct int) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := sortedCopy(values)
	idx := n * pct / 100
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// ComputePercentiles returns p50/p90/p95/p99, or nil for an empty series.
// Samples of 100 or fewer report the maximum as p99.
func ComputePercentiles(values []float64) *Percentiles {
	n := len(values)
	if n == 0 {
		return nil
	}
	sorted := sortedCopy(values)
	at := func(pct int) float64 {
		idx := n * pct / 100
		if idx >= n {
			idx = n - 1
		}
		return round(sorted[idx], 2)
	}
	p := &Percentiles{P50: at(50), P90: at(90), P95: at(95)}
	if n <= 100 {
		p.P99 = round(sorted[n-1], 2)
	} else {
		p.P99 = at(99)
	}
	return p
}

func sortedCopy(values []float64) []float64 {
	out := make([]float64, len(values))
	copy(out, values)
	sort.Float64s(out)
	return out
}

func mean(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values)), true
}

func median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := sortedCopy(values)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func percent(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

var similarityBuckets = []Bucket{
	{Label: "very_low_<0.6", Min: 0, Max: 0.6},
	{Label: "low_0.6-0.7", Min: 0.6, Max: 0.7},
	{Label: "medium_0.7-0.8", Min: 0.7, Max: 0.8},
	{Label: "high_0.8-0.9", Min: 0.8, Max: 0.9},
	{Label: "very_high_0.9+", Min: 0.9, Max: 1.0},
}

// SimilarityHistogram counts scores into [0,0.6) [0.6,0.7) [0.7,0.8) [0.8,0.9) [0.9,1.0].
// Every bucket is always present.
func SimilarityHistogram(scores []float64) []Bucket {
	out := make([]Bucket, len(similarityBuckets))
	copy(out, similarityBuckets)
	for _, s := range scores {
		i := len(out) - 1
		for j := 0; j < len(out)-1; j++ {
			if s < out[j].Max {
				i = j
				break
			}
		}
		out[i].Count++
	}
	return out
}

func distanceStats(similarities []float64) *DistanceStats {
	if len(similarities) == 0 {
		return nil
	}
	dist := make([]float64, len(similarities))
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, s := range similarities {
		d := 1 - s
		dist[i] = d
		lo = math.Min(lo, d)
		hi = math.Max(hi, d)
	}
	avg, _ := mean(dist)
	return &DistanceStats{
		Count:  len(dist),
		Min:    round(lo, 4),
		Max:    round(hi, 4),
		Mean:   round(avg, 4),
		Median: round(median(dist), 4),
	}
}
