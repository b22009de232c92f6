package analytics

import (
	"sort"
	"time"

	"github.com/ngoyal88/shadowrelay/pkg/ai"
	"github.com/ngoyal88/shadowrelay/pkg/record"
)

const (
	DefaultCostPer1KTokens = 0.002
	DefaultAvgTokensPerHit = 100
)

// Options tune one analytics run.
type Options struct {
	CostPer1KTokens float64
	AvgTokensPerHit int
	// Since and Until bound ts_request when non-zero. Until is exclusive.
	Since time.Time
	Until time.Time
	// Source and Skipped are copied into the report from the load step.
	Source  string
	Skipped int
}

func (o Options) withDefaults() Options {
	if o.CostPer1KTokens <= 0 {
		o.CostPer1KTokens = DefaultCostPer1KTokens
	}
	if o.AvgTokensPerHit <= 0 {
		o.AvgTokensPerHit = DefaultAvgTokensPerHit
	}
	return o
}

// Analyze computes a report from records. It reads records only and returns
// the same report for the same input.
func Analyze(records []*record.ShadowRecord, opts Options) *Report {
	opts = opts.withDefaults()
	rep := &Report{
		Source:         opts.Source,
		SkippedRecords: opts.Skipped,
	}

	records, rep.Window = applyWindow(records, opts)

	var (
		llmLat, cacheLat, sims []float64
		hits                   int
		tokenCounts            []float64
		models                 = map[string]int{}
	)
	tok := TokenStats{CostPer1KTokens: opts.CostPer1KTokens, AvgTokensPerHit: opts.AvgTokensPerHit}

	for _, r := range records {
		if r.HasLLMLatency() {
			llmLat = append(llmLat, r.LatencyLLMMs)
		}
		if r.LatencyCacheMs != nil {
			cacheLat = append(cacheLat, *r.LatencyCacheMs)
		}
		if r.TokensLLM != nil {
			tok.TotalTokens += *r.TokensLLM
			tokenCounts = append(tokenCounts, float64(*r.TokensLLM))
		}
		model := r.ModelName
		if model == "" {
			model = "unknown"
		}
		models[model]++

		if !r.CacheHit {
			continue
		}
		hits++
		if r.Similarity != nil {
			sims = append(sims, *r.Similarity)
		}
		if r.TokensLLM != nil {
			tok.TokensSavedRecorded += *r.TokensLLM
		} else {
			tok.HitsEstimated++
			tok.TokensSavedEstimated += opts.AvgTokensPerHit
		}
	}
	tok.TokensSaved = tok.TokensSavedRecorded + tok.TokensSavedEstimated
	if avg, ok := mean(tokenCounts); ok {
		tok.AvgTokensPerQuery = round(avg, 1)
	}
	rep.Tokens = tok

	total := len(records)
	sum := Summary{
		TotalQueries:            total,
		CacheHits:               hits,
		CacheMisses:             total - hits,
		HitRatePercent:          round(percent(hits, total), 2),
		EstimatedCostSavingsUSD: round(ai.EstimateCost(tok.TokensSaved, opts.CostPer1KTokens), 4),
	}
	avgLLM, okLLM := mean(llmLat)
	avgCache, okCache := mean(cacheLat)
	sum.AvgLLMLatencyMs = round(avgLLM, 2)
	sum.AvgCacheLatencyMs = round(avgCache, 2)
	if okLLM && okCache {
		sum.LatencyImprovementMs = round(avgLLM-avgCache, 2)
		if avgLLM > 0 {
			sum.LatencyImprovementAvailable = true
			sum.LatencyImprovementPercent = round((avgLLM-avgCache)/avgLLM*100, 2)
		}
	}
	if avgSim, ok := mean(sims); ok {
		sum.AvgSimilarityScore = round(avgSim, 3)
	}
	rep.Summary = sum

	rep.Performance = Performance{
		LatencyPercentiles:      ComputePercentiles(llmLat),
		CacheLatencyPercentiles: ComputePercentiles(cacheLat),
		SimilarityDistribution:  SimilarityHistogram(sims),
		VectorDistance:          distanceStats(sims),
	}
	rep.ModelUsage = modelUsage(models)
	rep.TimeAnalysis = timeSeries(records)
	rep.Recommendations = Recommend(sum, len(sims) > 0)
	return rep
}

func applyWindow(records []*record.ShadowRecord, opts Options) ([]*record.ShadowRecord, *Window) {
	if opts.Since.IsZero() && opts.Until.IsZero() {
		return records, nil
	}
	w := &Window{}
	if !opts.Since.IsZero() {
		w.Since = opts.Since.UTC().Format(time.RFC3339)
	}
	if !opts.Until.IsZero() {
		w.Until = opts.Until.UTC().Format(time.RFC3339)
	}

	out := make([]*record.ShadowRecord, 0, len(records))
	for _, r := range records {
		ts, ok := r.Time()
		switch {
		case !ok:
			w.Excluded++
		case !opts.Since.IsZero() && ts.Before(opts.Since):
			w.Excluded++
		case !opts.Until.IsZero() && !ts.Before(opts.Until):
			w.Excluded++
		default:
			out = append(out, r)
		}
	}
	return out, w
}

func modelUsage(counts map[string]int) []ModelCount {
	out := make([]ModelCount, 0, len(counts))
	for m, n := range counts {
		out = append(out, ModelCount{Model: m, Queries: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Queries != out[j].Queries {
			return out[i].Queries > out[j].Queries
		}
		return out[i].Model < out[j].Model
	})
	return out
}

type tally struct{ total, hits int }

func timeSeries(records []*record.ShadowRecord) TimeAnalysis {
	hourly := map[string]*tally{}
	daily := map[string]*tally{}
	var ta TimeAnalysis

	for _, r := range records {
		ts, ok := r.Time()
		if !ok {
			ta.ExcludedRecords++
			continue
		}
		count(hourly, ts.Format("2006-01-02 15:00"), r.CacheHit)
		count(daily, ts.Format("2006-01-02"), r.CacheHit)
	}

	ta.Hourly, ta.PeakHour = buckets(hourly)
	ta.Daily, ta.PeakDay = buckets(daily)
	ta.HoursAnalyzed = len(ta.Hourly)
	return ta
}

func count(m map[string]*tally, key string, hit bool) {
	t := m[key]
	if t == nil {
		t = &tally{}
		m[key] = t
	}
	t.total++
	if hit {
		t.hits++
	}
}

// buckets sorts periods chronologically and picks the busiest; ties go to the earliest.
func buckets(m map[string]*tally) ([]TimeBucket, string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]TimeBucket, 0, len(keys))
	peak, peakTotal := "", 0
	for _, k := range keys {
		t := m[k]
		out = append(out, TimeBucket{
			Period:         k,
			Total:          t.total,
			Hits:           t.hits,
			HitRatePercent: round(percent(t.hits, t.total), 2),
		})
		if t.total > peakTotal {
			peak, peakTotal = k, t.total
		}
	}
	return out, peak
}
