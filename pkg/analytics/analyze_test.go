package analytics

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ngoyal88/shadowrelay/pkg/record"
)

func f(v float64) *float64 { return &v }

func n(v int) *int { return &v }

func hit(ts string, sim, llm, cache float64) *record.ShadowRecord {
	r := &record.ShadowRecord{
		RequestID:     ts,
		TsRequest:     ts,
		Query:         "q",
		LLMResponse:   "a",
		LatencyLLMMs:  llm,
		ModelName:     "gpt-4o-mini",
		SchemaVersion: record.SchemaVersion,
	}
	r.SetMatch(&record.Match{Query: "cq", Response: "cr", Similarity: sim, ID: "id"})
	r.LatencyCacheMs = f(cache)
	return r
}

func miss(ts string, llm float64) *record.ShadowRecord {
	return &record.ShadowRecord{
		RequestID:      ts,
		TsRequest:      ts,
		Query:          "q",
		LLMResponse:    "a",
		LatencyLLMMs:   llm,
		LatencyCacheMs: f(10),
		ModelName:      "gpt-4o-mini",
		SchemaVersion:  record.SchemaVersion,
	}
}

func TestPercentileIndexing(t *testing.T) {
	values := make([]float64, 100)
	for i := range values {
		values[99-i] = float64(i + 1)
	}
	p := ComputePercentiles(values)
	require.NotNil(t, p)
	assert.Equal(t, 51.0, p.P50)
	assert.Equal(t, 91.0, p.P90)
	assert.Equal(t, 96.0, p.P95)
	assert.Equal(t, 100.0, p.P99)

	assert.Equal(t, 51.0, percentile(values, 50))
	// input untouched
	assert.Equal(t, 100.0, values[0])
}

func TestPercentileSmallAndLargeSamples(t *testing.T) {
	assert.Nil(t, ComputePercentiles(nil))

	one := ComputePercentiles([]float64{7})
	assert.Equal(t, Percentiles{P50: 7, P90: 7, P95: 7, P99: 7}, *one)

	for n := 1; n <= 100; n++ {
		vals := make([]float64, n)
		for i := range vals {
			vals[i] = float64(i)
		}
		assert.Equal(t, float64(n-1), ComputePercentiles(vals).P99, "n=%d", n)
	}

	vals := make([]float64, 200)
	for i := range vals {
		vals[i] = float64(i + 1)
	}
	assert.Equal(t, 199.0, ComputePercentiles(vals).P99)
}

func TestSimilarityHistogramBuckets(t *testing.T) {
	h := SimilarityHistogram([]float64{0, 0.59, 0.6, 0.69, 0.7, 0.8, 0.85, 0.9, 1.0})
	require.Len(t, h, 5)
	counts := map[string]int{}
	for _, b := range h {
		counts[b.Label] = b.Count
	}
	assert.Equal(t, 2, counts["very_low_<0.6"])
	assert.Equal(t, 2, counts["low_0.6-0.7"])
	assert.Equal(t, 1, counts["medium_0.7-0.8"])
	assert.Equal(t, 2, counts["high_0.8-0.9"])
	assert.Equal(t, 2, counts["very_high_0.9+"])

	empty := SimilarityHistogram(nil)
	require.Len(t, empty, 5)
	for _, b := range empty {
		assert.Zero(t, b.Count)
	}
}

func TestAnalyzeSummary(t *testing.T) {
	recs := []*record.ShadowRecord{
		hit("2025-05-27T15:04:32.123Z", 0.9, 1000, 10),
		hit("2025-05-27T15:30:00.000Z", 0.8, 800, 20),
		miss("2025-05-27T16:00:00.000Z", 600),
		miss("2025-05-28T09:00:00.000Z", 600),
	}
	recs[0].TokensLLM = n(300)

	rep := Analyze(recs, Options{Source: "file", Skipped: 2})
	s := rep.Summary
	assert.Equal(t, 4, s.TotalQueries)
	assert.Equal(t, 2, s.CacheHits)
	assert.Equal(t, 2, s.CacheMisses)
	assert.Equal(t, 50.0, s.HitRatePercent)
	assert.Equal(t, 750.0, s.AvgLLMLatencyMs)
	assert.Equal(t, 12.5, s.AvgCacheLatencyMs)
	assert.Equal(t, 737.5, s.LatencyImprovementMs)
	assert.True(t, s.LatencyImprovementAvailable)
	assert.InDelta(t, 98.33, s.LatencyImprovementPercent, 1e-9)
	assert.Equal(t, 0.85, s.AvgSimilarityScore)

	// one hit recorded 300 tokens, the other falls back to the 100 token assumption
	assert.Equal(t, 300, rep.Tokens.TokensSavedRecorded)
	assert.Equal(t, 100, rep.Tokens.TokensSavedEstimated)
	assert.Equal(t, 1, rep.Tokens.HitsEstimated)
	assert.Equal(t, 400, rep.Tokens.TokensSaved)
	assert.Equal(t, 0.0008, s.EstimatedCostSavingsUSD)

	assert.Equal(t, "file", rep.Source)
	assert.Equal(t, 2, rep.SkippedRecords)
	assert.Equal(t, []ModelCount{{Model: "gpt-4o-mini", Queries: 4}}, rep.ModelUsage)
	assert.Equal(t, []string{RecLatencyWin}, rep.Recommendations)

	require.NotNil(t, rep.Performance.VectorDistance)
	assert.Equal(t, 0.15, rep.Performance.VectorDistance.Mean)
}

func TestCostFormulaWithoutRecordedTokens(t *testing.T) {
	recs := []*record.ShadowRecord{
		hit("2025-05-27T15:00:00Z", 0.95, 100, 10),
		hit("2025-05-27T15:00:01Z", 0.95, 100, 10),
		hit("2025-05-27T15:00:02Z", 0.95, 100, 10),
	}
	rep := Analyze(recs, Options{CostPer1KTokens: 0.01, AvgTokensPerHit: 200})
	// hits * avg_tokens_per_hit / 1000 * cost
	assert.Equal(t, 0.006, rep.Summary.EstimatedCostSavingsUSD)
}

func TestAnalyzeEmpty(t *testing.T) {
	rep := Analyze(nil, Options{})
	assert.Zero(t, rep.Summary.TotalQueries)
	assert.Zero(t, rep.Summary.HitRatePercent)
	assert.False(t, rep.Summary.LatencyImprovementAvailable)
	assert.Nil(t, rep.Performance.LatencyPercentiles)
	assert.Len(t, rep.Performance.SimilarityDistribution, 5)
	assert.Equal(t, []string{RecNoData}, rep.Recommendations)
}

func TestLatencyImprovementSentinels(t *testing.T) {
	r := miss("2025-05-27T15:00:00Z", 0)
	rep := Analyze([]*record.ShadowRecord{r}, Options{})
	assert.False(t, rep.Summary.LatencyImprovementAvailable)
	assert.Zero(t, rep.Summary.LatencyImprovementPercent)

	r2 := miss("2025-05-27T15:00:00Z", 400)
	r2.LatencyCacheMs = nil
	rep = Analyze([]*record.ShadowRecord{r2}, Options{})
	assert.False(t, rep.Summary.LatencyImprovementAvailable)
	assert.Zero(t, rep.Summary.LatencyImprovementMs)
	assert.Nil(t, rep.Performance.CacheLatencyPercentiles)
}

func TestLegacyRecordsWithoutLLMLatency(t *testing.T) {
	var legacy record.ShadowRecord
	require.NoError(t, json.Unmarshal([]byte(`{"request_id":"old","timestamp":"2025-01-27T15:04:32","query":"q","rag_response":"a","cache_hit":false}`), &legacy))

	recs := []*record.ShadowRecord{
		miss("2025-05-27T15:00:00Z", 400),
		miss("2025-05-27T15:00:01Z", 600),
		&legacy,
	}
	rep := Analyze(recs, Options{})
	assert.Equal(t, 3, rep.Summary.TotalQueries)
	assert.Equal(t, 500.0, rep.Summary.AvgLLMLatencyMs)
	require.NotNil(t, rep.Performance.LatencyPercentiles)
	assert.Equal(t, 600.0, rep.Performance.LatencyPercentiles.P50)
}

func TestTimeSeries(t *testing.T) {
	recs := []*record.ShadowRecord{
		hit("2025-05-27T15:04:32.123Z", 0.9, 100, 10),
		miss("2025-05-27T15:40:00Z", 100),
		miss("2025-05-27T09:00:00Z", 100),
		hit("2025-05-28T09:10:00Z", 0.9, 100, 10),
		miss("not a time", 100),
	}
	rep := Analyze(recs, Options{})
	ta := rep.TimeAnalysis

	assert.Equal(t, 5, rep.Summary.TotalQueries)
	assert.Equal(t, 1, ta.ExcludedRecords)
	require.Len(t, ta.Hourly, 3)
	assert.Equal(t, "2025-05-27 09:00", ta.Hourly[0].Period)
	assert.Equal(t, TimeBucket{Period: "2025-05-27 15:00", Total: 2, Hits: 1, HitRatePercent: 50}, ta.Hourly[1])
	assert.Equal(t, "2025-05-27 15:00", ta.PeakHour)
	assert.Equal(t, 3, ta.HoursAnalyzed)

	require.Len(t, ta.Daily, 2)
	assert.Equal(t, "2025-05-27", ta.PeakDay)
	assert.InDelta(t, 33.33, ta.Daily[0].HitRatePercent, 1e-9)
}

func TestPeakTieGoesToEarliest(t *testing.T) {
	recs := []*record.ShadowRecord{
		miss("2025-05-27T12:00:00Z", 1),
		miss("2025-05-27T10:00:00Z", 1),
	}
	assert.Equal(t, "2025-05-27 10:00", Analyze(recs, Options{}).TimeAnalysis.PeakHour)
}

func TestWindowFilter(t *testing.T) {
	recs := []*record.ShadowRecord{
		miss("2025-05-26T23:59:59Z", 1),
		miss("2025-05-27T00:00:00Z", 1),
		miss("2025-05-27T12:00:00Z", 1),
		miss("2025-05-28T00:00:00Z", 1),
		miss("garbage", 1),
	}
	rep := Analyze(recs, Options{
		Since: time.Date(2025, 5, 27, 0, 0, 0, 0, time.UTC),
		Until: time.Date(2025, 5, 28, 0, 0, 0, 0, time.UTC),
	})
	assert.Equal(t, 2, rep.Summary.TotalQueries)
	require.NotNil(t, rep.Window)
	assert.Equal(t, 3, rep.Window.Excluded)
}

func TestRecommendations(t *testing.T) {
	cases := []struct {
		name    string
		summary Summary
		sims    bool
		want    []string
	}{
		{"low hit rate", Summary{TotalQueries: 10, HitRatePercent: 10}, false, []string{RecLowHitRate}},
		{"high hit rate", Summary{TotalQueries: 10, HitRatePercent: 70, AvgSimilarityScore: 0.9}, true, []string{RecHighHitRate}},
		{"low similarity", Summary{TotalQueries: 10, HitRatePercent: 40, AvgSimilarityScore: 0.65}, true, []string{RecLowSimilarity}},
		{"no similarities observed", Summary{TotalQueries: 10, HitRatePercent: 40}, false, []string{RecHealthy}},
		{"latency win", Summary{TotalQueries: 10, HitRatePercent: 40, AvgSimilarityScore: 0.9, LatencyImprovementMs: 501}, true, []string{RecLatencyWin}},
		{"all at once", Summary{TotalQueries: 10, HitRatePercent: 5, AvgSimilarityScore: 0.5, LatencyImprovementMs: 900}, true,
			[]string{RecLowHitRate, RecLowSimilarity, RecLatencyWin}},
		{"healthy", Summary{TotalQueries: 10, HitRatePercent: 40, AvgSimilarityScore: 0.85, LatencyImprovementMs: 100}, true, []string{RecHealthy}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Recommend(tc.summary, tc.sims))
		})
	}
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	recs := []*record.ShadowRecord{
		hit("2025-05-27T15:04:32.123Z", 0.91, 700, 9),
		miss("2025-05-27T16:00:00Z", 650),
		hit("2025-05-28T09:10:00Z", 0.62, 720, 11),
	}
	recs[1].ModelName = "claude"
	before, err := json.Marshal(recs)
	require.NoError(t, err)

	var a, b bytes.Buffer
	require.NoError(t, WriteJSON(&a, Analyze(recs, Options{Source: "redis"})))
	require.NoError(t, WriteJSON(&b, Analyze(recs, Options{Source: "redis"})))
	assert.Equal(t, a.String(), b.String())

	after, err := json.Marshal(recs)
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after), "records must not be mutated")
}

func TestRenderers(t *testing.T) {
	recs := []*record.ShadowRecord{hit("2025-05-27T15:04:32.123Z", 0.91, 700, 9), miss("2025-05-27T16:00:00Z", 650)}
	rep := Analyze(recs, Options{Source: "file", Skipped: 1})

	var text bytes.Buffer
	require.NoError(t, Write(&text, rep, "text"))
	assert.Contains(t, text.String(), "SHADOW MODE ANALYSIS REPORT")
	assert.Contains(t, text.String(), "Skipped records: 1")
	assert.Contains(t, text.String(), "RECOMMENDATIONS")

	var js bytes.Buffer
	require.NoError(t, Write(&js, rep, "json"))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, 2.0, decoded["summary"].(map[string]any)["total_queries"])

	var ym bytes.Buffer
	require.NoError(t, Write(&ym, rep, "yaml"))
	var ydecoded Report
	require.NoError(t, yaml.Unmarshal(ym.Bytes(), &ydecoded))
	assert.Equal(t, rep.Summary, ydecoded.Summary)

	assert.Error(t, Write(&bytes.Buffer{}, rep, "xml"))
}
