package analytics

const (
	RecLowHitRate    = "Low hit rate detected. Consider expanding your cache with more diverse content."
	RecHighHitRate   = "Excellent hit rate! Serving from the semantic cache would provide significant performance benefits. Consider promoting to live mode."
	RecLowSimilarity = "Low similarity scores. Consider adjusting similarity thresholds or improving query preprocessing."
	RecLatencyWin    = "Significant latency improvements possible. The cache could greatly enhance user experience."
	RecHealthy       = "Shadow mode data looks good. Consider proceeding with production deployment."
	RecNoData        = "No shadow records to analyze yet. Enable shadow mode and collect traffic first."
)

const (
	lowHitRate      = 20.0
	highHitRate     = 60.0
	lowSimilarity   = 0.7
	bigLatencyWinMs = 500.0
)

// Recommend returns every applicable heuristic, in a fixed order. The
// similarity rule only applies when at least one similarity was observed.
func Recommend(s Summary, haveSimilarity bool) []string {
	if s.TotalQueries == 0 {
		return []string{RecNoData}
	}
	var out []string
	if s.HitRatePercent < lowHitRate {
		out = append(out, RecLowHitRate)
	}
	if s.HitRatePercent > highHitRate {
		out = append(out, RecHighHitRate)
	}
	if haveSimilarity && s.AvgSimilarityScore < lowSimilarity {
		out = append(out, RecLowSimilarity)
	}
	if s.LatencyImprovementMs > bigLatencyWinMs {
		out = append(out, RecLatencyWin)
	}
	if len(out) == 0 {
		out = append(out, RecHealthy)
	}
	return out
}
