package analytics

// Report is the result of one analytics run. It is derived data and is never persisted.
type Report struct {
	Source          string       `json:"source" yaml:"source"`
	SkippedRecords  int          `json:"skipped_records" yaml:"skipped_records"`
	Window          *Window      `json:"window,omitempty" yaml:"window,omitempty"`
	Summary         Summary      `json:"summary" yaml:"summary"`
	Tokens          TokenStats   `json:"tokens" yaml:"tokens"`
	Performance     Performance  `json:"performance" yaml:"performance"`
	ModelUsage      []ModelCount `json:"model_usage" yaml:"model_usage"`
	TimeAnalysis    TimeAnalysis `json:"time_analysis" yaml:"time_analysis"`
	Recommendations []string     `json:"recommendations" yaml:"recommendations"`
}

type Window struct {
	Since    string `json:"since,omitempty" yaml:"since,omitempty"`
	Until    string `json:"until,omitempty" yaml:"until,omitempty"`
	Excluded int    `json:"excluded_records" yaml:"excluded_records"`
}

type Summary struct {
	TotalQueries                int     `json:"total_queries" yaml:"total_queries"`
	CacheHits                   int     `json:"cache_hits" yaml:"cache_hits"`
	CacheMisses                 int     `json:"cache_misses" yaml:"cache_misses"`
	HitRatePercent              float64 `json:"hit_rate_percent" yaml:"hit_rate_percent"`
	AvgLLMLatencyMs             float64 `json:"avg_llm_latency_ms" yaml:"avg_llm_latency_ms"`
	AvgCacheLatencyMs           float64 `json:"avg_cache_latency_ms" yaml:"avg_cache_latency_ms"`
	LatencyImprovementMs        float64 `json:"latency_improvement_ms" yaml:"latency_improvement_ms"`
	LatencyImprovementPercent   float64 `json:"latency_improvement_percent" yaml:"latency_improvement_percent"`
	LatencyImprovementAvailable bool    `json:"latency_improvement_available" yaml:"latency_improvement_available"`
	AvgSimilarityScore          float64 `json:"avg_similarity_score" yaml:"avg_similarity_score"`
	EstimatedCostSavingsUSD     float64 `json:"estimated_cost_savings_usd" yaml:"estimated_cost_savings_usd"`
}

type TokenStats struct {
	TotalTokens          int     `json:"total_tokens" yaml:"total_tokens"`
	AvgTokensPerQuery    float64 `json:"avg_tokens_per_query" yaml:"avg_tokens_per_query"`
	TokensSaved          int     `json:"tokens_saved" yaml:"tokens_saved"`
	TokensSavedRecorded  int     `json:"tokens_saved_recorded" yaml:"tokens_saved_recorded"`
	TokensSavedEstimated int     `json:"tokens_saved_estimated" yaml:"tokens_saved_estimated"`
	HitsEstimated        int     `json:"hits_estimated" yaml:"hits_estimated"`
	CostPer1KTokens      float64 `json:"cost_per_1k_tokens" yaml:"cost_per_1k_tokens"`
	AvgTokensPerHit      int     `json:"avg_tokens_per_hit_assumption" yaml:"avg_tokens_per_hit_assumption"`
}

type Performance struct {
	LatencyPercentiles      *Percentiles   `json:"latency_percentiles" yaml:"latency_percentiles"`
	CacheLatencyPercentiles *Percentiles   `json:"cache_latency_percentiles" yaml:"cache_latency_percentiles"`
	SimilarityDistribution  []Bucket       `json:"similarity_distribution" yaml:"similarity_distribution"`
	VectorDistance          *DistanceStats `json:"vector_distance_stats" yaml:"vector_distance_stats"`
}

type Percentiles struct {
	P50 float64 `json:"p50" yaml:"p50"`
	P90 float64 `json:"p90" yaml:"p90"`
	P95 float64 `json:"p95" yaml:"p95"`
	P99 float64 `json:"p99" yaml:"p99"`
}

type Bucket struct {
	Label string  `json:"label" yaml:"label"`
	Min   float64 `json:"min" yaml:"min"`
	Max   float64 `json:"max" yaml:"max"`
	Count int     `json:"count" yaml:"count"`
}

type DistanceStats struct {
	Count  int     `json:"count" yaml:"count"`
	Min    float64 `json:"min_distance" yaml:"min_distance"`
	Max    float64 `json:"max_distance" yaml:"max_distance"`
	Mean   float64 `json:"avg_distance" yaml:"avg_distance"`
	Median float64 `json:"median_distance" yaml:"median_distance"`
}

type ModelCount struct {
	Model   string `json:"model" yaml:"model"`
	Queries int    `json:"queries" yaml:"queries"`
}

type TimeAnalysis struct {
	Hourly          []TimeBucket `json:"hourly" yaml:"hourly"`
	Daily           []TimeBucket `json:"daily" yaml:"daily"`
	PeakHour        string       `json:"peak_hour,omitempty" yaml:"peak_hour,omitempty"`
	PeakDay         string       `json:"peak_day,omitempty" yaml:"peak_day,omitempty"`
	HoursAnalyzed   int          `json:"total_hours_analyzed" yaml:"total_hours_analyzed"`
	ExcludedRecords int          `json:"excluded_records" yaml:"excluded_records"`
}

type TimeBucket struct {
	Period         string  `json:"period" yaml:"period"`
	Total          int     `json:"total" yaml:"total"`
	Hits           int     `json:"hits" yaml:"hits"`
	HitRatePercent float64 `json:"hit_rate_percent" yaml:"hit_rate_percent"`
}
