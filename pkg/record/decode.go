package record

import (
	"encoding/json"
)

// wireRecord accepts both the canonical field names and the names written by
// earlier shadow wrappers.
type wireRecord struct {
	RequestID       string   `json:"request_id"`
	TsRequest       *string  `json:"ts_request"`
	Timestamp       *string  `json:"timestamp"`
	Query           string   `json:"query"`
	LLMResponse     *string  `json:"llm_response"`
	RAGResponse     *string  `json:"rag_response"`
	CacheHit        bool     `json:"cache_hit"`
	CacheQuery      *string  `json:"cache_query"`
	MatchedQuery    *string  `json:"matched_query"`
	CacheResponse   *string  `json:"cache_response"`
	Similarity      *float64 `json:"similarity"`
	SimilarityScore *float64 `json:"similarity_score"`
	VectorDistance  *float64 `json:"vector_distance"`
	CachedID        *string  `json:"cached_id"`
	LatencyCacheMs  *float64 `json:"latency_cache_ms"`
	CacheLatencyMs  *float64 `json:"cache_latency_ms"`
	LatencyLLMMs    *float64 `json:"latency_llm_ms"`
	LLMLatencyMs    *float64 `json:"llm_latency_ms"`
	TokensLLM       *int     `json:"tokens_llm"`
	TokensEstimated bool     `json:"tokens_estimated"`
	ModelName       string   `json:"model_name"`
	SchemaVersion   *string  `json:"schema_version"`
	LangcacheVer    *string  `json:"langcache_version"`
}

// UnmarshalJSON decodes canonical and legacy record documents. Canonical
// names win when both spellings are present.
func (r *ShadowRecord) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	out := ShadowRecord{
		RequestID:       w.RequestID,
		TsRequest:       deref(firstString(w.TsRequest, w.Timestamp)),
		Query:           w.Query,
		LLMResponse:     deref(firstString(w.LLMResponse, w.RAGResponse)),
		CacheHit:        w.CacheHit,
		CacheQuery:      firstString(w.CacheQuery, w.MatchedQuery),
		CacheResponse:   w.CacheResponse,
		CachedID:        w.CachedID,
		LatencyCacheMs:  firstFloat(w.LatencyCacheMs, w.CacheLatencyMs),
		TokensLLM:       w.TokensLLM,
		TokensEstimated: w.TokensEstimated,
		ModelName:       w.ModelName,
		SchemaVersion:   deref(firstString(w.SchemaVersion, w.LangcacheVer)),
	}
	if llm := firstFloat(w.LatencyLLMMs, w.LLMLatencyMs); llm != nil {
		out.LatencyLLMMs = *llm
	} else {
		out.noLLMLatency = true
	}

	switch {
	case w.Similarity != nil:
		out.Similarity = w.Similarity
	case w.SimilarityScore != nil:
		out.Similarity = w.SimilarityScore
	case w.VectorDistance != nil:
		sim := SimilarityFromDistance(*w.VectorDistance)
		out.Similarity = &sim
	}

	out.Normalize()
	*r = out
	return nil
}

func firstString(vals ...*string) *string {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstFloat(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
