package record

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion versions the record shape written by this module.
const SchemaVersion = "v1"

// KeyPrefix namespaces shadow records in the remote keyed store.
const KeyPrefix = "shadow:"

// TimestampLayout is the UTC, millisecond precision format used for ts_request.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// ErrInvalid is returned by Validate when a record breaks the schema invariants.
var ErrInvalid = errors.New("record: invalid shadow record")

// ShadowRecord is one shadow comparison event. It is write-once: analytics never mutate it.
type ShadowRecord struct {
	RequestID       string   `json:"request_id"`
	TsRequest       string   `json:"ts_request"`
	Query           string   `json:"query"`
	LLMResponse     string   `json:"llm_response"`
	CacheHit        bool     `json:"cache_hit"`
	CacheQuery      *string  `json:"cache_query"`
	CacheResponse   *string  `json:"cache_response"`
	Similarity      *float64 `json:"similarity"`
	CachedID        *string  `json:"cached_id"`
	LatencyCacheMs  *float64 `json:"latency_cache_ms"`
	LatencyLLMMs    float64  `json:"latency_llm_ms"`
	TokensLLM       *int     `json:"tokens_llm"`
	TokensEstimated bool     `json:"tokens_estimated,omitempty"`
	ModelName       string   `json:"model_name"`
	SchemaVersion   string   `json:"schema_version"`

	// set when a decoded document carried neither latency spelling
	noLLMLatency bool
}

// HasLLMLatency reports whether LatencyLLMMs was measured. Legacy documents
// without a latency decode to 0 and report false.
func (r *ShadowRecord) HasLLMLatency() bool { return !r.noLLMLatency }

// Match is the best cache candidate found by a probe.
type Match struct {
	Query      string
	Response   string
	Similarity float64
	ID         string
}

// New creates a miss record with a fresh request id stamped at ts.
func New(query, llmResponse string, ts time.Time) *ShadowRecord {
	return &ShadowRecord{
		RequestID:     uuid.NewString(),
		TsRequest:     FormatTimestamp(ts),
		Query:         query,
		LLMResponse:   llmResponse,
		SchemaVersion: SchemaVersion,
	}
}

// FormatTimestamp renders t in the canonical ts_request layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Key returns the remote store key for the record.
func (r *ShadowRecord) Key() string {
	return KeyPrefix + r.RequestID
}

// SetMatch marks the record as a hit for m. A nil match turns it into a miss.
func (r *ShadowRecord) SetMatch(m *Match) {
	if m == nil {
		r.clearMatch()
		return
	}
	sim := ClampSimilarity(m.Similarity)
	query, response, id := m.Query, m.Response, m.ID
	r.CacheHit = true
	r.CacheQuery = &query
	r.CacheResponse = &response
	r.Similarity = &sim
	r.CachedID = &id
}

func (r *ShadowRecord) clearMatch() {
	r.CacheHit = false
	r.CacheQuery = nil
	r.CacheResponse = nil
	r.Similarity = nil
	r.CachedID = nil
}

// Normalize enforces the hit/miss field invariant and clamps similarity into [0,1].
func (r *ShadowRecord) Normalize() {
	if !r.CacheHit {
		r.clearMatch()
		return
	}
	if r.Similarity != nil {
		sim := ClampSimilarity(*r.Similarity)
		r.Similarity = &sim
	}
}

// Validate checks the schema invariants.
func (r *ShadowRecord) Validate() error {
	switch {
	case r.RequestID == "":
		return fmt.Errorf("%w: missing request_id", ErrInvalid)
	case strings.TrimSpace(r.Query) == "":
		return fmt.Errorf("%w: empty query", ErrInvalid)
	case r.LatencyLLMMs < 0:
		return fmt.Errorf("%w: negative latency_llm_ms", ErrInvalid)
	case r.LatencyCacheMs != nil && *r.LatencyCacheMs < 0:
		return fmt.Errorf("%w: negative latency_cache_ms", ErrInvalid)
	case r.TokensLLM != nil && *r.TokensLLM < 0:
		return fmt.Errorf("%w: negative tokens_llm", ErrInvalid)
	}
	if !r.CacheHit && (r.CacheQuery != nil || r.CacheResponse != nil || r.Similarity != nil || r.CachedID != nil) {
		return fmt.Errorf("%w: miss record carries match fields", ErrInvalid)
	}
	if r.Similarity != nil && (*r.Similarity < 0 || *r.Similarity > 1) {
		return fmt.Errorf("%w: similarity %v out of range", ErrInvalid, *r.Similarity)
	}
	return nil
}

// Time parses ts_request. Records written by older wrappers used naive ISO
// timestamps, which are read as UTC.
func (r *ShadowRecord) Time() (time.Time, bool) {
	ts := strings.TrimSpace(r.TsRequest)
	if ts == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999"} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// ClampSimilarity bounds a score to [0,1].
func ClampSimilarity(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// SimilarityFromDistance converts a vector distance into a similarity score.
func SimilarityFromDistance(d float64) float64 {
	return ClampSimilarity(1 - d)
}
