package live

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ngoyal88/shadowrelay/pkg/langcache"
	"github.com/ngoyal88/shadowrelay/pkg/llm"
	"github.com/ngoyal88/shadowrelay/pkg/metrics"
)

// Threshold is the similarity a candidate must exceed to be served.
const Threshold = 0.8

const (
	SourceCache = "cache"
	SourceLLM   = "llm"

	ReasonCacheHit           = "cache_hit"
	ReasonCacheMiss          = "cache_miss"
	ReasonMissingCredentials = "missing_credentials"
	reasonErrorPrefix        = "error: "
)

// Cache is the semantic cache as seen by the live engine. *langcache.Client satisfies it.
type Cache interface {
	Configured() bool
	Search(ctx context.Context, prompt string) ([]langcache.Candidate, error)
	AddEntry(ctx context.Context, prompt, response string) error
}

// Result is the answer plus how it was produced.
type Result struct {
	Response       string   `json:"response"`
	Cached         bool     `json:"cached"`
	Source         string   `json:"source"`
	Reason         string   `json:"reason"`
	Similarity     *float64 `json:"similarity"`
	MatchedQuery   *string  `json:"matched_query"`
	CacheLatencyMs *float64 `json:"cache_latency_ms,omitempty"`
	LLMLatencyMs   *float64 `json:"llm_latency_ms,omitempty"`
	Model          string   `json:"model,omitempty"`
}

// IsError reports whether the reason is an error code.
func (r *Result) IsError() bool { return strings.HasPrefix(r.Reason, reasonErrorPrefix) }

type Options struct {
	StoreTimeout time.Duration
	Logger       *zap.Logger
}

// Engine serves from the cache when a confident match exists and from the LLM otherwise.
type Engine struct {
	cache        Cache
	storeTimeout time.Duration
	logger       *zap.Logger
}

func New(cache Cache, opts Options) *Engine {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = langcache.DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{cache: cache, storeTimeout: opts.StoreTimeout, logger: opts.Logger}
}

// Answer resolves one query. Only an LLM failure is returned as an error.
func (e *Engine) Answer(ctx context.Context, query string, fn func(context.Context) (llm.Completion, error)) (*Result, error) {
	if e.cache == nil || !e.cache.Configured() {
		return e.fromLLM(ctx, query, fn, ReasonMissingCredentials, false)
	}

	start := time.Now()
	cands, err := e.cache.Search(ctx, query)
	cacheMs := millis(time.Since(start))
	metrics.CacheLatency.Observe(cacheMs / 1000)

	reason := ReasonCacheMiss
	switch {
	case errors.Is(err, langcache.ErrUnexpectedStatus):
		// the backend answered; treat it like an empty result
		e.logger.Warn("live cache search rejected, treating as miss", zap.Error(err))
		cands = nil
	case err != nil:
		e.logger.Warn("live cache search failed, using llm", zap.Error(err))
		reason = reasonErrorPrefix + err.Error()
		cands = nil
	}

	if len(cands) > 0 {
		best := cands[0]
		score := best.Score()
		if score > Threshold && best.Response != "" {
			metrics.LiveDecisions.WithLabelValues(SourceCache, ReasonCacheHit).Inc()
			prompt := best.Prompt
			return &Result{
				Response:       best.Response,
				Cached:         true,
				Source:         SourceCache,
				Reason:         ReasonCacheHit,
				Similarity:     &score,
				MatchedQuery:   &prompt,
				CacheLatencyMs: &cacheMs,
			}, nil
		}
		e.logger.Debug("live candidate below threshold", zap.Float64("similarity", score))
	}

	res, err := e.fromLLM(ctx, query, fn, reason, true)
	if res != nil {
		res.CacheLatencyMs = &cacheMs
	}
	return res, err
}

func (e *Engine) fromLLM(ctx context.Context, query string, fn func(context.Context) (llm.Completion, error), reason string, store bool) (*Result, error) {
	start := time.Now()
	comp, err := fn(ctx)
	elapsed := time.Since(start)
	metrics.LLMLatency.Observe(elapsed.Seconds())
	if err != nil {
		return nil, err
	}

	llmMs := millis(elapsed)
	snap := llm.Snapshot(comp)
	metrics.LiveDecisions.WithLabelValues(SourceLLM, reasonClass(reason)).Inc()

	if store && snap.Content != "" {
		e.store(ctx, query, snap.Content)
	}

	return &Result{
		Response:     snap.Content,
		Source:       SourceLLM,
		Reason:       reason,
		LLMLatencyMs: &llmMs,
		Model:        snap.ModelName,
	}, nil
}

// store is best effort; the answer is already decided.
func (e *Engine) store(ctx context.Context, query, response string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.storeTimeout)
	defer cancel()
	if err := e.cache.AddEntry(ctx, query, response); err != nil {
		metrics.CacheStoreTotal.WithLabelValues("error").Inc()
		e.logger.Warn("live cache store failed", zap.Error(err))
		return
	}
	metrics.CacheStoreTotal.WithLabelValues("ok").Inc()
}

// reasonClass keeps error details out of metric labels.
func reasonClass(reason string) string {
	if strings.HasPrefix(reason, reasonErrorPrefix) {
		return "error"
	}
	return reason
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
