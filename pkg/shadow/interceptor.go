package shadow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/ngoyal88/shadowrelay/pkg/langcache"
	"github.com/ngoyal88/shadowrelay/pkg/llm"
	"github.com/ngoyal88/shadowrelay/pkg/metrics"
	"github.com/ngoyal88/shadowrelay/pkg/record"
	"github.com/ngoyal88/shadowrelay/pkg/worker"
)

var tracer = otel.Tracer("github.com/ngoyal88/shadowrelay/pkg/shadow")

const (
	DefaultProbeTimeout   = 10 * time.Second
	DefaultPersistTimeout = 5 * time.Second
)

// CacheBackend is the semantic cache as seen by the interceptor.
type CacheBackend interface {
	Search(ctx context.Context, prompt string) ([]langcache.Candidate, error)
	AddEntry(ctx context.Context, prompt, response string) error
}

// Recorder persists finished records. storage.Store satisfies it.
type Recorder interface {
	Append(ctx context.Context, rec *record.ShadowRecord) error
}

// Submitter schedules background work without blocking. *worker.Pool satisfies it.
type Submitter interface {
	Submit(t worker.Task) bool
}

// TokenEstimator counts tokens when the LLM result does not report them.
type TokenEstimator func(model, prompt, completion string) (int, error)

type Options struct {
	Enabled        bool
	ProbeTimeout   time.Duration
	PersistTimeout time.Duration
	// DefaultModel names the model when the completion does not.
	DefaultModel string
	Estimator    TokenEstimator
	Logger       *zap.Logger
	Now          func() time.Time
}

// Interceptor wraps LLM calls, probes the semantic cache alongside them and
// records the comparison. Callers always get the LLM result untouched.
type Interceptor struct {
	enabled  atomic.Bool
	cache    CacheBackend
	recorder Recorder
	pool     Submitter
	opts     Options
	logger   *zap.Logger
}

// New builds an interceptor. A nil pool runs background work on plain goroutines.
func New(cache CacheBackend, recorder Recorder, pool Submitter, opts Options) *Interceptor {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = DefaultPersistTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if pool == nil {
		pool = goSubmitter{logger: opts.Logger}
	}

	i := &Interceptor{
		cache:    cache,
		recorder: recorder,
		pool:     pool,
		opts:     opts,
		logger:   opts.Logger,
	}
	i.enabled.Store(opts.Enabled)
	return i
}

func (i *Interceptor) Enabled() bool { return i != nil && i.enabled.Load() }

// SetEnabled flips shadow mode at runtime (config hot reload).
func (i *Interceptor) SetEnabled(on bool) {
	if i.enabled.Swap(on) != on {
		i.logger.Info("shadow mode toggled", zap.Bool("enabled", on))
	}
}

// Do is Call for callers that work with the Completion interface directly.
func (i *Interceptor) Do(ctx context.Context, query string, fn func(context.Context) (llm.Completion, error)) (llm.Completion, error) {
	return Call(ctx, i, query, fn)
}

// Call runs fn and returns exactly what it returns. When shadow mode is on,
// a cache probe runs concurrently and a record is persisted in the background.
func Call[T llm.Completion](ctx context.Context, i *Interceptor, query string, fn func(context.Context) (T, error)) (T, error) {
	if !i.Enabled() || strings.TrimSpace(query) == "" {
		return fn(ctx)
	}

	ts := i.opts.Now()
	probes := i.startProbe(ctx, query)

	llmCtx, span := tracer.Start(ctx, "shadow.llm")
	start := time.Now()
	resp, err := fn(llmCtx)
	elapsed := time.Since(start)
	metrics.LLMLatency.Observe(elapsed.Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return resp, err
	}
	span.End()

	snap, ok := i.snapshot(resp)
	if !ok {
		return resp, nil
	}

	pending := &pendingRecord{
		query:   query,
		ts:      ts,
		llmMs:   millis(elapsed),
		result:  snap,
		probes:  probes,
		spanCtx: ctx,
	}
	i.pool.Submit(func() { i.finish(pending) })
	return resp, nil
}

// snapshot reads the completion once on the caller goroutine so the
// background task never touches the caller's value.
func (i *Interceptor) snapshot(c llm.Completion) (res llm.Result, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Warn("completion could not be read, skipping shadow record", zap.String("panic", fmt.Sprint(r)))
			ok = false
		}
	}()
	return llm.Snapshot(c), true
}

type probeResult struct {
	match     *record.Match
	latencyMs float64
	err       error
}

func (i *Interceptor) startProbe(ctx context.Context, query string) <-chan probeResult {
	out := make(chan probeResult, 1)
	if i.cache == nil {
		out <- probeResult{err: errors.New("shadow: no cache backend")}
		return out
	}

	// the probe must outlive a caller that cancels once it has its answer
	probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.opts.ProbeTimeout)
	go func() {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				out <- probeResult{err: fmt.Errorf("shadow: probe panic: %v", r)}
			}
		}()
		out <- i.probe(probeCtx, query)
	}()
	return out
}

func (i *Interceptor) probe(ctx context.Context, query string) probeResult {
	ctx, span := tracer.Start(ctx, "shadow.probe")
	defer span.End()

	start := time.Now()
	cands, err := i.cache.Search(ctx, query)
	elapsed := time.Since(start)
	metrics.CacheLatency.Observe(elapsed.Seconds())

	if err != nil {
		metrics.ProbeTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return probeResult{err: err}
	}

	res := probeResult{latencyMs: millis(elapsed)}
	if len(cands) > 0 {
		res.match = cands[0].Match()
		metrics.ProbeTotal.WithLabelValues("hit").Inc()
		span.SetAttributes(attribute.Float64("shadow.similarity", res.match.Similarity))
	} else {
		metrics.ProbeTotal.WithLabelValues("miss").Inc()
	}
	span.SetAttributes(attribute.Bool("shadow.cache_hit", res.match != nil))
	return res
}

type pendingRecord struct {
	query   string
	ts      time.Time
	llmMs   float64
	result  llm.Result
	probes  <-chan probeResult
	spanCtx context.Context
}

func (i *Interceptor) finish(p *pendingRecord) {
	var pr probeResult
	select {
	case pr = <-p.probes:
	case <-time.After(i.opts.ProbeTimeout + time.Second):
		pr = probeResult{err: errors.New("shadow: probe did not report")}
	}

	rec := i.buildRecord(p, pr)

	ctx, span := tracer.Start(context.WithoutCancel(p.spanCtx), "shadow.persist")
	defer span.End()
	span.SetAttributes(attribute.String("shadow.request_id", rec.RequestID))

	i.persist(ctx, rec)

	if !rec.CacheHit {
		i.storeBack(ctx, rec)
	}
}

func (i *Interceptor) buildRecord(p *pendingRecord, pr probeResult) *record.ShadowRecord {
	rec := record.New(p.query, p.result.Content, p.ts)
	rec.LatencyLLMMs = p.llmMs
	rec.ModelName = p.result.ModelName
	if rec.ModelName == "" {
		rec.ModelName = i.opts.DefaultModel
	}
	rec.TokensLLM = p.result.TotalTokens
	if rec.TokensLLM == nil && i.opts.Estimator != nil {
		if n, err := i.opts.Estimator(rec.ModelName, p.query, p.result.Content); err == nil {
			rec.TokensLLM = &n
			rec.TokensEstimated = true
		} else {
			i.logger.Debug("token estimate failed", zap.Error(err))
		}
	}

	if pr.err != nil {
		i.logger.Warn("cache probe failed, recording miss",
			zap.String("request_id", rec.RequestID),
			zap.Error(pr.err),
		)
		return rec
	}
	latency := pr.latencyMs
	rec.LatencyCacheMs = &latency
	rec.SetMatch(pr.match)
	return rec
}

func (i *Interceptor) persist(ctx context.Context, rec *record.ShadowRecord) {
	if i.recorder == nil {
		return
	}
	if err := rec.Validate(); err != nil {
		i.logger.Warn("refusing to persist invalid record", zap.String("request_id", rec.RequestID), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, i.opts.PersistTimeout)
	defer cancel()
	if err := i.recorder.Append(ctx, rec); err != nil {
		i.logger.Warn("failed to persist shadow record", zap.String("request_id", rec.RequestID), zap.Error(err))
	}
}

func (i *Interceptor) storeBack(ctx context.Context, rec *record.ShadowRecord) {
	if i.cache == nil || rec.LLMResponse == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, i.opts.ProbeTimeout)
	defer cancel()
	if err := i.cache.AddEntry(ctx, rec.Query, rec.LLMResponse); err != nil {
		if errors.Is(err, langcache.ErrNotConfigured) {
			return
		}
		metrics.CacheStoreTotal.WithLabelValues("error").Inc()
		i.logger.Warn("failed to store pair in cache", zap.String("request_id", rec.RequestID), zap.Error(err))
		return
	}
	metrics.CacheStoreTotal.WithLabelValues("ok").Inc()
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// goSubmitter runs each task on its own goroutine.
type goSubmitter struct{ logger *zap.Logger }

func (g goSubmitter) Submit(t worker.Task) bool {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("background task panicked", zap.String("panic", fmt.Sprint(r)))
			}
		}()
		t()
	}()
	return true
}
