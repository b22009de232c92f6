package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngoyal88/shadowrelay/pkg/config"
	"github.com/ngoyal88/shadowrelay/pkg/langcache"
	"github.com/ngoyal88/shadowrelay/pkg/live"
	"github.com/ngoyal88/shadowrelay/pkg/llm"
	"github.com/ngoyal88/shadowrelay/pkg/record"
	"github.com/ngoyal88/shadowrelay/pkg/shadow"
	"github.com/ngoyal88/shadowrelay/pkg/storage"
)

type stubLLM struct {
	answer string
	err    error
}

func (s stubLLM) Complete(_ context.Context, prompt string) (*llm.ChatResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.ChatResponse{
		ModelID: "gpt-4o-mini",
		Choices: []llm.Choice{{Message: llm.Message{Role: "assistant", Content: s.answer}}},
		Usage:   &llm.Usage{TotalTokens: 42},
	}, nil
}

type stubCache struct {
	mu         sync.Mutex
	configured bool
	candidates []langcache.Candidate
	healthErr  error
	stored     int
}

func (c *stubCache) Configured() bool { return c.configured }

func (c *stubCache) Search(context.Context, string) ([]langcache.Candidate, error) {
	return c.candidates, nil
}

func (c *stubCache) AddEntry(context.Context, string, string) error {
	c.mu.Lock()
	c.stored++
	c.mu.Unlock()
	return nil
}

func (c *stubCache) Health(context.Context) (map[string]any, error) {
	return map[string]any{"status": "ok"}, c.healthErr
}

type fixture struct {
	router http.Handler
	store  *storage.FileStore
	cache  *stubCache
}

func newFixture(t *testing.T, llmClient LLM, shadowOn bool) *fixture {
	t.Helper()
	store := storage.NewFileStore(filepath.Join(t.TempDir(), "shadow_mode.log"), nil)
	cache := &stubCache{configured: true}
	interceptor := shadow.New(cache, store, nil, shadow.Options{Enabled: shadowOn})
	engine := live.New(cache, live.Options{})

	srv := NewServer(Deps{
		Shadow: interceptor,
		Live:   engine,
		LLM:    llmClient,
		Store:  store,
		Cache:  cache,
		Config: config.NewStore(&config.Config{
			Analytics: config.AnalyticsConfig{CostPer1KTokens: 0.002, AvgTokensPerHit: 100},
		}),
	})
	return &fixture{router: srv.Router(), store: store, cache: cache}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func (f *fixture) seed(t *testing.T, recs ...*record.ShadowRecord) {
	t.Helper()
	for _, r := range recs {
		require.NoError(t, f.store.Append(context.Background(), r))
	}
}

func TestChatShadowRecordsComparison(t *testing.T) {
	f := newFixture(t, stubLLM{answer: "Paris"}, true)
	sim := 0.95
	f.cache.candidates = []langcache.Candidate{{ID: "c1", Prompt: "capital of France?", Response: "Paris.", Similarity: &sim}}

	rec, body := f.do(t, http.MethodPost, "/chat", `{"message":"What is the capital of France?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Paris", body["response"])
	assert.Equal(t, "shadow", body["mode"])
	info := body["cache_info"].(map[string]any)
	assert.Equal(t, false, info["cached"])
	assert.Equal(t, "shadow_mode", info["source"])

	require.Eventually(t, func() bool {
		batch, err := f.store.ListAll(context.Background())
		return err == nil && len(batch.Records) == 1
	}, 2*time.Second, 10*time.Millisecond)

	batch, err := f.store.ListAll(context.Background())
	require.NoError(t, err)
	got := batch.Records[0]
	assert.True(t, got.CacheHit)
	assert.Equal(t, "Paris", got.LLMResponse)
	require.NotNil(t, got.CacheResponse)
	assert.Equal(t, "Paris.", *got.CacheResponse)
}

func TestChatLiveServesConfidentMatch(t *testing.T) {
	f := newFixture(t, stubLLM{err: errors.New("must not be called")}, false)
	sim := 0.93
	f.cache.candidates = []langcache.Candidate{{ID: "c1", Prompt: "hi", Response: "hello!", Similarity: &sim}}

	rec, body := f.do(t, http.MethodPost, "/chat", `{"message":"hi there","mode":"live"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello!", body["response"])
	info := body["cache_info"].(map[string]any)
	assert.Equal(t, true, info["cached"])
	assert.Equal(t, live.SourceCache, info["source"])
	assert.Equal(t, "hi", info["matched_query"])
}

func TestChatValidation(t *testing.T) {
	f := newFixture(t, stubLLM{answer: "x"}, true)

	rec, body := f.do(t, http.MethodPost, "/chat", `{"message":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No message provided", body["error"])

	rec, _ = f.do(t, http.MethodPost, "/chat", `{"message":"hi","mode":"turbo"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/chat", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/chat", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestChatLLMErrorIs500(t *testing.T) {
	f := newFixture(t, stubLLM{err: errors.New("upstream down")}, true)

	rec, body := f.do(t, http.MethodPost, "/chat", `{"message":"hi"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "error", body["status"])
	assert.Contains(t, body["error"], "upstream down")
}

func TestShadowStatus(t *testing.T) {
	f := newFixture(t, stubLLM{answer: "x"}, true)
	f.seed(t, record.New("q1", "a1", time.Now()), record.New("q2", "a2", time.Now()))

	rec, body := f.do(t, http.MethodGet, "/shadow-status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["shadow_mode_enabled"])
	assert.EqualValues(t, 2, body["shadow_data_collected"])
	assert.Equal(t, "file", body["data_source"])
}

func TestShadowDataNewestFirst(t *testing.T) {
	f := newFixture(t, stubLLM{answer: "x"}, true)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	older := record.New("older", "a", base)
	newer := record.New("newer", "b", base.Add(time.Minute))
	newer.SetMatch(&record.Match{Query: "n", Response: "b", Similarity: 0.9, ID: "c"})
	f.seed(t, newer, older)

	rec, body := f.do(t, http.MethodGet, "/api/shadow-data", "")
	require.Equal(t, http.StatusOK, rec.Code)

	data := body["data"].([]any)
	require.Len(t, data, 2)
	assert.Equal(t, "newer", data[0].(map[string]any)["query"])

	metrics := body["metrics"].(map[string]any)
	assert.EqualValues(t, 2, metrics["total_queries"])
	assert.EqualValues(t, 1, metrics["cache_hits"])
	assert.EqualValues(t, 50, metrics["hit_rate_percent"])
}

func TestAnalysisWindowAndValidation(t *testing.T) {
	f := newFixture(t, stubLLM{answer: "x"}, true)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f.seed(t, record.New("a", "x", base), record.New("b", "y", base.Add(2*time.Hour)))

	rec, body := f.do(t, http.MethodGet, "/api/analysis?since=2025-03-01T13:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	summary := body["summary"].(map[string]any)
	assert.EqualValues(t, 1, summary["total_queries"])
	assert.NotEmpty(t, body["recommendations"])

	rec, _ = f.do(t, http.MethodGet, "/api/analysis?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, stubLLM{answer: "x"}, false)

	rec, body := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "file", body["storage"])
	assert.Equal(t, "healthy", body["cache"])

	f.cache.healthErr = errors.New("boom")
	_, body = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "unhealthy", body["cache"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, stubLLM{answer: "x"}, false)
	rec, _ := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
