package langcache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/", APIKey: "secret", CacheID: "faq", Timeout: 2 * time.Second})
}

func TestSearchSendsPromptAndBearer(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/caches/faq/search", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "How do I reset my API key?", body["prompt"])

		_, _ = w.Write([]byte(`[{"id":"faq:1","prompt":"How do I update my API keys?","response":"Settings.","distance":0.14},
			{"id":"faq:2","prompt":"other","response":"x","similarity":0.5}]`))
	})

	cands, err := c.Search(context.Background(), "How do I reset my API key?")
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.InDelta(t, 0.86, cands[0].Score(), 1e-9)
	assert.Equal(t, 0.5, cands[1].Score())

	m := cands[0].Match()
	assert.Equal(t, "faq:1", m.ID)
	assert.Equal(t, "Settings.", m.Response)
}

func TestSearchWrappedData(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"id":"a","prompt":"p","response":"r","similarity":1.2}]}`))
	})
	cands, err := c.Search(context.Background(), "p")
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, 1.0, cands[0].Score())
}

func TestSearchEmptyIsMiss(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	cands, err := c.Search(context.Background(), "p")
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestSearchNon200IsStatusError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	})
	_, err := c.Search(context.Background(), "p")
	require.ErrorIs(t, err, ErrUnexpectedStatus)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.Code)
}

func TestSearchMalformedBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": "oops"`))
	})
	_, err := c.Search(context.Background(), "p")
	assert.Error(t, err)
}

func TestAddEntryAccepts201And200(t *testing.T) {
	var code atomic.Int32
	code.Store(http.StatusCreated)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/caches/faq/entries", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "q", body["prompt"])
		assert.Equal(t, "a", body["response"])
		w.WriteHeader(int(code.Load()))
		_, _ = w.Write([]byte(`{"entryId":"e1"}`))
	})

	require.NoError(t, c.AddEntry(context.Background(), "q", "a"))
	code.Store(http.StatusOK)
	require.NoError(t, c.AddEntry(context.Background(), "q", "a"))
	code.Store(http.StatusBadRequest)
	assert.ErrorIs(t, c.AddEntry(context.Background(), "q", "a"), ErrUnexpectedStatus)
}

func TestHealthAndDelete(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/caches/faq/health":
			_, _ = w.Write([]byte(`{"status":"healthy"}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/v1/caches/faq/entries/e 1":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodDelete && r.URL.Path == "/v1/caches/faq/entries":
			var body map[string]map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "faq", body["attributes"]["topic"])
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.EscapedPath())
			w.WriteHeader(http.StatusNotFound)
		}
	})

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", h["status"])
	require.NoError(t, c.DeleteEntry(context.Background(), "e 1"))
	require.NoError(t, c.DeleteEntries(context.Background(), map[string]string{"topic": "faq"}))
	assert.Error(t, c.DeleteEntry(context.Background(), ""))
}

func TestNotConfigured(t *testing.T) {
	c := New(Config{BaseURL: "http://localhost"})
	assert.False(t, c.Configured())
	_, err := c.Search(context.Background(), "q")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	for i := 0; i < 5; i++ {
		_, err := c.Search(context.Background(), "q")
		require.ErrorIs(t, err, ErrUnexpectedStatus)
	}
	_, err := c.Search(context.Background(), "q")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(5), calls.Load())
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	for i := 0; i < 8; i++ {
		_, err := c.Search(context.Background(), "q")
		require.ErrorIs(t, err, ErrUnexpectedStatus)
	}
}
