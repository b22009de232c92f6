package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteAdaptsToCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "hello", req.Messages[1].Content)

		_, _ = w.Write([]byte(`{"id":"c1","model":"gpt-4o-mini","choices":[{"message":{"role":"assistant","content":"hi there"}}],"usage":{"total_tokens":12}}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL + "/v1", APIKey: "sk-test", SystemPrompt: "be brief"})
	resp, err := c.Complete(context.Background(), "hello")
	require.NoError(t, err)

	var comp Completion = resp
	assert.Equal(t, "hi there", comp.Text())
	n, ok := comp.Tokens()
	assert.True(t, ok)
	assert.Equal(t, 12, n)
	assert.Equal(t, "gpt-4o-mini", comp.Model())

	snap := Snapshot(comp)
	assert.Equal(t, "hi there", snap.Content)
	assert.Equal(t, 12, *snap.TotalTokens)
}

func TestChatStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL}).Complete(context.Background(), "x")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.Code)
}

func TestChatNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"c1","choices":[]}`))
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL}).Complete(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoChoices)
}

func TestResultWithoutTokens(t *testing.T) {
	r := Result{Content: "x", ModelName: "m"}
	_, ok := r.Tokens()
	assert.False(t, ok)
	assert.Nil(t, Snapshot(r).TotalTokens)
}
