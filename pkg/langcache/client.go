package langcache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/ngoyal88/shadowrelay/pkg/record"
)

// DefaultTimeout bounds every call to the cache backend.
const DefaultTimeout = 10 * time.Second

var (
	// ErrNotConfigured means base url, api key or cache id is missing.
	ErrNotConfigured = errors.New("langcache: credentials not configured")
	// ErrUnexpectedStatus is wrapped by StatusError.
	ErrUnexpectedStatus = errors.New("langcache: unexpected status")
)

// StatusError carries a non-success HTTP response from the backend.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("langcache %s: status %d: %s", e.Op, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

// Candidate is one semantic search result.
type Candidate struct {
	ID         string   `json:"id"`
	Prompt     string   `json:"prompt"`
	Response   string   `json:"response"`
	Similarity *float64 `json:"similarity,omitempty"`
	Distance   *float64 `json:"distance,omitempty"`
}

// Score returns the similarity in [0,1], derived from distance when the
// backend reports only that.
func (c Candidate) Score() float64 {
	switch {
	case c.Similarity != nil:
		return record.ClampSimilarity(*c.Similarity)
	case c.Distance != nil:
		return record.SimilarityFromDistance(*c.Distance)
	}
	return 0
}

// Match converts the candidate into a record match.
func (c Candidate) Match() *record.Match {
	return &record.Match{Query: c.Prompt, Response: c.Response, Similarity: c.Score(), ID: c.ID}
}

// Config holds connection settings for the cache backend.
type Config struct {
	BaseURL    string
	APIKey     string
	CacheID    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the semantic cache REST API.
type Client struct {
	baseURL string
	apiKey  string
	cacheID string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// New creates a client. Missing credentials are not an error here; calls
// return ErrNotConfigured instead.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		cacheID: cfg.CacheID,
		http:    hc,
		logger:  logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "langcache",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// 4xx answers mean the backend is up
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code < 500
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("cache backend breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

// Configured reports whether base url, api key and cache id are all set.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != "" && c.apiKey != "" && c.cacheID != ""
}

type searchRequest struct {
	Prompt string `json:"prompt"`
}

type entryRequest struct {
	Prompt   string `json:"prompt"`
	Response string `json:"response"`
}

// Search returns candidates ordered best first. An empty slice is a miss.
func (c *Client) Search(ctx context.Context, prompt string) ([]Candidate, error) {
	body, err := c.do(ctx, "search", http.MethodPost, "/search", searchRequest{Prompt: prompt}, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return decodeCandidates(body)
}

// decodeCandidates accepts a bare array or an object wrapping it in "data".
func decodeCandidates(body []byte) ([]Candidate, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	var out []Candidate
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, fmt.Errorf("langcache search: decode: %w", err)
		}
		return out, nil
	}
	var wrapped struct {
		Data []Candidate `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("langcache search: decode: %w", err)
	}
	return wrapped.Data, nil
}

// AddEntry stores a prompt/response pair.
func (c *Client) AddEntry(ctx context.Context, prompt, response string) error {
	_, err := c.do(ctx, "add entry", http.MethodPost, "/entries",
		entryRequest{Prompt: prompt, Response: response}, http.StatusCreated, http.StatusOK)
	return err
}

// Health returns the backend health payload.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	body, err := c.do(ctx, "health", http.MethodGet, "/health", nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("langcache health: decode: %w", err)
		}
	}
	return out, nil
}

// DeleteEntry removes one entry by id.
func (c *Client) DeleteEntry(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("langcache delete entry: empty id")
	}
	_, err := c.do(ctx, "delete entry", http.MethodDelete, "/entries/"+url.PathEscape(id), nil,
		http.StatusOK, http.StatusNoContent)
	return err
}

// DeleteEntries removes every entry matching attrs.
func (c *Client) DeleteEntries(ctx context.Context, attrs map[string]string) error {
	payload := map[string]any{"attributes": attrs}
	_, err := c.do(ctx, "delete entries", http.MethodDelete, "/entries", payload,
		http.StatusOK, http.StatusNoContent)
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, payload any, okCodes ...int) ([]byte, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, op, method, path, payload, okCodes)
	})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, payload any, okCodes []int) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(data)
	}

	endpoint := fmt.Sprintf("%s/v1/caches/%s%s", c.baseURL, url.PathEscape(c.cacheID), path)
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("langcache %s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("langcache %s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("langcache %s: read body: %w", op, err)
	}

	for _, code := range okCodes {
		if resp.StatusCode == code {
			return body, nil
		}
	}
	return nil, &StatusError{Op: op, Code: resp.StatusCode, Body: truncate(string(body), 512)}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
