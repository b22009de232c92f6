package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"
)

// ErrNoChoices is returned when the provider answers without any choice.
var ErrNoChoices = errors.New("llm: response has no choices")

// StatusError is a non-200 answer from the provider.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: status %d: %s", e.Code, e.Body)
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// ChatResponse is the OpenAI chat completion payload. It satisfies Completion.
type ChatResponse struct {
	ID      string   `json:"id"`
	ModelID string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

func (r *ChatResponse) Text() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

func (r *ChatResponse) Tokens() (int, bool) {
	if r == nil || r.Usage == nil {
		return 0, false
	}
	return r.Usage.TotalTokens, true
}

func (r *ChatResponse) Model() string {
	if r == nil {
		return ""
	}
	return r.ModelID
}

// Config for an OpenAI-compatible provider.
type Config struct {
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// Client calls an OpenAI-compatible chat completions endpoint.
type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: hc}
}

// ModelName returns the configured model.
func (c *Client) ModelName() string { return c.cfg.Model }

// Complete sends a single user prompt, preceded by the configured system prompt.
func (c *Client) Complete(ctx context.Context, prompt string) (*ChatResponse, error) {
	msgs := make([]Message, 0, 2)
	if c.cfg.SystemPrompt != "" {
		msgs = append(msgs, Message{Role: "system", Content: c.cfg.SystemPrompt})
	}
	msgs = append(msgs, Message{Role: "user", Content: prompt})
	return c.Chat(ctx, msgs)
}

// Chat posts messages to /chat/completions.
func (c *Client) Chat(ctx context.Context, msgs []Message) (*ChatResponse, error) {
	payload, err := json.Marshal(ChatRequest{Model: c.cfg.Model, Messages: msgs, MaxTokens: c.cfg.MaxTokens})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("llm read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if len(body) > 512 {
			body = body[:512]
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	var out ChatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("llm decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, ErrNoChoices
	}
	return &out, nil
}
