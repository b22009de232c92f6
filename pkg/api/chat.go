package api

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ngoyal88/shadowrelay/pkg/live"
	"github.com/ngoyal88/shadowrelay/pkg/llm"
	"github.com/ngoyal88/shadowrelay/pkg/shadow"
)

const (
	ModeShadow = "shadow"
	ModeLive   = "live"
)

type chatRequest struct {
	Message string `json:"message"`
	Mode    string `json:"mode"`
}

type chatResponse struct {
	Response  string         `json:"response"`
	Status    string         `json:"status"`
	Mode      string         `json:"mode"`
	CacheInfo map[string]any `json:"cache_info"`
}

// handleChat answers a message. Shadow mode always answers from the LLM;
// live mode may answer from the cache.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Invalid request body",
		})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "No message provided",
		})
		return
	}
	if req.Mode == "" {
		req.Mode = ModeShadow
	}
	if req.Mode != ModeShadow && req.Mode != ModeLive {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("unknown mode %q", req.Mode),
		})
		return
	}
	if s.llm == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "LLM not configured",
		})
		return
	}

	start := time.Now()
	var (
		answer string
		info   map[string]any
		err    error
	)
	if req.Mode == ModeLive {
		answer, info, err = s.chatLive(r.Context(), req.Message)
	} else {
		answer, info, err = s.chatShadow(r.Context(), req.Message)
	}
	if err != nil {
		s.logger.Error("chat failed", zap.String("mode", req.Mode), zap.Error(err))
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error":  fmt.Sprintf("Error: %v", err),
			"status": "error",
		})
		return
	}
	info["total_latency"] = roundMs(time.Since(start))

	respondJSON(w, http.StatusOK, chatResponse{
		Response:  answer,
		Status:    "success",
		Mode:      req.Mode,
		CacheInfo: info,
	})
}

func (s *Server) chatShadow(ctx context.Context, message string) (string, map[string]any, error) {
	start := time.Now()
	resp, err := shadow.Call(ctx, s.shadow, message, func(ctx context.Context) (*llm.ChatResponse, error) {
		return s.llm.Complete(ctx, message)
	})
	if err != nil {
		return "", nil, err
	}
	return resp.Text(), map[string]any{
		"cached":      false,
		"source":      "shadow_mode",
		"llm_latency": roundMs(time.Since(start)),
	}, nil
}

func (s *Server) chatLive(ctx context.Context, message string) (string, map[string]any, error) {
	if s.live == nil {
		return "", nil, fmt.Errorf("live mode not configured")
	}
	res, err := s.live.Answer(ctx, message, func(ctx context.Context) (llm.Completion, error) {
		return s.llm.Complete(ctx, message)
	})
	if err != nil {
		return "", nil, err
	}

	info := map[string]any{
		"cached": res.Cached,
		"source": res.Source,
		"reason": res.Reason,
	}
	if res.Similarity != nil {
		info["similarity"] = *res.Similarity
	}
	if res.MatchedQuery != nil {
		info["matched_query"] = *res.MatchedQuery
	}
	if res.CacheLatencyMs != nil {
		info["cache_latency"] = *res.CacheLatencyMs
	}
	if res.LLMLatencyMs != nil {
		info["llm_latency"] = *res.LLMLatencyMs
	}
	if res.Model != "" {
		info["model"] = res.Model
	}
	switch {
	case res.Source == live.SourceCache:
		s.logger.Debug("served from cache", zap.String("reason", res.Reason))
	case res.IsError():
		s.logger.Info("live cache unavailable, answered by llm", zap.String("reason", res.Reason))
	}
	return res.Response, info, nil
}

func roundMs(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/100) / 10
}
