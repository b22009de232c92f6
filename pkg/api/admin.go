package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ngoyal88/shadowrelay/pkg/analytics"
	"github.com/ngoyal88/shadowrelay/pkg/config"
	"github.com/ngoyal88/shadowrelay/pkg/live"
	"github.com/ngoyal88/shadowrelay/pkg/llm"
	"github.com/ngoyal88/shadowrelay/pkg/shadow"
	"github.com/ngoyal88/shadowrelay/pkg/storage"
)

// recentLimit caps /api/shadow-data.
const recentLimit = 100

// LLM answers a single prompt. *llm.Client satisfies it.
type LLM interface {
	Complete(ctx context.Context, prompt string) (*llm.ChatResponse, error)
}

// CacheHealth reports backend health. *langcache.Client satisfies it.
type CacheHealth interface {
	Configured() bool
	Health(ctx context.Context) (map[string]any, error)
}

// Deps are the collaborators behind the HTTP API.
type Deps struct {
	Shadow *shadow.Interceptor
	Live   *live.Engine
	LLM    LLM
	Store  storage.Store
	Cache  CacheHealth
	Config *config.Store
	Logger *zap.Logger
}

// Server provides the chat, status and analysis endpoints.
type Server struct {
	shadow *shadow.Interceptor
	live   *live.Engine
	llm    LLM
	store  storage.Store
	cache  CacheHealth
	cfg    *config.Store
	logger *zap.Logger
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Config == nil {
		d.Config = config.NewStore(&config.Config{})
	}
	return &Server{
		shadow: d.Shadow,
		live:   d.Live,
		llm:    d.LLM,
		store:  d.Store,
		cache:  d.Cache,
		cfg:    d.Config,
		logger: d.Logger,
	}
}

// Router registers every endpoint. Middlewares wrap all routes, /metrics included.
func (s *Server) Router(mw ...mux.MiddlewareFunc) *mux.Router {
	r := mux.NewRouter()
	for _, m := range mw {
		r.Use(m)
	}

	r.HandleFunc("/chat", s.handleChat).Methods(http.MethodPost)
	r.HandleFunc("/shadow-status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/shadow-data", s.handleShadowData).Methods(http.MethodGet)
	r.HandleFunc("/api/analysis", s.handleAnalysis).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// handleStatus reports whether shadow mode is on and how much data exists.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	count, source := 0, "none"
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		batch, err := s.store.ListAll(ctx)
		if err != nil {
			s.logger.Warn("status: reading shadow records failed", zap.Error(err))
		} else {
			count = len(batch.Records)
			if batch.Source != "" {
				source = batch.Source
			}
		}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"shadow_mode_enabled":   s.shadow.Enabled(),
		"shadow_data_collected": count,
		"data_source":           source,
	})
}

// handleShadowData returns the newest records plus summary metrics.
func (s *Server) handleShadowData(w http.ResponseWriter, r *http.Request) {
	batch, ok := s.load(w, r)
	if !ok {
		return
	}
	report := analytics.Analyze(batch.Records, s.analyticsOptions(batch))

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":    batch.Recent(recentLimit),
		"metrics": report.Summary,
		"tokens":  report.Tokens,
		"source":  batch.Source,
	})
}

// handleAnalysis returns the full report. since/until take RFC3339 timestamps.
func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	since, err := parseTime(r.URL.Query().Get("since"))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid since: %v", err)})
		return
	}
	until, err := parseTime(r.URL.Query().Get("until"))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid until: %v", err)})
		return
	}

	batch, ok := s.load(w, r)
	if !ok {
		return
	}
	opts := s.analyticsOptions(batch)
	opts.Since, opts.Until = since, until

	respondJSON(w, http.StatusOK, analytics.Analyze(batch.Records, opts))
}

// handleHealth returns system health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now(),
		"shadow_mode": s.shadow.Enabled(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			health["storage"] = "unhealthy"
			health["status"] = "degraded"
		} else {
			health["storage"] = s.store.Name()
		}
	}

	switch {
	case s.cache == nil || !s.cache.Configured():
		health["cache"] = "not_configured"
	default:
		if _, err := s.cache.Health(ctx); err != nil {
			health["cache"] = "unhealthy"
			health["status"] = "degraded"
		} else {
			health["cache"] = "healthy"
		}
	}

	respondJSON(w, http.StatusOK, health)
}

func (s *Server) load(w http.ResponseWriter, r *http.Request) (*storage.Batch, bool) {
	if s.store == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "Storage not configured",
		})
		return nil, false
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	batch, err := s.store.ListAll(ctx)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": fmt.Sprintf("Failed to read shadow data: %v", err),
		})
		return nil, false
	}
	return batch, true
}

func (s *Server) analyticsOptions(batch *storage.Batch) analytics.Options {
	cfg := s.cfg.Get()
	return analytics.Options{
		CostPer1KTokens: cfg.Analytics.CostPer1KTokens,
		AvgTokensPerHit: cfg.Analytics.AvgTokensPerHit,
		Source:          batch.Source,
		Skipped:         batch.Skipped,
	}
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
