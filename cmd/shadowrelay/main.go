package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/ngoyal88/shadowrelay/pkg/ai"
	"github.com/ngoyal88/shadowrelay/pkg/api"
	"github.com/ngoyal88/shadowrelay/pkg/cache"
	"github.com/ngoyal88/shadowrelay/pkg/config"
	"github.com/ngoyal88/shadowrelay/pkg/langcache"
	"github.com/ngoyal88/shadowrelay/pkg/live"
	"github.com/ngoyal88/shadowrelay/pkg/llm"
	"github.com/ngoyal88/shadowrelay/pkg/middleware"
	"github.com/ngoyal88/shadowrelay/pkg/shadow"
	"github.com/ngoyal88/shadowrelay/pkg/storage"
	"github.com/ngoyal88/shadowrelay/pkg/worker"
)

func main() {
	configPath := flag.String("config", "", "config file (default ./configs/config.yaml)")
	flag.Parse()

	boot := newLogger("info")

	// 1. Load Config with hot reload
	cfgStore, err := config.LoadAndWatch(*configPath, boot)
	if err != nil {
		boot.Fatal("failed to load config", zap.Error(err))
	}
	cfg := cfgStore.Get()

	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Storage: primary backend with the local log as fallback
	openCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	store := storage.Open(openCtx, storage.Options{
		URL:          cfg.StorageURL,
		FallbackPath: cfg.FallbackLogPath,
		Retention:    cfg.Retention(),
		Logger:       logger.Named("storage"),
	})
	cancel()
	defer store.Close()

	// 3. Cache backend and LLM provider
	cacheClient := langcache.New(langcache.Config{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		CacheID: cfg.CacheID,
		Timeout: cfg.Timeout(),
		Logger:  logger.Named("langcache"),
	})
	if !cacheClient.Configured() {
		logger.Warn("cache backend credentials missing; shadow records will be misses and live mode uses the llm only")
	}
	llmClient := llm.NewClient(llm.Config{
		BaseURL:      cfg.LLM.BaseURL,
		APIKey:       cfg.LLM.APIKey,
		Model:        cfg.LLM.Model,
		SystemPrompt: cfg.LLM.SystemPrompt,
		MaxTokens:    cfg.LLM.MaxTokens,
		Timeout:      cfg.LLMTimeout(),
	})

	// 4. Background persistence
	pool := worker.New(worker.Config{
		Name:      "persist",
		Workers:   cfg.Persist.Workers,
		QueueSize: cfg.Persist.QueueSize,
		Logger:    logger.Named("worker"),
	})

	interceptor := shadow.New(cacheClient, store, pool, shadow.Options{
		Enabled:      cfg.ShadowModeEnabled,
		ProbeTimeout: cfg.Timeout(),
		DefaultModel: llmClient.ModelName(),
		Estimator:    ai.EstimateTokens,
		Logger:       logger.Named("shadow"),
	})
	cfgStore.OnChange(func(c *config.Config) {
		interceptor.SetEnabled(c.ShadowModeEnabled)
	})

	engine := live.New(cacheClient, live.Options{
		StoreTimeout: cfg.Timeout(),
		Logger:       logger.Named("live"),
	})

	// 5. Rate limiting is shared through Redis when storage lives there
	var rdb *cache.Client
	if strings.HasPrefix(cfg.StorageURL, "redis") {
		if rdb, err = cache.FromURL(cfg.StorageURL); err != nil {
			logger.Warn("rate limiter falling back to local buckets", zap.Error(err))
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	srv := api.NewServer(api.Deps{
		Shadow: interceptor,
		Live:   engine,
		LLM:    llmClient,
		Store:  store,
		Cache:  cacheClient,
		Config: cfgStore,
		Logger: logger.Named("api"),
	})
	router := srv.Router(
		middleware.RequestLogger(logger.Named("http")),
		middleware.NewRateLimiter(rdb, cfgStore, logger.Named("ratelimit")),
	)

	httpServer := &http.Server{
		Addr:              listenAddr(cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("shadowrelay listening",
		zap.String("addr", httpServer.Addr),
		zap.Bool("shadow_mode", interceptor.Enabled()),
		zap.String("storage", store.Name()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		// drain pending shadow records before storage closes
		return pool.Close(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return
	}
	logger.Info("server stopped")
}

func newLogger(level string) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := zcfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// listenAddr accepts "8080" or ":8080" or "host:8080".
func listenAddr(port string) string {
	if port == "" {
		return ":8080"
	}
	if _, _, err := net.SplitHostPort(port); err == nil {
		return port
	}
	return ":" + port
}
