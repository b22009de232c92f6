package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds all the configuration for our application
// The structure tags (mapstructure) tell Viper which YAML field maps to which Go struct field.
type Config struct {
	ShadowModeEnabled bool    `mapstructure:"shadow_mode_enabled"`
	APIKey            string  `mapstructure:"api_key"`
	CacheID           string  `mapstructure:"cache_id"`
	BaseURL           string  `mapstructure:"base_url"`
	TimeoutSeconds    float64 `mapstructure:"timeout_seconds"`
	StorageURL        string  `mapstructure:"storage_url"`
	FallbackLogPath   string  `mapstructure:"fallback_log_path"`
	LogLevel          string  `mapstructure:"log_level"`

	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Persist   PersistConfig   `mapstructure:"persist"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type LLMConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	APIKey         string  `mapstructure:"api_key"`
	Model          string  `mapstructure:"model"`
	SystemPrompt   string  `mapstructure:"system_prompt"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	TimeoutSeconds float64 `mapstructure:"timeout_seconds"`
}

type PersistConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
	// RetentionHours sets a TTL on remote records; 0 keeps them.
	RetentionHours int `mapstructure:"retention_hours"`
}

type AnalyticsConfig struct {
	CostPer1KTokens float64 `mapstructure:"cost_per_1k_tokens"`
	AvgTokensPerHit int     `mapstructure:"avg_tokens_per_hit"`
}

type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"requests_per_second"`
	Burst   int     `mapstructure:"burst"`
}

// Timeout is the cache backend timeout.
func (c *Config) Timeout() time.Duration {
	return seconds(c.TimeoutSeconds, 10*time.Second)
}

// LLMTimeout is the provider timeout.
func (c *Config) LLMTimeout() time.Duration {
	return seconds(c.LLM.TimeoutSeconds, 10*time.Second)
}

// Retention is the TTL applied to remote records.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Persist.RetentionHours) * time.Hour
}

func seconds(v float64, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v * float64(time.Second))
}

// Validate rejects values that cannot work. Missing credentials are allowed.
func (c *Config) Validate() error {
	var errs []error
	if c.TimeoutSeconds < 0 {
		errs = append(errs, errors.New("timeout_seconds must be >= 0"))
	}
	if c.LLM.TimeoutSeconds < 0 {
		errs = append(errs, errors.New("llm.timeout_seconds must be >= 0"))
	}
	if c.Persist.Workers < 0 || c.Persist.QueueSize < 0 || c.Persist.RetentionHours < 0 {
		errs = append(errs, errors.New("persist values must be >= 0"))
	}
	if c.Analytics.CostPer1KTokens < 0 || c.Analytics.AvgTokensPerHit < 0 {
		errs = append(errs, errors.New("analytics values must be >= 0"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("ratelimit needs requests_per_second and burst > 0 when enabled"))
	}
	if u := c.StorageURL; u != "" {
		if !strings.HasPrefix(u, "redis://") && !strings.HasPrefix(u, "rediss://") && !strings.HasPrefix(u, "sqlite://") {
			errs = append(errs, fmt.Errorf("storage_url %q: want redis://, rediss:// or sqlite://", u))
		}
	}
	return errors.Join(errs...)
}

// Store wraps configuration with thread-safe access and hot-reload updates.
type Store struct {
	mu        sync.RWMutex
	cfg       *Config
	listeners []func(*Config)
}

// NewStore wraps a fixed config, mainly for tests and one-shot tools.
func NewStore(cfg *Config) *Store {
	return &Store{cfg: cfg}
}

func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return nil
	}
	cpy := *s.cfg
	return &cpy
}

// OnChange registers fn to run with the new config after every reload.
func (s *Store) OnChange(fn func(*Config)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Store) set(cfg *Config) {
	s.mu.Lock()
	s.cfg = cfg
	listeners := append([]func(*Config){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		cpy := *cfg
		fn(&cpy)
	}
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./configs")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetDefault("shadow_mode_enabled", false)
	v.SetDefault("api_key", "")
	v.SetDefault("cache_id", "")
	v.SetDefault("base_url", "")
	v.SetDefault("timeout_seconds", 10)
	v.SetDefault("storage_url", "")
	v.SetDefault("fallback_log_path", "shadow_mode.log")
	v.SetDefault("log_level", "info")
	v.SetDefault("server.port", "8080")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.system_prompt", "You are a helpful AI assistant.")
	v.SetDefault("llm.max_tokens", 500)
	v.SetDefault("llm.timeout_seconds", 10)
	v.SetDefault("persist.workers", 4)
	v.SetDefault("persist.queue_size", 1024)
	v.SetDefault("persist.retention_hours", 0)
	v.SetDefault("analytics.cost_per_1k_tokens", 0.002)
	v.SetDefault("analytics.avg_tokens_per_hit", 100)
	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.requests_per_second", 10)
	v.SetDefault("ratelimit.burst", 20)

	v.SetEnvPrefix("SHADOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// names used by existing deployments
	_ = v.BindEnv("shadow_mode_enabled", "SHADOW_SHADOW_MODE_ENABLED", "SHADOW_MODE")
	_ = v.BindEnv("api_key", "SHADOW_API_KEY", "LANGCACHE_API_KEY")
	_ = v.BindEnv("cache_id", "SHADOW_CACHE_ID", "LANGCACHE_CACHE_ID")
	_ = v.BindEnv("base_url", "SHADOW_BASE_URL", "LANGCACHE_BASE_URL")
	_ = v.BindEnv("storage_url", "SHADOW_STORAGE_URL", "REDIS_URL")
	_ = v.BindEnv("llm.api_key", "SHADOW_LLM_API_KEY", "OPENAI_API_KEY")
	return v
}

// read loads the file. A missing file is fine when no explicit path was given.
func read(v *viper.Viper, path string) (bool, error) {
	err := v.ReadInConfig()
	if err == nil {
		return true, nil
	}
	var notFound viper.ConfigFileNotFoundError
	if path == "" && errors.As(err, &notFound) {
		return false, nil
	}
	return false, err
}

// LoadAndWatch loads the config and watches for on-disk changes.
func LoadAndWatch(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := newViper(path)
	found, err := read(v, path)
	if err != nil {
		return nil, err
	}

	store := &Store{}
	if err := refresh(v, store); err != nil {
		return nil, err
	}
	if !found {
		logger.Info("no config file found, using defaults and environment")
		return store, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if err := refresh(v, store); err != nil {
			logger.Warn("config reload failed", zap.String("file", e.Name), zap.Error(err))
		} else {
			logger.Info("config reloaded", zap.String("file", e.Name))
		}
	})
	v.WatchConfig()

	return store, nil
}

// Load reads the config once and does not watch.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if _, err := read(v, path); err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func refresh(v *viper.Viper, store *Store) error {
	cfg, err := decode(v)
	if err != nil {
		return err
	}
	store.set(cfg)
	return nil
}
