package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ngoyal88/shadowrelay/pkg/cache"
	"github.com/ngoyal88/shadowrelay/pkg/config"
)

// NewRateLimiter limits requests per client IP. With a Redis client the
// budget is shared across instances; otherwise a local token bucket per
// process is used. Limits are read from the store on every request so hot
// reloads apply immediately.
func NewRateLimiter(rdb *cache.Client, store *config.Store, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	var distributed *redis_rate.Limiter
	if rdb != nil {
		distributed = redis_rate.NewLimiter(rdb.Redis())
	}
	local := &localLimiter{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cfg := store.Get()
			if cfg == nil || !cfg.RateLimit.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			rl := cfg.RateLimit

			if distributed != nil {
				limit := redis_rate.Limit{
					Rate:   int(math.Ceil(rl.RPS)),
					Burst:  rl.Burst,
					Period: time.Second,
				}
				res, err := distributed.Allow(r.Context(), "ratelimit:"+clientIP(r), limit)
				if err == nil {
					if res.Allowed == 0 {
						tooMany(w, res.RetryAfter)
						return
					}
					next.ServeHTTP(w, r)
					return
				}
				// Redis trouble should not take the API down
				logger.Warn("distributed rate limit failed, using local limiter", zap.Error(err))
			}

			if !local.get(rl.RPS, rl.Burst).Allow() {
				tooMany(w, time.Second)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// localLimiter rebuilds its bucket when the configured limits change.
type localLimiter struct {
	mu      sync.Mutex
	rps     float64
	burst   int
	limiter *rate.Limiter
}

func (l *localLimiter) get(rps float64, burst int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limiter == nil || l.rps != rps || l.burst != burst {
		l.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		l.rps, l.burst = rps, burst
	}
	return l.limiter
}

func tooMany(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
