package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ngoyal88/shadowrelay/pkg/cache"
)

// DefaultFallbackPath is the local log used when no path is configured.
const DefaultFallbackPath = "shadow_mode.log"

// Options configures Open.
type Options struct {
	// URL selects the primary backend: redis://, rediss:// or sqlite://<path>.
	// Empty means file only.
	URL          string
	FallbackPath string
	Retention    time.Duration
	Logger       *zap.Logger
}

// OpenPrimary connects the backend named by url without any fallback.
func OpenPrimary(url string, retention time.Duration, logger *zap.Logger) (Store, io.Closer, error) {
	switch {
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		client, err := cache.FromURL(url)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return NewRedisStore(client, retention, logger), client, nil
	case strings.HasPrefix(url, "sqlite://"):
		st, err := NewSQLiteStore(strings.TrimPrefix(url, "sqlite://"), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return st, st, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage url %q", url)
	}
}

// Open builds the fallback store. A primary that is down at startup stays
// composed and every append falls back to the file until it answers again.
// Only a primary that cannot be constructed at all leaves the store file only.
func Open(ctx context.Context, opts Options) *FallbackStore {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	path := opts.FallbackPath
	if path == "" {
		path = DefaultFallbackPath
	}
	file := NewFileStore(path, logger)

	if opts.URL == "" {
		logger.Info("no storage url configured, using file", zap.String("path", path))
		return NewFallbackStore(nil, file, logger)
	}

	primary, closer, err := openLazy(opts.URL, opts.Retention, logger)
	if err != nil {
		logger.Warn("primary store unusable, using file only",
			zap.String("url", redactURL(opts.URL)),
			zap.String("path", path),
			zap.Error(err),
		)
		return NewFallbackStore(nil, file, logger)
	}

	st := NewFallbackStore(primary, file, logger)
	st.closers = append(st.closers, closer)
	if err := primary.Ping(ctx); err != nil {
		logger.Warn("primary store unreachable, writing to file until it recovers",
			zap.String("url", redactURL(opts.URL)),
			zap.String("path", path),
			zap.Error(err),
		)
		return st
	}
	logger.Info("storage ready", zap.String("backend", st.Name()), zap.String("path", path))
	return st
}

// openLazy is OpenPrimary without the connect-time redis ping.
func openLazy(url string, retention time.Duration, logger *zap.Logger) (Store, io.Closer, error) {
	if strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://") {
		client, err := cache.Dial(url)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return NewRedisStore(client, retention, logger), client, nil
	}
	return OpenPrimary(url, retention, logger)
}

// redactURL strips credentials from a storage url before it is logged.
func redactURL(url string) string {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok {
		return url
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = "***@" + rest[at+1:]
	}
	return scheme + "://" + rest
}
