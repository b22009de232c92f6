package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ngoyal88/shadowrelay/pkg/metrics"
	"github.com/ngoyal88/shadowrelay/pkg/record"
)

// KeyValue is the subset of the cache client the remote store needs.
// *cache.Client satisfies it.
type KeyValue interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
}

const readConcurrency = 16

// RedisStore implements Store on a keyed remote store, one key per record.
type RedisStore struct {
	rdb    KeyValue
	ttl    time.Duration // zero keeps records forever
	logger *zap.Logger
}

// NewRedisStore creates a new Redis-backed storage
func NewRedisStore(rdb KeyValue, retention time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		rdb:    rdb,
		ttl:    retention,
		logger: logger,
	}
}

func (s *RedisStore) Name() string { return "redis" }

// Append stores a record under shadow:<request_id>.
func (s *RedisStore) Append(ctx context.Context, rec *record.ShadowRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, rec.Key(), data, s.ttl); err != nil {
		metrics.PersistFailures.WithLabelValues(s.Name()).Inc()
		return fmt.Errorf("%w: redis set %s: %v", ErrUnavailable, rec.Key(), err)
	}
	metrics.RecordsPersisted.WithLabelValues(s.Name()).Inc()
	return nil
}

// ListAll scans shadow:* and fetches the values concurrently.
func (s *RedisStore) ListAll(ctx context.Context) (*Batch, error) {
	keys, err := s.rdb.Keys(ctx, record.KeyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("%w: redis scan: %v", ErrUnavailable, err)
	}

	var (
		mu    sync.Mutex
		batch = &Batch{Source: s.Name(), Records: make([]*record.ShadowRecord, 0, len(keys))}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(readConcurrency)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			data, err := s.rdb.Get(gctx, key)
			if errors.Is(err, redis.Nil) {
				// expired or deleted between SCAN and GET
				return nil
			}
			if err != nil {
				return fmt.Errorf("%w: redis get %s: %v", ErrUnavailable, key, err)
			}

			var rec record.ShadowRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				s.logger.Warn("skipping undecodable record", zap.String("key", key), zap.Error(err))
				mu.Lock()
				batch.Skipped++
				mu.Unlock()
				return nil
			}

			mu.Lock()
			batch.Records = append(batch.Records, &rec)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sortRecords(batch.Records)
	return batch, nil
}

// Ping checks Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx)
}
