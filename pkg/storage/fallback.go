package storage

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/ngoyal88/shadowrelay/pkg/record"
)

// FallbackStore writes to a primary backend and falls back to a local file
// when the primary is unavailable. Reads prefer the primary and use the file
// when the primary errors or holds nothing.
type FallbackStore struct {
	primary Store // may be nil: file only
	file    *FileStore
	closers []io.Closer
	logger  *zap.Logger
}

// NewFallbackStore combines primary and file. primary may be nil.
func NewFallbackStore(primary Store, file *FileStore, logger *zap.Logger) *FallbackStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackStore{primary: primary, file: file, logger: logger}
}

func (s *FallbackStore) Name() string {
	if s.primary == nil {
		return s.file.Name()
	}
	return s.primary.Name() + "+" + s.file.Name()
}

// Primary returns the remote backend, or nil when running file only.
func (s *FallbackStore) Primary() Store { return s.primary }

func (s *FallbackStore) Append(ctx context.Context, rec *record.ShadowRecord) error {
	if s.primary != nil {
		err := s.primary.Append(ctx, rec)
		if err == nil {
			return nil
		}
		s.logger.Warn("primary store write failed, using file",
			zap.String("backend", s.primary.Name()),
			zap.String("request_id", rec.RequestID),
			zap.Error(err),
		)
	}
	return s.file.Append(ctx, rec)
}

func (s *FallbackStore) ListAll(ctx context.Context) (*Batch, error) {
	if s.primary != nil {
		batch, err := s.primary.ListAll(ctx)
		switch {
		case err != nil:
			s.logger.Warn("primary store read failed, using file",
				zap.String("backend", s.primary.Name()), zap.Error(err))
		case len(batch.Records) == 0:
			s.logger.Info("primary store empty, using file", zap.String("backend", s.primary.Name()))
		default:
			return batch, nil
		}
	}
	return s.file.ListAll(ctx)
}

func (s *FallbackStore) Ping(ctx context.Context) error {
	if s.primary != nil {
		if err := s.primary.Ping(ctx); err == nil {
			return nil
		}
	}
	return s.file.Ping(ctx)
}

// Close releases resources owned by the store.
func (s *FallbackStore) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
