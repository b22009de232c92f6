package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/ngoyal88/shadowrelay/pkg/metrics"
	"github.com/ngoyal88/shadowrelay/pkg/record"
)

// FileStore appends records as JSON lines to a local file.
type FileStore struct {
	path   string
	mu     sync.Mutex
	logger *zap.Logger
}

// NewFileStore returns a store writing to path. The file is created on first append.
func NewFileStore(path string, logger *zap.Logger) *FileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{path: path, logger: logger}
}

func (s *FileStore) Name() string { return "file" }

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

// Append writes one line. Each line goes out in a single write under the
// store mutex, so concurrent appends never interleave.
func (s *FileStore) Append(ctx context.Context, rec *record.ShadowRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line := append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.write(line); err != nil {
		metrics.PersistFailures.WithLabelValues(s.Name()).Inc()
		return err
	}
	metrics.RecordsPersisted.WithLabelValues(s.Name()).Inc()
	return nil
}

func (s *FileStore) write(line []byte) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open shadow log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("write shadow log: %w", err)
	}
	return f.Close()
}

// ListAll reads every line. Malformed lines are skipped and counted; a
// missing file is an empty batch.
func (s *FileStore) ListAll(ctx context.Context) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := &Batch{Source: s.Name()}

	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return batch, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open shadow log: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	lineNo := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, readErr := r.ReadBytes('\n')
		if len(raw) > 0 {
			lineNo++
			s.decodeLine(batch, lineNo, raw)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("read shadow log: %w", readErr)
		}
	}

	sortRecords(batch.Records)
	return batch, nil
}

func (s *FileStore) decodeLine(batch *Batch, lineNo int, raw []byte) {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return
	}
	var rec record.ShadowRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		s.logger.Warn("skipping malformed shadow log line",
			zap.String("path", s.path),
			zap.Int("line", lineNo),
			zap.Error(err),
		)
		batch.Skipped++
		return
	}
	batch.Records = append(batch.Records, &rec)
}

func (s *FileStore) Ping(ctx context.Context) error {
	dir := filepath.Dir(s.path)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
