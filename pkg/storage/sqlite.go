package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/ngoyal88/shadowrelay/pkg/metrics"
	"github.com/ngoyal88/shadowrelay/pkg/record"
)

// SQLiteStore keeps shadow records in a local SQLite database, one row per record.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens the database at path and creates the schema.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open shadow db: %w", err)
	}
	// single writer; concurrent appends queue on the pool instead of failing with SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate shadow db: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS shadow_records (
		request_id  TEXT PRIMARY KEY,
		ts_request  TEXT NOT NULL,
		cache_hit   INTEGER NOT NULL,
		model_name  TEXT,
		payload     TEXT NOT NULL,
		created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_shadow_ts ON shadow_records(ts_request)`)
	return err
}

func (s *SQLiteStore) Name() string { return "sqlite" }

// Append inserts the record, replacing any row with the same request_id.
func (s *SQLiteStore) Append(ctx context.Context, rec *record.ShadowRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO shadow_records (request_id, ts_request, cache_hit, model_name, payload)
		VALUES (?, ?, ?, ?, ?)`,
		rec.RequestID, rec.TsRequest, rec.CacheHit, rec.ModelName, string(payload),
	)
	if err != nil {
		metrics.PersistFailures.WithLabelValues(s.Name()).Inc()
		return fmt.Errorf("insert shadow record: %w", err)
	}
	metrics.RecordsPersisted.WithLabelValues(s.Name()).Inc()
	return nil
}

// ListAll returns every row; rows whose payload does not decode are skipped.
func (s *SQLiteStore) ListAll(ctx context.Context) (*Batch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, payload FROM shadow_records ORDER BY ts_request, request_id`)
	if err != nil {
		return nil, fmt.Errorf("query shadow records: %w", err)
	}
	defer rows.Close()

	batch := &Batch{Source: s.Name()}
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan shadow record: %w", err)
		}
		var rec record.ShadowRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			s.logger.Warn("skipping undecodable row", zap.String("request_id", id), zap.Error(err))
			batch.Skipped++
			continue
		}
		batch.Records = append(batch.Records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortRecords(batch.Records)
	return batch, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
