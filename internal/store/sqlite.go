// Package store persists finished trace records to SQLite. The observability
// core only ever talks to this layer through its save/restore and paginated
// read methods; losing the store degrades persistence, never collection.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/pulseboard/pulse/internal/tracing"
)

// SQLiteStore is a SQLite-backed trace store.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// Config contains SQLite storage configuration.
type Config struct {
	// Path is the filesystem path to the database file. The special value
	// ":memory:" creates an in-memory database.
	Path string

	// MaxOpenConns caps the connection pool. With WAL mode SQLite handles
	// multiple concurrent readers; the default is 5.
	MaxOpenConns int
}

// New opens (creating if needed) the trace database and runs migrations.
func New(cfg Config, logger *zap.Logger) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns == 0 {
		maxConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// migrate creates the schema.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS traces (
		id INTEGER PRIMARY KEY,
		method TEXT NOT NULL,
		url TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		total_duration REAL NOT NULL,
		timestamp INTEGER NOT NULL,
		record TEXT NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_traces_timestamp ON traces(timestamp)`)
	return err
}

// SaveTrace persists one finished trace. The full record is stored as JSON
// alongside the indexed columns.
func (s *SQLiteStore) SaveTrace(ctx context.Context, rec *tracing.TraceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode trace %d: %w", rec.ID, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO traces (id, method, url, status_code, total_duration, timestamp, record)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Method, rec.URL, rec.StatusCode, rec.TotalDuration, rec.Timestamp, string(data))
	if err != nil {
		return fmt.Errorf("save trace %d: %w", rec.ID, err)
	}
	return nil
}

// RecentTraces loads the newest n persisted records in insertion order
// (oldest first) together with the highest stored ID, for repopulating the
// bounded log at startup. Rows that fail to decode are dropped with a log
// line; corruption never aborts startup.
func (s *SQLiteStore) RecentTraces(ctx context.Context, n int) ([]*tracing.TraceRecord, int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record FROM (
			SELECT id, record FROM traces ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, n)
	if err != nil {
		return nil, 0, fmt.Errorf("load traces: %w", err)
	}
	defer rows.Close()

	var records []*tracing.TraceRecord
	var maxID int64
	for rows.Next() {
		var id int64
		var data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, 0, fmt.Errorf("scan trace row: %w", err)
		}
		if id > maxID {
			maxID = id
		}

		var rec tracing.TraceRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			s.logger.Warn("dropping corrupt persisted trace",
				zap.Int64("id", id), zap.Error(err))
			continue
		}
		records = append(records, &rec)
	}
	return records, maxID, rows.Err()
}

// ListTraces returns one page of persisted records, newest first, plus the
// total row count for pagination.
func (s *SQLiteStore) ListTraces(ctx context.Context, limit, offset int) ([]*tracing.TraceRecord, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM traces`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count traces: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record FROM traces ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()

	var records []*tracing.TraceRecord
	for rows.Next() {
		var id int64
		var data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, 0, fmt.Errorf("scan trace row: %w", err)
		}

		var rec tracing.TraceRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			s.logger.Warn("dropping corrupt persisted trace",
				zap.Int64("id", id), zap.Error(err))
			continue
		}
		records = append(records, &rec)
	}
	return records, total, rows.Err()
}

// Prune deletes everything older than the newest keep records.
func (s *SQLiteStore) Prune(ctx context.Context, keep int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM traces WHERE id NOT IN (SELECT id FROM traces ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return fmt.Errorf("prune traces: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
