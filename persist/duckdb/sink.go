// Package duckdb persists stage outputs into a DuckDB database.
package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/poiesic/stagehand/metrics"
	"github.com/poiesic/stagehand/persist"
)

// DefaultMaxPayload is the largest payload stored inline. Larger payloads
// are recorded with their size and a NULL body.
const DefaultMaxPayload = 64 << 20

const schema = `
CREATE TABLE IF NOT EXISTS stage_results (
	item_id      VARCHAR NOT NULL,
	stage        VARCHAR NOT NULL,
	payload      BLOB,
	size         BIGINT NOT NULL,
	oversized    BOOLEAN NOT NULL,
	deliveries   INTEGER NOT NULL,
	persisted_at TIMESTAMP NOT NULL,
	PRIMARY KEY (item_id, stage)
)`

var ErrClosed = errors.New("duckdb sink closed")

// Sink writes each (item, stage) output as one row, overwriting earlier
// deliveries.
type Sink struct {
	db         *sql.DB
	maxPayload int64
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

var _ persist.Sink = (*Sink)(nil)

// Option configures a Sink.
type Option func(*Sink) error

// WithMaxPayload sets the inline payload limit in bytes.
func WithMaxPayload(n int64) Option {
	return func(s *Sink) error {
		if n <= 0 {
			return fmt.Errorf("duckdb: max payload must be positive")
		}
		s.maxPayload = n
		return nil
	}
}

// WithMetrics exports the connection pool statistics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sink) error {
		s.metrics = m
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// Open opens (or creates) the database at path and ensures the schema. An
// empty path opens an in-memory database.
func Open(ctx context.Context, path string, opts ...Option) (*Sink, error) {
	s := &Sink{
		maxPayload: DefaultMaxPayload,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "duckdb")

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb %q: %w", path, err)
	}
	// DuckDB allows a single writer per database file
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if s.metrics != nil {
		if err := s.metrics.RegisterDB(db, "duckdb"); err != nil {
			db.Close()
			return nil, err
		}
	}
	s.db = db
	return s, nil
}

// Persist upserts the payload for (itemID, stage).
func (s *Sink) Persist(ctx context.Context, itemID, stage string, payload io.Reader) error {
	if s.db == nil {
		return ErrClosed
	}
	data, err := io.ReadAll(io.LimitReader(payload, s.maxPayload+1))
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	size := int64(len(data))
	oversized := size > s.maxPayload
	var body any = data
	if oversized {
		rest, err := io.Copy(io.Discard, payload)
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
		size += rest
		body = nil
		s.logger.Warn("payload over inline limit, storing size only", "item", itemID, "stage", stage, "size", size)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stage_results (item_id, stage, payload, size, oversized, deliveries, persisted_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT (item_id, stage) DO UPDATE SET
			payload      = excluded.payload,
			size         = excluded.size,
			oversized    = excluded.oversized,
			deliveries   = stage_results.deliveries + 1,
			persisted_at = excluded.persisted_at`,
		itemID, stage, body, size, oversized, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert stage result %s/%s: %w", itemID, stage, err)
	}
	return nil
}

// Row is one persisted stage output.
type Row struct {
	ItemID      string
	Stage       string
	Payload     []byte
	Size        int64
	Oversized   bool
	Deliveries  int
	PersistedAt time.Time
}

// Get reads the row for (itemID, stage). It returns sql.ErrNoRows when absent.
func (s *Sink) Get(ctx context.Context, itemID, stage string) (*Row, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	row := &Row{}
	err := s.db.QueryRowContext(ctx, `
		SELECT item_id, stage, payload, size, oversized, deliveries, persisted_at
		FROM stage_results WHERE item_id = ? AND stage = ?`, itemID, stage,
	).Scan(&row.ItemID, &row.Stage, &row.Payload, &row.Size, &row.Oversized, &row.Deliveries, &row.PersistedAt)
	if err != nil {
		return nil, err
	}
	return row, nil
}

// Close closes the database.
func (s *Sink) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
