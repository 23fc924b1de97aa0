// Package sqlite provides a SQLite-backed storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fidde/agent_observability/pkg/models"
	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial_schema.up.sql
var migrationSQL string

// ErrClosed is returned by writes issued after Close.
var ErrClosed = errors.New("sqlite store closed")

// Store is a SQLite-backed storage for metric rows and agent history.
type Store struct {
	db *sql.DB

	// Batch writer
	writeCh   chan writeOp
	closeCh   chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// writeOp represents a write operation to be batched.
type writeOp struct {
	opType string
	data   interface{}
	done   chan error
}

// Config holds SQLite store configuration.
type Config struct {
	DBPath        string
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig returns default SQLite configuration.
func DefaultConfig(dbPath string) Config {
	return Config{
		DBPath:        dbPath,
		BatchSize:     100,
		FlushInterval: 100 * time.Millisecond,
	}
}

// New creates a new SQLite store with the given configuration.
func New(cfg Config) (*Store, error) {
	// Open database
	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if cfg.DBPath == ":memory:" {
		// every pooled connection would otherwise get its own database
		db.SetMaxOpenConns(1)
	}

	// Set pragmas for performance
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-64000", // 64MB cache
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}

	// Run migrations
	if _, err := db.Exec(migrationSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	store := &Store{
		db:      db,
		writeCh: make(chan writeOp, 1000),
		closeCh: make(chan struct{}),
		stopped: make(chan struct{}),
	}

	// Start batch writer goroutine
	store.wg.Add(1)
	go store.batchWriter(cfg.BatchSize, cfg.FlushInterval)

	return store, nil
}

// batchWriter runs in a goroutine and batches write operations.
func (s *Store) batchWriter(batchSize int, flushInterval time.Duration) {
	defer s.wg.Done()
	defer close(s.stopped)

	if flushInterval <= 0 {
		flushInterval = 100 * time.Millisecond
	}
	batch := make([]writeOp, 0, batchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}

		// Execute batch in a transaction
		err := s.executeBatch(batch)

		// Send result to all ops in batch
		for i := range batch {
			if batch[i].done != nil {
				batch[i].done <- err
				close(batch[i].done)
			}
		}

		batch = batch[:0]
	}

	for {
		select {
		case op := <-s.writeCh:
			batch = append(batch, op)
			if batchSize > 0 && len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-s.closeCh:
			// Drain whatever was queued before Close
			for {
				select {
				case op := <-s.writeCh:
					batch = append(batch, op)
				default:
					flush()
					return
				}
			}
		}
	}
}

// executeBatch runs a batch of write operations in a single transaction.
func (s *Store) executeBatch(batch []writeOp) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, op := range batch {
		var err error
		switch op.opType {
		case "Insert":
			err = insertRowsTx(tx, op.data.([]models.Row))
		case "SaveHistory":
			err = saveHistoryTx(tx, op.data.([]models.AgentMetric))
		default:
			err = fmt.Errorf("unknown operation: %s", op.opType)
		}

		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// enqueue hands op to the batch writer and waits for its transaction.
func (s *Store) enqueue(ctx context.Context, opType string, data interface{}) error {
	select {
	case <-s.closeCh:
		return ErrClosed
	default:
	}

	done := make(chan error, 1)
	select {
	case s.writeCh <- writeOp{opType: opType, data: data, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closeCh:
		return ErrClosed
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		// the writer may have flushed this op on its way out
		select {
		case err := <-done:
			return err
		default:
			return ErrClosed
		}
	}
}

// Close flushes pending writes and closes the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Clear removes all rows and history.
func (s *Store) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"points", "agent_history"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// Insert appends rows through the batch writer.
func (s *Store) Insert(ctx context.Context, rows ...models.Row) error {
	if len(rows) == 0 {
		return nil
	}
	for _, r := range rows {
		if r.Metric == "" {
			return errors.New("metric name cannot be empty")
		}
	}
	return s.enqueue(ctx, "Insert", append([]models.Row(nil), rows...))
}

func insertRowsTx(tx *sql.Tx, rows []models.Row) error {
	stmt, err := tx.Prepare("INSERT INTO points (metric, ts, value) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(r.Metric, r.Timestamp.UnixNano(), r.Value); err != nil {
			return fmt.Errorf("inserting row for %s: %w", r.Metric, err)
		}
	}
	return nil
}

// Range returns the metric's rows inside the inclusive bounds in insertion order.
func (s *Store) Range(ctx context.Context, metric string, start, end *time.Time) ([]models.Row, error) {
	query := "SELECT ts, value FROM points WHERE metric = ?"
	args := []interface{}{metric}
	if start != nil {
		query += " AND ts >= ?"
		args = append(args, start.UnixNano())
	}
	if end != nil {
		query += " AND ts <= ?"
		args = append(args, end.UnixNano())
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying points: %w", err)
	}
	defer rows.Close()

	out := []models.Row{}
	for rows.Next() {
		var ts int64
		var value float64
		if err := rows.Scan(&ts, &value); err != nil {
			return nil, fmt.Errorf("scanning point: %w", err)
		}
		out = append(out, models.Row{Metric: metric, Timestamp: time.Unix(0, ts).UTC(), Value: value})
	}
	return out, rows.Err()
}

// Metrics lists the stored metric names, sorted.
func (s *Store) Metrics(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT metric FROM points ORDER BY metric")
	if err != nil {
		return nil, fmt.Errorf("listing metrics: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning metric name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DeleteBefore removes the metric's rows older than cutoff.
func (s *Store) DeleteBefore(ctx context.Context, metric string, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM points WHERE metric = ? AND ts < ?", metric, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("pruning %s: %w", metric, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// TrimTo keeps the metric's newest maxRows rows.
func (s *Store) TrimTo(ctx context.Context, metric string, maxRows int) (int, error) {
	if maxRows < 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM points WHERE metric = ? AND id NOT IN (
		SELECT id FROM points WHERE metric = ? ORDER BY id DESC LIMIT ?)`, metric, metric, maxRows)
	if err != nil {
		return 0, fmt.Errorf("trimming %s: %w", metric, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// SaveHistory replaces the persisted agent history.
func (s *Store) SaveHistory(ctx context.Context, history []models.AgentMetric) error {
	return s.enqueue(ctx, "SaveHistory", append([]models.AgentMetric(nil), history...))
}

func saveHistoryTx(tx *sql.Tx, history []models.AgentMetric) error {
	if _, err := tx.Exec("DELETE FROM agent_history"); err != nil {
		return fmt.Errorf("truncating history: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO agent_history (seq, body) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("preparing history insert: %w", err)
	}
	defer stmt.Close()

	for i, m := range history {
		body, err := encodeJSON(m)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(i, body); err != nil {
			return fmt.Errorf("inserting history entry: %w", err)
		}
	}
	return nil
}

// LoadHistory returns the persisted agent history in its saved order.
func (s *Store) LoadHistory(ctx context.Context) ([]models.AgentMetric, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT body FROM agent_history ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	history := []models.AgentMetric{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		var m models.AgentMetric
		if err := decodeJSON(body, &m); err != nil {
			return nil, err
		}
		history = append(history, m)
	}
	return history, rows.Err()
}

func encodeJSON(data interface{}) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encoding JSON: %w", err)
	}
	return string(b), nil
}

func decodeJSON(data string, target interface{}) error {
	if err := json.Unmarshal([]byte(data), target); err != nil {
		return fmt.Errorf("decoding JSON: %w", err)
	}
	return nil
}
