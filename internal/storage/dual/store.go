// Package dual writes to two storage backends so a new backend can be
// filled while the old one keeps serving reads.
package dual

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/fidde/agent_observability/pkg/models"
)

// Backend is a store for both rows and history.
type Backend interface {
	Insert(ctx context.Context, rows ...models.Row) error
	Range(ctx context.Context, metric string, start, end *time.Time) ([]models.Row, error)
	Metrics(ctx context.Context) ([]string, error)
	DeleteBefore(ctx context.Context, metric string, cutoff time.Time) (int, error)
	TrimTo(ctx context.Context, metric string, maxRows int) (int, error)
	LoadHistory(ctx context.Context) ([]models.AgentMetric, error)
	SaveHistory(ctx context.Context, history []models.AgentMetric) error
	Clear(ctx context.Context) error
	Close() error
}

// Store wraps two storage backends for dual-write migration.
// Writes go to both primary and secondary.
// Reads come from primary only.
type Store struct {
	primary   Backend
	secondary Backend
	logger    *slog.Logger

	// in-flight secondary writes, drained by Close
	pending sync.WaitGroup
}

// Config holds dual store configuration.
type Config struct {
	Primary   Backend
	Secondary Backend
	Logger    *slog.Logger
}

// New creates a new dual-write store.
func New(cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Store{
		primary:   cfg.Primary,
		secondary: cfg.Secondary,
		logger:    cfg.Logger,
	}
}

// dualWrite performs a write to both backends.
// Errors from secondary are logged but don't fail the operation.
func (s *Store) dualWrite(op string, primaryWrite, secondaryWrite func() error) error {
	// Write to primary (this determines success/failure)
	if err := primaryWrite(); err != nil {
		return err
	}

	// Write to secondary (errors logged but don't fail)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := secondaryWrite(); err != nil {
			s.logger.Error("dual-write to secondary failed",
				"operation", op,
				"error", err,
			)
		}
	}()

	return nil
}

// Insert stores rows in both backends.
func (s *Store) Insert(ctx context.Context, rows ...models.Row) error {
	detached := context.WithoutCancel(ctx)
	return s.dualWrite("Insert",
		func() error { return s.primary.Insert(ctx, rows...) },
		func() error { return s.secondary.Insert(detached, rows...) },
	)
}

// Range reads from primary backend only.
func (s *Store) Range(ctx context.Context, metric string, start, end *time.Time) ([]models.Row, error) {
	return s.primary.Range(ctx, metric, start, end)
}

// Metrics lists metrics from primary backend only.
func (s *Store) Metrics(ctx context.Context) ([]string, error) {
	return s.primary.Metrics(ctx)
}

// DeleteBefore prunes both backends and reports the primary's count.
func (s *Store) DeleteBefore(ctx context.Context, metric string, cutoff time.Time) (int, error) {
	var removed int
	detached := context.WithoutCancel(ctx)
	err := s.dualWrite("DeleteBefore",
		func() (err error) {
			removed, err = s.primary.DeleteBefore(ctx, metric, cutoff)
			return err
		},
		func() error {
			_, err := s.secondary.DeleteBefore(detached, metric, cutoff)
			return err
		},
	)
	return removed, err
}

// TrimTo trims both backends and reports the primary's count.
func (s *Store) TrimTo(ctx context.Context, metric string, maxRows int) (int, error) {
	var removed int
	detached := context.WithoutCancel(ctx)
	err := s.dualWrite("TrimTo",
		func() (err error) {
			removed, err = s.primary.TrimTo(ctx, metric, maxRows)
			return err
		},
		func() error {
			_, err := s.secondary.TrimTo(detached, metric, maxRows)
			return err
		},
	)
	return removed, err
}

// SaveHistory saves history in both backends.
func (s *Store) SaveHistory(ctx context.Context, history []models.AgentMetric) error {
	detached := context.WithoutCancel(ctx)
	return s.dualWrite("SaveHistory",
		func() error { return s.primary.SaveHistory(ctx, history) },
		func() error { return s.secondary.SaveHistory(detached, history) },
	)
}

// LoadHistory loads history from primary backend only.
func (s *Store) LoadHistory(ctx context.Context) ([]models.AgentMetric, error) {
	return s.primary.LoadHistory(ctx)
}

// Flush waits for in-flight secondary writes.
func (s *Store) Flush() {
	s.pending.Wait()
}

// Clear clears both backends.
func (s *Store) Clear(ctx context.Context) error {
	// Clear primary first
	if err := s.primary.Clear(ctx); err != nil {
		return fmt.Errorf("clear primary: %w", err)
	}

	// Clear secondary (best effort)
	if err := s.secondary.Clear(ctx); err != nil {
		s.logger.Error("failed to clear secondary backend",
			"error", err,
		)
	}

	return nil
}

// Close waits for pending secondary writes and closes both backends.
func (s *Store) Close() error {
	s.pending.Wait()

	var result *multierror.Error
	if err := s.primary.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close primary: %w", err))
	}
	if err := s.secondary.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close secondary: %w", err))
	}
	return result.ErrorOrNil()
}
