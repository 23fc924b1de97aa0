// Package memory provides an in-memory storage implementation for metric
// rows and agent history.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/fidde/agent_observability/pkg/models"
)

// Store is an in-memory storage for metric rows and agent history.
type Store struct {
	// Rows storage: metric name -> rows in insertion order
	rows   map[string][]models.Row
	rowsmu sync.RWMutex

	history   []models.AgentMetric
	historymu sync.RWMutex
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		rows: make(map[string][]models.Row),
	}
}

// Insert appends rows.
func (s *Store) Insert(ctx context.Context, rows ...models.Row) error {
	for _, r := range rows {
		if r.Metric == "" {
			return errors.New("metric name cannot be empty")
		}
	}

	s.rowsmu.Lock()
	defer s.rowsmu.Unlock()

	for _, r := range rows {
		s.rows[r.Metric] = append(s.rows[r.Metric], r)
	}
	return nil
}

// Range returns the metric's rows inside the inclusive bounds.
func (s *Store) Range(ctx context.Context, metric string, start, end *time.Time) ([]models.Row, error) {
	s.rowsmu.RLock()
	defer s.rowsmu.RUnlock()

	out := make([]models.Row, 0, len(s.rows[metric]))
	for _, r := range s.rows[metric] {
		if r.Within(start, end) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Metrics lists metric names, sorted.
func (s *Store) Metrics(ctx context.Context) ([]string, error) {
	s.rowsmu.RLock()
	defer s.rowsmu.RUnlock()

	names := make([]string, 0, len(s.rows))
	for name := range s.rows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteBefore drops rows older than cutoff.
func (s *Store) DeleteBefore(ctx context.Context, metric string, cutoff time.Time) (int, error) {
	s.rowsmu.Lock()
	defer s.rowsmu.Unlock()

	rows, ok := s.rows[metric]
	if !ok {
		return 0, nil
	}
	kept := make([]models.Row, 0, len(rows))
	for _, r := range rows {
		if !r.Timestamp.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	removed := len(rows) - len(kept)
	if len(kept) == 0 {
		delete(s.rows, metric)
	} else {
		s.rows[metric] = kept
	}
	return removed, nil
}

// TrimTo keeps the newest maxRows rows.
func (s *Store) TrimTo(ctx context.Context, metric string, maxRows int) (int, error) {
	s.rowsmu.Lock()
	defer s.rowsmu.Unlock()

	rows := s.rows[metric]
	if maxRows < 0 || len(rows) <= maxRows {
		return 0, nil
	}
	removed := len(rows) - maxRows
	if maxRows == 0 {
		delete(s.rows, metric)
	} else {
		s.rows[metric] = append([]models.Row(nil), rows[removed:]...)
	}
	return removed, nil
}

// LoadHistory returns a copy of the saved history.
func (s *Store) LoadHistory(ctx context.Context) ([]models.AgentMetric, error) {
	s.historymu.RLock()
	defer s.historymu.RUnlock()
	return append([]models.AgentMetric{}, s.history...), nil
}

// SaveHistory replaces the saved history.
func (s *Store) SaveHistory(ctx context.Context, history []models.AgentMetric) error {
	s.historymu.Lock()
	defer s.historymu.Unlock()
	s.history = append([]models.AgentMetric(nil), history...)
	return nil
}

// Clear removes all data.
func (s *Store) Clear(ctx context.Context) error {
	s.rowsmu.Lock()
	s.rows = make(map[string][]models.Row)
	s.rowsmu.Unlock()

	s.historymu.Lock()
	s.history = nil
	s.historymu.Unlock()
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}
