// Package storage defines the storage interfaces for metric points and
// agent telemetry history.
package storage

import (
	"context"
	"time"

	"github.com/fidde/agent_observability/pkg/models"
)

// PointStore stores raw metric rows for the query engine.
// Implementations must be safe for concurrent use.
type PointStore interface {
	// Insert appends rows. Rows for the same metric keep insertion order.
	Insert(ctx context.Context, rows ...models.Row) error

	// Range returns the metric's rows with start <= timestamp <= end. A nil
	// bound is open.
	Range(ctx context.Context, metric string, start, end *time.Time) ([]models.Row, error)

	// Metrics lists the stored metric names, sorted.
	Metrics(ctx context.Context) ([]string, error)

	// DeleteBefore removes the metric's rows older than cutoff and returns
	// how many were removed.
	DeleteBefore(ctx context.Context, metric string, cutoff time.Time) (int, error)

	// TrimTo keeps the metric's newest maxRows rows in insertion order and
	// returns how many were removed.
	TrimTo(ctx context.Context, metric string, maxRows int) (int, error)

	// Clear all data
	Clear(ctx context.Context) error

	// Close the storage (for cleanup, e.g., DB connections)
	Close() error
}

// HistoryStore persists the agent telemetry history as a point-in-time dump.
type HistoryStore interface {
	// LoadHistory returns the persisted history. A store that has never
	// been written returns an empty slice and no error.
	LoadHistory(ctx context.Context) ([]models.AgentMetric, error)

	// SaveHistory replaces the persisted history with history.
	SaveHistory(ctx context.Context, history []models.AgentMetric) error

	Close() error
}

// Backend is a store that serves both rows and history.
type Backend interface {
	PointStore
	HistoryStore
}
