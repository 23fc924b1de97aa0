// Package query runs range and aggregate queries over inserted metric rows.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fidde/agent_observability/internal/rollup"
	"github.com/fidde/agent_observability/internal/storage"
	"github.com/fidde/agent_observability/pkg/models"
)

// Request selects rows of one metric, optionally bounded and aggregated.
type Request struct {
	Metric string
	Start  *time.Time
	End    *time.Time

	// Aggregation, when set, collapses the filtered rows into one value.
	// Names are case-insensitive (sum, avg, min, max, count, p50, p95, p99).
	Aggregation string
}

// Aggregate is the single record returned for aggregated queries.
type Aggregate struct {
	Metric      string             `json:"metric"`
	Aggregation models.Aggregation `json:"aggregation"`
	Value       float64            `json:"value"`
}

// Result holds either the filtered rows or an aggregate.
type Result struct {
	Rows      []models.Row `json:"rows,omitempty"`
	Aggregate *Aggregate   `json:"aggregate,omitempty"`
}

// Engine answers queries against a PointStore.
type Engine struct {
	store   storage.PointStore
	backend rollup.Backend
}

// New creates a query engine. A nil backend aggregates exactly.
func New(store storage.PointStore, backend rollup.Backend) *Engine {
	if backend == nil {
		backend = rollup.ExactBackend{}
	}
	return &Engine{store: store, backend: backend}
}

// Insert adds a row.
func (e *Engine) Insert(ctx context.Context, metric string, ts time.Time, value float64) error {
	if metric == "" {
		return fmt.Errorf("metric name is empty: %w", models.ErrInvalidInput)
	}
	return e.store.Insert(ctx, models.Row{Metric: metric, Timestamp: ts, Value: value})
}

// Query returns the metric's rows inside the inclusive [Start, End] range,
// or their aggregate when an aggregation is named.
func (e *Engine) Query(ctx context.Context, req Request) (Result, error) {
	if req.Metric == "" {
		return Result{}, fmt.Errorf("metric name is empty: %w", models.ErrInvalidInput)
	}
	if req.Start != nil && req.End != nil && req.End.Before(*req.Start) {
		return Result{}, fmt.Errorf("end before start: %w", models.ErrInvalidInput)
	}

	var agg models.Aggregation
	if req.Aggregation != "" {
		var err error
		if agg, err = models.ParseAggregation(req.Aggregation); err != nil {
			return Result{}, err
		}
	}

	rows, err := e.store.Range(ctx, req.Metric, req.Start, req.End)
	if err != nil {
		return Result{}, fmt.Errorf("querying %s: %w", req.Metric, err)
	}

	if req.Aggregation == "" {
		return Result{Rows: rows}, nil
	}

	values := make([]float64, len(rows))
	for i, r := range rows {
		values[i] = r.Value
	}
	return Result{Aggregate: &Aggregate{
		Metric:      req.Metric,
		Aggregation: agg,
		Value:       e.backend.Aggregate(values, agg),
	}}, nil
}

// Metrics lists the metrics that have rows.
func (e *Engine) Metrics(ctx context.Context) ([]string, error) {
	return e.store.Metrics(ctx)
}

// Clear drops every stored row.
func (e *Engine) Clear(ctx context.Context) error {
	return e.store.Clear(ctx)
}

// RetentionTarget exposes the engine's rows to the retention enforcer.
// Store errors are logged and count as nothing removed.
func (e *Engine) RetentionTarget(logger *slog.Logger) *RetentionTarget {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionTarget{engine: e, logger: logger}
}

// RetentionTarget adapts an Engine to alerting.Target.
type RetentionTarget struct {
	engine *Engine
	logger *slog.Logger
}

// Series lists every metric with rows.
func (t *RetentionTarget) Series() []models.SeriesKey {
	names, err := t.engine.store.Metrics(context.Background())
	if err != nil {
		t.logger.Error("listing query metrics for retention", "error", err)
		return nil
	}
	keys := make([]models.SeriesKey, len(names))
	for i, n := range names {
		keys[i] = models.SeriesKey{Name: n}
	}
	return keys
}

// PruneBefore deletes the metric's rows older than cutoff.
func (t *RetentionTarget) PruneBefore(metric string, cutoff time.Time) int {
	n, err := t.engine.store.DeleteBefore(context.Background(), metric, cutoff)
	if err != nil {
		t.logger.Error("pruning query rows", "metric", metric, "error", err)
	}
	return n
}

// TrimTo keeps the metric's newest maxRows rows.
func (t *RetentionTarget) TrimTo(metric string, maxRows int) int {
	n, err := t.engine.store.TrimTo(context.Background(), metric, maxRows)
	if err != nil {
		t.logger.Error("trimming query rows", "metric", metric, "error", err)
	}
	return n
}
