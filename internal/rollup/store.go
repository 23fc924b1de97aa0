// Package rollup stores append-only point series and aggregates them into
// time buckets.
package rollup

import (
	"sort"
	"sync"
	"time"

	"github.com/fidde/agent_observability/pkg/models"
)

// PointStore holds append-only point series keyed by metric name. It never
// evicts on its own; pruning is done by the retention enforcer through
// PruneBefore and TrimTo. Safe for concurrent use.
type PointStore struct {
	mu      sync.RWMutex
	series  map[string][]models.Point
	backend Backend
}

// NewPointStore creates a store that aggregates with backend. A nil backend
// means ExactBackend.
func NewPointStore(backend Backend) *PointStore {
	if backend == nil {
		backend = ExactBackend{}
	}
	return &PointStore{
		series:  make(map[string][]models.Point),
		backend: backend,
	}
}

// AddPoint appends a point to the metric's series.
func (s *PointStore) AddPoint(metric string, ts time.Time, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.series[metric] = append(s.series[metric], models.Point{Timestamp: ts, Value: value})
}

// Points returns a copy of the metric's series in insertion order.
func (s *PointStore) Points(metric string) []models.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pts := s.series[metric]
	out := make([]models.Point, len(pts))
	copy(out, pts)
	return out
}

// Values returns the metric's values in insertion order.
func (s *PointStore) Values(metric string) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pts := s.series[metric]
	out := make([]float64, len(pts))
	for i, p := range pts {
		out[i] = p.Value
	}
	return out
}

// Metrics returns the stored metric names, sorted.
func (s *PointStore) Metrics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.series))
	for name := range s.series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Rollup groups the metric's points into buckets of the given interval
// ("15m", "1h", "1d") and returns the mean of each bucket in ascending
// bucket order.
func (s *PointStore) Rollup(metric, interval string) []float64 {
	return s.RollupWith(metric, interval, models.AggAvg)
}

// RollupWith is Rollup with a caller-chosen aggregation per bucket.
func (s *PointStore) RollupWith(metric, interval string, agg models.Aggregation) []float64 {
	return Buckets(s.Points(metric), ParseInterval(interval), agg, s.backend)
}

// Aggregate reduces the whole series with agg.
func (s *PointStore) Aggregate(metric string, agg models.Aggregation) float64 {
	return s.backend.Aggregate(s.Values(metric), agg)
}

// Series implements the retention target interface.
func (s *PointStore) Series() []models.SeriesKey {
	names := s.Metrics()
	keys := make([]models.SeriesKey, len(names))
	for i, n := range names {
		keys[i] = models.SeriesKey{Name: n}
	}
	return keys
}

// PruneBefore drops points older than cutoff and returns how many were removed.
func (s *PointStore) PruneBefore(metric string, cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	pts, ok := s.series[metric]
	if !ok {
		return 0
	}
	kept := pts[:0]
	for _, p := range pts {
		if !p.Timestamp.Before(cutoff) {
			kept = append(kept, p)
		}
	}
	removed := len(pts) - len(kept)
	s.series[metric] = kept
	return removed
}

// TrimTo keeps only the newest maxPoints points and returns how many were removed.
func (s *PointStore) TrimTo(metric string, maxPoints int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	pts := s.series[metric]
	if maxPoints < 0 || len(pts) <= maxPoints {
		return 0
	}
	removed := len(pts) - maxPoints
	s.series[metric] = append([]models.Point(nil), pts[removed:]...)
	return removed
}

// Clear drops every series.
func (s *PointStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.series = make(map[string][]models.Point)
}
