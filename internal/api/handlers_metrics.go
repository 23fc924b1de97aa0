package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fidde/agent_observability/internal/query"
	"github.com/fidde/agent_observability/pkg/models"
)

// RecordMetricRequest is the body of POST /api/v1/metrics.
type RecordMetricRequest struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Type      string            `json:"type,omitempty"`
	Namespace string            `json:"namespace,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// recordMetric records a metric into the stats core, the query store and
// the exporters.
// POST /api/v1/metrics
func (s *Server) recordMetric(w http.ResponseWriter, r *http.Request) {
	var req RecordMetricRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondErr(w, err)
		return
	}
	if req.Name == "" {
		s.respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	typ, err := models.ParseMetricType(req.Type)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	m, alerts := s.deps.Stats.RecordMetric(req.Name, req.Value, typ, req.Namespace, req.Tags)
	if err := s.deps.Query.Insert(r.Context(), m.Name, m.Timestamp, m.Value); err != nil {
		s.respondErr(w, err)
		return
	}
	s.deps.Engine.Prometheus().RecordMetric(m.Name, m.Value, m.Tags)
	s.deps.Cloud.Queue(m.Name, m.Value, m.Tags)

	s.respondJSON(w, http.StatusCreated, map[string]interface{}{
		"metric": m,
		"alerts": alerts,
	})
}

// listMetrics returns the recorded metric names.
// GET /api/v1/metrics
func (s *Server) listMetrics(w http.ResponseWriter, r *http.Request) {
	names := s.deps.Stats.MetricNames()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":  names,
		"total": len(names),
	})
}

// getMetric returns a metric's history and latest value.
// GET /api/v1/metrics/{name}
func (s *Server) getMetric(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	latest, ok := s.deps.Stats.Latest(name)
	if !ok {
		s.respondError(w, http.StatusNotFound, "Metric not found")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"name":    name,
		"latest":  latest,
		"history": s.deps.Stats.History(name),
	})
}

// getRollup returns bucketed aggregates of a metric.
// GET /api/v1/metrics/{name}/rollup?interval=1h&aggregation=avg
func (s *Server) getRollup(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.deps.Stats.Latest(name); !ok {
		s.respondError(w, http.StatusNotFound, "Metric not found")
		return
	}

	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = "1h"
	}
	agg := models.AggAvg
	if v := r.URL.Query().Get("aggregation"); v != "" {
		parsed, err := models.ParseAggregation(v)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		agg = parsed
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"name":        name,
		"interval":    interval,
		"aggregation": agg,
		"buckets":     s.deps.Stats.Rollup(name, interval, agg),
	})
}

// query runs a range or aggregate query over stored rows.
// GET /api/v1/query?metric=&start=&end=&aggregation=
func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := query.Request{
		Metric:      q.Get("metric"),
		Aggregation: q.Get("aggregation"),
	}

	var err error
	if req.Start, err = parseTime(q.Get("start")); err != nil {
		s.respondErr(w, fmt.Errorf("start: %w", err))
		return
	}
	if req.End, err = parseTime(q.Get("end")); err != nil {
		s.respondErr(w, fmt.Errorf("end: %w", err))
		return
	}

	res, err := s.deps.Query.Query(r.Context(), req)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

// parseTime accepts RFC 3339 timestamps. An empty string is an open bound.
func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	return &t, nil
}
