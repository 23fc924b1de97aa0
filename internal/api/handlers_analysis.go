package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fidde/agent_observability/internal/correlation"
	"github.com/fidde/agent_observability/pkg/models"
)

// listAlerts returns every alert raised since the last clear.
// GET /api/v1/alerts
func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := s.deps.Stats.Alerts().Alerts()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"data":  alerts,
		"total": len(alerts),
	})
}

// clearAlerts drops all alerts.
// DELETE /api/v1/alerts
func (s *Server) clearAlerts(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]int{
		"cleared": s.deps.Stats.Alerts().ClearAlerts(),
	})
}

// enforceRetention applies the retention policies now.
// POST /api/v1/retention/enforce
func (s *Server) enforceRetention(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]int{
		"removed": s.deps.Retention.Enforce(),
	})
}

// correlations lists metric pairs at or above the threshold.
// GET /api/v1/correlations?threshold=0.8
func (s *Server) correlations(w http.ResponseWriter, r *http.Request) {
	threshold := correlation.DefaultThreshold
	if v := r.URL.Query().Get("threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			s.respondError(w, http.StatusBadRequest, "threshold must be a number in [0,1]")
			return
		}
		threshold = f
	}
	s.respondJSON(w, http.StatusOK, s.deps.Stats.Correlations().FindStrongCorrelations(threshold))
}

// FormulaRequest is the body of the formula endpoints.
type FormulaRequest struct {
	Formula   string                 `json:"formula"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// calculateFormula evaluates a formula. Malformed input yields 0.
// POST /api/v1/formula/calculate
func (s *Server) calculateFormula(w http.ResponseWriter, r *http.Request) {
	var req FormulaRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]float64{
		"result": s.deps.Formulas.Calculate(req.Formula, req.Variables),
	})
}

// validateFormula checks formula syntax.
// POST /api/v1/formula/validate
func (s *Server) validateFormula(w http.ResponseWriter, r *http.Request) {
	var req FormulaRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Formulas.Validate(req.Formula))
}

// cost prices a call.
// GET /api/v1/cost?model=gpt-4&input_tokens=1000&output_tokens=500
func (s *Server) cost(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	in, err1 := atoiDefault(q.Get("input_tokens"))
	out, err2 := atoiDefault(q.Get("output_tokens"))
	if err1 != nil || err2 != nil {
		s.respondError(w, http.StatusBadRequest, "token counts must be integers")
		return
	}

	model := q.Get("model")
	costs := s.deps.Engine.Costs()
	price, known := costs.Price(model)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"model":         model,
		"input_tokens":  in,
		"output_tokens": out,
		"cost_usd":      costs.CalculateCost(model, in, out),
		"price":         price,
		"known_model":   known,
	})
}

// nextModel returns the fallback for a model.
// GET /api/v1/models/{name}/next
func (s *Server) nextModel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.respondJSON(w, http.StatusOK, map[string]string{
		"model": name,
		"next":  s.deps.Engine.Costs().NextModel(name),
	})
}

// ComparisonRequest is the body of POST /api/v1/ab.
type ComparisonRequest struct {
	VersionA string `json:"version_a"`
	VersionB string `json:"version_b"`
}

// createComparison creates (or returns) the comparison of two versions.
// POST /api/v1/ab
func (s *Server) createComparison(w http.ResponseWriter, r *http.Request) {
	var req ComparisonRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondErr(w, err)
		return
	}
	if req.VersionA == "" || req.VersionB == "" {
		s.respondError(w, http.StatusBadRequest, "version_a and version_b are required")
		return
	}
	s.respondJSON(w, http.StatusCreated, s.deps.AB.CreateComparison(req.VersionA, req.VersionB))
}

// ComparisonMetricRequest is the body of POST /api/v1/ab/{id}/metrics.
type ComparisonMetricRequest struct {
	// Version is the side, "a" or "b"
	Version string  `json:"version"`
	Metric  string  `json:"metric"`
	Value   float64 `json:"value"`
}

// addComparisonMetric records a metric for one side.
// POST /api/v1/ab/{id}/metrics
func (s *Server) addComparisonMetric(w http.ResponseWriter, r *http.Request) {
	var req ComparisonMetricRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondErr(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	if !s.deps.AB.AddMetric(id, req.Version, req.Metric, req.Value) {
		s.respondError(w, http.StatusNotFound, "Comparison or version not found")
		return
	}
	c, _ := s.deps.AB.Comparison(id)
	s.respondJSON(w, http.StatusOK, c)
}

// comparisonWinner picks the winner for one metric.
// GET /api/v1/ab/{id}/winner?metric=latency&higher_is_better=false
func (s *Server) comparisonWinner(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	higher := true
	if v := q.Get("higher_is_better"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "higher_is_better must be a boolean")
			return
		}
		higher = b
	}

	res, ok := s.deps.AB.CalculateWinner(chi.URLParam(r, "id"), q.Get("metric"), higher)
	if !ok {
		s.respondError(w, http.StatusNotFound, "Comparison not found")
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

// SignificanceRequest is the body of POST /api/v1/ab/{id}/significance.
type SignificanceRequest struct {
	Control   []float64 `json:"control"`
	Treatment []float64 `json:"treatment"`
	Alpha     float64   `json:"alpha,omitempty"`
}

// comparisonSignificance runs the significance heuristic on two samples and
// stores the resulting confidence on the comparison.
// POST /api/v1/ab/{id}/significance
func (s *Server) comparisonSignificance(w http.ResponseWriter, r *http.Request) {
	var req SignificanceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondErr(w, err)
		return
	}
	if len(req.Control) == 0 || len(req.Treatment) == 0 {
		s.respondError(w, http.StatusBadRequest, "control and treatment samples are required")
		return
	}
	if req.Alpha < 0 || req.Alpha >= 1 {
		s.respondError(w, http.StatusBadRequest, "alpha must be in [0,1)")
		return
	}

	res, ok := s.deps.AB.Significance(chi.URLParam(r, "id"), req.Control, req.Treatment, req.Alpha)
	if !ok {
		s.respondError(w, http.StatusNotFound, "Comparison not found")
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

// SourceRequest is the body of POST /api/v1/federation/sources.
type SourceRequest struct {
	Name     string             `json:"name"`
	Endpoint string             `json:"endpoint,omitempty"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
	Healthy  *bool              `json:"healthy,omitempty"`
}

// addSource registers a federated source.
// POST /api/v1/federation/sources
func (s *Server) addSource(w http.ResponseWriter, r *http.Request) {
	var req SourceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondErr(w, err)
		return
	}
	healthy := req.Healthy == nil || *req.Healthy
	if err := s.deps.Federation.AddSource(req.Name, req.Endpoint, req.Metrics, healthy); err != nil {
		s.respondErr(w, err)
		return
	}
	src, _ := s.deps.Federation.Source(req.Name)
	s.respondJSON(w, http.StatusCreated, src)
}

// listSources returns the registered sources.
// GET /api/v1/federation/sources
func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.deps.Federation.Sources())
}

// syncSource pulls one source now.
// POST /api/v1/federation/sources/{name}/sync
func (s *Server) syncSource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.deps.Federation.Source(name); !ok {
		s.respondError(w, http.StatusNotFound, "Source not found")
		return
	}
	metrics := s.deps.Federation.SyncSource(r.Context(), name)
	if metrics == nil {
		metrics = map[string]float64{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"source":  name,
		"metrics": metrics,
	})
}

// federatedAggregate aggregates a metric across sources.
// GET /api/v1/federation/aggregate?metric=requests&aggregation=sum
func (s *Server) federatedAggregate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	metric := q.Get("metric")
	if metric == "" {
		s.respondError(w, http.StatusBadRequest, "metric is required")
		return
	}
	agg := models.AggSum
	if v := q.Get("aggregation"); v != "" {
		parsed, err := models.ParseAggregation(v)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		agg = parsed
	}
	s.respondJSON(w, http.StatusOK, s.deps.Federation.Aggregate(metric, agg))
}

func atoiDefault(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
