package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/fidde/agent_observability/internal/engine"
	"github.com/fidde/agent_observability/pkg/models"
)

// startTrace starts timing a trace.
// POST /api/v1/traces/{id}/start
func (s *Server) startTrace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.deps.Engine.StartTrace(r.Context(), id)
	s.respondJSON(w, http.StatusAccepted, map[string]string{"trace_id": id})
}

// endTrace ends a trace and returns the recorded telemetry.
// POST /api/v1/traces/{id}/end
func (s *Server) endTrace(w http.ResponseWriter, r *http.Request) {
	var req engine.EndTraceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondErr(w, err)
		return
	}

	m, ok := s.deps.Engine.EndTrace(r.Context(), chi.URLParam(r, "id"), req)
	if !ok {
		s.respondError(w, http.StatusNotFound, "Trace not started")
		return
	}
	s.respondJSON(w, http.StatusOK, m)
}

// summary returns fleet totals, or {"status":"No data"}.
// GET /api/v1/summary
func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.deps.Engine.Summary())
}

// reliability scores the named agents.
// GET /api/v1/reliability?agents=a,b
func (s *Server) reliability(w http.ResponseWriter, r *http.Request) {
	var agents []string
	for _, a := range strings.Split(r.URL.Query().Get("agents"), ",") {
		if a = strings.TrimSpace(a); a != "" {
			agents = append(agents, a)
		}
	}
	if len(agents) == 0 {
		s.respondError(w, http.StatusBadRequest, "agents is required")
		return
	}

	scores := s.deps.Engine.ReliabilityScores(agents)
	byAgent := make(map[string]float64, len(agents))
	for i, a := range agents {
		byAgent[a] = scores[i]
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"agents":   agents,
		"scores":   scores,
		"by_agent": byAgent,
	})
}

// stability scores fleet health and records the sample.
// GET /api/v1/stability?anomalies=N
func (s *Server) stability(w http.ResponseWriter, r *http.Request) {
	anomalies := 0
	if v := r.URL.Query().Get("anomalies"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(w, http.StatusBadRequest, "anomalies must be a non-negative integer")
			return
		}
		anomalies = n
	}

	inputs, score, stasis := s.deps.Engine.Stability(anomalies)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"inputs":    inputs,
		"score":     score,
		"in_stasis": stasis,
		"samples":   len(s.deps.Engine.StabilityHistory()),
	})
}

// agentLatency buckets an agent's trace latencies.
// GET /api/v1/agents/{agent}/latency?interval=1h&aggregation=avg
func (s *Server) agentLatency(w http.ResponseWriter, r *http.Request) {
	series := engine.LatencySeries(chi.URLParam(r, "agent"))
	points := s.deps.Engine.Latency()
	if len(points.Points(series)) == 0 {
		s.respondError(w, http.StatusNotFound, "No latency recorded for agent")
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
		"series":      series,
		"interval":    interval,
		"aggregation": agg,
		"buckets":     points.RollupWith(series, interval, agg),
		"overall":     points.Aggregate(series, agg),
	})
}
