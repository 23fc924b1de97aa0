package api

import (
	"io"
	"net/http"
	"strings"
)

// scrape renders the pyagent_ scrape text.
// GET /metrics
func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, s.deps.Engine.Prometheus().GenerateScrapeResponse())
}

// spans returns finished spans as OTLP/JSON.
// GET /api/v1/spans
func (s *Server) spans(w http.ResponseWriter, r *http.Request) {
	data, err := s.deps.Engine.Spans().OTLPJSON(s.deps.ServiceName)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// exportCloud flushes the cloud export queue.
// POST /api/v1/export/cloud
func (s *Server) exportCloud(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Cloud.Export(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"exported":    n,
		"destination": s.deps.Cloud.Destination().String(),
	})
}

// GrafanaRequest is the optional body of POST /api/v1/export/grafana.
type GrafanaRequest struct {
	Shards []string `json:"shards,omitempty"`
}

// exportGrafana writes the fleet dashboard and one per requested shard.
// POST /api/v1/export/grafana
func (s *Server) exportGrafana(w http.ResponseWriter, r *http.Request) {
	var req GrafanaRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			s.respondErr(w, err)
			return
		}
	}

	path, err := s.deps.Grafana.GenerateFleetSummary()
	if err != nil {
		s.respondErr(w, err)
		return
	}
	paths := []string{path}
	for _, shard := range req.Shards {
		if strings.TrimSpace(shard) == "" {
			continue
		}
		p, err := s.deps.Grafana.GenerateShardObs(shard)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		paths = append(paths, p)
	}
	s.respondJSON(w, http.StatusOK, map[string][]string{"files": paths})
}

// clearAllData clears all recorded data.
// POST /api/v1/admin/clear
func (s *Server) clearAllData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.deps.Query.Clear(ctx); err != nil {
		s.respondError(w, http.StatusInternalServerError, "Failed to clear data")
		return
	}
	s.deps.Stats.Clear()
	s.deps.Engine.Clear()

	s.respondJSON(w, http.StatusOK, map[string]string{
		"message": "All data cleared successfully",
	})
}
