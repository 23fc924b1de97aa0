package api

import (
	"net/http"
	"runtime"
	"time"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string       `json:"status"`
	Timestamp  time.Time    `json:"timestamp"`
	Version    string       `json:"version,omitempty"`
	Uptime     string       `json:"uptime,omitempty"`
	OpenTraces int          `json:"open_traces"`
	Metrics    int          `json:"metrics"`
	Memory     *MemoryStats `json:"memory,omitempty"`
}

// MemoryStats represents memory usage statistics
type MemoryStats struct {
	AllocMB      uint64 `json:"alloc_mb"`
	TotalAllocMB uint64 `json:"total_alloc_mb"`
	SysMB        uint64 `json:"sys_mb"`
	NumGC        uint32 `json:"num_gc"`
}

// Version is reported by the health endpoint.
var Version = "dev"

var startTime = time.Now()

// HandleHealth returns the health status of the application
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	s.respondJSON(w, http.StatusOK, HealthResponse{
		Status:     "ok",
		Timestamp:  time.Now(),
		Version:    Version,
		Uptime:     time.Since(startTime).String(),
		OpenTraces: s.deps.Engine.OpenTraces(),
		Metrics:    len(s.deps.Stats.MetricNames()),
		Memory: &MemoryStats{
			AllocMB:      m.Alloc / 1024 / 1024,
			TotalAllocMB: m.TotalAlloc / 1024 / 1024,
			SysMB:        m.Sys / 1024 / 1024,
			NumGC:        m.NumGC,
		},
	})
}
