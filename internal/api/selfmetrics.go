package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// selfMetrics instruments the API itself.
type selfMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newSelfMetrics(reg prometheus.Registerer, deps Deps) *selfMetrics {
	m := &selfMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_observability_http_requests_total",
			Help: "HTTP requests served, by route, method and status code.",
		}, []string{"route", "method", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agent_observability_http_request_duration_seconds",
			Help:    "HTTP request latency, by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	reg.MustRegister(m.requests, m.duration)

	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "agent_observability_history_entries",
			Help: "Agent telemetry entries held in memory.",
		}, func() float64 { return float64(len(deps.Engine.History())) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "agent_observability_open_traces",
			Help: "Traces started but not yet ended.",
		}, func() float64 { return float64(deps.Engine.OpenTraces()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "agent_observability_alerts",
			Help: "Alerts raised since the last clear.",
		}, func() float64 { return float64(len(deps.Stats.Alerts().Alerts())) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "agent_observability_cloud_queue",
			Help: "Metrics queued for the next cloud export.",
		}, func() float64 { return float64(deps.Cloud.Pending()) }),
	)
	return m
}

func (m *selfMetrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.duration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
