// Package engine records the lifecycle of traced agent operations and
// derives fleet level summaries, reliability and stability signals from
// the resulting telemetry history.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"

	"github.com/fidde/agent_observability/internal/cost"
	"github.com/fidde/agent_observability/internal/exporter"
	"github.com/fidde/agent_observability/internal/rollup"
	"github.com/fidde/agent_observability/internal/storage"
	"github.com/fidde/agent_observability/pkg/models"
)

const (
	// DefaultMaxHistory is the history length that triggers pruning.
	DefaultMaxHistory = 1000
	// DefaultKeepHistory is how many recent entries survive a prune.
	DefaultKeepHistory = 500
	// DefaultMaxStabilitySamples bounds the stability score history.
	DefaultMaxStabilitySamples = 100
)

// Options configures an Engine. Zero values get defaults.
type Options struct {
	Clock  clock.Clock
	Logger *slog.Logger

	Costs      *cost.Calculator
	Prometheus *exporter.PrometheusExporter
	Spans      *exporter.OTelManager

	// Latency receives one point per ended trace under LatencySeries(agent)
	Latency *rollup.PointStore

	// History persists the telemetry history; nil keeps it in memory only
	History storage.HistoryStore

	MaxHistory          int
	KeepHistory         int
	MaxStabilitySamples int
}

// EndTraceRequest carries what is known when a traced operation finishes.
type EndTraceRequest struct {
	Agent        string         `json:"agent"`
	Operation    string         `json:"operation"`
	Status       string         `json:"status"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	Model        string         `json:"model,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	// NetworkLatencySec is the part of the duration spent waiting on the
	// network, if known
	NetworkLatencySec *float64 `json:"network_latency_sec,omitempty"`
}

type openTrace struct {
	start  time.Time
	spanID string
}

type agentTotals struct {
	calls     int
	successes int
	tokens    int
	cost      float64
}

// Engine is the observability core. It is safe for concurrent use.
type Engine struct {
	mu        sync.Mutex
	traces    map[string]openTrace
	history   []models.AgentMetric
	totals    map[string]*agentTotals
	stability []float64

	opts   Options
	clock  clock.Clock
	logger *slog.Logger
}

// New creates an engine.
func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Costs == nil {
		opts.Costs = cost.NewCalculator(nil)
	}
	if opts.Prometheus == nil {
		opts.Prometheus = exporter.NewPrometheusExporter()
	}
	if opts.Spans == nil {
		opts.Spans = exporter.NewOTelManager(nil, opts.Clock, opts.Logger)
	}
	if opts.Latency == nil {
		opts.Latency = rollup.NewPointStore(nil)
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = DefaultMaxHistory
	}
	if opts.KeepHistory <= 0 || opts.KeepHistory > opts.MaxHistory {
		opts.KeepHistory = min(DefaultKeepHistory, opts.MaxHistory)
	}
	if opts.MaxStabilitySamples <= 0 {
		opts.MaxStabilitySamples = DefaultMaxStabilitySamples
	}
	return &Engine{
		traces: make(map[string]openTrace),
		totals: make(map[string]*agentTotals),
		opts:   opts,
		clock:  opts.Clock,
		logger: opts.Logger,
	}
}

// Prometheus returns the exporter the engine forwards counters to.
func (e *Engine) Prometheus() *exporter.PrometheusExporter {
	return e.opts.Prometheus
}

// Latency returns the per-agent latency series.
func (e *Engine) Latency() *rollup.PointStore {
	return e.opts.Latency
}

// LatencySeries names the latency point series of an agent.
func LatencySeries(agent string) string {
	return "agent." + agent + ".latency_ms"
}

// Spans returns the span manager.
func (e *Engine) Spans() *exporter.OTelManager {
	return e.opts.Spans
}

// Costs returns the cost calculator.
func (e *Engine) Costs() *cost.Calculator {
	return e.opts.Costs
}

// StartTrace starts timing traceID and opens its span. Starting a trace
// that is already open restarts it.
func (e *Engine) StartTrace(ctx context.Context, traceID string) {
	spanID := e.opts.Spans.StartSpan(ctx, traceID, "", map[string]any{"trace_id": traceID})
	now := e.clock.Now()

	e.mu.Lock()
	prev, restarted := e.traces[traceID]
	e.traces[traceID] = openTrace{start: now, spanID: spanID}
	e.mu.Unlock()

	if restarted {
		e.logger.Warn("trace restarted", "trace_id", traceID)
		e.opts.Spans.EndSpan(prev.spanID, "restarted", nil, nil)
	}
}

// EndTrace finishes traceID and records the resulting AgentMetric. Ending
// a trace that was never started logs a warning and returns false.
func (e *Engine) EndTrace(_ context.Context, traceID string, req EndTraceRequest) (models.AgentMetric, bool) {
	e.mu.Lock()
	tr, ok := e.traces[traceID]
	if ok {
		delete(e.traces, traceID)
	}
	e.mu.Unlock()

	if !ok {
		e.logger.Warn("ending unknown trace", "trace_id", traceID)
		return models.AgentMetric{}, false
	}

	now := e.clock.Now()
	e.opts.Spans.EndSpan(tr.spanID, req.Status, req.NetworkLatencySec, map[string]any{
		"agent":         req.Agent,
		"operation":     req.Operation,
		"input_tokens":  req.InputTokens,
		"output_tokens": req.OutputTokens,
	})

	m := models.AgentMetric{
		AgentName:     req.Agent,
		Operation:     req.Operation,
		DurationMs:    float64(now.Sub(tr.start)) / float64(time.Millisecond),
		Timestamp:     now,
		Status:        models.NormalizeStatus(req.Status),
		TokenCount:    req.InputTokens + req.OutputTokens,
		InputTokens:   req.InputTokens,
		OutputTokens:  req.OutputTokens,
		EstimatedCost: e.opts.Costs.CalculateCost(req.Model, req.InputTokens, req.OutputTokens),
		Model:         req.Model,
		Metadata:      maps.Clone(req.Metadata),
	}

	e.Record(m)
	e.logger.Debug("trace ended",
		"trace_id", traceID,
		"agent", m.AgentName,
		"duration_ms", m.DurationMs,
		"status", string(m.Status),
	)
	return m, true
}

// OpenTraces returns the number of started but not ended traces.
func (e *Engine) OpenTraces() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.traces)
}

func (e *Engine) appendLocked(m models.AgentMetric) {
	e.history = append(e.history, m)
	if len(e.history) > e.opts.MaxHistory {
		keep := e.history[len(e.history)-e.opts.KeepHistory:]
		e.history = append([]models.AgentMetric(nil), keep...)
	}
}

func (e *Engine) totalsLocked(agent string) *agentTotals {
	t, ok := e.totals[agent]
	if !ok {
		t = &agentTotals{}
		e.totals[agent] = t
	}
	return t
}

func (e *Engine) forward(m models.AgentMetric, t agentTotals) {
	p := e.opts.Prometheus
	agent := map[string]string{"agent": m.AgentName}
	p.RecordMetric("agent_calls_total", float64(t.calls), agent)
	p.RecordMetric("agent_tokens_total", float64(t.tokens), agent)
	p.RecordMetric("agent_cost_usd", t.cost, agent)
	p.RecordMetric("agent_success_rate", float64(t.successes)/float64(t.calls), agent)
	p.RecordMetric("agent_latency_ms", m.DurationMs, map[string]string{
		"agent":     m.AgentName,
		"operation": m.Operation,
	})
}

// Record adds an assembled metric to the history, the agent totals, the
// latency series and the Prometheus counters. EndTrace records through it;
// calling it directly bypasses the span lifecycle.
func (e *Engine) Record(m models.AgentMetric) {
	e.mu.Lock()
	e.appendLocked(m)
	t := e.totalsLocked(m.AgentName)
	t.calls++
	if m.Succeeded() {
		t.successes++
	}
	t.tokens += m.TokenCount
	t.cost += m.EstimatedCost
	snapshot := *t
	e.mu.Unlock()

	e.opts.Latency.AddPoint(LatencySeries(m.AgentName), m.Timestamp, m.DurationMs)
	e.forward(m, snapshot)
}

// History returns a copy of the telemetry history, oldest first.
func (e *Engine) History() []models.AgentMetric {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.AgentMetric(nil), e.history...)
}

// AgentHistory returns the history entries of one agent.
func (e *Engine) AgentHistory(agent string) []models.AgentMetric {
	return lo.Filter(e.History(), func(m models.AgentMetric, _ int) bool {
		return m.AgentName == agent
	})
}

// RecentMetrics returns the last n history entries.
func (e *Engine) RecentMetrics(n int) []models.AgentMetric {
	h := e.History()
	if n <= 0 {
		return nil
	}
	if n > len(h) {
		n = len(h)
	}
	return h[len(h)-n:]
}

// Load replaces the history with the persisted one. A load failure is
// logged and leaves the history empty. It returns the number of entries
// loaded.
func (e *Engine) Load(ctx context.Context) int {
	if e.opts.History == nil {
		return 0
	}
	loaded, err := e.opts.History.LoadHistory(ctx)
	if err != nil {
		e.logger.Error("failed to load telemetry history, starting empty", "error", err)
		loaded = nil
	}
	if len(loaded) > e.opts.MaxHistory {
		loaded = loaded[len(loaded)-e.opts.KeepHistory:]
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append([]models.AgentMetric(nil), loaded...)
	e.totals = make(map[string]*agentTotals)
	for _, m := range e.history {
		t := e.totalsLocked(m.AgentName)
		t.calls++
		if m.Succeeded() {
			t.successes++
		}
		t.tokens += m.TokenCount
		t.cost += m.EstimatedCost
	}
	return len(e.history)
}

// Flush persists the current history.
func (e *Engine) Flush(ctx context.Context) error {
	if e.opts.History == nil {
		return nil
	}
	if err := e.opts.History.SaveHistory(ctx, e.History()); err != nil {
		return fmt.Errorf("flushing telemetry history: %w", err)
	}
	return nil
}

// Clear drops history, open traces, totals and stability samples.
func (e *Engine) Clear() {
	e.mu.Lock()
	e.traces = make(map[string]openTrace)
	e.history = nil
	e.totals = make(map[string]*agentTotals)
	e.stability = nil
	e.mu.Unlock()

	e.opts.Spans.Reset()
	e.opts.Prometheus.Clear()
	e.opts.Latency.Clear()
}
