package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidde/agent_observability/internal/storage/file"
	"github.com/fidde/agent_observability/internal/storage/memory"
	"github.com/fidde/agent_observability/pkg/models"
)

func newTestEngine(t *testing.T, opts Options) (*Engine, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	opts.Clock = mock
	return New(opts), mock
}

func runTrace(e *Engine, mock *clock.Mock, id string, d time.Duration, req EndTraceRequest) models.AgentMetric {
	e.StartTrace(context.Background(), id)
	mock.Add(d)
	m, _ := e.EndTrace(context.Background(), id, req)
	return m
}

func TestEngine_TraceLifecycle(t *testing.T) {
	e, mock := newTestEngine(t, Options{})

	e.StartTrace(context.Background(), "t1")
	assert.Equal(t, 1, e.OpenTraces())

	mock.Add(1500 * time.Millisecond)
	network := 0.5
	m, ok := e.EndTrace(context.Background(), "t1", EndTraceRequest{
		Agent:             "coder",
		Operation:         "plan",
		Status:            "success",
		InputTokens:       1000,
		OutputTokens:      500,
		Model:             "gpt-4",
		Metadata:          map[string]any{"shard": "eu"},
		NetworkLatencySec: &network,
	})
	require.True(t, ok)
	assert.Zero(t, e.OpenTraces())

	assert.Equal(t, "coder", m.AgentName)
	assert.InDelta(t, 1500, m.DurationMs, 1e-9)
	assert.Equal(t, models.StatusSuccess, m.Status)
	assert.Equal(t, 1500, m.TokenCount)
	assert.InDelta(t, 0.06, m.EstimatedCost, 1e-9)
	assert.Equal(t, "eu", m.Metadata["shard"])
	assert.Len(t, e.History(), 1)

	spans := e.Spans().FinishedSpans()
	require.Len(t, spans, 1)
	assert.InDelta(t, 1000, spans[0].Latency.AgentThinkingMs, 1e-9)

	v, ok := e.Prometheus().Value("agent_calls_total", map[string]string{"agent": "coder"})
	require.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestEngine_EndUnknownTrace(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	_, ok := e.EndTrace(context.Background(), "missing", EndTraceRequest{Agent: "a"})
	assert.False(t, ok)
	assert.Empty(t, e.History())
	assert.Zero(t, e.Prometheus().Len())
}

func TestEngine_PrometheusCountersAccumulate(t *testing.T) {
	e, mock := newTestEngine(t, Options{})
	runTrace(e, mock, "a", time.Second, EndTraceRequest{Agent: "coder", Status: "success", InputTokens: 10})
	runTrace(e, mock, "b", time.Second, EndTraceRequest{Agent: "coder", Status: "failure", InputTokens: 5})

	labels := map[string]string{"agent": "coder"}
	calls, _ := e.Prometheus().Value("agent_calls_total", labels)
	tokens, _ := e.Prometheus().Value("agent_tokens_total", labels)
	rate, _ := e.Prometheus().Value("agent_success_rate", labels)
	assert.Equal(t, 2.0, calls)
	assert.Equal(t, 15.0, tokens)
	assert.Equal(t, 0.5, rate)
	assert.Contains(t, e.Prometheus().GenerateScrapeResponse(), `pyagent_agent_calls_total{agent="coder"} 2`)
}

func TestEngine_RecordUpdatesCounters(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	e.Record(models.AgentMetric{AgentName: "imported", Status: models.StatusSuccess, TokenCount: 40, EstimatedCost: 0.2, DurationMs: 50})
	e.Record(models.AgentMetric{AgentName: "imported", Status: models.StatusFailure, TokenCount: 10, DurationMs: 70})

	labels := map[string]string{"agent": "imported"}
	calls, ok := e.Prometheus().Value("agent_calls_total", labels)
	require.True(t, ok)
	assert.Equal(t, 2.0, calls)
	tokens, _ := e.Prometheus().Value("agent_tokens_total", labels)
	assert.Equal(t, 50.0, tokens)
	rate, _ := e.Prometheus().Value("agent_success_rate", labels)
	assert.Equal(t, 0.5, rate)
	assert.Equal(t, []float64{50, 70}, e.Latency().Values(LatencySeries("imported")))

	e.StartTrace(context.Background(), "t")
	_, ok = e.EndTrace(context.Background(), "t", EndTraceRequest{Agent: "imported", Status: "success", InputTokens: 5})
	require.True(t, ok)
	calls, _ = e.Prometheus().Value("agent_calls_total", labels)
	assert.Equal(t, 3.0, calls)
}

func TestEngine_EndTraceCopiesMetadata(t *testing.T) {
	e, mock := newTestEngine(t, Options{})
	meta := map[string]any{"shard": "eu"}
	runTrace(e, mock, "t", time.Second, EndTraceRequest{Agent: "coder", Status: "success", Metadata: meta})

	meta["shard"] = "us"
	meta["extra"] = true
	h := e.History()
	require.Len(t, h, 1)
	assert.Equal(t, map[string]any{"shard": "eu"}, h[0].Metadata)
}

func TestEngine_HistoryPruning(t *testing.T) {
	e, _ := newTestEngine(t, Options{MaxHistory: 10, KeepHistory: 4})
	for i := 0; i < 11; i++ {
		e.Record(models.AgentMetric{AgentName: "a", DurationMs: float64(i)})
	}
	h := e.History()
	require.Len(t, h, 4)
	assert.Equal(t, 7.0, h[0].DurationMs)
	assert.Equal(t, 10.0, h[3].DurationMs)
}

func TestEngine_DefaultHistoryCaps(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	for i := 0; i <= DefaultMaxHistory; i++ {
		e.Record(models.AgentMetric{AgentName: "a"})
	}
	assert.Len(t, e.History(), DefaultKeepHistory)
}

func TestEngine_AgentHistoryAndRecent(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	e.Record(models.AgentMetric{AgentName: "a", Operation: "1"})
	e.Record(models.AgentMetric{AgentName: "b", Operation: "2"})
	e.Record(models.AgentMetric{AgentName: "a", Operation: "3"})

	assert.Len(t, e.AgentHistory("a"), 2)
	assert.Empty(t, e.AgentHistory("zzz"))

	recent := e.RecentMetrics(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "2", recent[0].Operation)
	assert.Len(t, e.RecentMetrics(99), 3)
	assert.Empty(t, e.RecentMetrics(0))
}

func TestEngine_FlushAndLoad(t *testing.T) {
	store := memory.New()
	e, mock := newTestEngine(t, Options{History: store})
	runTrace(e, mock, "t", time.Second, EndTraceRequest{Agent: "coder", Status: "success"})
	require.NoError(t, e.Flush(context.Background()))

	fresh, _ := newTestEngine(t, Options{History: store})
	assert.Equal(t, 1, fresh.Load(context.Background()))
	assert.Equal(t, "coder", fresh.History()[0].AgentName)
}

func TestEngine_LoadCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".agent_telemetry.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	store, err := file.New(path)
	require.NoError(t, err)

	e, _ := newTestEngine(t, Options{History: store})
	e.Record(models.AgentMetric{AgentName: "stale"})
	assert.Zero(t, e.Load(context.Background()))
	assert.Empty(t, e.History())
}

func TestEngine_LoadMissingFile(t *testing.T) {
	store, err := file.New(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	e, _ := newTestEngine(t, Options{History: store})
	assert.Zero(t, e.Load(context.Background()))
}

func TestEngine_Clear(t *testing.T) {
	e, mock := newTestEngine(t, Options{})
	runTrace(e, mock, "t", time.Second, EndTraceRequest{Agent: "a", Status: "success"})
	e.StartTrace(context.Background(), "open")
	e.RecordStabilitySample(0.9)

	e.Clear()
	assert.Empty(t, e.History())
	assert.Zero(t, e.OpenTraces())
	assert.Empty(t, e.StabilityHistory())
	assert.Zero(t, e.Prometheus().Len())
}

func TestSummary_NoData(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	s := e.Summary()
	assert.True(t, s.Empty())

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"No data"}`, string(data))
}

func TestSummary_Aggregates(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	e.Record(models.AgentMetric{AgentName: "a", Operation: "plan", DurationMs: 100, Status: models.StatusSuccess, TokenCount: 10, EstimatedCost: 0.5})
	e.Record(models.AgentMetric{AgentName: "a", Operation: "code", DurationMs: 300, Status: models.StatusFailure, TokenCount: 20, EstimatedCost: 0.25})
	e.Record(models.AgentMetric{AgentName: "b", Operation: "plan", DurationMs: 200, Status: models.StatusSuccess, TokenCount: 30, EstimatedCost: 1})

	s := e.Summary()
	assert.Equal(t, 3, s.TotalCalls)
	assert.InDelta(t, 200, s.AvgLatencyMs, 1e-9)
	assert.InDelta(t, 200.0/3, s.SuccessRatePct, 1e-9)
	assert.Equal(t, 60, s.TotalTokens)
	assert.InDelta(t, 1.75, s.TotalCostUSD, 1e-9)
	assert.Equal(t, uint64(2), s.DistinctOperations)
	assert.Equal(t, AgentSummary{Calls: 2, AvgLatency: 200, TotalCost: 0.75}, s.Agents["a"])

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"total_calls":3`))
}

func TestReliabilityScores(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	e.Record(models.AgentMetric{AgentName: "a", Status: models.StatusSuccess})
	e.Record(models.AgentMetric{AgentName: "a", Status: models.StatusFailure})
	e.Record(models.AgentMetric{AgentName: "a", Status: models.StatusSuccess})
	e.Record(models.AgentMetric{AgentName: "a", Status: models.StatusSuccess})

	scores := e.ReliabilityScores([]string{"a", "new"})
	assert.Equal(t, []float64{0.75, NeutralReliability}, scores)
}

func TestCalculateStabilityScore(t *testing.T) {
	tests := []struct {
		name      string
		in        StabilityInputs
		anomalies int
		want      float64
	}{
		{"healthy", StabilityInputs{}, 0, 1},
		{"error rate", StabilityInputs{AvgErrorRate: 0.1}, 0, 0.5},
		{"anomalies", StabilityInputs{}, 4, 0.8},
		{"latency under limit", StabilityInputs{LatencyP95: 1500}, 0, 1},
		{"latency penalty", StabilityInputs{LatencyP95: 4000}, 0, 0.8},
		{"clamped low", StabilityInputs{AvgErrorRate: 1}, 10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CalculateStabilityScore(tt.in, tt.anomalies), 1e-9)
		})
	}
}

func TestIsInStasis(t *testing.T) {
	flat := make([]float64, 10)
	for i := range flat {
		flat[i] = 0.9
	}
	assert.True(t, IsInStasis(flat))
	assert.False(t, IsInStasis(flat[:9]))

	moving := append([]float64{}, flat...)
	moving[9] = 0.5
	assert.False(t, IsInStasis(moving))

	// Only the trailing window counts.
	recovered := append([]float64{0.1, 0.9, 0.2}, flat...)
	assert.True(t, IsInStasis(recovered))
}

func TestEngine_Stability(t *testing.T) {
	e, _ := newTestEngine(t, Options{MaxStabilitySamples: 12})
	e.Record(models.AgentMetric{AgentName: "a", Status: models.StatusSuccess, OutputTokens: 7, DurationMs: 100})
	e.Record(models.AgentMetric{AgentName: "b", Status: models.StatusFailure, OutputTokens: 3, DurationMs: 200})

	in := e.StabilityMetrics()
	assert.Equal(t, 0.5, in.AvgErrorRate)
	assert.Equal(t, 10, in.TotalTokenOut)
	assert.Equal(t, 2, in.ActiveAgentCount)
	assert.Equal(t, 200.0, in.LatencyP95)

	var stuck bool
	for i := 0; i < 15; i++ {
		_, score, s := e.Stability(0)
		assert.Zero(t, score)
		stuck = s
	}
	assert.True(t, stuck)
	assert.Len(t, e.StabilityHistory(), 12)
	assert.True(t, e.InStasis())
}

func TestEngine_LatencySeries(t *testing.T) {
	e, mock := newTestEngine(t, Options{})

	runTrace(e, mock, "a", 30*time.Minute, EndTraceRequest{Agent: "coder", Status: "success"})
	runTrace(e, mock, "b", 10*time.Second, EndTraceRequest{Agent: "coder", Status: "success"})
	runTrace(e, mock, "c", 2*time.Second, EndTraceRequest{Agent: "reviewer", Status: "failure"})

	series := LatencySeries("coder")
	assert.Equal(t, "agent.coder.latency_ms", series)
	assert.Equal(t, []float64{1800000, 10000}, e.Latency().Values(series))
	assert.Len(t, e.Latency().Metrics(), 2)

	// 12:30:00 and 12:30:10 share the 12:00 hourly bucket.
	assert.Equal(t, []float64{905000}, e.Latency().Rollup(series, "1h"))

	e.Clear()
	assert.Empty(t, e.Latency().Metrics())
}
