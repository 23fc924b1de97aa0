package engine

import (
	"encoding/json"
	"math"

	"github.com/samber/lo"

	"github.com/fidde/agent_observability/internal/rollup"
	"github.com/fidde/agent_observability/pkg/hyperloglog"
	"github.com/fidde/agent_observability/pkg/models"
)

// AgentSummary aggregates one agent's history.
type AgentSummary struct {
	Calls      int     `json:"calls"`
	AvgLatency float64 `json:"avg_latency"`
	TotalCost  float64 `json:"total_cost"`
}

// Summary aggregates the whole history. An empty summary marshals as
// {"status":"No data"}.
type Summary struct {
	TotalCalls         int                     `json:"total_calls"`
	AvgLatencyMs       float64                 `json:"avg_latency_ms"`
	SuccessRatePct     float64                 `json:"success_rate_pct"`
	TotalTokens        int                     `json:"total_tokens"`
	TotalCostUSD       float64                 `json:"total_cost_usd"`
	DistinctOperations uint64                  `json:"distinct_operations"`
	Agents             map[string]AgentSummary `json:"agents"`
}

// Empty reports whether the summary was built from no data.
func (s Summary) Empty() bool {
	return s.TotalCalls == 0
}

// MarshalJSON implements json.Marshaler.
func (s Summary) MarshalJSON() ([]byte, error) {
	if s.Empty() {
		return json.Marshal(map[string]string{"status": "No data"})
	}
	type plain Summary
	return json.Marshal(plain(s))
}

// Summary aggregates the current history.
func (e *Engine) Summary() Summary {
	return Summarize(e.History())
}

// Summarize aggregates history.
func Summarize(history []models.AgentMetric) Summary {
	if len(history) == 0 {
		return Summary{}
	}

	ops := hyperloglog.New(hyperloglog.DefaultPrecision)
	var successes int
	s := Summary{TotalCalls: len(history), Agents: make(map[string]AgentSummary)}
	for _, m := range history {
		ops.Add(m.Operation)
		if m.Succeeded() {
			successes++
		}
		s.TotalTokens += m.TokenCount
		s.TotalCostUSD += m.EstimatedCost
	}

	s.AvgLatencyMs = lo.SumBy(history, func(m models.AgentMetric) float64 { return m.DurationMs }) / float64(len(history))
	s.SuccessRatePct = float64(successes) / float64(len(history)) * 100
	s.DistinctOperations = ops.Estimate()

	for agent, calls := range lo.GroupBy(history, func(m models.AgentMetric) string { return m.AgentName }) {
		s.Agents[agent] = AgentSummary{
			Calls:      len(calls),
			AvgLatency: lo.SumBy(calls, func(m models.AgentMetric) float64 { return m.DurationMs }) / float64(len(calls)),
			TotalCost:  lo.SumBy(calls, func(m models.AgentMetric) float64 { return m.EstimatedCost }),
		}
	}
	return s
}

// NeutralReliability is the score of an agent with no history.
const NeutralReliability = 0.5

// ReliabilityScores returns successes/attempts for each named agent, in
// order. Agents without history score NeutralReliability.
func (e *Engine) ReliabilityScores(agents []string) []float64 {
	history := e.History()
	attempts := make(map[string]int)
	successes := make(map[string]int)
	for _, m := range history {
		attempts[m.AgentName]++
		if m.Succeeded() {
			successes[m.AgentName]++
		}
	}

	scores := make([]float64, len(agents))
	for i, a := range agents {
		if attempts[a] == 0 {
			scores[i] = NeutralReliability
			continue
		}
		scores[i] = float64(successes[a]) / float64(attempts[a])
	}
	return scores
}

// StabilityInputs are the fleet signals the stability score is computed from.
type StabilityInputs struct {
	AvgErrorRate     float64 `json:"avg_error_rate"`
	TotalTokenOut    int     `json:"total_token_out"`
	ActiveAgentCount int     `json:"active_agent_count"`
	LatencyP95       float64 `json:"latency_p95"`
}

// CalculateStabilityScore scores fleet health in [0,1]. Error rate costs
// 5x, each anomaly 0.05, and p95 latency above 2s costs 0.1 per extra second.
func CalculateStabilityScore(in StabilityInputs, anomalies int) float64 {
	score := 1.0
	score -= in.AvgErrorRate * 5.0
	score -= float64(anomalies) * 0.05
	score -= math.Max(0, (in.LatencyP95-2000)/10000)
	return math.Max(0, math.Min(1, score))
}

const (
	// StasisMinSamples is the minimum score history for a stasis verdict.
	StasisMinSamples = 10
	// StasisVarianceLimit is the variance below which scores count as stuck.
	StasisVarianceLimit = 0.0001
)

// IsInStasis reports whether the trailing StasisMinSamples scores have
// stopped moving.
func IsInStasis(scores []float64) bool {
	if len(scores) < StasisMinSamples {
		return false
	}
	window := scores[len(scores)-StasisMinSamples:]
	mean := lo.Sum(window) / float64(len(window))
	var variance float64
	for _, s := range window {
		variance += (s - mean) * (s - mean)
	}
	variance /= float64(len(window))
	return variance < StasisVarianceLimit
}

// StabilityMetrics derives the stability inputs from the history.
func (e *Engine) StabilityMetrics() StabilityInputs {
	history := e.History()
	if len(history) == 0 {
		return StabilityInputs{}
	}

	failures := lo.CountBy(history, func(m models.AgentMetric) bool { return m.Status == models.StatusFailure })
	return StabilityInputs{
		AvgErrorRate:     float64(failures) / float64(len(history)),
		TotalTokenOut:    lo.SumBy(history, func(m models.AgentMetric) int { return m.OutputTokens }),
		ActiveAgentCount: len(lo.UniqBy(history, func(m models.AgentMetric) string { return m.AgentName })),
		LatencyP95:       rollup.P95(lo.Map(history, func(m models.AgentMetric, _ int) float64 { return m.DurationMs })),
	}
}

// RecordStabilitySample appends a score to the bounded stability history.
func (e *Engine) RecordStabilitySample(score float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stability = append(e.stability, score)
	if over := len(e.stability) - e.opts.MaxStabilitySamples; over > 0 {
		e.stability = append([]float64(nil), e.stability[over:]...)
	}
}

// StabilityHistory returns the recorded stability scores, oldest first.
func (e *Engine) StabilityHistory() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]float64(nil), e.stability...)
}

// InStasis applies IsInStasis to the recorded stability scores.
func (e *Engine) InStasis() bool {
	return IsInStasis(e.StabilityHistory())
}

// Stability computes the current score from the history, records it as a
// sample and reports it together with the stasis verdict.
func (e *Engine) Stability(anomalies int) (StabilityInputs, float64, bool) {
	in := e.StabilityMetrics()
	score := CalculateStabilityScore(in, anomalies)
	e.RecordStabilitySample(score)
	e.opts.Prometheus.RecordMetric("stability_score", score, nil)
	return in, score, e.InStasis()
}
