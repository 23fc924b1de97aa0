package abtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidde/agent_observability/pkg/models"
)

func TestLowerLatencyWins(t *testing.T) {
	e := New(nil)
	c := e.CreateComparison("v1", "v2")

	require.True(t, e.AddMetric(c.ID, "a", "latency", 100))
	require.True(t, e.AddMetric(c.ID, "b", "latency", 80))

	res, ok := e.CalculateWinner(c.ID, "latency", false)
	require.True(t, ok)
	assert.Equal(t, models.WinnerB, res.Winner)
	assert.InDelta(t, 20.0, res.ImprovementPercent, 1e-9)
	assert.Equal(t, 100.0, res.VersionA)
	assert.Equal(t, 80.0, res.VersionB)

	stored, ok := e.Comparison(c.ID)
	require.True(t, ok)
	assert.Equal(t, models.WinnerB, stored.Winner)
}

func TestWinnerDirections(t *testing.T) {
	tests := []struct {
		name           string
		a, b           float64
		higherIsBetter bool
		want           string
	}{
		{"higher b wins", 10, 12, true, models.WinnerB},
		{"higher a wins", 12, 10, true, models.WinnerA},
		{"lower a wins", 10, 12, false, models.WinnerA},
		{"tie", 5, 5, true, models.WinnerTie},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(nil)
			c := e.CreateComparison("x", "y")
			e.AddMetric(c.ID, "x", "score", tt.a)
			e.AddMetric(c.ID, "y", "score", tt.b)

			res, ok := e.CalculateWinner(c.ID, "score", tt.higherIsBetter)
			require.True(t, ok)
			assert.Equal(t, tt.want, res.Winner)
		})
	}
}

func TestComparisonIDIsDeterministic(t *testing.T) {
	e := New(nil)
	first := e.CreateComparison("v1", "v2")
	e.AddMetric(first.ID, "a", "latency", 1)

	second := e.CreateComparison("v1", "v2")
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, first.ID, 8)
	assert.NotEqual(t, first.ID, ComparisonID("v2", "v1"))

	// Recreating overwrites the accumulated state
	stored, ok := e.Comparison(first.ID)
	require.True(t, ok)
	assert.Empty(t, stored.MetricsA)
	assert.Len(t, e.Comparisons(), 1)
}

func TestUnknownComparisonOrVersion(t *testing.T) {
	e := New(nil)
	c := e.CreateComparison("v1", "v2")

	assert.False(t, e.AddMetric("missing", "a", "latency", 1))
	assert.False(t, e.AddMetric(c.ID, "v3", "latency", 1))
	assert.True(t, e.AddMetric(c.ID, "v2", "latency", 1))

	_, ok := e.CalculateWinner("missing", "latency", true)
	assert.False(t, ok)

	res, ok := e.CalculateWinner(c.ID, "latency", true)
	require.True(t, ok)
	assert.Zero(t, res.ImprovementPercent, "a is 0 so improvement is 0")
}

func TestCalculateSignificance(t *testing.T) {
	res := CalculateSignificance([]float64{10, 12}, []float64{14, 16}, 0.05)
	assert.Equal(t, 4.0, res.EffectSize)
	assert.Equal(t, 0.01, res.PValue)
	assert.True(t, res.IsSignificant)

	res = CalculateSignificance([]float64{10, 10}, []float64{10.5, 10.2}, 0)
	assert.InDelta(t, 0.35, res.EffectSize, 1e-9)
	assert.Equal(t, 0.5, res.PValue)
	assert.False(t, res.IsSignificant)

	res = CalculateSignificance(nil, nil, 0.05)
	assert.Zero(t, res.EffectSize)
	assert.False(t, res.IsSignificant)
}

func TestSignificanceSetsConfidence(t *testing.T) {
	e := New(nil)
	c := e.CreateComparison("v1", "v2")
	assert.Zero(t, c.Confidence)

	res, ok := e.Significance(c.ID, []float64{10, 12}, []float64{14, 16}, 0)
	require.True(t, ok)
	assert.True(t, res.IsSignificant)
	assert.InDelta(t, 4.0, res.EffectSize, 1e-9)

	stored, ok := e.Comparison(c.ID)
	require.True(t, ok)
	assert.InDelta(t, 0.99, stored.Confidence, 1e-9)

	_, _ = e.Significance(c.ID, []float64{10}, []float64{10.5}, 0)
	stored, _ = e.Comparison(c.ID)
	assert.InDelta(t, 0.5, stored.Confidence, 1e-9)

	_, ok = e.Significance("missing", nil, nil, 0)
	assert.False(t, ok)
}
