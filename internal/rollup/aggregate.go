package rollup

import (
	"log/slog"
	"math"
	"sort"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/fidde/agent_observability/pkg/models"
)

// smallSampleSize is the series length under which P95 and P99 fall back to MAX.
const smallSampleSize = 20

// Backend reduces a slice of values with an aggregation. Implementations
// must return 0 for empty input.
type Backend interface {
	Aggregate(values []float64, agg models.Aggregation) float64
}

// ExactBackend computes aggregations exactly in process. Percentiles use
// the nearest-rank index into the sorted values.
type ExactBackend struct{}

// Aggregate implements Backend.
func (ExactBackend) Aggregate(values []float64, agg models.Aggregation) float64 {
	return CalculateRollup(values, agg)
}

// SketchBackend answers percentile aggregations from a DDSketch with the
// given relative accuracy and defers everything else to ExactBackend.
type SketchBackend struct {
	RelativeAccuracy float64
	Logger           *slog.Logger
}

// Aggregate implements Backend.
func (b SketchBackend) Aggregate(values []float64, agg models.Aggregation) float64 {
	if !agg.IsPercentile() || len(values) == 0 {
		return CalculateRollup(values, agg)
	}

	accuracy := b.RelativeAccuracy
	if accuracy <= 0 || accuracy >= 1 {
		accuracy = 0.01
	}
	sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
	if err != nil {
		b.logger().Warn("creating sketch failed, using exact percentile", "error", err)
		return CalculateRollup(values, agg)
	}
	for _, v := range values {
		if err := sketch.Add(v); err != nil {
			b.logger().Debug("sketch rejected value", "value", v, "error", err)
		}
	}

	q, err := sketch.GetValueAtQuantile(quantile(agg))
	if err != nil {
		b.logger().Warn("sketch quantile failed, using exact percentile", "error", err)
		return CalculateRollup(values, agg)
	}
	return q
}

func (b SketchBackend) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

func quantile(agg models.Aggregation) float64 {
	switch agg {
	case models.AggP50:
		return 0.5
	case models.AggP95:
		return 0.95
	case models.AggP99:
		return 0.99
	}
	return 0
}

// CalculateRollup reduces values with the given aggregation. Empty input
// yields 0.
func CalculateRollup(values []float64, agg models.Aggregation) float64 {
	if len(values) == 0 {
		return 0
	}

	switch agg {
	case models.AggSum:
		return sum(values)
	case models.AggAvg:
		return sum(values) / float64(len(values))
	case models.AggMin:
		m := math.Inf(1)
		for _, v := range values {
			m = math.Min(m, v)
		}
		return m
	case models.AggMax:
		m := math.Inf(-1)
		for _, v := range values {
			m = math.Max(m, v)
		}
		return m
	case models.AggCount:
		return float64(len(values))
	case models.AggP50:
		return P50(values)
	case models.AggP95:
		return P95(values)
	case models.AggP99:
		return P99(values)
	}
	return 0
}

// P50 returns the middle element of the sorted values; the lower middle on
// an even count.
func P50(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	s := sorted(values)
	return s[(len(s)-1)/2]
}

// P95 returns sorted[int(n*0.95)]. Series shorter than 20 points return
// the maximum.
func P95(values []float64) float64 {
	return nearestRank(values, 0.95)
}

// P99 returns sorted[int(n*0.99)]. Series shorter than 20 points return
// the maximum.
func P99(values []float64) float64 {
	return nearestRank(values, 0.99)
}

func nearestRank(values []float64, q float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	s := sorted(values)
	if n < smallSampleSize {
		return s[n-1]
	}
	idx := int(float64(n) * q)
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

func sorted(values []float64) []float64 {
	s := make([]float64, len(values))
	copy(s, values)
	sort.Float64s(s)
	return s
}

func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}
