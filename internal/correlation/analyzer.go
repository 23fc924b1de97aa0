// Package correlation computes Pearson correlations between metric histories.
package correlation

import (
	"math"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/fidde/agent_observability/pkg/models"
)

const (
	// MinSampleSize is the fewest aligned points a correlation needs.
	MinSampleSize = 3

	// DefaultThreshold is the |r| FindStrongCorrelations uses by default.
	DefaultThreshold = 0.8
)

// Analyzer keeps an unbounded value history per metric.
type Analyzer struct {
	mu      sync.RWMutex
	history map[string][]float64
}

// New creates an empty analyzer.
func New() *Analyzer {
	return &Analyzer{history: make(map[string][]float64)}
}

// RecordValue appends value to the metric's history.
func (a *Analyzer) RecordValue(metric string, value float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history[metric] = append(a.history[metric], value)
}

// Metrics returns the tracked metric names, sorted.
func (a *Analyzer) Metrics() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := lo.Keys(a.history)
	sort.Strings(names)
	return names
}

// Clear drops all histories.
func (a *Analyzer) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = make(map[string][]float64)
}

// ComputeCorrelation correlates the trailing min(len(a), len(b)) values of
// both histories. It returns nil when fewer than MinSampleSize points align
// or either side has zero variance.
func (a *Analyzer) ComputeCorrelation(metricA, metricB string) *models.MetricCorrelation {
	a.mu.RLock()
	x, y := a.history[metricA], a.history[metricB]
	a.mu.RUnlock()

	return correlate(metricA, metricB, x, y)
}

// FindStrongCorrelations correlates every pair of tracked metrics and
// returns those with |r| >= threshold, in metric name order.
func (a *Analyzer) FindStrongCorrelations(threshold float64) []models.MetricCorrelation {
	a.mu.RLock()
	names := lo.Keys(a.history)
	snapshot := make(map[string][]float64, len(names))
	for _, n := range names {
		snapshot[n] = a.history[n]
	}
	a.mu.RUnlock()
	sort.Strings(names)

	var out []models.MetricCorrelation
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			c := correlate(names[i], names[j], snapshot[names[i]], snapshot[names[j]])
			if c != nil && math.Abs(c.CorrelationCoefficient) >= threshold {
				out = append(out, *c)
			}
		}
	}
	return out
}

func correlate(nameA, nameB string, x, y []float64) *models.MetricCorrelation {
	n := min(len(x), len(y))
	if n < MinSampleSize {
		return nil
	}
	r, ok := Pearson(x[len(x)-n:], y[len(y)-n:])
	if !ok {
		return nil
	}
	return &models.MetricCorrelation{
		MetricA:                nameA,
		MetricB:                nameB,
		CorrelationCoefficient: r,
		SampleSize:             n,
		Significance:           Significance(r),
	}
}

// Pearson returns Pearson's r for two equal-length series. ok is false for
// mismatched or short input and when either series is constant.
func Pearson(x, y []float64) (r float64, ok bool) {
	n := len(x)
	if n != len(y) || n < 2 || constant(x) || constant(y) {
		return 0, false
	}

	var meanX, meanY float64
	for i := 0; i < n; i++ {
		meanX += x[i]
		meanY += y[i]
	}
	meanX /= float64(n)
	meanY /= float64(n)

	var cov, varX, varY float64
	for i := 0; i < n; i++ {
		dx, dy := x[i]-meanX, y[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0, false
	}

	r = cov / math.Sqrt(varX*varY)
	return math.Max(-1, math.Min(1, r)), true
}

// Significance labels the strength of r.
func Significance(r float64) string {
	switch abs := math.Abs(r); {
	case abs >= 0.8:
		return "strong"
	case abs >= 0.5:
		return "moderate"
	case abs >= 0.3:
		return "weak"
	}
	return "none"
}

func constant(v []float64) bool {
	for _, x := range v[1:] {
		if x != v[0] {
			return false
		}
	}
	return true
}
