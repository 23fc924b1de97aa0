// Package abtest compares metrics recorded for two versions of an agent.
package abtest

import (
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/fidde/agent_observability/pkg/models"
)

// DefaultAlpha is the significance level used when none is given.
const DefaultAlpha = 0.05

var comparisonNamespace = uuid.MustParse("0b7e4c1d-9a2f-4e3b-8d6c-5f1a2b3c4d5e")

// Engine holds A/B comparisons keyed by their id.
type Engine struct {
	mu          sync.RWMutex
	comparisons map[string]*models.ABComparison
	clock       clock.Clock
}

// New creates an engine. A nil clock uses wall time.
func New(clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{
		comparisons: make(map[string]*models.ABComparison),
		clock:       clk,
	}
}

// ComparisonID returns the short id for a version pair. The same pair
// always yields the same id.
func ComparisonID(versionA, versionB string) string {
	id := uuid.NewSHA1(comparisonNamespace, []byte(versionA+":"+versionB))
	return strings.ReplaceAll(id.String(), "-", "")[:8]
}

// CreateComparison starts a comparison between two versions. Creating the
// same pair again replaces the earlier state under the same id.
func (e *Engine) CreateComparison(versionA, versionB string) models.ABComparison {
	c := &models.ABComparison{
		ID:        ComparisonID(versionA, versionB),
		VersionA:  versionA,
		VersionB:  versionB,
		MetricsA:  make(map[string]float64),
		MetricsB:  make(map[string]float64),
		CreatedAt: e.clock.Now(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.comparisons[c.ID] = c
	return copyComparison(c)
}

// Comparison returns the comparison with id.
func (e *Engine) Comparison(id string) (models.ABComparison, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.comparisons[id]
	if !ok {
		return models.ABComparison{}, false
	}
	return copyComparison(c), true
}

// Comparisons lists all comparisons ordered by id.
func (e *Engine) Comparisons() []models.ABComparison {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := lo.Keys(e.comparisons)
	sort.Strings(ids)
	return lo.Map(ids, func(id string, _ int) models.ABComparison {
		return copyComparison(e.comparisons[id])
	})
}

// AddMetric records a metric for one side. version is either the registered
// version string or the alias "a"/"b". It returns false for an unknown
// comparison or a version matching neither side.
func (e *Engine) AddMetric(id, version, metric string, value float64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.comparisons[id]
	if !ok {
		return false
	}
	switch {
	case version == c.VersionA || version == models.WinnerA:
		c.MetricsA[metric] = value
	case version == c.VersionB || version == models.WinnerB:
		c.MetricsB[metric] = value
	default:
		return false
	}
	return true
}

// CalculateWinner compares metric between both sides. A missing value
// counts as 0. improvement_percent is |b-a|/a*100, or 0 when a is 0.
func (e *Engine) CalculateWinner(id, metric string, higherIsBetter bool) (models.WinnerResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.comparisons[id]
	if !ok {
		return models.WinnerResult{}, false
	}

	a, b := c.MetricsA[metric], c.MetricsB[metric]
	winner := models.WinnerTie
	switch {
	case a == b:
	case (b > a) == higherIsBetter:
		winner = models.WinnerB
	default:
		winner = models.WinnerA
	}

	var improvement float64
	if a != 0 {
		improvement = math.Abs(b-a) / a * 100
	}

	c.Winner = winner
	return models.WinnerResult{
		Metric:             metric,
		VersionA:           a,
		VersionB:           b,
		Winner:             winner,
		ImprovementPercent: improvement,
	}, true
}

// CalculateSignificance is a coarse heuristic, not a statistical test:
// effect_size is mean(treatment) - mean(control) and p_value is 0.01 when
// |effect_size| >= 1, else 0.5. A non-positive alpha means DefaultAlpha.
func CalculateSignificance(control, treatment []float64, alpha float64) models.SignificanceResult {
	if alpha <= 0 {
		alpha = DefaultAlpha
	}
	effect := mean(treatment) - mean(control)

	p := 0.5
	if math.Abs(effect) >= 1.0 {
		p = 0.01
	}
	return models.SignificanceResult{
		PValue:        p,
		IsSignificant: p < alpha,
		EffectSize:    effect,
	}
}

// Significance runs CalculateSignificance on samples of a comparison and
// stores 1 - p_value as its confidence.
func (e *Engine) Significance(id string, control, treatment []float64, alpha float64) (models.SignificanceResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.comparisons[id]
	if !ok {
		return models.SignificanceResult{}, false
	}
	res := CalculateSignificance(control, treatment, alpha)
	c.Confidence = 1 - res.PValue
	return res, true
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return lo.Sum(v) / float64(len(v))
}

func copyComparison(c *models.ABComparison) models.ABComparison {
	out := *c
	out.MetricsA = lo.Assign(c.MetricsA)
	out.MetricsB = lo.Assign(c.MetricsB)
	return out
}
