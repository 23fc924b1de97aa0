package models

import "time"

// ABComparison accumulates metrics for two versions under test.
type ABComparison struct {
	ID         string             `json:"id"`
	VersionA   string             `json:"version_a"`
	VersionB   string             `json:"version_b"`
	MetricsA   map[string]float64 `json:"metrics_a"`
	MetricsB   map[string]float64 `json:"metrics_b"`
	Winner     string             `json:"winner,omitempty"`
	// Confidence is 1 - p_value of the last significance check.
	Confidence float64            `json:"confidence"`
	CreatedAt  time.Time          `json:"created_at"`
}

// Winner values.
const (
	WinnerA   = "a"
	WinnerB   = "b"
	WinnerTie = "tie"
)

// WinnerResult compares one metric between the two sides of a comparison.
type WinnerResult struct {
	Metric             string  `json:"metric"`
	VersionA           float64 `json:"version_a"`
	VersionB           float64 `json:"version_b"`
	Winner             string  `json:"winner"`
	ImprovementPercent float64 `json:"improvement_percent"`
}

// SignificanceResult is the outcome of the coarse significance heuristic.
// It is not a statistical hypothesis test.
type SignificanceResult struct {
	PValue        float64 `json:"p_value"`
	IsSignificant bool    `json:"is_significant"`
	EffectSize    float64 `json:"effect_size"`
}
