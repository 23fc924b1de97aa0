package models

// DerivedMetric is a named formula over the latest values of other metrics.
type DerivedMetric struct {
	Name         string   `json:"name" yaml:"name"`
	Dependencies []string `json:"dependencies" yaml:"dependencies"`

	// Formula uses {metric} placeholders, e.g. "{errors} / {requests} * 100"
	Formula     string `json:"formula" yaml:"formula"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// MetricCorrelation is the Pearson correlation between two metric histories.
type MetricCorrelation struct {
	MetricA                string  `json:"metric_a"`
	MetricB                string  `json:"metric_b"`
	CorrelationCoefficient float64 `json:"correlation_coefficient"`
	SampleSize             int     `json:"sample_size"`

	// Significance is a label: "strong", "moderate", "weak" or "none"
	Significance string `json:"significance"`
}
