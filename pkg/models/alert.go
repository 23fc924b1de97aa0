package models

import (
	"fmt"
	"time"
)

// Severity levels for alerts.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Operator is the comparison used by the legacy threshold form.
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
)

// ParseOperator validates an operator string. The empty string is allowed
// and means the legacy form is not used.
func ParseOperator(s string) (Operator, error) {
	switch op := Operator(s); op {
	case "", OpGreater, OpLess, OpGreaterEqual, OpLessEqual, OpEqual:
		return op, nil
	}
	return "", fmt.Errorf("operator %q: %w", s, ErrInvalidInput)
}

// Holds reports whether "value op limit" is true.
func (o Operator) Holds(value, limit float64) bool {
	switch o {
	case OpGreater:
		return value > limit
	case OpLess:
		return value < limit
	case OpGreaterEqual:
		return value >= limit
	case OpLessEqual:
		return value <= limit
	case OpEqual:
		return value == limit
	}
	return false
}

// Threshold describes when a metric value should raise an alert. The range
// form (MinValue/MaxValue) and the legacy form (Operator/Value) may be used
// together; each is checked independently.
type Threshold struct {
	MetricName string   `json:"metric_name" yaml:"metric_name"`
	MinValue   *float64 `json:"min_value,omitempty" yaml:"min_value"`
	MaxValue   *float64 `json:"max_value,omitempty" yaml:"max_value"`
	Severity   string   `json:"severity" yaml:"severity"`
	Message    string   `json:"message,omitempty" yaml:"message"`

	// Legacy form: alert when "value Operator Value" holds
	Operator Operator `json:"operator,omitempty" yaml:"operator"`
	Value    *float64 `json:"value,omitempty" yaml:"value"`
}

// Alert is raised when a threshold check fails. Alerts are never modified,
// only cleared in bulk.
type Alert struct {
	// ID is derived from the metric name and timestamp
	ID             string    `json:"id"`
	MetricName     string    `json:"metric_name"`
	CurrentValue   float64   `json:"current_value"`
	ThresholdValue float64   `json:"threshold_value"`
	Severity       string    `json:"severity"`
	Message        string    `json:"message"`
	Timestamp      time.Time `json:"timestamp"`
}

// Float64 returns a pointer to v. Handy for threshold literals.
func Float64(v float64) *float64 {
	return &v
}
