// Package models defines the records shared by the statistics, alerting and
// export components.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MetricType is the kind of a recorded metric.
type MetricType int

const (
	Gauge MetricType = iota
	Counter
	Histogram
	Summary
)

// String returns the lower-case metric type name.
func (t MetricType) String() string {
	switch t {
	case Gauge:
		return "gauge"
	case Counter:
		return "counter"
	case Histogram:
		return "histogram"
	case Summary:
		return "summary"
	}
	return fmt.Sprintf("MetricType(%d)", int(t))
}

// ParseMetricType parses a metric type name. An empty name is a gauge.
func ParseMetricType(s string) (MetricType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "gauge":
		return Gauge, nil
	case "counter":
		return Counter, nil
	case "histogram":
		return Histogram, nil
	case "summary":
		return Summary, nil
	}
	return Gauge, fmt.Errorf("metric type %q: %w", s, ErrInvalidInput)
}

// MarshalText implements encoding.TextMarshaler.
func (t MetricType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *MetricType) UnmarshalText(b []byte) error {
	parsed, err := ParseMetricType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Metric is a single recorded value. Metrics are never modified after
// creation; histories only grow by appending new ones.
type Metric struct {
	// Name is the metric name, e.g. "cpu" or "agent.latency"
	Name string `json:"name"`

	// Value is the recorded sample
	Value float64 `json:"value"`

	// Type is the metric kind
	Type MetricType `json:"type"`

	// Timestamp is assigned when the metric is recorded
	Timestamp time.Time `json:"timestamp"`

	// Namespace groups related metrics (optional)
	Namespace string `json:"namespace,omitempty"`

	// Tags are free-form labels
	Tags map[string]string `json:"tags,omitempty"`
}

// Point returns the metric as a (timestamp, value) pair.
func (m Metric) Point() (time.Time, float64) {
	return m.Timestamp, m.Value
}

// Point is one sample of an append-only series.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// MarshalJSON renders the point as a [unix_seconds, value] pair.
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{float64(p.Timestamp.UnixNano()) / 1e9, p.Value})
}

// UnmarshalJSON accepts the [unix_seconds, value] pair form.
func (p *Point) UnmarshalJSON(b []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	p.Timestamp = time.Unix(0, int64(pair[0]*1e9)).UTC()
	p.Value = pair[1]
	return nil
}
