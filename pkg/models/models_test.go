package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseOperator(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"", false},
		{">", false},
		{"<=", false},
		{"==", false},
		{"!=", true},
		{"gt", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := ParseOperator(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseOperator(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidInput) {
				t.Errorf("error should wrap ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestOperatorHolds(t *testing.T) {
	tests := []struct {
		op    Operator
		value float64
		limit float64
		want  bool
	}{
		{OpGreater, 95, 90, true},
		{OpGreater, 90, 90, false},
		{OpGreaterEqual, 90, 90, true},
		{OpLess, 3, 5, true},
		{OpLessEqual, 6, 5, false},
		{OpEqual, 1, 1, true},
		{"", 1, 1, false},
	}

	for _, tt := range tests {
		if got := tt.op.Holds(tt.value, tt.limit); got != tt.want {
			t.Errorf("%v %q %v = %v, want %v", tt.value, tt.op, tt.limit, got, tt.want)
		}
	}
}

func TestNormalizeStatus(t *testing.T) {
	tests := map[string]Status{
		"success":   StatusSuccess,
		"ok":        StatusSuccess,
		"completed": StatusSuccess,
		"failure":   StatusFailure,
		"error":     StatusFailure,
		"failed":    StatusFailure,
		"timeout":   StatusOther,
		"":          StatusOther,
	}
	for in, want := range tests {
		if got := NormalizeStatus(in); got != want {
			t.Errorf("NormalizeStatus(%q) = %q, want %q", in, got, want)
		}
	}

	if !(AgentMetric{Status: StatusSuccess}).Succeeded() {
		t.Error("success status should count as succeeded")
	}
}

func TestParseAggregation(t *testing.T) {
	tests := []struct {
		input string
		want  Aggregation
	}{
		{"sum", AggSum},
		{"AVG", AggAvg},
		{"mean", AggAvg},
		{" max ", AggMax},
		{"median", AggP50},
		{"p99", AggP99},
	}
	for _, tt := range tests {
		got, err := ParseAggregation(tt.input)
		if err != nil {
			t.Errorf("ParseAggregation(%q): %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAggregation(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}

	if _, err := ParseAggregation("p42"); !errors.Is(err, ErrUnknownAggregation) {
		t.Errorf("unknown aggregation error = %v", err)
	}
	if !AggP95.IsPercentile() || AggMax.IsPercentile() {
		t.Error("IsPercentile mismatch")
	}
}

func TestMetricJSON(t *testing.T) {
	m := Metric{
		Name:      "latency",
		Value:     12.5,
		Type:      Histogram,
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if raw["type"] != "histogram" {
		t.Errorf("type = %v, want histogram", raw["type"])
	}
	if _, ok := raw["namespace"]; ok {
		t.Error("empty namespace should be omitted")
	}

	var bad Metric
	if err := json.Unmarshal([]byte(`{"name":"x","type":"bogus"}`), &bad); err == nil {
		t.Error("expected error for unknown metric type")
	}
}

func TestPointJSON(t *testing.T) {
	p := Point{Timestamp: time.Unix(1714564800, 0).UTC(), Value: 3}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != "[1714564800,3]" {
		t.Errorf("point = %s, want [1714564800,3]", data)
	}

	var back Point
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !back.Timestamp.Equal(p.Timestamp) || back.Value != 3 {
		t.Errorf("round trip = %+v", back)
	}
}

func TestRowWithin(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	start, end := base, base.Add(time.Hour)
	r := Row{Metric: "m", Timestamp: base, Value: 1}

	if !r.Within(&start, &end) {
		t.Error("start bound is inclusive")
	}
	r.Timestamp = end
	if !r.Within(&start, &end) {
		t.Error("end bound is inclusive")
	}
	r.Timestamp = end.Add(time.Nanosecond)
	if r.Within(&start, &end) {
		t.Error("row after end should be outside")
	}
	if !r.Within(nil, nil) {
		t.Error("open bounds include everything")
	}
}
