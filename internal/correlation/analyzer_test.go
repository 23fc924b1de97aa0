package correlation

import (
	"math"
	"testing"
)

func TestPerfectCorrelation(t *testing.T) {
	a := New()
	for i := 1; i <= 5; i++ {
		a.RecordValue("requests", float64(i))
		a.RecordValue("latency", float64(i*10))
		a.RecordValue("idle", float64(10-i))
	}

	c := a.ComputeCorrelation("requests", "latency")
	if c == nil {
		t.Fatal("expected a correlation")
	}
	if math.Abs(c.CorrelationCoefficient-1) > 1e-9 {
		t.Errorf("r = %v, want 1", c.CorrelationCoefficient)
	}
	if c.SampleSize != 5 || c.Significance != "strong" {
		t.Errorf("unexpected correlation: %+v", c)
	}

	neg := a.ComputeCorrelation("requests", "idle")
	if neg == nil || math.Abs(neg.CorrelationCoefficient+1) > 1e-9 {
		t.Errorf("expected r = -1, got %+v", neg)
	}
}

func TestTrailingAlignment(t *testing.T) {
	a := New()
	// Only the last three values of "long" line up with "short".
	for _, v := range []float64{100, -50, 1, 2, 3} {
		a.RecordValue("long", v)
	}
	for _, v := range []float64{2, 4, 6} {
		a.RecordValue("short", v)
	}

	c := a.ComputeCorrelation("long", "short")
	if c == nil {
		t.Fatal("expected a correlation")
	}
	if c.SampleSize != 3 {
		t.Errorf("sample size = %d, want 3", c.SampleSize)
	}
	if math.Abs(c.CorrelationCoefficient-1) > 1e-9 {
		t.Errorf("r = %v, want 1", c.CorrelationCoefficient)
	}
}

func TestNotComputable(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
	}{
		{"too few points", []float64{1, 2}, []float64{3, 4}},
		{"constant series", []float64{5, 5, 5, 5}, []float64{5, 5, 5, 5}},
		{"one side constant", []float64{0.1, 0.1, 0.1}, []float64{1, 2, 3}},
		{"missing metric", []float64{1, 2, 3}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New()
			for _, v := range tt.a {
				a.RecordValue("a", v)
			}
			for _, v := range tt.b {
				a.RecordValue("b", v)
			}
			if c := a.ComputeCorrelation("a", "b"); c != nil {
				t.Errorf("expected nil, got %+v", c)
			}
		})
	}
}

func TestFindStrongCorrelations(t *testing.T) {
	a := New()
	noise := []float64{3, -1, 4, 1, -5}
	for i := 0; i < 5; i++ {
		a.RecordValue("cpu", float64(i))
		a.RecordValue("load", float64(i)*2+1)
		a.RecordValue("noise", noise[i])
	}

	strong := a.FindStrongCorrelations(DefaultThreshold)
	if len(strong) != 1 {
		t.Fatalf("expected 1 strong correlation, got %d: %+v", len(strong), strong)
	}
	if strong[0].MetricA != "cpu" || strong[0].MetricB != "load" {
		t.Errorf("unexpected pair %s/%s", strong[0].MetricA, strong[0].MetricB)
	}

	all := a.FindStrongCorrelations(0)
	if len(all) != 3 {
		t.Errorf("expected all 3 pairs at threshold 0, got %d", len(all))
	}
}
