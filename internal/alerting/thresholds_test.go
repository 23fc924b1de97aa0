package alerting

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/fidde/agent_observability/pkg/models"
)

func newManager(t *testing.T) (*ThresholdAlertManager, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewThresholdAlertManager(clk, nil), clk
}

func TestMaxThreshold(t *testing.T) {
	m, _ := newManager(t)
	if err := m.AddThreshold(models.Threshold{MetricName: "cpu", MaxValue: models.Float64(90), Severity: models.SeverityCritical}); err != nil {
		t.Fatalf("AddThreshold failed: %v", err)
	}

	alerts := m.Check("cpu", 95)
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	a := alerts[0]
	if a.CurrentValue != 95 || a.ThresholdValue != 90 {
		t.Errorf("expected current 95 / threshold 90, got %v / %v", a.CurrentValue, a.ThresholdValue)
	}
	if a.Severity != models.SeverityCritical || a.MetricName != "cpu" || a.ID == "" {
		t.Errorf("unexpected alert: %+v", a)
	}

	if got := m.Check("cpu", 50); len(got) != 0 {
		t.Errorf("expected no alert for 50, got %d", len(got))
	}
	if got := m.Check("memory", 1000); len(got) != 0 {
		t.Errorf("expected no alert for metric without thresholds, got %d", len(got))
	}
}

func TestFormsFireIndependently(t *testing.T) {
	m, _ := newManager(t)
	thresholds := []models.Threshold{
		{MetricName: "latency", MinValue: models.Float64(10), MaxValue: models.Float64(500)},
		{MetricName: "latency", Operator: models.OpGreaterEqual, Value: models.Float64(400)},
		{MetricName: "latency", Operator: models.OpEqual, Value: models.Float64(600)},
	}
	for _, th := range thresholds {
		if err := m.AddThreshold(th); err != nil {
			t.Fatalf("AddThreshold failed: %v", err)
		}
	}

	tests := []struct {
		value float64
		want  int
	}{
		{5, 1},   // below min
		{100, 0}, // inside every bound
		{450, 1}, // legacy >= only
		{600, 3}, // max, >= and ==
	}
	for _, tt := range tests {
		if got := m.Check("latency", tt.value); len(got) != tt.want {
			t.Errorf("Check(%v) raised %d alerts, want %d", tt.value, len(got), tt.want)
		}
	}

	if total := len(m.Alerts()); total != 5 {
		t.Errorf("expected 5 stored alerts, got %d", total)
	}
	if n := m.ClearAlerts(); n != 5 {
		t.Errorf("ClearAlerts returned %d, want 5", n)
	}
	if len(m.Alerts()) != 0 {
		t.Error("expected no alerts after clear")
	}
}

func TestAlertIDsAreDeterministic(t *testing.T) {
	m1, _ := newManager(t)
	m2, _ := newManager(t)
	th := models.Threshold{MetricName: "cpu", MaxValue: models.Float64(90)}
	m1.AddThreshold(th)
	m2.AddThreshold(th)

	a1 := m1.Check("cpu", 99)
	a2 := m2.Check("cpu", 99)
	if a1[0].ID != a2[0].ID {
		t.Errorf("expected equal ids for equal metric and timestamp: %s vs %s", a1[0].ID, a2[0].ID)
	}

	m3, clk := newManager(t)
	m3.AddThreshold(th)
	clk.Add(time.Second)
	if a3 := m3.Check("cpu", 99); a3[0].ID == a1[0].ID {
		t.Error("expected a different id for a different timestamp")
	}
}

func TestAddThresholdValidation(t *testing.T) {
	m, _ := newManager(t)

	tests := []struct {
		name string
		th   models.Threshold
	}{
		{"missing metric", models.Threshold{MaxValue: models.Float64(1)}},
		{"bad operator", models.Threshold{MetricName: "x", Operator: "!=", Value: models.Float64(1)}},
		{"operator without value", models.Threshold{MetricName: "x", Operator: models.OpLess}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := m.AddThreshold(tt.th); !errors.Is(err, models.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}
