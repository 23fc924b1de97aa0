// Package alerting raises threshold alerts and enforces retention policies.
package alerting

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/fidde/agent_observability/pkg/models"
)

// alertNamespace seeds the name-based alert ids.
var alertNamespace = uuid.MustParse("6f1c8a52-3d4e-4b7a-9c1e-2a5b7d9e0f13")

// ThresholdAlertManager checks metric values against registered thresholds
// and keeps the alerts they raise.
type ThresholdAlertManager struct {
	mu         sync.RWMutex
	thresholds map[string][]models.Threshold
	alerts     []models.Alert

	clock  clock.Clock
	logger *slog.Logger
}

// NewThresholdAlertManager creates a manager. A nil clock uses wall time.
func NewThresholdAlertManager(clk clock.Clock, logger *slog.Logger) *ThresholdAlertManager {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ThresholdAlertManager{
		thresholds: make(map[string][]models.Threshold),
		clock:      clk,
		logger:     logger,
	}
}

// AddThreshold registers a threshold. Several thresholds may share a metric.
func (m *ThresholdAlertManager) AddThreshold(t models.Threshold) error {
	if t.MetricName == "" {
		return fmt.Errorf("threshold without metric name: %w", models.ErrInvalidInput)
	}
	if _, err := models.ParseOperator(string(t.Operator)); err != nil {
		return err
	}
	if t.Operator != "" && t.Value == nil {
		return fmt.Errorf("threshold %s: operator %q without value: %w", t.MetricName, t.Operator, models.ErrInvalidInput)
	}
	if t.Severity == "" {
		t.Severity = models.SeverityWarning
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds[t.MetricName] = append(m.thresholds[t.MetricName], t)
	return nil
}

// Thresholds returns the thresholds registered for metric.
func (m *ThresholdAlertManager) Thresholds(metric string) []models.Threshold {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Threshold(nil), m.thresholds[metric]...)
}

// Check evaluates every threshold for metric against value. The min, max
// and operator forms are checked independently, so one value can raise
// several alerts. Raised alerts are also kept for Alerts.
func (m *ThresholdAlertManager) Check(metric string, value float64) []models.Alert {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var raised []models.Alert
	for i, t := range m.thresholds[metric] {
		if t.MinValue != nil && value < *t.MinValue {
			raised = append(raised, newAlert(t, i, "min", value, *t.MinValue, now,
				fmt.Sprintf("%s below minimum %g", metric, *t.MinValue)))
		}
		if t.MaxValue != nil && value > *t.MaxValue {
			raised = append(raised, newAlert(t, i, "max", value, *t.MaxValue, now,
				fmt.Sprintf("%s above maximum %g", metric, *t.MaxValue)))
		}
		if t.Operator != "" && t.Value != nil && t.Operator.Holds(value, *t.Value) {
			raised = append(raised, newAlert(t, i, string(t.Operator), value, *t.Value, now,
				fmt.Sprintf("%s %s %g", metric, t.Operator, *t.Value)))
		}
	}

	for _, a := range raised {
		m.logger.Warn("threshold breached",
			"metric", metric,
			"value", value,
			"threshold", a.ThresholdValue,
			"severity", a.Severity,
		)
	}
	m.alerts = append(m.alerts, raised...)
	return raised
}

func newAlert(t models.Threshold, idx int, kind string, value, limit float64, ts time.Time, fallback string) models.Alert {
	msg := t.Message
	if msg == "" {
		msg = fallback
	}
	key := fmt.Sprintf("%s|%s|%d|%s", t.MetricName, ts.UTC().Format(time.RFC3339Nano), idx, kind)
	return models.Alert{
		ID:             uuid.NewSHA1(alertNamespace, []byte(key)).String(),
		MetricName:     t.MetricName,
		CurrentValue:   value,
		ThresholdValue: limit,
		Severity:       t.Severity,
		Message:        msg,
		Timestamp:      ts,
	}
}

// Alerts returns every alert raised since the last clear, oldest first.
func (m *ThresholdAlertManager) Alerts() []models.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Alert{}, m.alerts...)
}

// ClearAlerts drops all alerts and returns how many there were.
func (m *ThresholdAlertManager) ClearAlerts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.alerts)
	m.alerts = nil
	return n
}
