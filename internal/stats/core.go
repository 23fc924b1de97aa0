// Package stats is the in-process metric registry: per-name histories,
// namespaces, subscriptions, derived metrics, snapshots and compression.
package stats

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/fidde/agent_observability/internal/alerting"
	"github.com/fidde/agent_observability/internal/correlation"
	"github.com/fidde/agent_observability/internal/formula"
	"github.com/fidde/agent_observability/internal/rollup"
	"github.com/fidde/agent_observability/pkg/models"
)

// Options wires the collaborators of a Core. Nil fields get fresh defaults.
type Options struct {
	Clock        clock.Clock
	Logger       *slog.Logger
	Alerts       *alerting.ThresholdAlertManager
	Correlations *correlation.Analyzer
	Formulas     *formula.Engine
	Backend      rollup.Backend
}

type subscription struct {
	models.Subscription
	matcher glob.Glob
}

func (s subscription) matches(name string) bool {
	if s.matcher != nil {
		return s.matcher.Match(name)
	}
	return s.Pattern == name
}

// Core owns every metric history recorded in the process.
type Core struct {
	mu         sync.RWMutex
	history    map[string][]models.Metric
	namespaces map[string]models.Namespace
	subs       map[string]subscription
	derived    map[string]models.DerivedMetric
	snapshots  map[string]models.Snapshot

	clock        clock.Clock
	logger       *slog.Logger
	alerts       *alerting.ThresholdAlertManager
	correlations *correlation.Analyzer
	formulas     *formula.Engine
	backend      rollup.Backend
}

// New creates a Core.
func New(opts Options) *Core {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Alerts == nil {
		opts.Alerts = alerting.NewThresholdAlertManager(opts.Clock, opts.Logger)
	}
	if opts.Correlations == nil {
		opts.Correlations = correlation.New()
	}
	if opts.Formulas == nil {
		opts.Formulas = formula.New(opts.Logger)
	}
	if opts.Backend == nil {
		opts.Backend = rollup.ExactBackend{}
	}
	return &Core{
		history:      make(map[string][]models.Metric),
		namespaces:   make(map[string]models.Namespace),
		subs:         make(map[string]subscription),
		derived:      make(map[string]models.DerivedMetric),
		snapshots:    make(map[string]models.Snapshot),
		clock:        opts.Clock,
		logger:       opts.Logger,
		alerts:       opts.Alerts,
		correlations: opts.Correlations,
		formulas:     opts.Formulas,
		backend:      opts.Backend,
	}
}

// Alerts returns the alert manager fed by RecordMetric.
func (c *Core) Alerts() *alerting.ThresholdAlertManager { return c.alerts }

// Correlations returns the analyzer fed by RecordMetric.
func (c *Core) Correlations() *correlation.Analyzer { return c.correlations }

// RecordMetric stamps and appends a metric, feeds the correlation analyzer,
// checks thresholds and notifies matching subscribers. Metrics recorded into
// an unknown namespace register it.
func (c *Core) RecordMetric(name string, value float64, typ models.MetricType, namespace string, tags map[string]string) (models.Metric, []models.Alert) {
	m := models.Metric{
		Name:      name,
		Value:     value,
		Type:      typ,
		Timestamp: c.clock.Now(),
		Namespace: namespace,
		Tags:      lo.Assign(tags),
	}

	c.mu.Lock()
	c.history[name] = append(c.history[name], m)
	if namespace != "" {
		if _, ok := c.namespaces[namespace]; !ok {
			c.namespaces[namespace] = models.Namespace{Name: namespace, CreatedAt: m.Timestamp}
		}
	}
	var callbacks []func(models.Metric)
	for _, s := range c.subs {
		if s.Callback != nil && s.matches(name) {
			callbacks = append(callbacks, s.Callback)
		}
	}
	c.mu.Unlock()

	c.correlations.RecordValue(name, value)
	alerts := c.alerts.Check(name, value)

	for _, cb := range callbacks {
		c.notify(cb, m)
	}
	return m, alerts
}

func (c *Core) notify(cb func(models.Metric), m models.Metric) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("metric subscriber panicked", "metric", m.Name, "panic", r)
		}
	}()
	cb(m)
}

// History returns a copy of the metric's history, oldest first.
func (c *Core) History(name string) []models.Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.Metric{}, c.history[name]...)
}

// Latest returns the most recent metric recorded under name.
func (c *Core) Latest(name string) (models.Metric, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := c.history[name]
	if len(h) == 0 {
		return models.Metric{}, false
	}
	return h[len(h)-1], true
}

// MetricNames returns the recorded metric names, sorted.
func (c *Core) MetricNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := lo.Keys(c.history)
	sort.Strings(names)
	return names
}

// Rollup buckets the metric's history by interval and reduces each bucket with agg.
func (c *Core) Rollup(name, interval string, agg models.Aggregation) []float64 {
	h := c.History(name)
	points := lo.Map(h, func(m models.Metric, _ int) models.Point {
		ts, v := m.Point()
		return models.Point{Timestamp: ts, Value: v}
	})
	return rollup.Buckets(points, rollup.ParseInterval(interval), agg, c.backend)
}

// Aggregate reduces the metric's whole history with agg.
func (c *Core) Aggregate(name string, agg models.Aggregation) float64 {
	values := lo.Map(c.History(name), func(m models.Metric, _ int) float64 { return m.Value })
	return c.backend.Aggregate(values, agg)
}

// CreateNamespace registers a namespace. Parent, when set, must exist.
func (c *Core) CreateNamespace(name, description, parent string) (models.Namespace, error) {
	if name == "" {
		return models.Namespace{}, fmt.Errorf("namespace without name: %w", models.ErrInvalidInput)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if parent != "" {
		if _, ok := c.namespaces[parent]; !ok {
			return models.Namespace{}, fmt.Errorf("parent namespace %s: %w", parent, models.ErrNotFound)
		}
	}
	ns := models.Namespace{Name: name, Description: description, Parent: parent, CreatedAt: c.clock.Now()}
	c.namespaces[name] = ns
	return ns, nil
}

// Namespaces lists namespaces ordered by name.
func (c *Core) Namespaces() []models.Namespace {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := lo.Values(c.namespaces)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Subscribe calls callback for every metric whose name matches pattern (a
// glob such as "agent.*", or an exact name). It returns the subscription id.
func (c *Core) Subscribe(pattern string, callback func(models.Metric)) string {
	s := subscription{Subscription: models.Subscription{
		ID:       uuid.NewString(),
		Pattern:  pattern,
		Callback: callback,
	}}
	if g, err := glob.Compile(pattern); err == nil {
		s.matcher = g
	} else {
		c.logger.Warn("subscription pattern is not a valid glob, matching exactly", "pattern", pattern, "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[s.ID] = s
	return s.ID
}

// Subscriptions lists the active subscriptions ordered by pattern.
func (c *Core) Subscriptions() []models.Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := lo.MapToSlice(c.subs, func(_ string, s subscription) models.Subscription {
		return models.Subscription{ID: s.ID, Pattern: s.Pattern}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pattern != out[j].Pattern {
			return out[i].Pattern < out[j].Pattern
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Unsubscribe removes a subscription. It returns false for an unknown id.
func (c *Core) Unsubscribe(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[id]; !ok {
		return false
	}
	delete(c.subs, id)
	return true
}

// RegisterDerived registers a derived metric after validating its formula.
func (c *Core) RegisterDerived(d models.DerivedMetric) error {
	if d.Name == "" {
		return fmt.Errorf("derived metric without name: %w", models.ErrInvalidInput)
	}
	if res := c.formulas.Validate(d.Formula); !res.IsValid {
		return fmt.Errorf("derived metric %s: %s: %w", d.Name, res.Error, models.ErrInvalidInput)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.derived[d.Name] = d
	return nil
}

// Derived returns a registered derived metric.
func (c *Core) Derived(name string) (models.DerivedMetric, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.derived[name]
	return d, ok
}

// DerivedMetrics lists the registered derived metrics ordered by name.
func (c *Core) DerivedMetrics() []models.DerivedMetric {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := lo.Values(c.derived)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CalculateDerived evaluates a derived metric over the latest value of each
// dependency. ok is false when the name is unknown, a dependency has no
// value yet, or the formula does not evaluate.
func (c *Core) CalculateDerived(name string) (value float64, ok bool) {
	c.mu.RLock()
	d, found := c.derived[name]
	vars := make(map[string]any, len(d.Dependencies))
	if found {
		for _, dep := range d.Dependencies {
			h := c.history[dep]
			if len(h) == 0 {
				c.mu.RUnlock()
				return 0, false
			}
			vars[dep] = h[len(h)-1].Value
		}
	}
	c.mu.RUnlock()

	if !found {
		return 0, false
	}
	v, err := c.formulas.Eval(d.Formula, vars)
	if err != nil {
		c.logger.Debug("derived metric not available", "metric", name, "error", err)
		return 0, false
	}
	return v, true
}

// CreateSnapshot captures the latest value of every metric under name.
func (c *Core) CreateSnapshot(name string) models.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	values := make(map[string]float64, len(c.history))
	for metric, h := range c.history {
		if len(h) > 0 {
			values[metric] = h[len(h)-1].Value
		}
	}
	snap := models.Snapshot{Name: name, Timestamp: c.clock.Now(), Values: values}
	c.snapshots[name] = snap
	return snap
}

// Snapshot returns a previously created snapshot.
func (c *Core) Snapshot(name string) (models.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.snapshots[name]
	return s, ok
}

// Snapshots lists the stored snapshots ordered by name.
func (c *Core) Snapshots() []models.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := lo.Values(c.snapshots)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ImportMetrics appends previously recorded metrics, keeping their
// timestamps. Alerts and subscribers are not triggered. Unnamed metrics are
// skipped; the number imported is returned.
func (c *Core) ImportMetrics(metrics []models.Metric) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, m := range metrics {
		if m.Name == "" {
			continue
		}
		m.Tags = lo.Assign(m.Tags)
		c.history[m.Name] = append(c.history[m.Name], m)
		if m.Namespace != "" {
			if _, ok := c.namespaces[m.Namespace]; !ok {
				c.namespaces[m.Namespace] = models.Namespace{Name: m.Namespace, CreatedAt: m.Timestamp}
			}
		}
		n++
	}
	return n
}

// Series implements alerting.Target. The namespace of a series is the one
// its latest metric was recorded under.
func (c *Core) Series() []models.SeriesKey {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]models.SeriesKey, 0, len(c.history))
	for name, h := range c.history {
		key := models.SeriesKey{Name: name}
		if len(h) > 0 {
			key.Namespace = h[len(h)-1].Namespace
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Name < keys[j].Name })
	return keys
}

// PruneBefore implements alerting.Target.
func (c *Core) PruneBefore(name string, cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.history[name]
	kept := lo.Filter(h, func(m models.Metric, _ int) bool { return !m.Timestamp.Before(cutoff) })
	c.history[name] = kept
	return len(h) - len(kept)
}

// TrimTo implements alerting.Target.
func (c *Core) TrimTo(name string, maxPoints int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.history[name]
	if maxPoints < 0 || len(h) <= maxPoints {
		return 0
	}
	removed := len(h) - maxPoints
	c.history[name] = append([]models.Metric(nil), h[removed:]...)
	return removed
}

// Clear drops histories and snapshots. Namespaces, subscriptions and
// derived metric definitions are kept.
func (c *Core) Clear() {
	c.mu.Lock()
	c.history = make(map[string][]models.Metric)
	c.snapshots = make(map[string]models.Snapshot)
	c.mu.Unlock()

	c.correlations.Clear()
	c.alerts.ClearAlerts()
}
