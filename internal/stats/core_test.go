package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidde/agent_observability/internal/alerting"
	"github.com/fidde/agent_observability/pkg/models"
)

func newCore(t *testing.T) (*Core, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	return New(Options{Clock: clk}), clk
}

func TestRecordMetric(t *testing.T) {
	c, clk := newCore(t)

	m, alerts := c.RecordMetric("cpu", 42, models.Gauge, "host", map[string]string{"zone": "a"})
	assert.Empty(t, alerts)
	assert.Equal(t, clk.Now(), m.Timestamp)
	assert.Equal(t, "a", m.Tags["zone"])

	clk.Add(time.Minute)
	c.RecordMetric("cpu", 43, models.Gauge, "host", nil)

	h := c.History("cpu")
	require.Len(t, h, 2)
	assert.Equal(t, 42.0, h[0].Value)
	assert.Equal(t, 43.0, h[1].Value)

	latest, ok := c.Latest("cpu")
	require.True(t, ok)
	assert.Equal(t, 43.0, latest.Value)

	_, ok = c.Latest("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"cpu"}, c.MetricNames())
	require.Len(t, c.Namespaces(), 1, "recording into a new namespace registers it")
	assert.Equal(t, "host", c.Namespaces()[0].Name)
}

func TestRecordMetricRaisesAlerts(t *testing.T) {
	c, _ := newCore(t)
	require.NoError(t, c.Alerts().AddThreshold(models.Threshold{MetricName: "cpu", MaxValue: models.Float64(90)}))

	_, alerts := c.RecordMetric("cpu", 95, models.Gauge, "", nil)
	require.Len(t, alerts, 1)
	assert.Equal(t, 95.0, alerts[0].CurrentValue)
	assert.Len(t, c.Alerts().Alerts(), 1)
}

func TestNamespaces(t *testing.T) {
	c, _ := newCore(t)

	_, err := c.CreateNamespace("fleet", "all agents", "")
	require.NoError(t, err)
	_, err = c.CreateNamespace("fleet.shard-a", "", "fleet")
	require.NoError(t, err)
	_, err = c.CreateNamespace("orphan", "", "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	names := []string{}
	for _, ns := range c.Namespaces() {
		names = append(names, ns.Name)
	}
	assert.Equal(t, []string{"fleet", "fleet.shard-a"}, names)
}

func TestSubscriptions(t *testing.T) {
	c, _ := newCore(t)

	var mu sync.Mutex
	var got []string
	id := c.Subscribe("agent.*", func(m models.Metric) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, m.Name)
	})
	c.Subscribe("panics", func(models.Metric) { panic("subscriber bug") })

	c.RecordMetric("agent.latency", 1, models.Gauge, "", nil)
	c.RecordMetric("system.cpu", 1, models.Gauge, "", nil)
	assert.NotPanics(t, func() { c.RecordMetric("panics", 1, models.Gauge, "", nil) })

	assert.True(t, c.Unsubscribe(id))
	assert.False(t, c.Unsubscribe(id))
	c.RecordMetric("agent.errors", 1, models.Counter, "", nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"agent.latency"}, got)
}

func TestDerivedMetrics(t *testing.T) {
	c, _ := newCore(t)
	require.NoError(t, c.RegisterDerived(models.DerivedMetric{
		Name:         "error_rate",
		Dependencies: []string{"errors", "requests"},
		Formula:      "{errors} / {requests} * 100",
	}))
	assert.ErrorIs(t, c.RegisterDerived(models.DerivedMetric{Name: "bad", Formula: "1 +++ 2"}), models.ErrInvalidInput)

	_, ok := c.CalculateDerived("error_rate")
	assert.False(t, ok, "dependencies missing")

	c.RecordMetric("errors", 5, models.Counter, "", nil)
	c.RecordMetric("requests", 100, models.Counter, "", nil)
	c.RecordMetric("requests", 200, models.Counter, "", nil)

	v, ok := c.CalculateDerived("error_rate")
	require.True(t, ok)
	assert.InDelta(t, 2.5, v, 1e-9)

	_, ok = c.CalculateDerived("unknown")
	assert.False(t, ok)
	assert.Len(t, c.DerivedMetrics(), 1)
}

func TestSnapshots(t *testing.T) {
	c, _ := newCore(t)
	c.RecordMetric("a", 1, models.Gauge, "", nil)
	c.RecordMetric("a", 2, models.Gauge, "", nil)
	c.RecordMetric("b", 7, models.Gauge, "", nil)

	snap := c.CreateSnapshot("before-deploy")
	assert.Equal(t, map[string]float64{"a": 2, "b": 7}, snap.Values)

	c.RecordMetric("a", 100, models.Gauge, "", nil)
	stored, ok := c.Snapshot("before-deploy")
	require.True(t, ok)
	assert.Equal(t, 2.0, stored.Values["a"])

	_, ok = c.Snapshot("nope")
	assert.False(t, ok)
}

func TestRollupAndAggregate(t *testing.T) {
	c, clk := newCore(t)
	for _, v := range []float64{10, 20} {
		c.RecordMetric("latency", v, models.Gauge, "", nil)
	}
	clk.Add(time.Hour)
	c.RecordMetric("latency", 40, models.Gauge, "", nil)

	assert.Equal(t, []float64{15, 40}, c.Rollup("latency", "1h", models.AggAvg))
	assert.Equal(t, 70.0, c.Aggregate("latency", models.AggSum))
	assert.Equal(t, 40.0, c.Aggregate("latency", models.AggP95))
}

func TestRetentionTarget(t *testing.T) {
	c, clk := newCore(t)
	for i := 0; i < 5; i++ {
		c.RecordMetric("agent.latency", float64(i), models.Gauge, "fleet", nil)
		clk.Add(24 * time.Hour)
	}

	e := alerting.NewRetentionEnforcer(clk, nil, c)
	require.NoError(t, e.AddPolicy(models.RetentionPolicy{Pattern: "fleet", RetentionDays: 2}))

	// now is day 5; points on days 0..2 are older than day 3
	assert.Equal(t, 3, e.Enforce())
	assert.Equal(t, 0, e.Enforce())
	assert.Len(t, c.History("agent.latency"), 2)
}

func TestCompressRoundTrip(t *testing.T) {
	c, clk := newCore(t)
	c.RecordMetric("cpu", 1.5, models.Gauge, "host", map[string]string{"zone": "a"})
	clk.Add(time.Second)
	c.RecordMetric("cpu", 2.5, models.Histogram, "", nil)
	metrics := c.History("cpu")

	blob, err := CompressMetrics(metrics)
	require.NoError(t, err)

	back, err := DecompressMetrics(blob)
	require.NoError(t, err)
	require.Len(t, back, len(metrics))
	for i := range metrics {
		assert.Equal(t, metrics[i].Name, back[i].Name)
		assert.Equal(t, metrics[i].Value, back[i].Value)
		assert.Equal(t, metrics[i].Type, back[i].Type)
		assert.Equal(t, metrics[i].Namespace, back[i].Namespace)
		assert.True(t, metrics[i].Timestamp.Equal(back[i].Timestamp))
	}
	assert.Equal(t, "a", back[0].Tags["zone"])

	_, err = DecompressMetrics([]byte("garbage"))
	assert.Error(t, err)
}

func TestImportMetrics(t *testing.T) {
	src, clk := newCore(t)
	src.RecordMetric("cpu", 1, models.Gauge, "fleet", nil)
	clk.Add(time.Minute)
	src.RecordMetric("cpu", 2, models.Gauge, "fleet", nil)

	blob, err := CompressMetrics(src.History("cpu"))
	require.NoError(t, err)
	metrics, err := DecompressMetrics(blob)
	require.NoError(t, err)

	dst, _ := newCore(t)
	var notified int
	dst.Subscribe("cpu", func(models.Metric) { notified++ })
	assert.Equal(t, 2, dst.ImportMetrics(append(metrics, models.Metric{Value: 9})))

	latest, ok := dst.Latest("cpu")
	require.True(t, ok)
	assert.Equal(t, 2.0, latest.Value)
	assert.True(t, latest.Timestamp.Equal(src.History("cpu")[1].Timestamp))
	assert.Zero(t, notified)
	require.Len(t, dst.Namespaces(), 1)
	assert.Equal(t, "fleet", dst.Namespaces()[0].Name)
}

func TestListSubscriptionsAndSnapshots(t *testing.T) {
	c, _ := newCore(t)
	b := c.Subscribe("b.*", nil)
	a := c.Subscribe("a", nil)

	subs := c.Subscriptions()
	require.Len(t, subs, 2)
	assert.Equal(t, a, subs[0].ID)
	assert.Equal(t, b, subs[1].ID)
	assert.Nil(t, subs[0].Callback)

	c.RecordMetric("x", 1, models.Gauge, "", nil)
	c.CreateSnapshot("later")
	c.CreateSnapshot("early")
	snaps := c.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "early", snaps[0].Name)
	assert.Equal(t, 1.0, snaps[1].Values["x"])
}
