package exporter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	datadog "gopkg.in/zorkian/go-datadog-api.v2"
)

// Destination selects the payload format of a CloudExporter.
type Destination int

const (
	Datadog Destination = iota
	Prometheus
	Generic
)

// String returns the destination name.
func (d Destination) String() string {
	switch d {
	case Datadog:
		return "datadog"
	case Prometheus:
		return "prometheus"
	case Generic:
		return "generic"
	}
	return fmt.Sprintf("Destination(%d)", int(d))
}

// ParseDestination parses a destination name.
func ParseDestination(s string) (Destination, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "datadog":
		return Datadog, nil
	case "prometheus":
		return Prometheus, nil
	case "", "generic":
		return Generic, nil
	}
	return Generic, fmt.Errorf("unknown cloud destination %q", s)
}

// QueuedMetric is a metric waiting for the next export.
type QueuedMetric struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Sink receives formatted payloads.
type Sink interface {
	Send(ctx context.Context, dest Destination, payload []byte) error
}

// MemorySink keeps every payload it is sent.
type MemorySink struct {
	mu       sync.Mutex
	payloads [][]byte
}

// Send implements Sink.
func (s *MemorySink) Send(_ context.Context, _ Destination, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, append([]byte(nil), payload...))
	return nil
}

// Payloads returns the payloads received so far.
func (s *MemorySink) Payloads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.payloads...)
}

// CloudExporter queues metrics and flushes them to a destination in its
// native format.
type CloudExporter struct {
	sendMu      sync.Mutex
	mu          sync.Mutex
	dest        Destination
	host        string
	queue       []QueuedMetric
	lastPayload []byte

	sink   Sink
	clock  clock.Clock
	logger *slog.Logger
}

// NewCloudExporter creates an exporter. A nil sink defaults to a MemorySink.
func NewCloudExporter(dest Destination, host string, sink Sink, clk clock.Clock, logger *slog.Logger) *CloudExporter {
	if sink == nil {
		sink = &MemorySink{}
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudExporter{dest: dest, host: host, sink: sink, clock: clk, logger: logger}
}

// Destination returns the configured destination.
func (c *CloudExporter) Destination() Destination {
	return c.dest
}

// Queue adds a metric stamped with the current time.
func (c *CloudExporter) Queue(name string, value float64, tags map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, QueuedMetric{Name: name, Value: value, Timestamp: c.clock.Now(), Tags: maps.Clone(tags)})
}

// Pending returns the number of queued metrics.
func (c *CloudExporter) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// LastPayload returns the most recently exported payload.
func (c *CloudExporter) LastPayload() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPayload
}

// Export formats the queued metrics, sends them to the sink and clears the
// queue. It returns the number of metrics exported. On a sink error the
// batch is put back in front of anything queued meanwhile. Concurrent
// exports are serialized.
func (c *CloudExporter) Export(ctx context.Context) (int, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	batch := c.takeQueue()
	if len(batch) == 0 {
		return 0, nil
	}

	payload, err := c.format(batch)
	if err != nil {
		c.requeue(batch)
		return 0, err
	}
	if err := c.sink.Send(ctx, c.dest, payload); err != nil {
		c.requeue(batch)
		return 0, fmt.Errorf("sending %s payload: %w", c.dest, err)
	}

	c.setLastPayload(payload)
	c.logger.Debug("exported metrics", "destination", c.dest.String(), "count", len(batch))
	return len(batch), nil
}

func (c *CloudExporter) takeQueue() []QueuedMetric {
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := c.queue
	c.queue = nil
	return batch
}

func (c *CloudExporter) setLastPayload(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPayload = payload
}

func (c *CloudExporter) requeue(batch []QueuedMetric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(batch, c.queue...)
}

func (c *CloudExporter) format(batch []QueuedMetric) ([]byte, error) {
	switch c.dest {
	case Datadog:
		return json.Marshal(struct {
			Series []datadog.Metric `json:"series"`
		}{Series: datadogSeries(batch, c.host)})
	case Prometheus:
		var b strings.Builder
		for _, m := range batch {
			b.WriteString(SeriesKey(m.Name, m.Tags))
			b.WriteByte(' ')
			b.WriteString(FormatValue(m.Value))
			b.WriteByte(' ')
			b.WriteString(fmt.Sprint(m.Timestamp.UnixMilli()))
			b.WriteByte('\n')
		}
		return []byte(b.String()), nil
	case Generic:
		return json.Marshal(batch)
	}
	return nil, fmt.Errorf("unsupported destination %s", c.dest)
}

func datadogSeries(batch []QueuedMetric, host string) []datadog.Metric {
	series := make([]datadog.Metric, 0, len(batch))
	for _, m := range batch {
		dm := datadog.Metric{
			Metric: datadog.String(m.Name),
			Points: []datadog.DataPoint{{
				datadog.Float64(float64(m.Timestamp.Unix())),
				datadog.Float64(m.Value),
			}},
			Type: datadog.String("gauge"),
			Tags: datadogTags(m.Tags),
		}
		if host != "" {
			dm.Host = datadog.String(host)
		}
		series = append(series, dm)
	}
	return series
}

func datadogTags(tags map[string]string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for k, v := range tags {
		out = append(out, k+":"+v)
	}
	sort.Strings(out)
	return out
}
