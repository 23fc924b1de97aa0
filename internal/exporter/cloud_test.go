package exporter

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	datadog "gopkg.in/zorkian/go-datadog-api.v2"
)

func newMockClock() *clock.Mock {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return mock
}

func TestCloudExporter_DatadogSeries(t *testing.T) {
	sink := &MemorySink{}
	c := NewCloudExporter(Datadog, "worker-1", sink, newMockClock(), nil)
	c.Queue("agent.calls", 3, map[string]string{"agent": "coder", "env": "prod"})
	c.Queue("agent.cost", 0.25, nil)

	n, err := c.Export(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, c.Pending())

	var body struct {
		Series []datadog.Metric `json:"series"`
	}
	require.NoError(t, json.Unmarshal(c.LastPayload(), &body))
	require.Len(t, body.Series, 2)

	first := body.Series[0]
	assert.Equal(t, "agent.calls", *first.Metric)
	assert.Equal(t, "gauge", *first.Type)
	assert.Equal(t, "worker-1", *first.Host)
	assert.Equal(t, []string{"agent:coder", "env:prod"}, first.Tags)
	require.Len(t, first.Points, 1)
	assert.Equal(t, float64(1714564800), *first.Points[0][0])
	assert.Equal(t, 3.0, *first.Points[0][1])

	require.Len(t, sink.Payloads(), 1)
}

func TestCloudExporter_PrometheusText(t *testing.T) {
	c := NewCloudExporter(Prometheus, "", nil, newMockClock(), nil)
	c.Queue("agent.calls", 3, map[string]string{"agent": "coder"})

	n, err := c.Export(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, `agent_calls{agent="coder"} 3 1714564800000`+"\n", string(c.LastPayload()))
}

func TestCloudExporter_Generic(t *testing.T) {
	c := NewCloudExporter(Generic, "", nil, newMockClock(), nil)
	c.Queue("x", 1, nil)

	_, err := c.Export(context.Background())
	require.NoError(t, err)

	var out []QueuedMetric
	require.NoError(t, json.Unmarshal(c.LastPayload(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "x", out[0].Name)
}

func TestCloudExporter_EmptyQueue(t *testing.T) {
	c := NewCloudExporter(Generic, "", nil, nil, nil)
	n, err := c.Export(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Nil(t, c.LastPayload())
}

type failingSink struct{}

func (failingSink) Send(context.Context, Destination, []byte) error {
	return errors.New("unreachable")
}

func TestCloudExporter_SinkErrorKeepsQueue(t *testing.T) {
	c := NewCloudExporter(Generic, "", failingSink{}, nil, nil)
	c.Queue("x", 1, nil)

	n, err := c.Export(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, c.Pending())
}

// gatedSink blocks every Send until release is closed.
type gatedSink struct {
	MemorySink
	entered chan struct{}
	release chan struct{}
}

func (s *gatedSink) Send(ctx context.Context, dest Destination, payload []byte) error {
	_ = s.MemorySink.Send(ctx, dest, payload)
	s.entered <- struct{}{}
	<-s.release
	return nil
}

func TestCloudExporter_ConcurrentExport(t *testing.T) {
	sink := &gatedSink{entered: make(chan struct{}, 2), release: make(chan struct{})}
	c := NewCloudExporter(Generic, "", sink, newMockClock(), nil)
	for i := 0; i < 5; i++ {
		c.Queue("x", float64(i), nil)
	}

	var (
		wg     sync.WaitGroup
		counts [2]int
		errs   [2]error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		counts[0], errs[0] = c.Export(context.Background())
	}()
	<-sink.entered

	// The queue lock is free while a send is in flight.
	c.Queue("late", 1, nil)
	assert.Equal(t, 1, c.Pending())

	wg.Add(1)
	go func() {
		defer wg.Done()
		counts[1], errs[1] = c.Export(context.Background())
	}()
	close(sink.release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 6, counts[0]+counts[1])
	assert.Zero(t, c.Pending())

	var sent int
	for _, p := range sink.Payloads() {
		var batch []QueuedMetric
		require.NoError(t, json.Unmarshal(p, &batch))
		sent += len(batch)
	}
	assert.Equal(t, 6, sent, "no metric may be sent twice")
}

func TestCloudExporter_SinkErrorRequeuesInOrder(t *testing.T) {
	c := NewCloudExporter(Generic, "", failingSink{}, newMockClock(), nil)
	c.Queue("first", 1, nil)
	_, err := c.Export(context.Background())
	require.Error(t, err)

	c.Queue("second", 2, nil)
	assert.Equal(t, 2, c.Pending())
}

func TestCloudExporter_QueueCopiesTags(t *testing.T) {
	c := NewCloudExporter(Prometheus, "", nil, newMockClock(), nil)
	tags := map[string]string{"agent": "coder"}
	c.Queue("calls", 1, tags)
	tags["agent"] = "changed"

	_, err := c.Export(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(c.LastPayload()), `agent="coder"`)
}

func TestParseDestination(t *testing.T) {
	for in, want := range map[string]Destination{"datadog": Datadog, "Prometheus": Prometheus, "": Generic, "generic": Generic} {
		got, err := ParseDestination(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
		if in != "" {
			assert.True(t, strings.EqualFold(in, got.String()))
		}
	}
	_, err := ParseDestination("statsd")
	assert.Error(t, err)
}
