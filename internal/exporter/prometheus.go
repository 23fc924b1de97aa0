// Package exporter renders recorded telemetry for external consumers:
// Prometheus scrape text, OpenTelemetry spans, cloud metric payloads and
// Grafana dashboards.
package exporter

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

// ScrapePrefix is prepended to every scrape line.
const ScrapePrefix = "pyagent_"

// PrometheusExporter is a flat last-write-wins registry rendered as
// Prometheus text. There is no counter accumulation at this layer.
type PrometheusExporter struct {
	mu       sync.RWMutex
	registry map[string]float64
}

// NewPrometheusExporter creates an empty exporter.
func NewPrometheusExporter() *PrometheusExporter {
	return &PrometheusExporter{registry: make(map[string]float64)}
}

// RecordMetric stores value under name{labels}, replacing any earlier value.
func (p *PrometheusExporter) RecordMetric(name string, value float64, labels map[string]string) {
	key := SeriesKey(name, labels)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.registry[key] = value
}

// Value returns the stored value for name{labels}.
func (p *PrometheusExporter) Value(name string, labels map[string]string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.registry[SeriesKey(name, labels)]
	return v, ok
}

// Len returns the number of registered series.
func (p *PrometheusExporter) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.registry)
}

// GenerateScrapeResponse renders one "pyagent_<key> <value>" line per
// series, ordered by key.
func (p *PrometheusExporter) GenerateScrapeResponse() string {
	p.mu.RLock()
	keys := make([]string, 0, len(p.registry))
	for k := range p.registry {
		keys = append(keys, k)
	}
	values := make(map[string]float64, len(keys))
	for _, k := range keys {
		values[k] = p.registry[k]
	}
	p.mu.RUnlock()
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(ScrapePrefix)
		b.WriteString(k)
		b.WriteByte(' ')
		b.WriteString(FormatValue(values[k]))
		b.WriteByte('\n')
	}
	return b.String()
}

// Clear drops every series.
func (p *PrometheusExporter) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registry = make(map[string]float64)
}

// SeriesKey renders name{k="v",...} with labels sorted by key and values
// escaped. Characters outside [a-zA-Z0-9_:] in names become "_".
func SeriesKey(name string, labels map[string]string) string {
	name = SanitizeName(name)
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(SanitizeName(k))
		b.WriteString(`="`)
		b.WriteString(escapeLabelValue(labels[k]))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

// SanitizeName replaces characters that are not valid in a Prometheus
// metric name with underscores.
func SanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			return r
		}
		return '_'
	}, name)
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func escapeLabelValue(v string) string {
	return labelEscaper.Replace(v)
}

// FormatValue formats a sample value the way the text format expects.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
