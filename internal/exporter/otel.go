package exporter

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxFinishedSpans bounds the finished span buffer.
const DefaultMaxFinishedSpans = 1000

// LatencyBreakdown splits a span's duration into network time and the
// remaining "agent thinking" time.
type LatencyBreakdown struct {
	TotalLatencyMs   float64 `json:"total_latency_ms"`
	NetworkLatencyMs float64 `json:"network_latency_ms"`
	AgentThinkingMs  float64 `json:"agent_thinking_ms"`
	ThinkRatio       float64 `json:"think_ratio"`
}

// SpanRecord is a finished span as kept by the manager.
type SpanRecord struct {
	TraceID    string           `json:"trace_id"`
	SpanID     string           `json:"span_id"`
	ParentID   string           `json:"parent_id,omitempty"`
	Name       string           `json:"name"`
	Start      time.Time        `json:"start"`
	End        time.Time        `json:"end"`
	Status     string           `json:"status"`
	Attributes map[string]any   `json:"attributes,omitempty"`
	Latency    LatencyBreakdown `json:"latency"`
}

type activeSpan struct {
	record SpanRecord
	span   trace.Span // nil in mock mode
	ctx    context.Context
}

// OTelManager tracks spans by id. With a tracer it also drives real
// OpenTelemetry spans; without one it runs in mock mode and only keeps
// its own records.
type OTelManager struct {
	mu          sync.Mutex
	active      map[string]*activeSpan
	finished    []SpanRecord
	maxFinished int

	tracer trace.Tracer
	clock  clock.Clock
	logger *slog.Logger
}

// NewOTelManager creates a manager. A nil tracer selects mock mode.
func NewOTelManager(tracer trace.Tracer, clk clock.Clock, logger *slog.Logger) *OTelManager {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OTelManager{
		active:      make(map[string]*activeSpan),
		maxFinished: DefaultMaxFinishedSpans,
		tracer:      tracer,
		clock:       clk,
		logger:      logger,
	}
}

// MockMode reports whether the manager runs without an OpenTelemetry SDK.
func (m *OTelManager) MockMode() bool {
	return m.tracer == nil
}

// StartSpan opens a span and returns its id. A parentID naming an active
// span links the new span into the parent's trace.
func (m *OTelManager) StartSpan(ctx context.Context, name, parentID string, attrs map[string]any) string {
	if ctx == nil {
		ctx = context.Background()
	}
	start := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	parent, hasParent := m.active[parentID]
	as := &activeSpan{record: SpanRecord{
		Name:       name,
		Start:      start,
		Attributes: copyAttrs(attrs),
	}}
	if hasParent {
		as.record.ParentID = parentID
		ctx = parent.ctx
	}

	if m.tracer != nil {
		spanCtx, span := m.tracer.Start(ctx, name,
			trace.WithTimestamp(start),
			trace.WithAttributes(toAttributes(attrs)...),
		)
		sc := span.SpanContext()
		as.span, as.ctx = span, spanCtx
		as.record.TraceID, as.record.SpanID = sc.TraceID().String(), sc.SpanID().String()
	} else {
		as.ctx = ctx
		as.record.SpanID = newSpanID()
		if hasParent {
			as.record.TraceID = parent.record.TraceID
		} else {
			as.record.TraceID = newTraceID()
		}
	}

	m.active[as.record.SpanID] = as
	return as.record.SpanID
}

// EndSpan closes a span and returns its latency breakdown. network is the
// network latency in seconds, if known. Ending an unknown span is a no-op
// and returns false.
func (m *OTelManager) EndSpan(spanID, status string, network *float64, attrs map[string]any) (LatencyBreakdown, bool) {
	end := m.clock.Now()

	m.mu.Lock()
	as, ok := m.active[spanID]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("ending unknown span", "span_id", spanID)
		return LatencyBreakdown{}, false
	}
	delete(m.active, spanID)

	rec := as.record
	rec.End = end
	rec.Status = status
	for k, v := range attrs {
		if rec.Attributes == nil {
			rec.Attributes = make(map[string]any)
		}
		rec.Attributes[k] = v
	}
	rec.Latency = breakdown(end.Sub(rec.Start), network)

	m.finished = append(m.finished, rec)
	if over := len(m.finished) - m.maxFinished; over > 0 {
		m.finished = append([]SpanRecord(nil), m.finished[over:]...)
	}
	m.mu.Unlock()

	if as.span != nil {
		as.span.SetAttributes(toAttributes(attrs)...)
		as.span.SetAttributes(
			attribute.Float64("latency.total_ms", rec.Latency.TotalLatencyMs),
			attribute.Float64("latency.network_ms", rec.Latency.NetworkLatencyMs),
			attribute.Float64("latency.agent_thinking_ms", rec.Latency.AgentThinkingMs),
			attribute.Float64("latency.think_ratio", rec.Latency.ThinkRatio),
		)
		if isErrorStatus(status) {
			as.span.SetStatus(codes.Error, status)
		} else {
			as.span.SetStatus(codes.Ok, "")
		}
		as.span.End(trace.WithTimestamp(end))
	}
	return rec.Latency, true
}

// ActiveSpans returns the number of open spans.
func (m *OTelManager) ActiveSpans() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// FinishedSpans returns the buffered finished spans, oldest first.
func (m *OTelManager) FinishedSpans() []SpanRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SpanRecord{}, m.finished...)
}

// Reset drops active and finished spans. Open SDK spans are ended.
func (m *OTelManager) Reset() {
	m.mu.Lock()
	active := m.active
	m.active = make(map[string]*activeSpan)
	m.finished = nil
	m.mu.Unlock()

	for _, as := range active {
		if as.span != nil {
			as.span.End()
		}
	}
}

func breakdown(elapsed time.Duration, networkSec *float64) LatencyBreakdown {
	total := float64(elapsed) / float64(time.Millisecond)
	var network float64
	if networkSec != nil {
		network = *networkSec * 1000
	}
	thinking := total - network

	var ratio float64
	if total > 0 {
		ratio = thinking / total
	}
	return LatencyBreakdown{
		TotalLatencyMs:   total,
		NetworkLatencyMs: network,
		AgentThinkingMs:  thinking,
		ThinkRatio:       ratio,
	}
}

func isErrorStatus(status string) bool {
	switch status {
	case "error", "failure", "failed", "ERROR":
		return true
	}
	return false
}

// NewTracerProvider builds an SDK tracer provider for the named exporter:
// "stdout" writes spans as JSON to w, "none" or "" returns nil (mock mode).
func NewTracerProvider(exporterName, serviceName string, w io.Writer) (*sdktrace.TracerProvider, error) {
	switch exporterName {
	case "", "none", "mock":
		return nil, nil
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("creating stdout trace exporter: %w", err)
		}
		return sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
		), nil
	}
	return nil, fmt.Errorf("unknown trace exporter %q (supported: stdout, none)", exporterName)
}

func toAttributes(attrs map[string]any) []attribute.KeyValue {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		switch v := attrs[k].(type) {
		case string:
			out = append(out, attribute.String(k, v))
		case bool:
			out = append(out, attribute.Bool(k, v))
		case int:
			out = append(out, attribute.Int(k, v))
		case int64:
			out = append(out, attribute.Int64(k, v))
		case float64:
			out = append(out, attribute.Float64(k, v))
		default:
			out = append(out, attribute.String(k, fmt.Sprint(v)))
		}
	}
	return out
}

func copyAttrs(attrs map[string]any) map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func newTraceID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

func newSpanID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:8])
}
