package exporter

import (
	"encoding/hex"
	"fmt"
	"sort"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
)

const scopeName = "github.com/fidde/agent_observability/internal/exporter"

// TracesData converts the finished spans into an OTLP ResourceSpans tree
// under a single resource named serviceName.
func (m *OTelManager) TracesData(serviceName string) *tracepb.TracesData {
	records := m.FinishedSpans()

	spans := make([]*tracepb.Span, 0, len(records))
	for _, rec := range records {
		spans = append(spans, toOTLPSpan(rec))
	}

	return &tracepb.TracesData{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: &resourcepb.Resource{
				Attributes: []*commonpb.KeyValue{stringKV("service.name", serviceName)},
			},
			ScopeSpans: []*tracepb.ScopeSpans{{
				Scope: &commonpb.InstrumentationScope{Name: scopeName},
				Spans: spans,
			}},
		}},
	}
}

// OTLPJSON renders the finished spans in the OTLP/JSON encoding.
func (m *OTelManager) OTLPJSON(serviceName string) ([]byte, error) {
	data, err := protojson.Marshal(m.TracesData(serviceName))
	if err != nil {
		return nil, fmt.Errorf("marshaling OTLP traces: %w", err)
	}
	return data, nil
}

func toOTLPSpan(rec SpanRecord) *tracepb.Span {
	span := &tracepb.Span{
		TraceId:           decodeID(rec.TraceID),
		SpanId:            decodeID(rec.SpanID),
		ParentSpanId:      decodeID(rec.ParentID),
		Name:              rec.Name,
		Kind:              tracepb.Span_SPAN_KIND_INTERNAL,
		StartTimeUnixNano: uint64(rec.Start.UnixNano()),
		EndTimeUnixNano:   uint64(rec.End.UnixNano()),
		Status:            &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK},
	}
	if isErrorStatus(rec.Status) {
		span.Status = &tracepb.Status{Code: tracepb.Status_STATUS_CODE_ERROR, Message: rec.Status}
	}

	keys := make([]string, 0, len(rec.Attributes))
	for k := range rec.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		span.Attributes = append(span.Attributes, anyKV(k, rec.Attributes[k]))
	}
	span.Attributes = append(span.Attributes,
		doubleKV("latency.total_ms", rec.Latency.TotalLatencyMs),
		doubleKV("latency.network_ms", rec.Latency.NetworkLatencyMs),
		doubleKV("latency.agent_thinking_ms", rec.Latency.AgentThinkingMs),
		doubleKV("latency.think_ratio", rec.Latency.ThinkRatio),
	)
	return span
}

func decodeID(id string) []byte {
	if id == "" {
		return nil
	}
	b, err := hex.DecodeString(id)
	if err != nil {
		return nil
	}
	return b
}

func stringKV(k, v string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}}}
}

func doubleKV(k string, v float64) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: v}}}
}

func anyKV(k string, v any) *commonpb.KeyValue {
	switch val := v.(type) {
	case string:
		return stringKV(k, val)
	case bool:
		return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: val}}}
	case int:
		return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: int64(val)}}}
	case int64:
		return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: val}}}
	case float64:
		return doubleKV(k, val)
	}
	return stringKV(k, fmt.Sprint(v))
}
