// Trace test cases: a kitchen sink span and resource/span attribute precedence
package signal

import (
	"time"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"
)

// SpanValue is the span-level value of DuplicateKey.
const SpanValue = "span-value"

const spanDuration = 10 * time.Second

// TraceGenerator builds ExportTraceServiceRequest payloads.
type TraceGenerator struct {
	// Now overrides the wall clock when set.
	Now func() time.Time
}

func (g *TraceGenerator) Kind() Kind { return Traces }

func (g *TraceGenerator) Names() []string { return g.catalog().names }

func (g *TraceGenerator) Generate(name, id string) (proto.Message, error) {
	return g.catalog().generate(Traces, name, id)
}

func (g *TraceGenerator) catalog() *catalog[*coltracepb.ExportTraceServiceRequest] {
	now := clock(g.Now).now()
	c := &catalog[*coltracepb.ExportTraceServiceRequest]{}
	c.add("kitchen sink trace", func(id string) *coltracepb.ExportTraceServiceRequest {
		return kitchenSinkTrace(id, now)
	})
	c.add("attribute precedence", func(id string) *coltracepb.ExportTraceServiceRequest {
		return traceAttributePrecedence(id, now)
	})
	return c
}

func traceRequest(res *resourcepb.Resource, span *tracepb.Span) *coltracepb.ExportTraceServiceRequest {
	return &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource:  res,
			SchemaUrl: schemaURL,
			ScopeSpans: []*tracepb.ScopeSpans{{
				Scope: newScope(),
				Spans: []*tracepb.Span{span},
			}},
		}},
	}
}

func kitchenSinkTrace(id string, now time.Time) *coltracepb.ExportTraceServiceRequest {
	span := &tracepb.Span{
		TraceId:                traceID(),
		SpanId:                 spanID(),
		TraceState:             "foo",
		ParentSpanId:           spanID(),
		Name:                   "my-span",
		Kind:                   tracepb.Span_SPAN_KIND_INTERNAL,
		StartTimeUnixNano:      unixNano(now),
		EndTimeUnixNano:        unixNano(now.Add(spanDuration)),
		Attributes:             withID(id, allTheAttributes("span_")...),
		DroppedAttributesCount: 1,
		Events: []*tracepb.Span_Event{{
			Name:                   "event-name",
			TimeUnixNano:           unixNano(now),
			Attributes:             allTheAttributes("span_event_"),
			DroppedAttributesCount: 1,
		}},
		DroppedEventsCount: 1,
		Links: []*tracepb.Span_Link{{
			TraceId:    traceID(),
			SpanId:     spanID(),
			Attributes: allTheAttributes("span_link_"),
		}},
		DroppedLinksCount: 1,
		Status: &tracepb.Status{
			Code:    tracepb.Status_STATUS_CODE_OK,
			Message: "status message!",
		},
	}
	return traceRequest(newResource(allTheAttributes("resource_")...), span)
}

func traceAttributePrecedence(id string, now time.Time) *coltracepb.ExportTraceServiceRequest {
	span := &tracepb.Span{
		TraceId:           traceID(),
		SpanId:            spanID(),
		Name:              "my-span",
		Kind:              tracepb.Span_SPAN_KIND_INTERNAL,
		StartTimeUnixNano: unixNano(now),
		EndTimeUnixNano:   unixNano(now.Add(spanDuration)),
		Attributes:        withID(id, stringAttr(DuplicateKey, SpanValue)),
	}
	return traceRequest(newResource(stringAttr(DuplicateKey, ResourceValue)), span)
}
