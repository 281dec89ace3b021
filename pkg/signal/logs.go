// Log test cases: a kitchen sink record and resource/record attribute precedence
package signal

import (
	"time"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/protobuf/proto"
)

// LogRecordValue is the log record value of DuplicateKey.
const LogRecordValue = "log-record-value"

// LogGenerator builds ExportLogsServiceRequest payloads.
type LogGenerator struct {
	// Now overrides the wall clock when set.
	Now func() time.Time
}

func (g *LogGenerator) Kind() Kind { return Logs }

func (g *LogGenerator) Names() []string { return g.catalog().names }

func (g *LogGenerator) Generate(name, id string) (proto.Message, error) {
	return g.catalog().generate(Logs, name, id)
}

func (g *LogGenerator) catalog() *catalog[*collogspb.ExportLogsServiceRequest] {
	now := clock(g.Now).now()
	c := &catalog[*collogspb.ExportLogsServiceRequest]{}
	c.add("kitchen sink log", func(id string) *collogspb.ExportLogsServiceRequest {
		return kitchenSinkLog(id, now)
	})
	c.add("attribute precedence", func(id string) *collogspb.ExportLogsServiceRequest {
		return logAttributePrecedence(id, now)
	})
	return c
}

func logsRequest(res *resourcepb.Resource, rec *logspb.LogRecord) *collogspb.ExportLogsServiceRequest {
	return &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource:  res,
			SchemaUrl: schemaURL,
			ScopeLogs: []*logspb.ScopeLogs{{
				Scope:      newScope(),
				LogRecords: []*logspb.LogRecord{rec},
			}},
		}},
	}
}

func kitchenSinkLog(id string, now time.Time) *collogspb.ExportLogsServiceRequest {
	rec := &logspb.LogRecord{
		TimeUnixNano:           unixNano(now),
		SeverityNumber:         logspb.SeverityNumber_SEVERITY_NUMBER_DEBUG,
		SeverityText:           "DEBUG",
		Body:                   stringValue("body"),
		Attributes:             withID(id, allTheAttributes("log_")...),
		DroppedAttributesCount: 1,
		Flags:                  1,
		TraceId:                traceID(),
		SpanId:                 spanID(),
	}
	return logsRequest(newResource(allTheAttributes("resource_")...), rec)
}

func logAttributePrecedence(id string, now time.Time) *collogspb.ExportLogsServiceRequest {
	rec := &logspb.LogRecord{
		TimeUnixNano: unixNano(now),
		Body:         stringValue("body"),
		Attributes:   withID(id, stringAttr(DuplicateKey, LogRecordValue)),
	}
	return logsRequest(newResource(stringAttr(DuplicateKey, ResourceValue)), rec)
}
