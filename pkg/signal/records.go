// Record counting and correlation id verification over exported payloads
// Uses collector pdata so counts match what an OTLP receiver would see
package signal

import (
	"fmt"

	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/plog/plogotlp"
	"go.opentelemetry.io/collector/pdata/pmetric"
	"go.opentelemetry.io/collector/pdata/pmetric/pmetricotlp"
	"go.opentelemetry.io/collector/pdata/ptrace/ptraceotlp"
	"google.golang.org/protobuf/proto"
)

// Verify decodes tc's payload as an OTLP receiver would and checks that every
// record carries the correlation id. It returns the record count: spans, data
// points or log records.
func Verify(tc TestCase) (int, error) {
	data, err := proto.Marshal(tc.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshaling %s payload: %w", tc.Kind, err)
	}

	var attrs []pcommon.Map
	switch tc.Kind {
	case Traces:
		req := ptraceotlp.NewExportRequest()
		if err := req.UnmarshalProto(data); err != nil {
			return 0, fmt.Errorf("decoding trace payload: %w", err)
		}
		rss := req.Traces().ResourceSpans()
		for i := range rss.Len() {
			sss := rss.At(i).ScopeSpans()
			for j := range sss.Len() {
				spans := sss.At(j).Spans()
				for k := range spans.Len() {
					attrs = append(attrs, spans.At(k).Attributes())
				}
			}
		}
	case Metrics:
		req := pmetricotlp.NewExportRequest()
		if err := req.UnmarshalProto(data); err != nil {
			return 0, fmt.Errorf("decoding metric payload: %w", err)
		}
		rms := req.Metrics().ResourceMetrics()
		for i := range rms.Len() {
			sms := rms.At(i).ScopeMetrics()
			for j := range sms.Len() {
				ms := sms.At(j).Metrics()
				for k := range ms.Len() {
					attrs = append(attrs, pointAttributeMaps(ms.At(k))...)
				}
			}
		}
	case Logs:
		req := plogotlp.NewExportRequest()
		if err := req.UnmarshalProto(data); err != nil {
			return 0, fmt.Errorf("decoding log payload: %w", err)
		}
		rls := req.Logs().ResourceLogs()
		for i := range rls.Len() {
			sls := rls.At(i).ScopeLogs()
			for j := range sls.Len() {
				recs := sls.At(j).LogRecords()
				for k := range recs.Len() {
					attrs = append(attrs, recs.At(k).Attributes())
				}
			}
		}
	default:
		return 0, fmt.Errorf("unknown signal %q", tc.Kind)
	}

	if len(attrs) == 0 {
		return 0, fmt.Errorf("%s payload %q has no records", tc.Kind, tc.Name)
	}
	for i, m := range attrs {
		v, ok := m.Get(IDKey)
		if !ok || v.AsString() != tc.ID {
			return 0, fmt.Errorf("%s payload %q: record %d does not carry %s=%s", tc.Kind, tc.Name, i, IDKey, tc.ID)
		}
	}
	return len(attrs), nil
}

func pointAttributeMaps(m pmetric.Metric) []pcommon.Map {
	var out []pcommon.Map
	switch m.Type() {
	case pmetric.MetricTypeGauge:
		dps := m.Gauge().DataPoints()
		for i := range dps.Len() {
			out = append(out, dps.At(i).Attributes())
		}
	case pmetric.MetricTypeSum:
		dps := m.Sum().DataPoints()
		for i := range dps.Len() {
			out = append(out, dps.At(i).Attributes())
		}
	case pmetric.MetricTypeHistogram:
		dps := m.Histogram().DataPoints()
		for i := range dps.Len() {
			out = append(out, dps.At(i).Attributes())
		}
	case pmetric.MetricTypeExponentialHistogram:
		dps := m.ExponentialHistogram().DataPoints()
		for i := range dps.Len() {
			out = append(out, dps.At(i).Attributes())
		}
	case pmetric.MetricTypeSummary:
		dps := m.Summary().DataPoints()
		for i := range dps.Len() {
			out = append(out, dps.At(i).Attributes())
		}
	}
	return out
}
