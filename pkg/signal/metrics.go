// Metric test cases covering every data point type and aggregation temporality
package signal

import (
	"time"

	colmetricpb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricpb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/protobuf/proto"
)

// DataPointValue is the data point value of DuplicateKey.
const DataPointValue = "data-point-value"

const pointWindow = 10 * time.Second

// MetricGenerator builds ExportMetricsServiceRequest payloads.
type MetricGenerator struct {
	// Now overrides the wall clock when set.
	Now func() time.Time
}

func (g *MetricGenerator) Kind() Kind { return Metrics }

func (g *MetricGenerator) Names() []string { return g.catalog().names }

func (g *MetricGenerator) Generate(name, id string) (proto.Message, error) {
	return g.catalog().generate(Metrics, name, id)
}

func (g *MetricGenerator) catalog() *catalog[*colmetricpb.ExportMetricsServiceRequest] {
	now := clock(g.Now).now()
	cumulative := metricpb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE
	delta := metricpb.AggregationTemporality_AGGREGATION_TEMPORALITY_DELTA

	c := &catalog[*colmetricpb.ExportMetricsServiceRequest]{}
	c.add("gauge", func(id string) *colmetricpb.ExportMetricsServiceRequest {
		return gauge("my_gauge", id, now)
	})
	c.add("summary", func(id string) *colmetricpb.ExportMetricsServiceRequest {
		return summary("my_summary", id, now)
	})
	sums := []struct {
		name        string
		monotonic   bool
		temporality metricpb.AggregationTemporality
	}{
		{"sum monotonic cumulative", true, cumulative},
		{"sum monotonic delta", true, delta},
		{"sum non monotonic cumulative", false, cumulative},
		{"sum non monotonic delta", false, delta},
	}
	for _, s := range sums {
		c.add(s.name, func(id string) *colmetricpb.ExportMetricsServiceRequest {
			return sum("my_sum", id, s.monotonic, s.temporality, now)
		})
	}
	c.add("histogram cumulative", func(id string) *colmetricpb.ExportMetricsServiceRequest {
		return histogram("my_histogram", id, cumulative, now)
	})
	c.add("histogram delta", func(id string) *colmetricpb.ExportMetricsServiceRequest {
		return histogram("my_histogram", id, delta, now)
	})
	c.add("attribute precedence", func(id string) *colmetricpb.ExportMetricsServiceRequest {
		return metricAttributePrecedence(id, now)
	})
	return c
}

func newMetric(name string) *metricpb.Metric {
	return &metricpb.Metric{Name: name, Description: "description", Unit: "unit"}
}

func metricsRequest(res *resourcepb.Resource, m *metricpb.Metric) *colmetricpb.ExportMetricsServiceRequest {
	return &colmetricpb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricpb.ResourceMetrics{{
			Resource:  res,
			SchemaUrl: schemaURL,
			ScopeMetrics: []*metricpb.ScopeMetrics{{
				Scope:   newScope(),
				Metrics: []*metricpb.Metric{m},
			}},
		}},
	}
}

func coverageRequest(m *metricpb.Metric) *colmetricpb.ExportMetricsServiceRequest {
	return metricsRequest(newResource(allTheAttributes("resource_")...), m)
}

func pointAttributes(metricName, id string) []*commonpb.KeyValue {
	return withID(id, allTheAttributes(metricName+"_")...)
}

func numberDataPoint(metricName, id string, now time.Time) *metricpb.NumberDataPoint {
	return &metricpb.NumberDataPoint{
		Attributes:        pointAttributes(metricName, id),
		StartTimeUnixNano: unixNano(now.Add(-pointWindow)),
		TimeUnixNano:      unixNano(now),
		Value:             &metricpb.NumberDataPoint_AsDouble{AsDouble: 1.0},
	}
}

func gauge(name, id string, now time.Time) *colmetricpb.ExportMetricsServiceRequest {
	m := newMetric(name)
	m.Data = &metricpb.Metric_Gauge{Gauge: &metricpb.Gauge{
		DataPoints: []*metricpb.NumberDataPoint{numberDataPoint(name, id, now)},
	}}
	return coverageRequest(m)
}

func summary(name, id string, now time.Time) *colmetricpb.ExportMetricsServiceRequest {
	m := newMetric(name)
	m.Data = &metricpb.Metric_Summary{Summary: &metricpb.Summary{
		DataPoints: []*metricpb.SummaryDataPoint{{
			Attributes:        pointAttributes(name, id),
			StartTimeUnixNano: unixNano(now.Add(-pointWindow)),
			TimeUnixNano:      unixNano(now),
			Count:             2,
			Sum:               99.0,
			QuantileValues: []*metricpb.SummaryDataPoint_ValueAtQuantile{
				{Quantile: 0.0, Value: 0.0},
				{Quantile: 1.0, Value: 99.0},
			},
		}},
	}}
	return coverageRequest(m)
}

func sum(name, id string, monotonic bool, temporality metricpb.AggregationTemporality, now time.Time) *colmetricpb.ExportMetricsServiceRequest {
	m := newMetric(name)
	m.Data = &metricpb.Metric_Sum{Sum: &metricpb.Sum{
		DataPoints:             []*metricpb.NumberDataPoint{numberDataPoint(name, id, now)},
		AggregationTemporality: temporality,
		IsMonotonic:            monotonic,
	}}
	return coverageRequest(m)
}

func histogram(name, id string, temporality metricpb.AggregationTemporality, now time.Time) *colmetricpb.ExportMetricsServiceRequest {
	total := 100.0
	m := newMetric(name)
	m.Data = &metricpb.Metric_Histogram{Histogram: &metricpb.Histogram{
		DataPoints: []*metricpb.HistogramDataPoint{{
			Attributes:        pointAttributes(name, id),
			StartTimeUnixNano: unixNano(now.Add(-pointWindow)),
			TimeUnixNano:      unixNano(now),
			Count:             11,
			Sum:               &total,
			BucketCounts:      []uint64{5, 4, 1, 1},
			ExplicitBounds:    []float64{1.0, 2.0, 3.0},
		}},
		AggregationTemporality: temporality,
	}}
	return coverageRequest(m)
}

func metricAttributePrecedence(id string, now time.Time) *colmetricpb.ExportMetricsServiceRequest {
	m := newMetric("my-sum")
	m.Data = &metricpb.Metric_Sum{Sum: &metricpb.Sum{
		DataPoints: []*metricpb.NumberDataPoint{{
			Attributes:        withID(id, stringAttr(DuplicateKey, DataPointValue)),
			StartTimeUnixNano: unixNano(now.Add(-pointWindow)),
			TimeUnixNano:      unixNano(now),
			Value:             &metricpb.NumberDataPoint_AsDouble{AsDouble: 1.0},
		}},
		AggregationTemporality: metricpb.AggregationTemporality_AGGREGATION_TEMPORALITY_DELTA,
		IsMonotonic:            true,
	}}
	return metricsRequest(newResource(stringAttr(DuplicateKey, ResourceValue)), m)
}
