// Outcome observers deriving harness self-telemetry from finished test cases
// MetricObserver counts outcomes; LogObserver emits log records for failures and empty queries
package harness

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
)

// Observer receives each outcome once its test case reaches a terminal state.
// Observe may be called concurrently.
type Observer interface {
	Observe(o *Outcome)
}

// MetricObserver records counts and latencies for each outcome.
type MetricObserver struct {
	cases    metric.Int64Counter
	failures metric.Int64Counter
	records  metric.Int64Histogram
	duration metric.Float64Histogram
}

// NewMetricObserver creates a MetricObserver backed by the given MeterProvider.
func NewMetricObserver(mp metric.MeterProvider) (*MetricObserver, error) {
	meter := mp.Meter("otlpconform")

	cases, err := meter.Int64Counter("otlpconform.testcase.count",
		metric.WithDescription("Test cases by signal and final state"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("otlpconform.testcase.failures",
		metric.WithDescription("Failed test case steps by signal and step"),
	)
	if err != nil {
		return nil, err
	}

	records, err := meter.Int64Histogram("otlpconform.query.records",
		metric.WithDescription("Records returned by the backend query per test case"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("otlpconform.testcase.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Time from export to persisted artifact in milliseconds"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricObserver{cases: cases, failures: failures, records: records, duration: duration}, nil
}

// Observe records metrics for the finished test case.
func (m *MetricObserver) Observe(o *Outcome) {
	ctx := context.Background()
	kind := attribute.String("signal", string(o.Kind))

	m.cases.Add(ctx, 1, metric.WithAttributes(kind, attribute.String("state", o.State().String())))
	for step, err := range map[string]error{"export": o.ExportErr, "query": o.QueryErr, "persist": o.SaveErr} {
		if err != nil {
			m.failures.Add(ctx, 1, metric.WithAttributes(kind, attribute.String("step", step)))
		}
	}
	if o.QueryErr == nil && o.State() != StateAbandoned {
		m.records.Record(ctx, int64(o.Queried), metric.WithAttributes(kind))
	}
	m.duration.Record(ctx, float64(o.Elapsed)/float64(time.Millisecond), metric.WithAttributes(kind))
}

// LogObserver emits log records for notable outcomes.
type LogObserver struct {
	logger log.Logger
}

// NewLogObserver creates a LogObserver that emits logs via the given LoggerProvider.
func NewLogObserver(lp log.LoggerProvider) *LogObserver {
	return &LogObserver{logger: lp.Logger("otlpconform")}
}

// Observe emits an ERROR record per failed step and a WARN record when the
// backend returned nothing for an exported case.
func (l *LogObserver) Observe(o *Outcome) {
	attrs := []log.KeyValue{
		log.String("signal", string(o.Kind)),
		log.String("test_case", o.Name),
		log.String("message_id", o.ID),
		log.String("state", o.State().String()),
	}

	for _, f := range []struct {
		step string
		err  error
	}{{"export", o.ExportErr}, {"query", o.QueryErr}, {"persist", o.SaveErr}} {
		if f.err == nil {
			continue
		}
		var rec log.Record
		rec.SetSeverity(log.SeverityError)
		rec.SetSeverityText("ERROR")
		rec.SetBody(log.StringValue(fmt.Sprintf("%s failed for %s %q: %v", f.step, o.Kind, o.Name, f.err)))
		rec.AddAttributes(attrs...)
		l.logger.Emit(context.Background(), rec)
	}

	if o.ExportErr == nil && o.QueryErr == nil && o.State() != StateAbandoned && o.Queried == 0 {
		var rec log.Record
		rec.SetSeverity(log.SeverityWarn)
		rec.SetSeverityText("WARN")
		rec.SetBody(log.StringValue(fmt.Sprintf("no records ingested for %s %q", o.Kind, o.Name)))
		rec.AddAttributes(attrs...)
		l.logger.Emit(context.Background(), rec)
	}
}
