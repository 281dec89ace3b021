// Tests for the outcome observers
// Metrics are read back with a ManualReader; logs are captured by an in-memory exporter
package harness

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/andrewh/otlpconform/pkg/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func persisted(kind signal.Kind, name string, queried int) *Outcome {
	return &Outcome{
		Kind:    kind,
		Name:    name,
		ID:      "id-" + name,
		Queried: queried,
		Elapsed: 25 * time.Millisecond,
		States: []State{
			StateGenerated, StateExported, StateWaitingForIngest,
			StateQueried, StateNormalized, StatePersisted,
		},
	}
}

func TestMetricObserverCountsByState(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	obs, err := NewMetricObserver(mp)
	require.NoError(t, err)

	obs.Observe(persisted(signal.Metrics, "gauge", 1))
	obs.Observe(persisted(signal.Metrics, "summary", 1))
	abandoned := persisted(signal.Metrics, "histogram delta", 0)
	abandoned.States = []State{StateGenerated, StateExported, StateWaitingForIngest, StateAbandoned}
	obs.Observe(abandoned)

	rm := collectMetrics(t, reader)
	m := findMetric(rm, "otlpconform.testcase.count")
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)

	byState := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		state, _ := dp.Attributes.Value(attribute.Key("state"))
		byState[state.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]int64{"persisted": 2, "abandoned": 1}, byState)

	records := findMetric(rm, "otlpconform.query.records")
	require.NotNil(t, records)
	hist, ok := records.Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(2), hist.DataPoints[0].Count, "abandoned cases have no query result")
}

func TestMetricObserverFailures(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	obs, err := NewMetricObserver(mp)
	require.NoError(t, err)

	o := persisted(signal.Logs, "kitchen sink log", 0)
	o.ExportErr = errors.New("unavailable")
	o.QueryErr = errors.New("timeout")
	obs.Observe(o)

	m := findMetric(collectMetrics(t, reader), "otlpconform.testcase.failures")
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)

	steps := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		step, _ := dp.Attributes.Value(attribute.Key("step"))
		steps[step.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]int64{"export": 1, "query": 1}, steps)
}

type memoryLogExporter struct {
	mu      sync.Mutex
	records []sdklog.Record
}

func (e *memoryLogExporter) Export(_ context.Context, records []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range records {
		e.records = append(e.records, r.Clone())
	}
	return nil
}

func (e *memoryLogExporter) Shutdown(context.Context) error   { return nil }
func (e *memoryLogExporter) ForceFlush(context.Context) error { return nil }

func (e *memoryLogExporter) get() []sdklog.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]sdklog.Record, len(e.records))
	copy(out, e.records)
	return out
}

func newTestLogObserver(t *testing.T) (*LogObserver, *memoryLogExporter) {
	t.Helper()
	exporter := &memoryLogExporter{}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewSimpleProcessor(exporter)),
	)
	t.Cleanup(func() { _ = lp.Shutdown(context.Background()) })
	return NewLogObserver(lp), exporter
}

func TestLogObserverFailedStep(t *testing.T) {
	t.Parallel()

	obs, exporter := newTestLogObserver(t)
	o := persisted(signal.Traces, "kitchen sink trace", 0)
	o.QueryErr = errors.New("status 500")
	obs.Observe(o)

	records := exporter.get()
	require.Len(t, records, 1)
	assert.Equal(t, otellog.SeverityError, records[0].Severity())
	assert.Contains(t, records[0].Body().AsString(), "query failed")
	assert.Contains(t, records[0].Body().AsString(), "kitchen sink trace")

	attrs := make(map[string]string)
	records[0].WalkAttributes(func(kv otellog.KeyValue) bool {
		attrs[kv.Key] = kv.Value.AsString()
		return true
	})
	assert.Equal(t, "id-kitchen sink trace", attrs["message_id"])
	assert.Equal(t, "traces", attrs["signal"])
}

func TestLogObserverEmptyQuery(t *testing.T) {
	t.Parallel()

	obs, exporter := newTestLogObserver(t)
	obs.Observe(persisted(signal.Metrics, "gauge", 0))

	records := exporter.get()
	require.Len(t, records, 1)
	assert.Equal(t, otellog.SeverityWarn, records[0].Severity())
	assert.Contains(t, records[0].Body().AsString(), "no records ingested")
}

func TestLogObserverQuietOnSuccess(t *testing.T) {
	t.Parallel()

	obs, exporter := newTestLogObserver(t)
	obs.Observe(persisted(signal.Metrics, "gauge", 3))
	assert.Empty(t, exporter.get())
}
