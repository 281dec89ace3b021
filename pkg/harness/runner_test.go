// End-to-end and isolation tests for the run orchestrator
// Uses an in-process collector, a fake NerdGraph endpoint and in-memory fakes
package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andrewh/otlpconform/pkg/artifact"
	"github.com/andrewh/otlpconform/pkg/query"
	"github.com/andrewh/otlpconform/pkg/signal"
	"github.com/andrewh/otlpconform/pkg/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

const totalCases = 13

type subset struct {
	signal.Generator
	names []string
}

func (s subset) Names() []string { return s.names }

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("id-%d", n.Add(1)) }
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.LicenseKey = "license"
	cfg.UserAPIKey = "user"
	cfg.AccountID = 12345
	cfg.OutputDir = t.TempDir()
	cfg.IngestWait = 0
	cfg.Workers = 2
	return cfg
}

func newRunner(t *testing.T, cfg Config, e Exporter, q Querier) *Runner {
	t.Helper()
	return &Runner{
		Config:   cfg,
		Exporter: e,
		Querier:  q,
		Store:    artifact.NewStore(cfg.OutputDir),
		Logger:   zaptest.NewLogger(t),
		NewID:    sequentialIDs(),
	}
}

type fakeExporter struct {
	mu   sync.Mutex
	sent []proto.Message
	fail func(proto.Message) error
}

func (e *fakeExporter) Export(_ context.Context, payload proto.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail != nil {
		if err := e.fail(payload); err != nil {
			return err
		}
	}
	e.sent = append(e.sent, payload)
	return nil
}

type fakeQuerier struct {
	mu       sync.Mutex
	calls    []time.Time
	inFlight int
	maxSeen  int
	delay    time.Duration
	respond  func(id, dataType string) ([]query.Record, error)
}

func (q *fakeQuerier) Query(ctx context.Context, id, dataType string) ([]query.Record, error) {
	q.mu.Lock()
	q.calls = append(q.calls, time.Now())
	q.inFlight++
	q.maxSeen = max(q.maxSeen, q.inFlight)
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.inFlight--
		q.mu.Unlock()
	}()

	if q.delay > 0 {
		select {
		case <-time.After(q.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if q.respond != nil {
		return q.respond(id, dataType)
	}
	return []query.Record{{
		signal.IDKey:  id,
		"timestamp":   json.Number("1700000000000"),
		"entity.guid": "MXxBUE18",
		"value":       json.Number("1"),
	}}, nil
}

func idOf(m proto.Message) string {
	vals := signal.Attribute(m, signal.IDKey)
	if len(vals) == 0 {
		return ""
	}
	return vals[0].GetStringValue()
}

func fakeNerdGraph(t *testing.T) string {
	t.Helper()
	idPattern := regexp.MustCompile(`message_id = '([^']*)'`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Query string `json:"query"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		m := idPattern.FindStringSubmatch(body.Query)
		if m == nil || r.Header.Get(query.APIKeyHeader) != "user" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		resp := map[string]any{"data": map[string]any{"actor": map[string]any{"account": map[string]any{
			"nrql": map[string]any{"results": []any{map[string]any{
				"metricName":               "my_gauge",
				"message_id":               m[1],
				"timestamp":                1700000000000,
				"newrelic.source":          "api.metrics.otlp",
				"my_gauge_skey":            "value",
				"service.name":             "native-otlp-test",
				"instrumentation.provider": "opentelemetry",
			}}},
		}}}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestRunEndToEndGauge(t *testing.T) {
	t.Parallel()

	c := transporttest.Start(t)
	cfg := testConfig(t)
	cfg.ExportEndpoint = c.Addr
	cfg.QueryEndpoint = fakeNerdGraph(t)
	cfg.Signals = []signal.Kind{signal.Metrics}

	logger := zaptest.NewLogger(t)
	exporter, closeExporter, err := NewExporter(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeExporter() })
	querier, err := NewQuerier(cfg)
	require.NoError(t, err)

	r := &Runner{
		Config:     cfg,
		Exporter:   exporter,
		Querier:    querier,
		Store:      artifact.NewStore(cfg.OutputDir),
		Logger:     logger,
		NewID:      func() string { return "id1" },
		Generators: map[signal.Kind]signal.Generator{signal.Metrics: subset{&signal.MetricGenerator{}, []string{"gauge"}}},
	}
	report, err := r.Run(context.Background())
	require.NoError(t, err)

	outcomes := report.Outcomes()
	require.Len(t, outcomes, 1)
	o := outcomes[0]
	assert.Equal(t, StatePersisted, o.State())
	assert.False(t, o.Failed())
	assert.Equal(t, 1, o.Records)
	assert.Equal(t, 1, o.Queried)

	received := c.Received()
	require.Len(t, received, 1)
	assert.Equal(t, "id1", idOf(received[0]))
	assert.Contains(t, c.APIKeys(), "license")

	exported, err := os.ReadFile(filepath.Join(cfg.OutputDir, "metric", "gauge-proto.json"))
	require.NoError(t, err)
	point := "resourceMetrics.0.scopeMetrics.0.metrics.0.gauge.dataPoints.0"
	assert.Equal(t, "my_gauge", gjson.GetBytes(exported, "resourceMetrics.0.scopeMetrics.0.metrics.0.name").String())
	assert.Equal(t, "0", gjson.GetBytes(exported, point+".timeUnixNano").Raw)
	assert.Equal(t, "0", gjson.GetBytes(exported, point+".startTimeUnixNano").Raw)
	assert.Equal(t, "OBFUSCATED", gjson.GetBytes(exported, point+`.attributes.#(key=="message_id").value.stringValue`).String())
	assert.NotContains(t, string(exported), "id1")

	queried, err := os.ReadFile(filepath.Join(cfg.OutputDir, "metric", "gauge-nrdb.json"))
	require.NoError(t, err)
	assert.Equal(t, "my_gauge", gjson.GetBytes(queried, "0.metricName").String())
	assert.Equal(t, "OBFUSCATED", gjson.GetBytes(queried, "0.message_id").String())
	assert.Equal(t, "0", gjson.GetBytes(queried, "0.timestamp").Raw)
	assert.Equal(t, "value", gjson.GetBytes(queried, "0.my_gauge_skey").String())
}

func TestRunPersistsEveryCase(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Obfuscate = false
	e := &fakeExporter{}
	r := newRunner(t, cfg, e, &fakeQuerier{})

	report, err := r.Run(context.Background())
	require.NoError(t, err)

	outcomes := report.Outcomes()
	require.Len(t, outcomes, totalCases)
	seen := make(map[string]bool)
	for _, o := range outcomes {
		assert.Equal(t, StatePersisted, o.State(), "%s %s", o.Kind, o.Name)
		assert.False(t, seen[o.ID], "ids are unique")
		seen[o.ID] = true
	}
	assert.Len(t, e.sent, totalCases)
	assert.Zero(t, report.Failures())

	files, err := artifact.Files(cfg.OutputDir)
	require.NoError(t, err)
	assert.Len(t, files, 2*totalCases)
	assert.Contains(t, files, "span/kitchen-sink-trace-proto.json")
	assert.Contains(t, files, "metric/sum-non-monotonic-delta-nrdb.json")
	assert.Contains(t, files, "log/attribute-precedence-proto.json")

	// Without obfuscation both views keep the raw correlation id.
	for _, o := range outcomes {
		exported, err := os.ReadFile(o.Paths.Exported)
		require.NoError(t, err)
		assert.Contains(t, string(exported), `"`+o.ID+`"`)
		queried, err := os.ReadFile(o.Paths.Queried)
		require.NoError(t, err)
		assert.Equal(t, o.ID, gjson.GetBytes(queried, "0.message_id").String())
		assert.Equal(t, int64(1700000000000), gjson.GetBytes(queried, "0.timestamp").Int())
	}
}

func TestRunClearsStaleArtifacts(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Signals = []signal.Kind{signal.Logs}
	stale := filepath.Join(cfg.OutputDir, "log", "old-case-proto.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("{}"), 0o600))
	kept := filepath.Join(cfg.OutputDir, "span", "other-proto.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(kept), 0o755))
	require.NoError(t, os.WriteFile(kept, []byte("{}"), 0o600))

	_, err := newRunner(t, cfg, &fakeExporter{}, &fakeQuerier{}).Run(context.Background())
	require.NoError(t, err)

	assert.NoFileExists(t, stale)
	assert.FileExists(t, kept)
}

func TestRunIsolatesExportFailure(t *testing.T) {
	t.Parallel()

	c := transporttest.Start(t)
	// ids are drawn in case order, so the second metric case ("summary") gets id-2.
	c.RejectWhen(func(m proto.Message) error {
		if idOf(m) == "id-2" {
			return status.Error(codes.PermissionDenied, "rejected")
		}
		return nil
	})
	cfg := testConfig(t)
	cfg.ExportEndpoint = c.Addr
	cfg.Signals = []signal.Kind{signal.Metrics}

	exporter, closeExporter, err := NewExporter(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeExporter() })

	report, err := newRunner(t, cfg, exporter, &fakeQuerier{}).Run(context.Background())
	require.NoError(t, err)

	outcomes := report.Outcomes()
	require.Len(t, outcomes, 9)
	for _, o := range outcomes {
		assert.Equal(t, StatePersisted, o.State(), o.Name)
		if o.Name == "summary" {
			require.Error(t, o.ExportErr)
			assert.Equal(t, codes.PermissionDenied, status.Code(o.ExportErr))
			assert.Contains(t, o.States, StateExportFailed)
			continue
		}
		assert.NoError(t, o.ExportErr, o.Name)
	}
	assert.Equal(t, 1, report.Failures())
	assert.Len(t, c.Received(), 8)
}

func TestRunQueryFailurePersistsEmptyList(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	q := &fakeQuerier{respond: func(id, dataType string) ([]query.Record, error) {
		if dataType == "Log" {
			return nil, &query.StatusError{Code: http.StatusInternalServerError, Body: "boom"}
		}
		return []query.Record{{signal.IDKey: id}}, nil
	}}

	report, err := newRunner(t, cfg, &fakeExporter{}, q).Run(context.Background())
	require.NoError(t, err)

	for _, o := range report.Outcomes() {
		assert.Equal(t, StatePersisted, o.State())
		if o.Kind != signal.Logs {
			assert.NoError(t, o.QueryErr)
			continue
		}
		var se *query.StatusError
		require.ErrorAs(t, o.QueryErr, &se)
		assert.Contains(t, o.States, StateQueryFailed)
		data, err := os.ReadFile(o.Paths.Queried)
		require.NoError(t, err)
		assert.JSONEq(t, `[]`, string(data))
	}
	assert.Equal(t, 2, report.Failures())
}

func TestRunBoundsConcurrentChecks(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Workers = 2
	q := &fakeQuerier{delay: 20 * time.Millisecond}

	_, err := newRunner(t, cfg, &fakeExporter{}, q).Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, q.calls, totalCases)
	assert.LessOrEqual(t, q.maxSeen, 2)
	assert.GreaterOrEqual(t, q.maxSeen, 1)
}

func TestRunWaitsForIngestWindow(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.IngestWait = 150 * time.Millisecond
	cfg.Workers = totalCases
	q := &fakeQuerier{}

	report, err := newRunner(t, cfg, &fakeExporter{}, q).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, q.calls, totalCases)
	for _, at := range q.calls {
		assert.GreaterOrEqual(t, at.Sub(report.Started), cfg.IngestWait)
	}
}

func TestRunRecoversPanickingCase(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Signals = []signal.Kind{signal.Traces}
	q := &fakeQuerier{respond: func(id, _ string) ([]query.Record, error) {
		if id == "id-1" {
			panic("decoder exploded")
		}
		return nil, nil
	}}

	report, err := newRunner(t, cfg, &fakeExporter{}, q).Run(context.Background())
	require.NoError(t, err)

	outcomes := report.Outcomes()
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		if o.ID == "id-1" {
			require.Error(t, o.SaveErr)
			assert.Contains(t, o.SaveErr.Error(), "decoder exploded")
			assert.True(t, o.State().Terminal())
			continue
		}
		assert.Equal(t, StatePersisted, o.State())
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.LicenseKey = ""
	e := &fakeExporter{}

	_, err := newRunner(t, cfg, e, &fakeQuerier{}).Run(context.Background())
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"NEW_RELIC_LICENSE_KEY"}, ce.Missing)
	assert.Empty(t, e.sent)

	entries, err := os.ReadDir(cfg.OutputDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunRecordsSpansAndObservations(t *testing.T) {
	t.Parallel()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	cfg := testConfig(t)
	cfg.Signals = []signal.Kind{signal.Logs}
	e := &fakeExporter{fail: func(m proto.Message) error {
		if idOf(m) == "id-1" {
			return errors.New("connection refused")
		}
		return nil
	}}
	obs := &recordingObserver{}
	r := newRunner(t, cfg, e, &fakeQuerier{})
	r.Tracer = tp.Tracer("test")
	r.Observers = []Observer{obs}

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	failed := 0
	for _, s := range spans {
		assert.Equal(t, "export logs", s.Name())
		if s.Status().Code == otelcodes.Error {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Len(t, obs.get(), 2)
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []*Outcome
}

func (r *recordingObserver) Observe(o *Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *recordingObserver) get() []*Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Outcome(nil), r.outcomes...)
}

// Not parallel: goleak compares against the goroutines alive at the start.
func TestRunCancellationAbandonsWaitingCases(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig(t)
	cfg.IngestWait = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	q := &fakeQuerier{}
	report, err := newRunner(t, cfg, &fakeExporter{}, q).Run(ctx)
	require.NoError(t, err)

	outcomes := report.Outcomes()
	require.Len(t, outcomes, totalCases)
	for _, o := range outcomes {
		assert.Equal(t, StateAbandoned, o.State())
		assert.True(t, o.Failed())
	}
	assert.Empty(t, q.calls)

	files, err := artifact.Files(cfg.OutputDir)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestSleepUntil(t *testing.T) {
	t.Parallel()

	require.NoError(t, sleepUntil(context.Background(), time.Now().Add(-time.Second)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepUntil(ctx, time.Now().Add(time.Hour)), context.Canceled)
}

func TestNewExporterProtocols(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.ExportEndpoint = "http://localhost:4318"
	cfg.Protocol = "http/protobuf"
	e, closeFn, err := NewExporter(cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, e)
	assert.NoError(t, closeFn())

	cfg.Protocol = "thrift"
	_, _, err = NewExporter(cfg, nil)
	assert.Error(t, err)
}
