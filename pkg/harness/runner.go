// Run orchestration: export every test case, wait out the ingest window, query, normalize, persist
// Exports run per signal concurrently; deferred checks run on a bounded worker pool
package harness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andrewh/otlpconform/pkg/artifact"
	"github.com/andrewh/otlpconform/pkg/normalize"
	"github.com/andrewh/otlpconform/pkg/query"
	"github.com/andrewh/otlpconform/pkg/signal"
	"github.com/andrewh/otlpconform/pkg/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"google.golang.org/protobuf/proto"
)

// Exporter delivers one payload to the endpoint under test.
type Exporter interface {
	Export(ctx context.Context, payload proto.Message) error
}

// Querier fetches the records the backend stored for a correlation id.
type Querier interface {
	Query(ctx context.Context, id, dataType string) ([]query.Record, error)
}

// Runner executes one conformance run. Exporter, Querier and Store are required.
type Runner struct {
	Config    Config
	Exporter  Exporter
	Querier   Querier
	Store     *artifact.Store
	Logger    *zap.Logger
	Tracer    trace.Tracer
	Observers []Observer

	// NewID draws correlation ids; defaults to signal.NewID.
	NewID func() string
	// Generators overrides the payload generator per kind.
	Generators map[signal.Kind]signal.Generator
}

type task struct {
	tc       signal.TestCase
	outcome  *Outcome
	span     trace.Span
	start    time.Time
	deadline time.Time
}

// Run clears the output directories of the selected signals, then exports
// every test case and persists its artifacts once the ingest window has passed.
// A failed test case never stops the others. The returned error is non-nil
// only when the run could not start; per-case failures are in the Report.
// Cancelling ctx abandons cases still waiting and returns once they drain.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	if err := r.Config.Validate(); err != nil {
		return nil, err
	}
	if r.Exporter == nil || r.Querier == nil || r.Store == nil {
		return nil, errors.New("runner needs an exporter, a querier and a store")
	}
	r.defaults()

	cases, err := r.cases()
	if err != nil {
		return nil, err
	}
	if err := r.Store.Reset(ctx, r.Config.Signals); err != nil {
		return nil, fmt.Errorf("preparing output directory: %w", err)
	}

	report := &Report{Started: time.Now()}
	r.Logger.Info("starting run",
		zap.Int("test_cases", countCases(cases)),
		zap.Any("signals", r.Config.Signals),
		zap.Duration("ingest_wait", r.Config.IngestWait),
		zap.Int("workers", r.Config.Workers),
		zap.Bool("obfuscate", r.Config.Obfuscate),
	)

	sem := semaphore.NewWeighted(int64(r.Config.Workers))
	var exports, checks sync.WaitGroup
	for _, kind := range r.Config.Signals {
		exports.Go(func() {
			for _, tc := range cases[kind] {
				t := r.export(ctx, tc)
				checks.Go(func() { r.check(ctx, sem, t, report) })
			}
		})
	}
	exports.Wait()
	checks.Wait()

	report.Finished = time.Now()
	r.Logger.Info("run finished",
		zap.Int("test_cases", len(report.Outcomes())),
		zap.Int("failures", report.Failures()),
		zap.Duration("elapsed", report.Finished.Sub(report.Started)),
	)
	return report, nil
}

func (r *Runner) defaults() {
	if r.Logger == nil {
		r.Logger = zap.NewNop()
	}
	if r.Tracer == nil {
		r.Tracer = noop.NewTracerProvider().Tracer("otlpconform")
	}
	if r.NewID == nil {
		r.NewID = signal.NewID
	}
}

func (r *Runner) cases() (map[signal.Kind][]signal.TestCase, error) {
	out := make(map[signal.Kind][]signal.TestCase, len(r.Config.Signals))
	for _, kind := range r.Config.Signals {
		g, ok := r.Generators[kind]
		if !ok {
			var err error
			if g, err = signal.GeneratorFor(kind); err != nil {
				return nil, err
			}
		}
		cases, err := signal.Cases(g, r.NewID)
		if err != nil {
			return nil, err
		}
		out[kind] = cases
	}
	return out, nil
}

func countCases(cases map[signal.Kind][]signal.TestCase) int {
	n := 0
	for _, c := range cases {
		n += len(c)
	}
	return n
}

// export sends the payload synchronously and fixes the case's deadline.
// A failed export is logged and the case still proceeds to query and persist.
func (r *Runner) export(ctx context.Context, tc signal.TestCase) *task {
	o := &Outcome{Kind: tc.Kind, Name: tc.Name, ID: tc.ID, States: []State{StateGenerated}}
	t := &task{tc: tc, outcome: o, start: time.Now()}
	ctx, t.span = r.Tracer.Start(ctx, "export "+string(tc.Kind),
		trace.WithAttributes(
			attribute.String("signal", string(tc.Kind)),
			attribute.String("test_case", tc.Name),
			attribute.String(signal.IDKey, tc.ID),
		),
	)
	log := r.caseLogger(tc)

	records, err := signal.Verify(tc)
	if err == nil {
		o.Records = records
		err = r.Exporter.Export(ctx, tc.Payload)
	}
	if err != nil {
		o.ExportErr = err
		r.mustAdvance(o, StateExportFailed)
		t.span.RecordError(err)
		log.Error("export failed", zap.Error(err))
	} else {
		r.mustAdvance(o, StateExported)
		log.Info("exported", zap.Int("records", records))
	}

	t.deadline = time.Now().Add(r.Config.IngestWait)
	r.mustAdvance(o, StateWaitingForIngest)
	return t
}

// check waits for a worker slot and the case's deadline, then queries,
// normalizes and persists. It always records an outcome.
func (r *Runner) check(ctx context.Context, sem *semaphore.Weighted, t *task, report *Report) {
	o := t.outcome
	log := r.caseLogger(t.tc)
	defer func() {
		if v := recover(); v != nil {
			o.SaveErr = fmt.Errorf("panic: %v", v)
			switch {
			case CanTransition(o.State(), StatePersistFailed):
				o.States = append(o.States, StatePersistFailed)
			case !o.State().Terminal():
				o.States = append(o.States, StateAbandoned)
			}
			log.Error("test case panicked", zap.Any("panic", v))
		}
		r.finish(t, report)
	}()

	if err := sem.Acquire(ctx, 1); err != nil {
		r.abandon(o, log)
		return
	}
	defer sem.Release(1)

	if err := sleepUntil(ctx, t.deadline); err != nil {
		r.abandon(o, log)
		return
	}

	records, err := r.Querier.Query(ctx, t.tc.ID, t.tc.Kind.DataType())
	if err != nil {
		if ctx.Err() != nil {
			r.abandon(o, log)
			return
		}
		o.QueryErr = err
		r.mustAdvance(o, StateQueryFailed)
		log.Error("query failed", zap.Error(err))
	} else {
		o.Queried = len(records)
		r.mustAdvance(o, StateQueried)
		log.Debug("queried", zap.Int("records", len(records)))
	}

	a, err := r.normalize(t.tc, records)
	r.mustAdvance(o, StateNormalized)
	if err == nil {
		o.Paths, err = r.Store.Save(a)
	}
	if err != nil {
		o.SaveErr = err
		r.mustAdvance(o, StatePersistFailed)
		log.Error("persisting artifacts failed", zap.Error(err))
		return
	}
	r.mustAdvance(o, StatePersisted)
	log.Info("persisted",
		zap.String("exported", o.Paths.Exported),
		zap.String("queried", o.Paths.Queried),
		zap.Int("records", o.Queried),
	)
}

// normalize builds both views. With obfuscation on, the payload's correlation
// id attribute is masked before projection and volatile keys are replaced
// in both views.
func (r *Runner) normalize(tc signal.TestCase, records []query.Record) (artifact.Artifact, error) {
	payload := tc.Payload
	if r.Config.Obfuscate {
		payload = signal.ObfuscateAttributes(payload, normalize.NewKeys(signal.IDKey))
	}
	exported, err := signal.ExportedView(payload)
	if err != nil {
		return artifact.Artifact{}, err
	}

	var queried any
	if r.Config.Obfuscate {
		exported = normalize.Obfuscate(exported, normalize.ProtoKeys)
		queried = normalize.ObfuscateAll(records, normalize.QueryKeys)
	} else {
		list := make([]any, len(records))
		for i, rec := range records {
			list[i] = rec
		}
		queried = list
	}
	return artifact.Artifact{Kind: tc.Kind, Name: tc.Name, Exported: exported, Queried: queried}, nil
}

func (r *Runner) abandon(o *Outcome, log *zap.Logger) {
	r.mustAdvance(o, StateAbandoned)
	log.Warn("test case abandoned", zap.String("state", o.States[len(o.States)-2].String()))
}

func (r *Runner) finish(t *task, report *Report) {
	o := t.outcome
	o.Elapsed = time.Since(t.start)
	if o.Failed() {
		t.span.SetStatus(codes.Error, o.State().String())
	}
	t.span.SetAttributes(attribute.String("state", o.State().String()), attribute.Int("queried", o.Queried))
	t.span.End()
	report.add(o)
	for _, obs := range r.Observers {
		obs.Observe(o)
	}
}

// mustAdvance panics on an invalid transition, which is a bug in the runner.
func (r *Runner) mustAdvance(o *Outcome, to State) {
	if err := o.advance(to); err != nil {
		panic(err)
	}
}

func (r *Runner) caseLogger(tc signal.TestCase) *zap.Logger {
	return r.Logger.With(
		zap.String("signal", string(tc.Kind)),
		zap.String("test_case", tc.Name),
		zap.String(signal.IDKey, tc.ID),
	)
}

// sleepUntil blocks until deadline or until ctx is done.
func sleepUntil(ctx context.Context, deadline time.Time) error {
	d := time.Until(deadline)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NewExporter builds the exporter for cfg.Protocol. The returned close
// function releases the underlying connection.
func NewExporter(cfg Config, logger *zap.Logger) (Exporter, func() error, error) {
	policy := transport.DefaultRetryPolicy()
	switch cfg.Protocol {
	case "grpc":
		conn, err := transport.Dial(cfg.ExportEndpoint, cfg.LicenseKey, policy)
		if err != nil {
			return nil, nil, err
		}
		return transport.NewGRPCExporter(conn), conn.Close, nil
	case "http/protobuf":
		e, err := transport.NewHTTPExporter(cfg.ExportEndpoint, cfg.LicenseKey, policy, logger)
		if err != nil {
			return nil, nil, err
		}
		return e, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported protocol %q", cfg.Protocol)
	}
}

// NewQuerier builds the NerdGraph client for cfg.
func NewQuerier(cfg Config) (*query.Client, error) {
	return query.New(query.Config{
		Endpoint:  cfg.QueryEndpoint,
		APIKey:    cfg.UserAPIKey,
		AccountID: cfg.AccountID,
		IDKey:     signal.IDKey,
		Timeout:   cfg.QueryTimeout,
	})
}
