// Self-telemetry providers for the harness's own traces, metrics and logs
// Destinations are stdout or an OTLP collector; the default is none
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andrewh/otlpconform/pkg/harness"
	"github.com/andrewh/otlpconform/pkg/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

const shutdownTimeout = 5 * time.Second

type telemetryOptions struct {
	mode     string
	endpoint string
	protocol string
}

type telemetry struct {
	tracer    trace.Tracer
	observers []harness.Observer
	shutdown  func()
}

type exporters struct {
	spans   sdktrace.SpanExporter
	metrics sdkmetric.Exporter
	logs    sdklog.Exporter
	close   func() error
}

func setupTelemetry(ctx context.Context, opts telemetryOptions, w io.Writer) (*telemetry, error) {
	if opts.mode == "" || opts.mode == "none" {
		return &telemetry{shutdown: func() {}}, nil
	}

	exp, err := createExporters(ctx, opts, w)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", "otlpconform"),
		attribute.String("otlpconform.version", version),
	))
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	var (
		sp sdktrace.SpanProcessor
		lp sdklog.Processor
	)
	if opts.mode == "stdout" {
		sp = sdktrace.NewSimpleSpanProcessor(exp.spans)
		lp = sdklog.NewSimpleProcessor(exp.logs)
	} else {
		sp = sdktrace.NewBatchSpanProcessor(exp.spans)
		lp = sdklog.NewBatchProcessor(exp.logs)
	}

	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sp), sdktrace.WithResource(res))
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp.metrics)),
		sdkmetric.WithResource(res),
	)
	loggerProvider := sdklog.NewLoggerProvider(sdklog.WithProcessor(lp), sdklog.WithResource(res))

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownAll(shutdownCtx, []shutdownable{tracerProvider, meterProvider, loggerProvider}, "telemetry provider")
		if err := exp.close(); err != nil {
			fmt.Fprintf(os.Stderr, "error closing telemetry connection: %v\n", err)
		}
	}

	metricObs, err := harness.NewMetricObserver(meterProvider)
	if err != nil {
		shutdown()
		return nil, fmt.Errorf("creating metric observer: %w", err)
	}

	return &telemetry{
		tracer:    tracerProvider.Tracer("otlpconform"),
		observers: []harness.Observer{metricObs, harness.NewLogObserver(loggerProvider)},
		shutdown:  shutdown,
	}, nil
}

func createExporters(ctx context.Context, opts telemetryOptions, w io.Writer) (*exporters, error) {
	switch opts.mode {
	case "stdout":
		return stdoutExporters(w)
	case "otlp":
		switch opts.protocol {
		case "grpc":
			return grpcExporters(ctx, opts.endpoint)
		case "http/protobuf", "":
			return httpExporters(ctx, opts.endpoint)
		default:
			return nil, fmt.Errorf("unsupported --telemetry-protocol %q, supported: http/protobuf, grpc", opts.protocol)
		}
	default:
		return nil, fmt.Errorf("unsupported --telemetry %q, supported: none, stdout, otlp", opts.mode)
	}
}

func stdoutExporters(w io.Writer) (*exporters, error) {
	spans, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}
	metrics, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, err
	}
	logs, err := stdoutlog.New(stdoutlog.WithWriter(w))
	if err != nil {
		return nil, err
	}
	return &exporters{spans: spans, metrics: metrics, logs: logs, close: func() error { return nil }}, nil
}

// grpcExporters share one channel carrying the same retry policy as test exports.
func grpcExporters(ctx context.Context, endpoint string) (*exporters, error) {
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	conn, err := transport.Dial(endpoint, "", transport.DefaultRetryPolicy())
	if err != nil {
		return nil, err
	}
	exp, err := sdkExporters(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return exp, nil
}

func sdkExporters(ctx context.Context, conn *grpc.ClientConn) (*exporters, error) {
	spans, err := transport.TraceExporter(ctx, conn)
	if err != nil {
		return nil, err
	}
	metrics, err := transport.MetricExporter(ctx, conn)
	if err != nil {
		return nil, err
	}
	logs, err := transport.LogExporter(ctx, conn)
	if err != nil {
		return nil, err
	}
	return &exporters{spans: spans, metrics: metrics, logs: logs, close: conn.Close}, nil
}

func httpExporters(ctx context.Context, endpoint string) (*exporters, error) {
	var (
		traceOpts  []otlptracehttp.Option
		metricOpts []otlpmetrichttp.Option
		logOpts    []otlploghttp.Option
	)
	if endpoint != "" {
		traceOpts = append(traceOpts, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
		metricOpts = append(metricOpts, otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithInsecure())
		logOpts = append(logOpts, otlploghttp.WithEndpoint(endpoint), otlploghttp.WithInsecure())
	}
	spans, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	metrics, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}
	logs, err := otlploghttp.New(ctx, logOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating log exporter: %w", err)
	}
	return &exporters{spans: spans, metrics: metrics, logs: logs, close: func() error { return nil }}, nil
}

// shutdownable is anything with a Shutdown method (TracerProvider, MeterProvider, LoggerProvider).
type shutdownable interface {
	Shutdown(context.Context) error
}

// shutdownAll shuts down all items concurrently within the given context.
// Errors are logged to stderr individually; a slow item does not block others.
func shutdownAll[S shutdownable](ctx context.Context, items []S, label string) {
	var wg sync.WaitGroup
	for _, item := range items {
		wg.Go(func() {
			if err := item.Shutdown(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "error shutting down %s: %v\n", label, err)
			}
		})
	}
	wg.Wait()
}
