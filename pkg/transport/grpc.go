// gRPC export client dispatching payloads to the per-signal collector stubs
package transport

import (
	"context"
	"fmt"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricpb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
)

// PartialSuccessError reports records the backend accepted the request for
// but rejected individually.
type PartialSuccessError struct {
	Signal   string
	Rejected int64
	Message  string
}

func (e *PartialSuccessError) Error() string {
	msg := fmt.Sprintf("backend rejected %d %s", e.Rejected, e.Signal)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func partialSuccess(signal string, rejected int64, message string) error {
	if rejected == 0 {
		return nil
	}
	return &PartialSuccessError{Signal: signal, Rejected: rejected, Message: message}
}

// GRPCExporter sends export requests over one shared channel. It holds no
// per-call state and is safe for concurrent use.
type GRPCExporter struct {
	traces  coltracepb.TraceServiceClient
	metrics colmetricpb.MetricsServiceClient
	logs    collogspb.LogsServiceClient
}

// NewGRPCExporter builds the three collector stubs on conn.
func NewGRPCExporter(conn grpc.ClientConnInterface) *GRPCExporter {
	return &GRPCExporter{
		traces:  coltracepb.NewTraceServiceClient(conn),
		metrics: colmetricpb.NewMetricsServiceClient(conn),
		logs:    collogspb.NewLogsServiceClient(conn),
	}
}

// Export sends payload, which must be one of the collector export requests.
// Retries happen inside the channel; the returned error is final.
func (e *GRPCExporter) Export(ctx context.Context, payload proto.Message) error {
	switch req := payload.(type) {
	case *coltracepb.ExportTraceServiceRequest:
		resp, err := e.traces.Export(ctx, req)
		if err != nil {
			return fmt.Errorf("exporting traces: %w", err)
		}
		ps := resp.GetPartialSuccess()
		return partialSuccess("spans", ps.GetRejectedSpans(), ps.GetErrorMessage())
	case *colmetricpb.ExportMetricsServiceRequest:
		resp, err := e.metrics.Export(ctx, req)
		if err != nil {
			return fmt.Errorf("exporting metrics: %w", err)
		}
		ps := resp.GetPartialSuccess()
		return partialSuccess("data points", ps.GetRejectedDataPoints(), ps.GetErrorMessage())
	case *collogspb.ExportLogsServiceRequest:
		resp, err := e.logs.Export(ctx, req)
		if err != nil {
			return fmt.Errorf("exporting logs: %w", err)
		}
		ps := resp.GetPartialSuccess()
		return partialSuccess("log records", ps.GetRejectedLogRecords(), ps.GetErrorMessage())
	default:
		return fmt.Errorf("unsupported payload type %T", payload)
	}
}
