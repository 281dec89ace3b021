// In-process OTLP gRPC collector with scripted status responses for tests
package transporttest

import (
	"context"
	"net"
	"sync"
	"testing"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricpb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	_ "google.golang.org/grpc/encoding/gzip" // accept gzip-compressed requests
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// Collector accepts trace, metrics and logs export calls on a loopback port.
// Each call consumes the next scripted status code; once the script is
// exhausted calls succeed.
type Collector struct {
	// Addr is the host:port the collector listens on.
	Addr string

	mu       sync.Mutex
	script   []codes.Code
	attempts int
	received []proto.Message
	apiKeys  []string
	reject   func(proto.Message) error
}

// Start runs a collector until the test ends.
func Start(t testing.TB) *Collector {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	c := &Collector{Addr: lis.Addr().String()}

	srv := grpc.NewServer()
	coltracepb.RegisterTraceServiceServer(srv, &traceServer{c: c})
	colmetricpb.RegisterMetricsServiceServer(srv, &metricsServer{c: c})
	collogspb.RegisterLogsServiceServer(srv, &logsServer{c: c})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return c
}

// Script queues status codes returned by the next calls, in order.
func (c *Collector) Script(seq ...codes.Code) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = append(c.script, seq...)
}

// RejectWhen fails any call for which fn returns a non-nil status error,
// after the script is exhausted.
func (c *Collector) RejectWhen(fn func(proto.Message) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reject = fn
}

// Attempts is the number of export calls received, including failed ones.
func (c *Collector) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Received returns the payloads of successful calls.
func (c *Collector) Received() []proto.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]proto.Message(nil), c.received...)
}

// APIKeys returns the api-key header of every call.
func (c *Collector) APIKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.apiKeys...)
}

func (c *Collector) handle(ctx context.Context, req proto.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.attempts++
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		c.apiKeys = append(c.apiKeys, md.Get("api-key")...)
	}

	code := codes.OK
	if len(c.script) > 0 {
		code = c.script[0]
		c.script = c.script[1:]
	}
	if code != codes.OK {
		return status.Error(code, "scripted failure")
	}
	if c.reject != nil {
		if err := c.reject(req); err != nil {
			return err
		}
	}
	c.received = append(c.received, proto.Clone(req))
	return nil
}

type traceServer struct {
	coltracepb.UnimplementedTraceServiceServer
	c *Collector
}

func (s *traceServer) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	if err := s.c.handle(ctx, req); err != nil {
		return nil, err
	}
	return &coltracepb.ExportTraceServiceResponse{}, nil
}

type metricsServer struct {
	colmetricpb.UnimplementedMetricsServiceServer
	c *Collector
}

func (s *metricsServer) Export(ctx context.Context, req *colmetricpb.ExportMetricsServiceRequest) (*colmetricpb.ExportMetricsServiceResponse, error) {
	if err := s.c.handle(ctx, req); err != nil {
		return nil, err
	}
	return &colmetricpb.ExportMetricsServiceResponse{}, nil
}

type logsServer struct {
	collogspb.UnimplementedLogsServiceServer
	c *Collector
}

func (s *logsServer) Export(ctx context.Context, req *collogspb.ExportLogsServiceRequest) (*collogspb.ExportLogsServiceResponse, error) {
	if err := s.c.handle(ctx, req); err != nil {
		return nil, err
	}
	return &collogspb.ExportLogsServiceResponse{}, nil
}
