// OTLP/HTTP protobuf export client with bounded retries on transient statuses
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricpb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

const maxResponseBody = 4 << 20

// StatusError is a non-2xx response from an OTLP/HTTP endpoint after retries.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("OTLP endpoint returned %d %s: %s", e.Code, http.StatusText(e.Code), e.Body)
}

// HTTPExporter posts gzip-compressed protobuf payloads to /v1/{traces,metrics,logs}.
// Safe for concurrent use.
type HTTPExporter struct {
	client  *retryablehttp.Client
	baseURL string
	apiKey  string
}

// NewHTTPExporter builds an exporter whose retry bounds mirror policy:
// MaxAttempts-1 retries with exponential backoff between InitialBackoff and MaxBackoff.
func NewHTTPExporter(endpoint, apiKey string, policy RetryPolicy, logger *zap.Logger) (*HTTPExporter, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("OTLP/HTTP endpoint %q must start with http:// or https://", endpoint)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := &retryablehttp.Client{
		HTTPClient:   cleanhttp.DefaultPooledClient(),
		Logger:       LeveledLogger(logger),
		RetryWaitMin: policy.InitialBackoff,
		RetryWaitMax: policy.MaxBackoff,
		RetryMax:     policy.MaxAttempts - 1,
		CheckRetry:   checkRetry,
		Backoff:      retryablehttp.DefaultBackoff,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}
	return &HTTPExporter{
		client:  client,
		baseURL: strings.TrimRight(endpoint, "/"),
		apiKey:  apiKey,
	}, nil
}

// checkRetry retries connection errors and the statuses OTLP/HTTP marks as transient.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

// Export sends payload to the path matching its signal.
func (e *HTTPExporter) Export(ctx context.Context, payload proto.Message) error {
	var (
		path string
		resp proto.Message
	)
	switch payload.(type) {
	case *coltracepb.ExportTraceServiceRequest:
		path, resp = "/v1/traces", &coltracepb.ExportTraceServiceResponse{}
	case *colmetricpb.ExportMetricsServiceRequest:
		path, resp = "/v1/metrics", &colmetricpb.ExportMetricsServiceResponse{}
	case *collogspb.ExportLogsServiceRequest:
		path, resp = "/v1/logs", &collogspb.ExportLogsServiceResponse{}
	default:
		return fmt.Errorf("unsupported payload type %T", payload)
	}

	body, err := compress(payload)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building export request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "gzip")
	if e.apiKey != "" {
		req.Header.Set(APIKeyHeader, e.apiKey)
	}

	httpResp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("exporting to %s: %w", path, err)
	}
	defer httpResp.Body.Close() //nolint:errcheck // response fully read below

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("reading export response: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return &StatusError{Code: httpResp.StatusCode, Body: string(data)}
	}
	if len(data) == 0 {
		return nil
	}
	if err := proto.Unmarshal(data, resp); err != nil {
		return fmt.Errorf("decoding export response: %w", err)
	}

	switch r := resp.(type) {
	case *coltracepb.ExportTraceServiceResponse:
		return partialSuccess("spans", r.GetPartialSuccess().GetRejectedSpans(), r.GetPartialSuccess().GetErrorMessage())
	case *colmetricpb.ExportMetricsServiceResponse:
		return partialSuccess("data points", r.GetPartialSuccess().GetRejectedDataPoints(), r.GetPartialSuccess().GetErrorMessage())
	case *collogspb.ExportLogsServiceResponse:
		return partialSuccess("log records", r.GetPartialSuccess().GetRejectedLogRecords(), r.GetPartialSuccess().GetErrorMessage())
	}
	return nil
}

func compress(payload proto.Message) ([]byte, error) {
	raw, err := proto.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compressing payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing payload: %w", err)
	}
	return buf.Bytes(), nil
}

// LeveledLogger adapts zap to retryablehttp's leveled logging interface.
func LeveledLogger(l *zap.Logger) retryablehttp.LeveledLogger {
	return zapLeveled{l.Sugar()}
}

type zapLeveled struct {
	s *zap.SugaredLogger
}

func (z zapLeveled) Error(msg string, kv ...any) { z.s.Errorw(msg, kv...) }
func (z zapLeveled) Info(msg string, kv ...any)  { z.s.Infow(msg, kv...) }
func (z zapLeveled) Debug(msg string, kv ...any) { z.s.Debugw(msg, kv...) }
func (z zapLeveled) Warn(msg string, kv ...any)  { z.s.Warnw(msg, kv...) }
