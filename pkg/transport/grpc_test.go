// Retry conformance tests against an in-process collector
package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/andrewh/otlpconform/pkg/signal"
	"github.com/andrewh/otlpconform/pkg/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

func fastPolicy() RetryPolicy {
	p := DefaultRetryPolicy()
	p.InitialBackoff = 10 * time.Millisecond
	p.MaxBackoff = 50 * time.Millisecond
	return p
}

func newExporter(t *testing.T, c *transporttest.Collector, policy RetryPolicy) *GRPCExporter {
	t.Helper()
	conn, err := Dial(c.Addr, "test-key", policy)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewGRPCExporter(conn)
}

func payloadFor(t *testing.T, k signal.Kind) proto.Message {
	t.Helper()
	g, err := signal.GeneratorFor(k)
	require.NoError(t, err)
	p, err := g.Generate(g.Names()[0], "id1")
	require.NoError(t, err)
	return p
}

func exportCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Every status code is scripted once followed by OK: retryable codes take two
// attempts and succeed, the rest take one and fail unless the code is OK.
func TestExportRetryGrid(t *testing.T) {
	t.Parallel()

	policy := DefaultRetryPolicy()
	for code := codes.OK; code <= codes.Unauthenticated; code++ {
		t.Run(code.String(), func(t *testing.T) {
			t.Parallel()
			c := transporttest.Start(t)
			c.Script(code, codes.OK)
			exp := newExporter(t, c, policy)

			err := exp.Export(exportCtx(t), payloadFor(t, signal.Traces))

			wantAttempts := 1
			if policy.Retryable(code) {
				wantAttempts = 2
			}
			assert.Equal(t, wantAttempts, c.Attempts())
			if policy.Retryable(code) || code == codes.OK {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, code, status.Code(err))
			}
		})
	}
}

func TestExportUnavailableThenOK(t *testing.T) {
	t.Parallel()

	for _, k := range signal.Kinds {
		t.Run(string(k), func(t *testing.T) {
			t.Parallel()
			c := transporttest.Start(t)
			c.Script(codes.Unavailable, codes.OK)
			exp := newExporter(t, c, DefaultRetryPolicy())

			require.NoError(t, exp.Export(exportCtx(t), payloadFor(t, k)))
			assert.Equal(t, 2, c.Attempts())
			require.Len(t, c.Received(), 1)
		})
	}
}

func TestExportPermissionDeniedNotRetried(t *testing.T) {
	t.Parallel()

	c := transporttest.Start(t)
	c.Script(codes.PermissionDenied)
	exp := newExporter(t, c, DefaultRetryPolicy())

	err := exp.Export(exportCtx(t), payloadFor(t, signal.Metrics))
	require.Error(t, err)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
	assert.Contains(t, err.Error(), "exporting metrics")
	assert.Equal(t, 1, c.Attempts())
	assert.Empty(t, c.Received())
}

func TestExportGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	c := transporttest.Start(t)
	c.Script(codes.Unavailable, codes.Unavailable, codes.Unavailable, codes.Unavailable, codes.Unavailable, codes.Unavailable)
	exp := newExporter(t, c, fastPolicy())

	err := exp.Export(exportCtx(t), payloadFor(t, signal.Logs))
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Equal(t, 5, c.Attempts())
}

func TestExportSendsAPIKey(t *testing.T) {
	t.Parallel()

	c := transporttest.Start(t)
	exp := newExporter(t, c, DefaultRetryPolicy())

	require.NoError(t, exp.Export(exportCtx(t), payloadFor(t, signal.Traces)))
	assert.Equal(t, []string{"test-key"}, c.APIKeys())

	got, ok := c.Received()[0].(*coltracepb.ExportTraceServiceRequest)
	require.True(t, ok)
	assert.Equal(t, "my-span", got.GetResourceSpans()[0].GetScopeSpans()[0].GetSpans()[0].GetName())
}

func TestExportUnsupportedPayload(t *testing.T) {
	t.Parallel()

	c := transporttest.Start(t)
	exp := newExporter(t, c, DefaultRetryPolicy())

	err := exp.Export(exportCtx(t), &coltracepb.ExportTraceServiceResponse{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported payload type")
	assert.Zero(t, c.Attempts())
}

func TestPartialSuccess(t *testing.T) {
	t.Parallel()

	require.NoError(t, partialSuccess("spans", 0, ""))

	err := partialSuccess("spans", 2, "attribute too long")
	var ps *PartialSuccessError
	require.True(t, errors.As(err, &ps))
	assert.Equal(t, int64(2), ps.Rejected)
	assert.Equal(t, "backend rejected 2 spans: attribute too long", err.Error())
}

func TestTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		endpoint string
		target   string
		tls      bool
		errMsg   string
	}{
		{"https://staging-otlp.nr-data.net:4317", "staging-otlp.nr-data.net:4317", true, ""},
		{"https://otlp.example.com", "otlp.example.com:4317", true, ""},
		{"http://localhost:4317", "localhost:4317", false, ""},
		{"127.0.0.1:9000", "127.0.0.1:9000", false, ""},
		{"collector", "collector:4317", false, ""},
		{"ftp://x:1", "", false, "unsupported export endpoint scheme"},
		{"", "", false, "empty export endpoint"},
	}
	for _, tt := range tests {
		target, useTLS, err := Target(tt.endpoint)
		if tt.errMsg != "" {
			require.Error(t, err, tt.endpoint)
			assert.Contains(t, err.Error(), tt.errMsg)
			continue
		}
		require.NoError(t, err, tt.endpoint)
		assert.Equal(t, tt.target, target)
		assert.Equal(t, tt.tls, useTLS, tt.endpoint)
	}
}
