// OTLP retry policy expressed as a gRPC service config document
// The policy is attached once to the channel shared by every export stub
package transport

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetricpb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc/codes"
)

// RetryPolicy bounds export retries. It is immutable once attached to a channel.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	RetryableCodes    []codes.Code
}

// DefaultRetryPolicy returns the OTLP exporter retry policy: five attempts,
// 0.5s initial backoff doubling up to 30s, retrying only the status codes the
// OTLP specification marks as transient.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       5,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2,
		RetryableCodes: []codes.Code{
			codes.Canceled,
			codes.DeadlineExceeded,
			codes.ResourceExhausted,
			codes.Aborted,
			codes.OutOfRange,
			codes.Unavailable,
			codes.DataLoss,
		},
	}
}

// ServiceNames are the collector services the policy applies to.
var ServiceNames = []string{
	coltracepb.TraceService_ServiceDesc.ServiceName,
	colmetricpb.MetricsService_ServiceDesc.ServiceName,
	collogspb.LogsService_ServiceDesc.ServiceName,
}

// Retryable reports whether c is in the policy's retryable set.
func (p RetryPolicy) Retryable(c codes.Code) bool {
	return slices.Contains(p.RetryableCodes, c)
}

// Validate checks the bounds gRPC enforces on a retry policy.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 2:
		return fmt.Errorf("retry policy: maxAttempts must be at least 2, got %d", p.MaxAttempts)
	case p.InitialBackoff <= 0:
		return fmt.Errorf("retry policy: initialBackoff must be positive, got %s", p.InitialBackoff)
	case p.MaxBackoff < p.InitialBackoff:
		return fmt.Errorf("retry policy: maxBackoff %s is below initialBackoff %s", p.MaxBackoff, p.InitialBackoff)
	case p.BackoffMultiplier <= 0:
		return fmt.Errorf("retry policy: backoffMultiplier must be positive, got %v", p.BackoffMultiplier)
	case len(p.RetryableCodes) == 0:
		return fmt.Errorf("retry policy: no retryable status codes")
	}
	return nil
}

type serviceConfig struct {
	MethodConfig []methodConfig `json:"methodConfig"`
}

type methodConfig struct {
	Name        []methodName    `json:"name"`
	RetryPolicy retryPolicyJSON `json:"retryPolicy"`
}

type methodName struct {
	Service string `json:"service"`
}

type retryPolicyJSON struct {
	MaxAttempts          int     `json:"maxAttempts"`
	InitialBackoff       string  `json:"initialBackoff"`
	MaxBackoff           string  `json:"maxBackoff"`
	BackoffMultiplier    float64 `json:"backoffMultiplier"`
	RetryableStatusCodes []int   `json:"retryableStatusCodes"`
}

// ServiceConfig renders the policy as a gRPC service config naming the
// trace, metrics and logs collector services. Status codes are numeric.
func (p RetryPolicy) ServiceConfig() (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	names := make([]methodName, len(ServiceNames))
	for i, s := range ServiceNames {
		names[i] = methodName{Service: s}
	}
	codeNums := make([]int, len(p.RetryableCodes))
	for i, c := range p.RetryableCodes {
		codeNums[i] = int(c)
	}
	slices.Sort(codeNums)

	cfg := serviceConfig{MethodConfig: []methodConfig{{
		Name: names,
		RetryPolicy: retryPolicyJSON{
			MaxAttempts:          p.MaxAttempts,
			InitialBackoff:       seconds(p.InitialBackoff),
			MaxBackoff:           seconds(p.MaxBackoff),
			BackoffMultiplier:    p.BackoffMultiplier,
			RetryableStatusCodes: codeNums,
		},
	}}}
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encoding service config: %w", err)
	}
	return string(b), nil
}

// seconds formats d in the protobuf JSON duration form, e.g. "0.5s".
func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64) + "s"
}
