// Shared gRPC channel for OTLP export with retry, compression and credentials
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/metadata"
)

// APIKeyHeader carries the ingest credential on every export call.
const APIKeyHeader = "api-key"

const defaultGRPCPort = "4317"

// Target splits an endpoint such as "https://otlp.example.com:4317" into a
// gRPC dial target and whether TLS is required. Bare host:port endpoints are
// plaintext.
func Target(endpoint string) (string, bool, error) {
	if endpoint == "" {
		return "", false, fmt.Errorf("empty export endpoint")
	}
	useTLS := false
	host := endpoint
	if strings.Contains(endpoint, "://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return "", false, fmt.Errorf("parsing export endpoint %q: %w", endpoint, err)
		}
		switch u.Scheme {
		case "https":
			useTLS = true
		case "http":
		default:
			return "", false, fmt.Errorf("unsupported export endpoint scheme %q, supported: http, https", u.Scheme)
		}
		host = u.Host
	}
	if host == "" {
		return "", false, fmt.Errorf("export endpoint %q has no host", endpoint)
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, defaultGRPCPort)
	}
	return host, useTLS, nil
}

// Dial creates the channel shared by the trace, metrics and logs export stubs.
// The retry policy is installed as the default service config, payloads are
// gzip compressed, and apiKey (when set) is sent as the api-key header.
func Dial(endpoint, apiKey string, policy RetryPolicy, extra ...grpc.DialOption) (*grpc.ClientConn, error) {
	target, useTLS, err := Target(endpoint)
	if err != nil {
		return nil, err
	}
	sc, err := policy.ServiceConfig()
	if err != nil {
		return nil, err
	}

	creds := insecure.NewCredentials()
	if useTLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultServiceConfig(sc),
		grpc.WithDefaultCallOptions(grpc.UseCompressor(gzip.Name)),
	}
	if apiKey != "" {
		opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(apiKey)))
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gRPC client for %s: %w", target, err)
	}
	return conn, nil
}

func apiKeyInterceptor(apiKey string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, APIKeyHeader, apiKey)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
