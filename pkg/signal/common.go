// Shared payload building blocks: resource, scope, coverage attributes and ids
package signal

import (
	"crypto/rand"
	"time"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
)

const (
	serviceName  = "native-otlp-test"
	scopeName    = "my-instrumentation-library"
	scopeVersion = "foo"
	schemaURL    = "schema url"

	// DuplicateKey is set on both resource and record in attribute precedence cases.
	DuplicateKey = "duplicate-key"
	// ResourceValue is the resource-level value of DuplicateKey.
	ResourceValue = "resource-value"
)

type clock func() time.Time

func (c clock) now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}

func unixNano(t time.Time) uint64 {
	return uint64(t.UnixNano()) //nolint:gosec // wall clock is after the epoch
}

func newResource(attrs ...*commonpb.KeyValue) *resourcepb.Resource {
	return &resourcepb.Resource{
		Attributes: append([]*commonpb.KeyValue{stringAttr("service.name", serviceName)}, attrs...),
	}
}

func newScope() *commonpb.InstrumentationScope {
	return &commonpb.InstrumentationScope{Name: scopeName, Version: scopeVersion}
}

func idAttribute(id string) *commonpb.KeyValue {
	return stringAttr(IDKey, id)
}

// allTheAttributes returns one attribute of every value type the wire
// format supports, each key prefixed with prefix.
func allTheAttributes(prefix string) []*commonpb.KeyValue {
	return []*commonpb.KeyValue{
		stringAttr(prefix+"skey", "value"),
		{Key: prefix + "ikey", Value: intValue(1)},
		{Key: prefix + "bkey", Value: boolValue(true)},
		{Key: prefix + "dkey", Value: doubleValue(1.0)},
		{Key: prefix + "sarrkey", Value: arrayValue(stringValue("value1"), stringValue("value2"))},
		{Key: prefix + "iarrkey", Value: arrayValue(intValue(1), intValue(2))},
		{Key: prefix + "barrkey", Value: arrayValue(boolValue(true), boolValue(false))},
		{Key: prefix + "darrkey", Value: arrayValue(doubleValue(1.0), doubleValue(2.0))},
	}
}

// withID prepends the correlation id attribute to attrs.
func withID(id string, attrs ...*commonpb.KeyValue) []*commonpb.KeyValue {
	return append([]*commonpb.KeyValue{idAttribute(id)}, attrs...)
}

func stringAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: key, Value: stringValue(value)}
}

func stringValue(s string) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: s}}
}

func intValue(i int64) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: i}}
}

func boolValue(b bool) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: b}}
}

func doubleValue(d float64) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: d}}
}

func arrayValue(values ...*commonpb.AnyValue) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_ArrayValue{ArrayValue: &commonpb.ArrayValue{Values: values}}}
}

func traceID() []byte { return randomID(16) }

func spanID() []byte { return randomID(8) }

// randomID returns n random bytes that are not all zero.
func randomID(n int) []byte {
	b := make([]byte, n)
	for {
		_, _ = rand.Read(b)
		for _, v := range b {
			if v != 0 {
				return b
			}
		}
	}
}
