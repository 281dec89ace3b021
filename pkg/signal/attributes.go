// Uniform attribute-list access over any OTLP payload via protobuf reflection
// Used for correlation id masking and attribute lookups independent of schema revision
package signal

import (
	"github.com/andrewh/otlpconform/pkg/normalize"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

var keyValueName = (&commonpb.KeyValue{}).ProtoReflect().Descriptor().FullName()

// EachAttribute calls fn for every attribute reachable from m: resource,
// scope, record, event, link and data point attributes alike. Values nested
// inside an attribute (kvlist members) are not visited separately.
func EachAttribute(m proto.Message, fn func(kv *commonpb.KeyValue)) {
	walkAttributes(m.ProtoReflect(), fn)
}

func walkAttributes(m protoreflect.Message, fn func(kv *commonpb.KeyValue)) {
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		if fd.Message() == nil || fd.IsMap() {
			return true
		}
		if fd.IsList() {
			list := v.List()
			for i := range list.Len() {
				visit(list.Get(i).Message(), fn)
			}
			return true
		}
		visit(v.Message(), fn)
		return true
	})
}

func visit(m protoreflect.Message, fn func(kv *commonpb.KeyValue)) {
	if m.Descriptor().FullName() == keyValueName {
		if kv, ok := m.Interface().(*commonpb.KeyValue); ok {
			fn(kv)
		}
		return
	}
	walkAttributes(m, fn)
}

// Attribute returns the values stored under key anywhere in m, in traversal order.
func Attribute(m proto.Message, key string) []*commonpb.AnyValue {
	var out []*commonpb.AnyValue
	EachAttribute(m, func(kv *commonpb.KeyValue) {
		if kv.GetKey() == key {
			out = append(out, kv.GetValue())
		}
	})
	return out
}

// ObfuscateAttributes returns a copy of m in which every attribute whose key
// is in keys holds a sentinel of the same value type. m is not modified.
func ObfuscateAttributes(m proto.Message, keys normalize.Keys) proto.Message {
	out := proto.Clone(m)
	EachAttribute(out, func(kv *commonpb.KeyValue) {
		if keys.Has(kv.GetKey()) {
			kv.Value = sentinelValue(kv.GetValue())
		}
	})
	return out
}

func sentinelValue(v *commonpb.AnyValue) *commonpb.AnyValue {
	switch v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return stringValue(normalize.Sentinel)
	case *commonpb.AnyValue_BoolValue:
		return boolValue(false)
	case *commonpb.AnyValue_IntValue:
		return intValue(0)
	case *commonpb.AnyValue_DoubleValue:
		return doubleValue(0)
	case *commonpb.AnyValue_ArrayValue:
		return arrayValue()
	case *commonpb.AnyValue_KvlistValue:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_KvlistValue{KvlistValue: &commonpb.KeyValueList{}}}
	case *commonpb.AnyValue_BytesValue:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BytesValue{BytesValue: []byte{}}}
	default:
		return v
	}
}
