// Generic JSON projection of OTLP payloads for artifact comparison
package signal

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/andrewh/otlpconform/pkg/normalize"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// ExportedView renders m as protobuf JSON and decodes it into a generic
// document. protojson quotes 64-bit integers; those fields are turned back
// into JSON numbers so timestamps compare and obfuscate as numbers.
func ExportedView(m proto.Message) (any, error) {
	data, err := protojson.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload to JSON: %w", err)
	}
	doc, err := normalize.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	unquote64(doc, m.ProtoReflect().Descriptor())
	return doc, nil
}

func unquote64(doc any, md protoreflect.MessageDescriptor) {
	obj, ok := doc.(map[string]any)
	if !ok {
		return
	}
	fields := md.Fields()
	for key, val := range obj {
		fd := fields.ByJSONName(key)
		if fd == nil || fd.IsMap() {
			continue
		}
		switch {
		case fd.Message() != nil && fd.IsList():
			list, _ := val.([]any)
			for _, e := range list {
				unquote64(e, fd.Message())
			}
		case fd.Message() != nil:
			unquote64(val, fd.Message())
		case is64(fd.Kind()) && fd.IsList():
			list, _ := val.([]any)
			for i, e := range list {
				if s, ok := e.(string); ok {
					list[i] = json.Number(s)
				}
			}
		case is64(fd.Kind()):
			if s, ok := val.(string); ok {
				obj[key] = json.Number(s)
			}
		}
	}
}

func is64(k protoreflect.Kind) bool {
	switch k {
	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind,
		protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		return true
	default:
		return false
	}
}
