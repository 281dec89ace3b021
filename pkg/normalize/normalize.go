// Schema-agnostic JSON obfuscation for diff-stable comparison of telemetry views
// Values under volatile keys are replaced with sentinels of the same JSON type
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
)

// Sentinel replaces string values under an obfuscated key.
const Sentinel = "OBFUSCATED"

// Keys is a set of object keys whose values are obfuscated.
type Keys map[string]struct{}

// NewKeys builds a key set from names.
func NewKeys(names ...string) Keys {
	k := make(Keys, len(names))
	for _, n := range names {
		k[n] = struct{}{}
	}
	return k
}

// Has reports whether name is in the set.
func (k Keys) Has(name string) bool {
	_, ok := k[name]
	return ok
}

// ProtoKeys covers the volatile fields of the protojson view of an export request.
var ProtoKeys = NewKeys(
	"startTimeUnixNano",
	"timeUnixNano",
	"timestamp",
	"traceId",
	"parentSpanId",
	"spanId",
	"endTimeUnixNano",
)

// QueryKeys covers the store-assigned and volatile fields of NRQL result records.
var QueryKeys = NewKeys(
	"entity.guid",
	"entityGuid",
	"message_id",
	"timestamp",
	"guid",
	"parent.id",
	"parentId",
	"id",
	"trace.id",
	"traceId",
	"span.id",
	"messageId",
	"entity.guids",
	"endTimestamp",
	"newrelic.logPattern",
)

// Obfuscate walks doc depth-first and returns a copy in which every value
// stored under a key in keys is replaced by a sentinel of the same type.
// The input is not modified.
func Obfuscate(doc any, keys Keys) any {
	switch v := doc.(type) {
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = Obfuscate(e, keys)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			if keys.Has(k) {
				out[k] = sentinel(e)
				continue
			}
			out[k] = Obfuscate(e, keys)
		}
		return out
	default:
		return doc
	}
}

// ObfuscateAll obfuscates each record of a query result.
func ObfuscateAll(records []map[string]any, keys Keys) []any {
	out := make([]any, len(records))
	for i, r := range records {
		out[i] = Obfuscate(map[string]any(r), keys)
	}
	return out
}

func sentinel(v any) any {
	switch v.(type) {
	case nil:
		return nil
	case string:
		return Sentinel
	case json.Number:
		return json.Number("0")
	case []any:
		return []any{}
	case map[string]any:
		return map[string]any{}
	default:
		// bool and the numeric kinds have a zero value of the right type
		return reflect.Zero(reflect.TypeOf(v)).Interface()
	}
}

// Decode reads one JSON document keeping numbers as json.Number so that
// integer precision survives a round trip.
func Decode(r io.Reader) (any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding JSON document: %w", err)
	}
	return doc, nil
}

// Marshal renders doc as two-space indented JSON with a trailing newline.
func Marshal(doc any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encoding JSON document: %w", err)
	}
	return buf.Bytes(), nil
}

// ObfuscateJSON decodes data, obfuscates it and re-encodes it indented.
func ObfuscateJSON(data []byte, keys Keys) ([]byte, error) {
	doc, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return Marshal(Obfuscate(doc, keys))
}
