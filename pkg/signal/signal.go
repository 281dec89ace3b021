// Test case catalog for OTLP conformance runs across traces, metrics and logs
// Each test case pairs a named canonical payload with a fresh correlation id
package signal

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
)

// IDKey is the reserved attribute key carrying the correlation id on every record.
const IDKey = "message_id"

// Kind identifies a signal kind.
type Kind string

const (
	Traces  Kind = "traces"
	Metrics Kind = "metrics"
	Logs    Kind = "logs"
)

// Kinds lists every signal kind in run order.
var Kinds = []Kind{Traces, Metrics, Logs}

// DataType returns the backend event type that records of this kind are stored as.
func (k Kind) DataType() string {
	switch k {
	case Traces:
		return "Span"
	case Metrics:
		return "Metric"
	case Logs:
		return "Log"
	default:
		return ""
	}
}

// ParseKinds parses a comma-separated list such as "traces,logs".
// Order follows Kinds regardless of input order; duplicates collapse.
func ParseKinds(s string) ([]Kind, error) {
	set := make(map[Kind]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k := Kind(part)
		if k.DataType() == "" {
			return nil, fmt.Errorf("unknown signal %q, valid signals: traces, metrics, logs", part)
		}
		set[k] = true
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("no signals selected, valid signals: traces, metrics, logs")
	}
	var kinds []Kind
	for _, k := range Kinds {
		if set[k] {
			kinds = append(kinds, k)
		}
	}
	return kinds, nil
}

// TestCase is one named payload tagged with its correlation id.
type TestCase struct {
	Name    string
	Kind    Kind
	ID      string
	Payload proto.Message
}

// Slug is the artifact file prefix: lowercase with spaces replaced by dashes.
func (tc TestCase) Slug() string {
	return Slug(tc.Name)
}

// Slug converts a test case name into its file prefix.
func Slug(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "-")
}

// Generator produces the fixed set of named payloads for one signal kind.
type Generator interface {
	Kind() Kind
	Names() []string
	Generate(name, id string) (proto.Message, error)
}

// GeneratorFor returns the generator for kind using the wall clock.
func GeneratorFor(k Kind) (Generator, error) {
	switch k {
	case Traces:
		return &TraceGenerator{}, nil
	case Metrics:
		return &MetricGenerator{}, nil
	case Logs:
		return &LogGenerator{}, nil
	default:
		return nil, fmt.Errorf("unknown signal %q", k)
	}
}

// NewID returns a random correlation id.
func NewID() string {
	return uuid.NewString()
}

// Cases builds every test case of g, drawing a correlation id from newID for each.
func Cases(g Generator, newID func() string) ([]TestCase, error) {
	names := g.Names()
	cases := make([]TestCase, 0, len(names))
	for _, name := range names {
		id := newID()
		payload, err := g.Generate(name, id)
		if err != nil {
			return nil, fmt.Errorf("generating %s %q: %w", g.Kind(), name, err)
		}
		cases = append(cases, TestCase{Name: name, Kind: g.Kind(), ID: id, Payload: payload})
	}
	return cases, nil
}

// catalog maps ordered test case names to payload builders.
type catalog[M proto.Message] struct {
	names    []string
	builders map[string]func(id string) M
}

func (c *catalog[M]) add(name string, build func(id string) M) {
	if c.builders == nil {
		c.builders = make(map[string]func(string) M)
	}
	c.names = append(c.names, name)
	c.builders[name] = build
}

func (c *catalog[M]) generate(kind Kind, name, id string) (proto.Message, error) {
	build, ok := c.builders[name]
	if !ok {
		return nil, fmt.Errorf("unknown %s test case %q", kind, name)
	}
	return build(id), nil
}
