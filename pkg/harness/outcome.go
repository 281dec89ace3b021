// Per-test-case lifecycle tracking and the aggregated run report
package harness

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/andrewh/otlpconform/pkg/artifact"
	"github.com/andrewh/otlpconform/pkg/signal"
)

// State is a point in a test case's lifecycle.
type State int

const (
	StateGenerated State = iota
	StateExported
	StateExportFailed
	StateWaitingForIngest
	StateQueried
	StateQueryFailed
	StateNormalized
	StatePersisted
	StatePersistFailed
	StateAbandoned
)

var stateNames = [...]string{
	StateGenerated:        "generated",
	StateExported:         "exported",
	StateExportFailed:     "export-failed",
	StateWaitingForIngest: "waiting-for-ingest",
	StateQueried:          "queried",
	StateQueryFailed:      "query-failed",
	StateNormalized:       "normalized",
	StatePersisted:        "persisted",
	StatePersistFailed:    "persist-failed",
	StateAbandoned:        "abandoned",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StatePersisted || s == StatePersistFailed || s == StateAbandoned
}

// A failed export or query still continues towards persistence so every
// test case yields an artifact pair. Cancellation abandons any non-terminal state.
var transitions = map[State][]State{
	StateGenerated:        {StateExported, StateExportFailed},
	StateExported:         {StateWaitingForIngest},
	StateExportFailed:     {StateWaitingForIngest},
	StateWaitingForIngest: {StateQueried, StateQueryFailed},
	StateQueried:          {StateNormalized},
	StateQueryFailed:      {StateNormalized},
	StateNormalized:       {StatePersisted, StatePersistFailed},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to State) bool {
	if to == StateAbandoned {
		return !from.Terminal()
	}
	return slices.Contains(transitions[from], to)
}

// Outcome records what happened to one test case.
type Outcome struct {
	Kind      signal.Kind
	Name      string
	ID        string
	States    []State
	Records   int
	Queried   int
	ExportErr error
	QueryErr  error
	SaveErr   error
	Paths     artifact.Paths
	Elapsed   time.Duration
}

// State is the latest state reached.
func (o *Outcome) State() State {
	if len(o.States) == 0 {
		return StateGenerated
	}
	return o.States[len(o.States)-1]
}

// Failed reports whether any step of the case failed or it was abandoned.
func (o *Outcome) Failed() bool {
	return o.ExportErr != nil || o.QueryErr != nil || o.SaveErr != nil || o.State() == StateAbandoned
}

func (o *Outcome) advance(to State) error {
	from := o.State()
	if !CanTransition(from, to) {
		return fmt.Errorf("%s %q: invalid transition %s -> %s", o.Kind, o.Name, from, to)
	}
	o.States = append(o.States, to)
	return nil
}

// Report collects outcomes from concurrently running test cases.
type Report struct {
	mu       sync.Mutex
	outcomes []*Outcome
	Started  time.Time
	Finished time.Time
}

func (r *Report) add(o *Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

// Outcomes returns the outcomes ordered by kind, then name.
func (r *Report) Outcomes() []*Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := slices.Clone(r.outcomes)
	order := make(map[signal.Kind]int, len(signal.Kinds))
	for i, k := range signal.Kinds {
		order[k] = i
	}
	slices.SortStableFunc(out, func(a, b *Outcome) int {
		if a.Kind != b.Kind {
			return order[a.Kind] - order[b.Kind]
		}
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

// Failures counts failed outcomes.
func (r *Report) Failures() int {
	n := 0
	for _, o := range r.Outcomes() {
		if o.Failed() {
			n++
		}
	}
	return n
}
