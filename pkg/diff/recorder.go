// Package diff maintains the ordered record of mediated operations produced
// by one execution. Every mediated call that passes policy and budget checks
// appends exactly one entry: either executed or blocked, never both.
package diff

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/castellan-io/castellan/pkg/catalog"
)

// Entry is one mediated operation in call order.
type Entry struct {
	Action  catalog.Classification `json:"action"`
	Method  string                 `json:"method"`
	Args    []any                  `json:"args"`
	Result  any                    `json:"result,omitempty"`
	Blocked bool                   `json:"blocked,omitempty"`
}

// Metrics summarises one execution: executed counts by classification plus
// wall-clock duration. Blocked entries are excluded from the counters.
type Metrics struct {
	Reads      int   `json:"reads"`
	Writes     int   `json:"writes"`
	Commands   int   `json:"commands"`
	DurationMs int64 `json:"durationMs"`
}

// Recorder appends entries in strict call order.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRecorder creates an empty recorder. One recorder serves exactly one
// execution.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record appends an executed entry. Arguments are stored by value; results
// are stored verbatim.
func (r *Recorder) Record(action catalog.Classification, method string, args []any, result any) {
	r.append(Entry{Action: action, Method: method, Args: deepCopyArgs(args), Result: result})
}

// RecordBlocked appends a blocked entry for an operation that was withheld
// by plan-mode gating or missing approval.
func (r *Recorder) RecordBlocked(action catalog.Classification, method string, args []any) {
	r.append(Entry{Action: action, Method: method, Args: deepCopyArgs(args), Blocked: true})
}

func (r *Recorder) append(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

// Entries returns the sequence in call order.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Blocked returns only the blocked entries with the given classification,
// in call order.
func (r *Recorder) Blocked(action catalog.Classification) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		if e.Blocked && e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// Metrics computes executed counts by classification plus the duration.
func (r *Recorder) Metrics(duration time.Duration) Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := Metrics{DurationMs: duration.Milliseconds()}
	for _, e := range r.entries {
		if e.Blocked {
			continue
		}
		switch e.Action {
		case catalog.Read:
			m.Reads++
		case catalog.Write:
			m.Writes++
		case catalog.Command:
			m.Commands++
		}
	}
	return m
}

// deepCopyArgs snapshots the argument tuple through a JSON round trip so
// later mutation by the script cannot rewrite history. Values that do not
// survive JSON encoding are kept as-is.
func deepCopyArgs(args []any) []any {
	if args == nil {
		return []any{}
	}
	out := make([]any, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			out[i] = a
			continue
		}
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			out[i] = a
			continue
		}
		out[i] = v
	}
	return out
}
