// Package budget enforces per-execution caps on the number of mediated
// operations of each classification. Budgets are never shared between
// executions; the controller constructs a fresh Tracker per run and discards
// it with the result.
package budget

import (
	"fmt"
	"sync"

	"github.com/castellan-io/castellan/pkg/catalog"
)

// Caps holds the maximum number of calls allowed per classification.
type Caps struct {
	Reads    int
	Writes   int
	Commands int
}

// DefaultCaps returns the stock per-execution limits.
func DefaultCaps() Caps {
	return Caps{Reads: 500, Writes: 50, Commands: 20}
}

// Decision is the outcome of a budget check. Fail-closed: a denial carries a
// human-readable reason the script author can act on.
type Decision struct {
	Allowed bool
	Reason  string
}

// Counts is a snapshot of the consumed budget.
type Counts struct {
	Reads    int
	Writes   int
	Commands int
}

// Tracker counts calls per classification against fixed caps.
type Tracker struct {
	mu     sync.Mutex
	caps   Caps
	counts Counts
}

// NewTracker creates a tracker with the given caps. Non-positive fields fall
// back to the defaults.
func NewTracker(caps Caps) *Tracker {
	def := DefaultCaps()
	if caps.Reads <= 0 {
		caps.Reads = def.Reads
	}
	if caps.Writes <= 0 {
		caps.Writes = def.Writes
	}
	if caps.Commands <= 0 {
		caps.Commands = def.Commands
	}
	return &Tracker{caps: caps}
}

// TrackCall resolves the classification of a method via the catalog and
// charges the matching counter. The counter is incremented before the call
// executes; when the post-increment value would exceed the cap the decision
// is a denial and the counter stays frozen at the cap.
func (t *Tracker) TrackCall(method string) Decision {
	entry, ok := catalog.Lookup(method)
	if !ok {
		return Decision{Allowed: false, Reason: fmt.Sprintf("method %q is not in the catalog", method)}
	}
	return t.Track(entry.Classification)
}

// Track charges the counter for a classification directly.
func (t *Tracker) Track(c catalog.Classification) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	var counter *int
	var limit int
	switch c {
	case catalog.Read:
		counter, limit = &t.counts.Reads, t.caps.Reads
	case catalog.Write:
		counter, limit = &t.counts.Writes, t.caps.Writes
	case catalog.Command:
		counter, limit = &t.counts.Commands, t.caps.Commands
	default:
		return Decision{Allowed: false, Reason: fmt.Sprintf("unknown classification %q", c)}
	}

	if *counter+1 > limit {
		*counter = limit
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("%s budget exhausted (%d of %d used)", c, limit, limit),
		}
	}
	*counter++
	return Decision{Allowed: true}
}

// Counts returns a snapshot of consumed budget.
func (t *Tracker) Counts() Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts
}

// Caps returns the configured limits.
func (t *Tracker) Caps() Caps {
	return t.caps
}
