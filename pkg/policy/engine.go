// Package policy holds every decision the mediating proxy needs: capability
// checks, classification lookup, approval requirements, and optional CEL
// guard expressions over argument tuples. All decisions are pure functions
// over the immutable catalog so the proxy carries no policy knowledge.
package policy

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/castellan-io/castellan/pkg/catalog"
)

// Decision is the outcome of a policy check. Denials carry a reason the
// script author can catch and act on.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// Engine evaluates policy against the catalog. Guard expressions are
// compiled once at construction and cached; the engine is immutable after
// that and safe for concurrent use.
type Engine struct {
	guards map[string]cel.Program
}

// NewEngine compiles all catalog guard expressions. A guard that fails to
// compile is a construction-time error: policy must never fail open at call
// time.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("args", cel.ListType(cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	guards := make(map[string]cel.Program)
	for _, entry := range catalog.Entries() {
		if entry.Guard == "" {
			continue
		}
		ast, issues := env.Compile(entry.Guard)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile guard for %s: %w", entry.Name, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("build guard program for %s: %w", entry.Name, err)
		}
		guards[entry.Name] = prg
	}
	return &Engine{guards: guards}, nil
}

// CheckAccess verifies that the method exists in the catalog and that the
// capability set carries either its required grant or the matching wildcard
// "<verb>:*".
func (e *Engine) CheckAccess(method string, capabilities []string) Decision {
	entry, ok := catalog.Lookup(method)
	if !ok {
		return deny("method %q is not in the catalog", method)
	}

	verb, _, _ := strings.Cut(entry.Capability, ":")
	wildcard := verb + ":*"
	for _, c := range capabilities {
		if c == entry.Capability || c == wildcard {
			return allow()
		}
	}
	return deny("capability %q not granted for %s", entry.Capability, method)
}

// Classification returns the classification of a catalogued method.
func (e *Engine) Classification(method string) (catalog.Classification, bool) {
	entry, ok := catalog.Lookup(method)
	if !ok {
		return "", false
	}
	return entry.Classification, true
}

// RequiresApproval reports whether the method has destructive or fleet-wide
// side effects that demand an approval token in apply mode.
func (e *Engine) RequiresApproval(method string) bool {
	entry, ok := catalog.Lookup(method)
	return ok && entry.NeedsApproval
}

// CheckGuard evaluates the method's guard expression, if any, against the
// argument tuple. Evaluation errors deny the call: guards fail closed.
func (e *Engine) CheckGuard(method string, args []any) Decision {
	prg, ok := e.guards[method]
	if !ok {
		return allow()
	}
	if args == nil {
		args = []any{}
	}
	out, _, err := prg.Eval(map[string]any{"args": args})
	if err != nil {
		return deny("guard evaluation failed for %s: %v", method, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return deny("guard for %s did not yield a boolean", method)
	}
	if !allowed {
		return deny("guard rejected arguments for %s", method)
	}
	return allow()
}
