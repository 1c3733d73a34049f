// Package proxy mediates every device-management call a script makes. The
// mediator wraps the API adapter and runs an ordered pipeline per call:
// visibility, capability check, guard check, budget check, plan-mode gating,
// apply-mode approval gating, then execution. Every call that clears policy
// and budget produces exactly one diff entry, blocked or executed.
package proxy

import (
	"context"

	"github.com/castellan-io/castellan/pkg/approval"
	"github.com/castellan-io/castellan/pkg/budget"
	"github.com/castellan-io/castellan/pkg/catalog"
	"github.com/castellan-io/castellan/pkg/diff"
	"github.com/castellan-io/castellan/pkg/policy"
	"github.com/castellan-io/castellan/pkg/runlog"
)

// Invoker is the adapter boundary: a set of named async operations whose
// signatures are fixed by the catalog. Any object honouring the names is
// acceptable — a real REST client in production, a mock in tests.
type Invoker interface {
	Invoke(ctx context.Context, method string, args []any) (any, error)
}

// Mode selects plan or apply semantics for one execution.
type Mode string

const (
	// ModePlan executes reads but records non-read operations instead of
	// performing them.
	ModePlan Mode = "plan"
	// ModeApply executes everything, subject to approval for high-impact
	// operations.
	ModeApply Mode = "apply"
)

// Mediator is single-use: the controller constructs one per execution around
// fresh budget and diff state, and discards it with the result.
type Mediator struct {
	mode     Mode
	caps     []string
	approval string

	policy  *policy.Engine
	budget  *budget.Tracker
	diff    *diff.Recorder
	logs    *runlog.Buffer
	tokens  *approval.Store
	invoker Invoker
}

// Config wires a mediator.
type Config struct {
	Mode          Mode
	Capabilities  []string
	ApprovalToken string

	Policy  *policy.Engine
	Budget  *budget.Tracker
	Diff    *diff.Recorder
	Logs    *runlog.Buffer
	Tokens  *approval.Store
	Invoker Invoker
}

// NewMediator builds the per-execution proxy.
func NewMediator(cfg Config) *Mediator {
	return &Mediator{
		mode:     cfg.Mode,
		caps:     cfg.Capabilities,
		approval: cfg.ApprovalToken,
		policy:   cfg.Policy,
		budget:   cfg.Budget,
		diff:     cfg.Diff,
		logs:     cfg.Logs,
		tokens:   cfg.Tokens,
		invoker:  cfg.Invoker,
	}
}

// Call dispatches one mediated method invocation through the pipeline.
// Policy and budget denials come back as errors the script can catch;
// gated operations come back as a blocked sentinel object the script is
// expected to handle.
func (m *Mediator) Call(ctx context.Context, method string, args []any) (any, error) {
	// Visibility: names outside the catalog do not exist through the proxy.
	entry, ok := catalog.Lookup(method)
	if !ok {
		err := &AccessDeniedError{Method: method, Reason: "method is not in the catalog"}
		m.logs.Errorf("%s", err)
		return nil, err
	}

	if d := m.policy.CheckAccess(method, m.caps); !d.Allowed {
		err := &AccessDeniedError{Method: method, Reason: d.Reason}
		m.logs.Errorf("%s", err)
		return nil, err
	}

	if d := m.policy.CheckGuard(method, args); !d.Allowed {
		err := &AccessDeniedError{Method: method, Reason: d.Reason}
		m.logs.Errorf("%s", err)
		return nil, err
	}

	if d := m.budget.Track(entry.Classification); !d.Allowed {
		err := &BudgetExceededError{Method: method, Reason: d.Reason}
		m.logs.Errorf("%s", err)
		return nil, err
	}

	// Plan-mode gating: reads always execute, everything else is recorded
	// and answered with a stand-in result.
	if m.mode == ModePlan && entry.Classification != catalog.Read {
		m.diff.RecordBlocked(entry.Classification, method, args)
		m.logs.Infof("plan: blocked %s %s", entry.Classification, method)
		return map[string]any{
			"blocked":        true,
			"method":         method,
			"args":           argsOrEmpty(args),
			"classification": string(entry.Classification),
		}, nil
	}

	// Apply-mode approval gating for high-impact commands.
	if m.mode == ModeApply && entry.Classification == catalog.Command && m.policy.RequiresApproval(method) {
		if m.approval == "" {
			m.diff.RecordBlocked(entry.Classification, method, args)
			m.logs.Infof("apply: blocked %s %s (approval required)", entry.Classification, method)
			return map[string]any{
				"blocked":          true,
				"requiresApproval": true,
				"method":           method,
				"args":             argsOrEmpty(args),
			}, nil
		}
		if _, ok := m.tokens.Get(m.approval); !ok {
			err := &InvalidApprovalError{Method: method}
			m.logs.Errorf("%s", err)
			return nil, err
		}
	}

	result, err := m.invoker.Invoke(ctx, method, args)
	if err != nil {
		// Adapter failures reach the script at the call site.
		m.diff.Record(entry.Classification, method, args, nil)
		m.logs.Errorf("%s %s failed: %v", entry.Classification, method, err)
		return nil, err
	}

	m.diff.Record(entry.Classification, method, args, result)
	if entry.Classification != catalog.Read {
		m.logs.Infof("apply: executed %s %s", entry.Classification, method)
	}
	return result, nil
}

func argsOrEmpty(args []any) []any {
	if args == nil {
		return []any{}
	}
	return args
}
