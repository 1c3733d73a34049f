// Package executor orchestrates the two-phase plan→apply protocol. Each
// execution builds fresh per-run state (budget tracker, diff recorder,
// mediating proxy), evaluates the script in the sandbox, and assembles the
// result. A plan run that recorded command-class operations mints a
// single-use approval token that a later apply run must present.
package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/castellan-io/castellan/pkg/approval"
	"github.com/castellan-io/castellan/pkg/budget"
	"github.com/castellan-io/castellan/pkg/catalog"
	"github.com/castellan-io/castellan/pkg/diff"
	"github.com/castellan-io/castellan/pkg/policy"
	"github.com/castellan-io/castellan/pkg/proxy"
	"github.com/castellan-io/castellan/pkg/runlog"
	"github.com/castellan-io/castellan/pkg/sandbox"
)

// Input is one execution request.
type Input struct {
	// Code is the script source, evaluated as an async block.
	Code string `json:"code"`
	// Mode selects plan or apply semantics.
	Mode proxy.Mode `json:"mode"`
	// Capabilities are grants of the form "verb:category" or "verb:*".
	Capabilities []string `json:"capabilities"`
	// Approval is a token from a prior plan run, required to perform
	// high-impact operations in apply mode.
	Approval string `json:"approval,omitempty"`
}

// ApprovalGrant carries a freshly minted token and the operations it
// authorises.
type ApprovalGrant struct {
	Token      string               `json:"token"`
	Operations []approval.Operation `json:"operations"`
	ExpiresAt  time.Time            `json:"expiresAt"`
}

// Result is the outcome of one execution.
type Result struct {
	RunID            string         `json:"runId"`
	Success          bool           `json:"success"`
	Mode             proxy.Mode     `json:"mode"`
	ReturnValue      any            `json:"returnValue,omitempty"`
	Diff             []diff.Entry   `json:"diff"`
	Logs             []runlog.Entry `json:"logs"`
	Metrics          diff.Metrics   `json:"metrics"`
	ApprovalRequired *ApprovalGrant `json:"approvalRequired,omitempty"`
}

// Options tune one controller. Zero values select the defaults.
type Options struct {
	ExecutionTimeout time.Duration
	Budgets          budget.Caps
	ApprovalTTL      time.Duration
	Logger           *slog.Logger
}

// Controller is process-global: it owns the shared approval token store and
// the compiled policy engine. Executions may run in parallel; each gets its
// own budget, diff, and proxy.
type Controller struct {
	policy    *policy.Engine
	tokens    *approval.Store
	evaluator *sandbox.Evaluator
	opts      Options
	logger    *slog.Logger

	tracer   trace.Tracer
	runs     metric.Int64Counter
	blocked  metric.Int64Counter
	executed metric.Int64Counter
}

// New builds a controller. The error is a guard compilation failure.
func New(opts Options) (*Controller, error) {
	eng, err := policy.NewEngine()
	if err != nil {
		return nil, err
	}
	if opts.ApprovalTTL <= 0 {
		opts.ApprovalTTL = approval.DefaultTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	meter := otel.Meter("castellan/executor")
	runs, _ := meter.Int64Counter("castellan.executions")
	blocked, _ := meter.Int64Counter("castellan.operations.blocked")
	executed, _ := meter.Int64Counter("castellan.operations.executed")

	return &Controller{
		policy:    eng,
		tokens:    approval.NewStore(),
		evaluator: sandbox.NewEvaluator(opts.ExecutionTimeout),
		opts:      opts,
		logger:    logger,
		tracer:    otel.Tracer("castellan/executor"),
		runs:      runs,
		blocked:   blocked,
		executed:  executed,
	}, nil
}

// Tokens exposes the shared approval store.
func (c *Controller) Tokens() *approval.Store {
	return c.tokens
}

// Execute runs one script against the adapter under the given mode,
// capability set, and optional approval token.
func (c *Controller) Execute(ctx context.Context, invoker proxy.Invoker, in Input) *Result {
	runID := uuid.NewString()
	ctx, span := c.tracer.Start(ctx, "execute",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("mode", string(in.Mode)),
		))
	defer span.End()

	start := time.Now()
	logs := runlog.NewBuffer(c.logger)
	recorder := diff.NewRecorder()
	tracker := budget.NewTracker(c.opts.Budgets)

	mediator := proxy.NewMediator(proxy.Config{
		Mode:          in.Mode,
		Capabilities:  in.Capabilities,
		ApprovalToken: in.Approval,
		Policy:        c.policy,
		Budget:        tracker,
		Diff:          recorder,
		Logs:          logs,
		Tokens:        c.tokens,
		Invoker:       invoker,
	})

	value, runErr := c.evaluator.Run(ctx, in.Code, sandbox.Bindings{
		ClientMethods: catalog.Methods(),
		Call:          mediator.Call,
		Logs:          logs,
	})

	res := &Result{
		RunID:   runID,
		Mode:    in.Mode,
		Diff:    recorder.Entries(),
		Logs:    logs.Entries(),
		Metrics: recorder.Metrics(time.Since(start)),
	}
	c.count(ctx, res)

	if runErr != nil {
		// Exceptions preserve the partial diff, logs, and metrics; no
		// token is minted and a presented token is left untouched.
		logs.Errorf("execution failed: %v", runErr)
		res.Logs = logs.Entries()
		res.Success = false
		return res
	}

	res.Success = true
	res.ReturnValue = value

	blockedCommands := recorder.Blocked(catalog.Command)
	switch {
	case len(blockedCommands) > 0:
		// Plan run, or apply run without a token that reached high-impact
		// operations: mint the token that authorises exactly this set.
		ops := make([]approval.Operation, len(blockedCommands))
		for i, e := range blockedCommands {
			ops[i] = approval.Operation{Method: e.Method, Args: e.Args}
		}
		token, rec := c.tokens.Mint(ops, c.opts.ApprovalTTL)
		res.ApprovalRequired = &ApprovalGrant{
			Token:      token,
			Operations: ops,
			ExpiresAt:  rec.ExpiresAt,
		}
		logs.Infof("approval token minted for %d command operation(s)", len(ops))
		res.Logs = logs.Entries()
	case in.Mode == proxy.ModeApply && in.Approval != "":
		// Single use: a successful apply consumes the token.
		c.tokens.Delete(in.Approval)
	}

	return res
}

func (c *Controller) count(ctx context.Context, res *Result) {
	c.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", string(res.Mode))))
	for _, e := range res.Diff {
		attrs := metric.WithAttributes(attribute.String("classification", string(e.Action)))
		if e.Blocked {
			c.blocked.Add(ctx, 1, attrs)
		} else {
			c.executed.Add(ctx, 1, attrs)
		}
	}
}
