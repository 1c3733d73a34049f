// Package sandbox executes a script in an isolated ECMAScript runtime. Each
// execution gets a fresh interpreter whose global scope exposes only the
// mediated client, a helper namespace, log sinks, and the engine's pure
// built-ins (JSON, Math, Date, string/number coercion, URL-component
// encoders). There are no network, filesystem, subprocess, timer, or module
// primitives, and no cross-context escape hatches: the host process is
// unreachable from the script.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/castellan-io/castellan/pkg/runlog"
)

// DefaultTimeout is the wall-clock limit for one script run.
const DefaultTimeout = 30 * time.Second

// TimeoutError reports a script that exceeded its wall-clock limit. Fatal to
// the execution; any diff and logs recorded so far are preserved.
type TimeoutError struct {
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("SandboxTimeout: script exceeded %s wall-clock limit", e.Limit)
}

// ScriptError reports an exception raised inside the script body, including
// proxy pipeline errors the script did not catch.
type ScriptError struct {
	Message string
	Cause   error
}

func (e *ScriptError) Error() string {
	return "ScriptError: " + e.Message
}

func (e *ScriptError) Unwrap() error { return e.Cause }

// interruption is the sentinel delivered through goja.Interrupt on timeout.
type interruption struct{ err error }

// CallFunc dispatches one mediated method call. The mediator's Call is the
// production implementation.
type CallFunc func(ctx context.Context, method string, args []any) (any, error)

// Bindings is the surface the script sees.
type Bindings struct {
	// ClientMethods are the names bound on the `client` object; the
	// catalog's method list in production.
	ClientMethods []string
	// Call handles every client method invocation.
	Call CallFunc
	// Logs receives the script's log/warn/err output.
	Logs *runlog.Buffer
}

// Evaluator runs scripts with a fixed wall-clock timeout. Safe for concurrent
// use; every Run gets its own runtime.
type Evaluator struct {
	timeout time.Duration
}

// NewEvaluator creates an evaluator. Non-positive timeouts fall back to the
// default.
func NewEvaluator(timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Evaluator{timeout: timeout}
}

// Run evaluates the program as a single async block in strict mode and
// returns its value. The returned error is a *TimeoutError, a *ScriptError,
// or a context error.
func (e *Evaluator) Run(ctx context.Context, code string, b Bindings) (any, error) {
	prog, err := goja.Compile("script", "(async () => {\n"+code+"\n})()", true)
	if err != nil {
		return nil, &ScriptError{Message: err.Error(), Cause: err}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	rt := goja.New()
	// The global object itself must not be reachable by name.
	_ = rt.GlobalObject().Delete("globalThis")

	if err := e.bind(ctx, rt, b); err != nil {
		return nil, err
	}

	timedOut := &TimeoutError{Limit: e.timeout}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				rt.Interrupt(interruption{err: timedOut})
			} else {
				rt.Interrupt(interruption{err: ctx.Err()})
			}
		case <-done:
		}
	}()

	v, runErr := rt.RunProgram(prog)
	if runErr != nil {
		return nil, e.classify(runErr)
	}

	// The wrapper is an async IIFE; with only synchronous host calls the
	// promise is settled by the time RunProgram returns.
	if p, ok := v.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			return p.Result().Export(), nil
		case goja.PromiseStateRejected:
			return nil, rejectionError(p.Result())
		default:
			return nil, &ScriptError{Message: "script left asynchronous work pending"}
		}
	}
	return v.Export(), nil
}

func (e *Evaluator) classify(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if iv, ok := interrupted.Value().(interruption); ok {
			return iv.err
		}
		return &ScriptError{Message: err.Error(), Cause: err}
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return rejectionError(exc.Value())
	}
	return &ScriptError{Message: err.Error(), Cause: err}
}

// rejectionError turns a thrown or rejected value into a ScriptError,
// preserving the underlying Go error when the proxy raised it.
func rejectionError(v goja.Value) error {
	if v == nil {
		return &ScriptError{Message: "script rejected"}
	}
	if exported := v.Export(); exported != nil {
		if cause, ok := exported.(error); ok {
			return &ScriptError{Message: cause.Error(), Cause: cause}
		}
	}
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) && msg.String() != "" {
			return &ScriptError{Message: msg.String()}
		}
	}
	return &ScriptError{Message: v.String()}
}

// bind installs the client proxy object, the helper namespace, and the log
// sinks into the fresh runtime.
func (e *Evaluator) bind(ctx context.Context, rt *goja.Runtime, b Bindings) error {
	client := rt.NewObject()
	for _, name := range b.ClientMethods {
		method := name
		fn := func(call goja.FunctionCall) goja.Value {
			args := make([]any, len(call.Arguments))
			for i, a := range call.Arguments {
				args[i] = a.Export()
			}
			res, err := b.Call(ctx, method, args)
			if err != nil {
				panic(rt.NewGoError(err))
			}
			return rt.ToValue(res)
		}
		if err := client.Set(method, fn); err != nil {
			return fmt.Errorf("bind client.%s: %w", method, err)
		}
	}
	if err := rt.Set("client", client); err != nil {
		return fmt.Errorf("bind client: %w", err)
	}

	if err := bindHelpers(rt); err != nil {
		return err
	}

	sink := func(level runlog.Level) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]any, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.Export()
			}
			msg := fmt.Sprintln(parts...)
			switch level {
			case runlog.LevelWarn:
				b.Logs.Warnf("%s", trimNewline(msg))
			case runlog.LevelError:
				b.Logs.Errorf("%s", trimNewline(msg))
			default:
				b.Logs.Infof("%s", trimNewline(msg))
			}
			return goja.Undefined()
		}
	}
	if err := rt.Set("log", sink(runlog.LevelInfo)); err != nil {
		return err
	}
	if err := rt.Set("warn", sink(runlog.LevelWarn)); err != nil {
		return err
	}
	if err := rt.Set("err", sink(runlog.LevelError)); err != nil {
		return err
	}
	return nil
}

func trimNewline(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\n' {
		return s[:len(s)-1]
	}
	return s
}
