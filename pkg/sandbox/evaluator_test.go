package sandbox_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-io/castellan/pkg/runlog"
	"github.com/castellan-io/castellan/pkg/sandbox"
)

func run(t *testing.T, code string, call sandbox.CallFunc) (any, *runlog.Buffer, error) {
	t.Helper()
	logs := runlog.NewBuffer(slog.New(slog.DiscardHandler))
	if call == nil {
		call = func(_ context.Context, method string, _ []any) (any, error) {
			return map[string]any{"method": method}, nil
		}
	}
	ev := sandbox.NewEvaluator(5 * time.Second)
	v, err := ev.Run(context.Background(), code, sandbox.Bindings{
		ClientMethods: []string{"getAllComputers", "listPolicies", "updatePolicy"},
		Call:          call,
		Logs:          logs,
	})
	return v, logs, err
}

func TestReturnValue(t *testing.T) {
	v, _, err := run(t, `return 2 + 3;`, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 5, v)
}

func TestClientCallsAreMediated(t *testing.T) {
	var calls []string
	v, _, err := run(t, `
		const computers = await client.getAllComputers();
		const policies = await client.listPolicies();
		return [computers.method, policies.method];
	`, func(_ context.Context, method string, _ []any) (any, error) {
		calls = append(calls, method)
		return map[string]any{"method": method}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"getAllComputers", "listPolicies"}, calls)
	assert.Equal(t, []any{"getAllComputers", "listPolicies"}, v)
}

func TestArgumentsAreExported(t *testing.T) {
	var got []any
	_, _, err := run(t, `await client.updatePolicy("12", {enabled: true});`,
		func(_ context.Context, _ string, args []any) (any, error) {
			got = args
			return nil, nil
		})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "12", got[0])
	assert.Equal(t, map[string]any{"enabled": true}, got[1])
}

// No host, module, or timer primitives may be visible; the global object
// itself must be unreachable.
func TestIsolation(t *testing.T) {
	v, _, err := run(t, `
		return [
			typeof require, typeof process, typeof fetch,
			typeof setTimeout, typeof setInterval, typeof globalThis,
		].join(",");
	`, nil)
	require.NoError(t, err)
	assert.Equal(t, "undefined,undefined,undefined,undefined,undefined,undefined", v)
}

func TestHostErrorIsCatchable(t *testing.T) {
	v, _, err := run(t, `
		try {
			await client.updatePolicy("12");
		} catch (e) {
			return "caught: " + e.message;
		}
	`, func(_ context.Context, _ string, _ []any) (any, error) {
		return nil, errors.New("AccessDenied: updatePolicy: capability not granted")
	})
	require.NoError(t, err)
	assert.Contains(t, v.(string), "caught:")
	assert.Contains(t, v.(string), "AccessDenied")
}

func TestUncaughtHostErrorSurfacesCause(t *testing.T) {
	hostErr := errors.New("BudgetExceeded: listPolicies: read budget exhausted")
	_, _, err := run(t, `await client.listPolicies();`,
		func(_ context.Context, _ string, _ []any) (any, error) {
			return nil, hostErr
		})
	var scriptErr *sandbox.ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.ErrorIs(t, err, hostErr)
}

func TestThrownValueBecomesScriptError(t *testing.T) {
	_, _, err := run(t, `throw new Error("device offline");`, nil)
	var scriptErr *sandbox.ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.Contains(t, scriptErr.Message, "device offline")
}

func TestSyntaxErrorIsScriptError(t *testing.T) {
	_, _, err := run(t, `return {;`, nil)
	var scriptErr *sandbox.ScriptError
	require.ErrorAs(t, err, &scriptErr)
}

func TestTimeout(t *testing.T) {
	logs := runlog.NewBuffer(slog.New(slog.DiscardHandler))
	ev := sandbox.NewEvaluator(50 * time.Millisecond)

	start := time.Now()
	_, err := ev.Run(context.Background(), `for (;;) {}`, sandbox.Bindings{Logs: logs})
	var timeout *sandbox.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 50*time.Millisecond, timeout.Limit)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLogSinks(t *testing.T) {
	_, logs, err := run(t, `
		log("found", 3, "devices");
		warn("stale record");
		err("lookup failed");
	`, nil)
	require.NoError(t, err)

	entries := logs.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, runlog.LevelInfo, entries[0].Level)
	assert.Equal(t, "found 3 devices", entries[0].Message)
	assert.Equal(t, runlog.LevelWarn, entries[1].Level)
	assert.Equal(t, runlog.LevelError, entries[2].Level)
}

func TestRuntimeIsFreshPerRun(t *testing.T) {
	// Prototype pollution in run one must not be visible in run two.
	_, _, err := run(t, `Object.prototype.polluted = 42; return ({}).polluted;`, nil)
	require.NoError(t, err)

	v, _, err := run(t, `return typeof ({}).polluted;`, nil)
	require.NoError(t, err)
	assert.Equal(t, "undefined", v)
}

func TestConcurrentRuns(t *testing.T) {
	ev := sandbox.NewEvaluator(5 * time.Second)
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		i := i
		go func() {
			logs := runlog.NewBuffer(slog.New(slog.DiscardHandler))
			v, err := ev.Run(context.Background(), fmt.Sprintf("return %d * 2;", i), sandbox.Bindings{Logs: logs})
			if err == nil && v != int64(i*2) {
				err = fmt.Errorf("got %v, want %d", v, i*2)
			}
			results <- err
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-results)
	}
}
