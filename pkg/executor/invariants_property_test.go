//go:build property
// +build property

// Package executor_test contains property-based tests over generated scripts:
// diff completeness, budget tightness, and plan-mode side-effect freedom.
package executor_test

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/castellan-io/castellan/pkg/budget"
	"github.com/castellan-io/castellan/pkg/catalog"
	"github.com/castellan-io/castellan/pkg/executor"
	"github.com/castellan-io/castellan/pkg/proxy"
)

// countingInvoker tallies executed methods by classification.
type countingInvoker struct {
	mu       sync.Mutex
	nonReads int
}

func (c *countingInvoker) Invoke(_ context.Context, method string, _ []any) (any, error) {
	entry, _ := catalog.Lookup(method)
	c.mu.Lock()
	if entry.Classification != catalog.Read {
		c.nonReads++
	}
	c.mu.Unlock()
	return map[string]any{"status": "ok"}, nil
}

// scriptFor turns a method sequence into a script that tolerates pipeline
// errors, so budget denials do not abort the run.
func scriptFor(methods []string) string {
	var b strings.Builder
	for _, m := range methods {
		fmt.Fprintf(&b, "try { await client.%s(\"1\"); } catch (e) {}\n", m)
	}
	b.WriteString("return true;\n")
	return b.String()
}

func genMethods() gopter.Gen {
	pool := []string{
		"getAllComputers", "listPolicies", "getPolicyDetails",
		"createPolicy", "updatePolicy",
		"executePolicy", "lockDevice",
	}
	return gen.SliceOfN(12, gen.IntRange(0, len(pool)-1)).Map(func(idxs []int) []string {
		out := make([]string, len(idxs))
		for i, idx := range idxs {
			out[i] = pool[idx]
		}
		return out
	})
}

func newPropController(caps budget.Caps) *executor.Controller {
	ctrl, err := executor.New(executor.Options{
		Budgets: caps,
		Logger:  slog.New(slog.DiscardHandler),
	})
	if err != nil {
		panic(err)
	}
	return ctrl
}

// TestDiffAccountsForEveryGrantedCall verifies that the number of diff
// entries equals the number of calls that cleared policy and budget.
// Property: len(diff) == granted calls, each entry blocked xor executed.
func TestDiffAccountsForEveryGrantedCall(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	allCaps := []string{"read:*", "write:*", "command:*"}

	properties.Property("one diff entry per granted call", prop.ForAll(
		func(methods []string) bool {
			ctrl := newPropController(budget.Caps{Reads: 5, Writes: 3, Commands: 2})
			res := ctrl.Execute(context.Background(), &countingInvoker{}, executor.Input{
				Code:         scriptFor(methods),
				Mode:         proxy.ModePlan,
				Capabilities: allCaps,
			})
			if !res.Success {
				return false
			}

			granted := 0
			counts := map[catalog.Classification]int{}
			for _, m := range methods {
				entry, _ := catalog.Lookup(m)
				limit := map[catalog.Classification]int{
					catalog.Read: 5, catalog.Write: 3, catalog.Command: 2,
				}[entry.Classification]
				if counts[entry.Classification] < limit {
					counts[entry.Classification]++
					granted++
				}
			}
			if len(res.Diff) != granted {
				return false
			}
			for _, e := range res.Diff {
				if e.Blocked && e.Result != nil {
					return false
				}
			}
			return true
		},
		genMethods(),
	))

	properties.TestingRun(t)
}

// TestBudgetNeverOverrun verifies the executed+blocked counts per
// classification never exceed the caps.
func TestBudgetNeverOverrun(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	properties.Property("caps bound the diff per classification", prop.ForAll(
		func(methods []string) bool {
			caps := budget.Caps{Reads: 4, Writes: 2, Commands: 1}
			ctrl := newPropController(caps)
			res := ctrl.Execute(context.Background(), &countingInvoker{}, executor.Input{
				Code:         scriptFor(methods),
				Mode:         proxy.ModePlan,
				Capabilities: []string{"read:*", "write:*", "command:*"},
			})

			byClass := map[catalog.Classification]int{}
			for _, e := range res.Diff {
				byClass[e.Action]++
			}
			return byClass[catalog.Read] <= caps.Reads &&
				byClass[catalog.Write] <= caps.Writes &&
				byClass[catalog.Command] <= caps.Commands
		},
		genMethods(),
	))

	properties.TestingRun(t)
}

// TestPlanNeverExecutesNonReads verifies that no generated plan-mode script
// can reach the adapter with a write or command.
func TestPlanNeverExecutesNonReads(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	properties.Property("plan mode is side-effect free", prop.ForAll(
		func(methods []string) bool {
			inv := &countingInvoker{}
			ctrl := newPropController(budget.Caps{})
			ctrl.Execute(context.Background(), inv, executor.Input{
				Code:         scriptFor(methods),
				Mode:         proxy.ModePlan,
				Capabilities: []string{"read:*", "write:*", "command:*"},
			})
			return inv.nonReads == 0
		},
		genMethods(),
	))

	properties.TestingRun(t)
}
