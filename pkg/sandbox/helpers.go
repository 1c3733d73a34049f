package sandbox

import (
	"fmt"
	"math"
	"time"

	"github.com/dop251/goja"
)

// bindHelpers installs the pure helper namespace. Helpers are utilities, not
// catalog entries: they are never mediated and spend no budget.
func bindHelpers(rt *goja.Runtime) error {
	helpers := rt.NewObject()

	if err := helpers.Set("chunk", func(call goja.FunctionCall) goja.Value {
		items := exportSlice(call.Argument(0))
		size := int(call.Argument(1).ToInteger())
		if size <= 0 {
			panic(rt.NewTypeError("chunk: size must be positive"))
		}
		var out [][]any
		for start := 0; start < len(items); start += size {
			end := start + size
			if end > len(items) {
				end = len(items)
			}
			out = append(out, items[start:end])
		}
		if out == nil {
			out = [][]any{}
		}
		return rt.ToValue(out)
	}); err != nil {
		return err
	}

	if err := helpers.Set("paginate", func(call goja.FunctionCall) goja.Value {
		items := exportSlice(call.Argument(0))
		page := int(call.Argument(1).ToInteger())
		perPage := int(call.Argument(2).ToInteger())
		if page < 1 || perPage <= 0 {
			panic(rt.NewTypeError("paginate: page must be >= 1 and perPage positive"))
		}
		start := (page - 1) * perPage
		if start >= len(items) {
			return rt.ToValue([]any{})
		}
		end := start + perPage
		if end > len(items) {
			end = len(items)
		}
		return rt.ToValue(items[start:end])
	}); err != nil {
		return err
	}

	if err := helpers.Set("daysSince", func(call goja.FunctionCall) goja.Value {
		t, err := coerceTime(call.Argument(0).Export())
		if err != nil {
			panic(rt.NewTypeError("daysSince: %v", err))
		}
		days := int(math.Floor(time.Since(t).Hours() / 24))
		return rt.ToValue(days)
	}); err != nil {
		return err
	}

	return rt.Set("helpers", helpers)
}

func exportSlice(v goja.Value) []any {
	if items, ok := v.Export().([]any); ok {
		return items
	}
	return nil
}

// coerceTime accepts RFC 3339 strings, bare dates, epoch milliseconds, and
// Date objects (which export as time.Time).
func coerceTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable date %q", t)
	case int64:
		return time.UnixMilli(t), nil
	case float64:
		return time.UnixMilli(int64(t)), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported date value %T", v)
	}
}
