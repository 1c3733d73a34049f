// Command castellan runs one sandboxed script through the two-phase
// execution core and prints the result as JSON.
//
// Usage:
//
//	castellan -script plan.js -mode plan -caps read:computers,command:policies
//	castellan -request run.json -config castellan.yaml
//
// A request file bundles code, mode, capabilities, and an optional approval
// token in one JSON document; it is validated against a schema before use.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/castellan-io/castellan/pkg/adapter"
	"github.com/castellan-io/castellan/pkg/budget"
	"github.com/castellan-io/castellan/pkg/config"
	"github.com/castellan-io/castellan/pkg/executor"
	"github.com/castellan-io/castellan/pkg/proxy"
)

const requestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["code", "mode"],
  "properties": {
    "code": {"type": "string", "minLength": 1},
    "mode": {"enum": ["plan", "apply"]},
    "capabilities": {"type": "array", "items": {"type": "string", "pattern": "^[a-z]+:([a-z]+|\\*)$"}},
    "approval": {"type": "string"}
  },
  "additionalProperties": false
}`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("castellan", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		scriptPath  = fs.String("script", "", "path to the script file ('-' for stdin)")
		mode        = fs.String("mode", "plan", "execution mode: plan or apply")
		caps        = fs.String("caps", "", "comma-separated capabilities, e.g. read:computers,command:policies")
		approvalTok = fs.String("approval", "", "approval token from a prior plan run")
		requestPath = fs.String("request", "", "path to a JSON request file (overrides -script/-mode/-caps/-approval)")
		configPath  = fs.String("config", "", "path to a YAML config file")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 2
	}

	logger := newLogger(stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	in, err := buildInput(*requestPath, *scriptPath, *mode, *caps, *approvalTok)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	client, err := adapter.New(adapter.Config{
		BaseURL:           cfg.BaseURL,
		Username:          cfg.Username,
		Password:          cfg.Password,
		ClientID:          cfg.ClientID,
		ClientSecret:      cfg.ClientSecret,
		CacheMaxEntries:   cfg.CacheMaxEntries,
		CacheTTL:          cfg.CacheTTL(),
		InsecureTLS:       !cfg.RejectUnauthorizedTLS,
		RequestsPerSecond: float64(cfg.RequestsPerSecond),
		Logger:            logger,
	})
	if err != nil {
		fmt.Fprintln(stderr, "adapter:", err)
		return 2
	}

	ctrl, err := executor.New(executor.Options{
		ExecutionTimeout: cfg.ExecutionTimeout(),
		Budgets: budget.Caps{
			Reads:    cfg.ReadBudget,
			Writes:   cfg.WriteBudget,
			Commands: cfg.CommandBudget,
		},
		ApprovalTTL: cfg.ApprovalTTL(),
		Logger:      logger,
	})
	if err != nil {
		fmt.Fprintln(stderr, "executor:", err)
		return 2
	}

	res := ctrl.Execute(context.Background(), client, *in)

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		fmt.Fprintln(stderr, "encode result:", err)
		return 1
	}
	if !res.Success {
		return 1
	}
	return 0
}

// buildInput assembles the execution input from either a validated request
// file or the individual flags.
func buildInput(requestPath, scriptPath, mode, caps, approvalTok string) (*executor.Input, error) {
	if requestPath != "" {
		raw, err := os.ReadFile(requestPath)
		if err != nil {
			return nil, fmt.Errorf("read request: %w", err)
		}
		if err := validateRequest(raw); err != nil {
			return nil, fmt.Errorf("invalid request: %w", err)
		}
		var in executor.Input
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("parse request: %w", err)
		}
		return &in, nil
	}

	if scriptPath == "" {
		return nil, fmt.Errorf("one of -script or -request is required")
	}
	var (
		code []byte
		err  error
	)
	if scriptPath == "-" {
		code, err = io.ReadAll(os.Stdin)
	} else {
		code, err = os.ReadFile(scriptPath)
	}
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}

	m := proxy.Mode(mode)
	if m != proxy.ModePlan && m != proxy.ModeApply {
		return nil, fmt.Errorf("mode must be plan or apply, got %q", mode)
	}

	var capabilities []string
	if caps != "" {
		for _, c := range strings.Split(caps, ",") {
			if c = strings.TrimSpace(c); c != "" {
				capabilities = append(capabilities, c)
			}
		}
	}

	return &executor.Input{
		Code:         string(code),
		Mode:         m,
		Capabilities: capabilities,
		Approval:     approvalTok,
	}, nil
}

func validateRequest(raw []byte) error {
	schema := jsonschema.MustCompileString("request.json", requestSchema)
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}
