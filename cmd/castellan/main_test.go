package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castellan-io/castellan/pkg/proxy"
)

func TestBuildInputFromFlags(t *testing.T) {
	script := filepath.Join(t.TempDir(), "audit.js")
	require.NoError(t, os.WriteFile(script, []byte("return 1;"), 0o600))

	in, err := buildInput("", script, "plan", "read:computers, command:policies", "tok")
	require.NoError(t, err)
	assert.Equal(t, "return 1;", in.Code)
	assert.Equal(t, proxy.ModePlan, in.Mode)
	assert.Equal(t, []string{"read:computers", "command:policies"}, in.Capabilities)
	assert.Equal(t, "tok", in.Approval)
}

func TestBuildInputRejectsBadMode(t *testing.T) {
	script := filepath.Join(t.TempDir(), "audit.js")
	require.NoError(t, os.WriteFile(script, []byte("return 1;"), 0o600))

	_, err := buildInput("", script, "dryrun", "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mode")
}

func TestBuildInputFromRequestFile(t *testing.T) {
	req := filepath.Join(t.TempDir(), "run.json")
	require.NoError(t, os.WriteFile(req, []byte(`{
		"code": "return 1;",
		"mode": "apply",
		"capabilities": ["read:*"],
		"approval": "deadbeef"
	}`), 0o600))

	in, err := buildInput(req, "", "", "", "")
	require.NoError(t, err)
	assert.Equal(t, proxy.ModeApply, in.Mode)
	assert.Equal(t, "deadbeef", in.Approval)
}

func TestRequestSchemaValidation(t *testing.T) {
	for name, body := range map[string]string{
		"missing code":   `{"mode": "plan"}`,
		"bad mode":       `{"code": "x", "mode": "dryrun"}`,
		"bad capability": `{"code": "x", "mode": "plan", "capabilities": ["read computers"]}`,
		"unknown field":  `{"code": "x", "mode": "plan", "budget": 10}`,
	} {
		t.Run(name, func(t *testing.T) {
			req := filepath.Join(t.TempDir(), "run.json")
			require.NoError(t, os.WriteFile(req, []byte(body), 0o600))
			_, err := buildInput(req, "", "", "", "")
			assert.Error(t, err)
		})
	}
}
