package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/warden/internal/scan"
)

const testIdentities = `
identities:
  - name: user_a
    role: user
    credential: {scheme: bearer, token: token-a}
    owns: ["1"]
  - name: user_b
    role: user
    credential: {scheme: bearer, token: token-b}
    owns: ["2"]
`

const testCatalog = `{"endpoints":[{"method":"GET","path":"/users/{id}","auth_required":true}]}`

const testPolicies = `
- name: No Plaintext Passwords
  severity: high
  action: block
  conditions:
    - field: request_body
      operator: contains
      value: password
`

const passwordTraffic = `[
  {"endpoint":"/login","method":"POST",
   "request":{"headers":{"Content-Type":"application/json"},"body":{"password":"hunter2"}},
   "response":{"status":200,"body":{"ok":true}}}
]`

const cleanTraffic = `[
  {"endpoint":"/health","method":"GET","response":{"status":200,"body":{"ok":true}}}
]`

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// run executes the CLI with args and returns its stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, ExitPass},
		{"gate failed", ErrGateFailed, ExitFailed},
		{"wrapped gate failure", fmt.Errorf("scan: %w", ErrGateFailed), ExitFailed},
		{"input error", fmt.Errorf("%w: no identities", scan.ErrInput), ExitFatal},
		{"other error", errors.New("boom"), ExitFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestPolicyInitThenValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")

	out, err := run(t, "policy", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote default policies")

	_, err = run(t, "policy", "init", path)
	require.Error(t, err, "existing file is not overwritten without --force")

	out, err = run(t, "policy", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "rules")
}

func TestPolicyValidateRejectsBadFile(t *testing.T) {
	path := writeTestFile(t, t.TempDir(), "bad.yaml", `
- name: Broken
  severity: urgent
  conditions:
    - field: request_body
      operator: contains
      value: x
`)
	_, err := run(t, "policy", "validate", path)
	require.Error(t, err)
	assert.Equal(t, ExitFatal, ExitCode(err))
}

func TestPolicyEvaluate(t *testing.T) {
	dir := t.TempDir()
	policies := writeTestFile(t, dir, "policies.yaml", testPolicies)

	tests := []struct {
		name       string
		traffic    string
		wantErr    error
		violations int
	}{
		{"blocking violation fails the gate", passwordTraffic, ErrGateFailed, 1},
		{"clean traffic passes", cleanTraffic, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			traffic := writeTestFile(t, dir, "traffic.json", tt.traffic)
			reportPath := filepath.Join(dir, "reports", "policy_report.json")

			out, err := run(t, "policy", "evaluate", "--policies", policies, "--traffic", traffic, "--output", reportPath)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Contains(t, out, "Policy evaluation: 1 records")

			data, err := os.ReadFile(reportPath)
			require.NoError(t, err)
			var doc struct {
				TotalViolations int `json:"total_violations"`
			}
			require.NoError(t, json.Unmarshal(data, &doc))
			assert.Equal(t, tt.violations, doc.TotalViolations)
		})
	}
}

func TestPolicyListBuiltins(t *testing.T) {
	out, err := run(t, "policy", "list")
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(out))
}

func TestScanFailsGateOnBOLA(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/users/")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":%q,"name":"user %s"}`, id, id)
	}))
	defer srv.Close()

	dir := t.TempDir()
	outDir := filepath.Join(dir, "out")
	out, err := run(t, "scan",
		"--target", srv.URL,
		"--catalog", writeTestFile(t, dir, "catalog.json", testCatalog),
		"--identities", writeTestFile(t, dir, "identities.yaml", testIdentities),
		"--output", outDir,
		"--timeout", "2s",
	)
	require.ErrorIs(t, err, ErrGateFailed)
	assert.Equal(t, ExitFailed, ExitCode(err))
	assert.Contains(t, out, "BOLA")
	assert.Contains(t, out, "FAILED")
	assert.FileExists(t, filepath.Join(outDir, "vulnerability_report.json"))
	assert.FileExists(t, filepath.Join(outDir, "scan_report.json"))
}

func TestScanMissingIdentitiesIsFatal(t *testing.T) {
	dir := t.TempDir()
	outDir := filepath.Join(dir, "out")
	_, err := run(t, "scan",
		"--target", "http://127.0.0.1:1",
		"--catalog", writeTestFile(t, dir, "catalog.json", testCatalog),
		"--identities", filepath.Join(dir, "missing.yaml"),
		"--output", outDir,
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, scan.ErrInput)
	assert.Equal(t, ExitFatal, ExitCode(err))
	assert.NoDirExists(t, outDir)
}

func TestConfigShowMasksSecrets(t *testing.T) {
	out, err := run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "classification: bola")
	assert.Contains(t, out, "xxxxx")
	assert.NotContains(t, out, "warden:warden@")
}

func TestConfigInitRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.yaml")
	_, err := run(t, "config", "init", path)
	require.NoError(t, err)

	out, err := run(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "loaded from "+path)
	assert.Contains(t, out, "concurrency:")
}
