package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentsh/agentgate/internal/approvals"
	"github.com/agentsh/agentgate/internal/audit"
	"github.com/agentsh/agentgate/internal/store/sqlite"
	"github.com/agentsh/agentgate/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "cli-test-key-cli-test-key-cli-test-key"

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRoot("test")
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writePolicy(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: 3
name: workspace
always_deny:
  - "file_read:**/secret*"
require_consent:
  - "file_write:**"
`), 0o600))
	return path
}

func TestPolicyValidate(t *testing.T) {
	out, err := runCLI(t, "policy", "validate", writePolicy(t))
	require.NoError(t, err)
	assert.Contains(t, out, "ok: workspace v3 (1 deny, 0 allow, 1 consent rules)")

	bad := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(bad, []byte("version: 1\nname: x\nunknown_field: true\n"), 0o600))
	_, err = runCLI(t, "policy", "validate", bad)
	assert.Error(t, err)
}

func TestPolicyTest(t *testing.T) {
	path := writePolicy(t)

	out, err := runCLI(t, "policy", "test", path, "file_read", "/srv/app/secrets.env")
	require.NoError(t, err)
	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "deny", res["decision"])
	assert.Equal(t, "file_read:**/secret*", res["rule"])

	out, err = runCLI(t, "policy", "test", path, "file_write", "/srv/app/main.go")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "ask", res["decision"])
}

func TestPolicyShowAppliesDefaults(t *testing.T) {
	out, err := runCLI(t, "policy", "show", writePolicy(t))
	require.NoError(t, err)
	assert.Contains(t, out, "name: workspace")
	assert.Contains(t, out, "critical_operations:")
}

func chainedEntries(t *testing.T, n int) []types.AuditEntry {
	t.Helper()
	chain, err := audit.NewIntegrityChain([]byte(testKey))
	require.NoError(t, err)
	l := audit.NewLog(audit.Config{}, nil, chain, nil)
	for i := 0; i < n; i++ {
		l.Append(context.Background(), types.AuditEntry{
			Request:  types.OperationRequest{ID: "req-" + string(rune('a'+i)), Operation: types.OpFileWrite, Path: "/w/f"},
			Decision: types.Decision{Outcome: types.OutcomeAllow, Source: types.SourceUser},
		})
	}
	return l.Entries()
}

func TestAuditVerifyExport(t *testing.T) {
	t.Setenv("CLI_AUDIT_KEY", testKey)
	chain, err := audit.NewIntegrityChain([]byte(testKey))
	require.NoError(t, err)
	l := audit.NewLog(audit.Config{}, nil, chain, nil)
	for i := 0; i < 3; i++ {
		l.Append(context.Background(), types.AuditEntry{Request: types.OperationRequest{Operation: types.OpFileRead}})
	}
	var buf bytes.Buffer
	require.NoError(t, l.Export(&buf))
	path := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	out, err := runCLI(t, "audit", "verify", path, "--key-env", "CLI_AUDIT_KEY")
	require.NoError(t, err)
	assert.Contains(t, out, "Verified 3 entries")
	assert.Contains(t, out, "Chain intact: OK")
}

func TestAuditVerifyJSONLDetectsTampering(t *testing.T) {
	t.Setenv("CLI_AUDIT_KEY", testKey)
	entries := chainedEntries(t, 3)

	write := func(es []types.AuditEntry) string {
		var b strings.Builder
		for _, e := range es {
			line, err := json.Marshal(e)
			require.NoError(t, err)
			b.Write(line)
			b.WriteByte('\n')
		}
		path := filepath.Join(t.TempDir(), "audit.jsonl")
		require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
		return path
	}

	out, err := runCLI(t, "audit", "verify", write(entries), "--key-env", "CLI_AUDIT_KEY")
	require.NoError(t, err)
	assert.Contains(t, out, "Verified 3 entries")

	entries[1].Decision.Outcome = types.OutcomeDeny
	out, err = runCLI(t, "audit", "verify", write(entries), "--key-env", "CLI_AUDIT_KEY")
	var ee *ExitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 1, ee.Code())
	assert.Contains(t, out, "hash mismatch")
}

func TestAuditVerifySQLite(t *testing.T) {
	t.Setenv("CLI_AUDIT_KEY", testKey)
	path := filepath.Join(t.TempDir(), "audit.db")
	db, err := sqlite.Open(path)
	require.NoError(t, err)
	for _, e := range chainedEntries(t, 2) {
		require.NoError(t, db.AppendEntry(context.Background(), e))
	}
	require.NoError(t, db.Close())

	out, err := runCLI(t, "audit", "verify", "--db", path, "--key-env", "CLI_AUDIT_KEY")
	require.NoError(t, err)
	assert.Contains(t, out, "Verified 2 entries")
}

func TestAuditVerifyRequiresKey(t *testing.T) {
	_, err := runCLI(t, "audit", "verify", "whatever.jsonl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--key-env or --config")
}

func TestAuditVerifyKeyFromConfig(t *testing.T) {
	t.Setenv("CLI_AUDIT_KEY", testKey)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
audit:
  integrity:
    enabled: true
    key_source: env
    key_env: CLI_AUDIT_KEY
`), 0o600))

	var b strings.Builder
	for _, e := range chainedEntries(t, 2) {
		line, err := json.Marshal(e)
		require.NoError(t, err)
		b.Write(line)
		b.WriteByte('\n')
	}
	logPath := filepath.Join(dir, "audit.jsonl")
	require.NoError(t, os.WriteFile(logPath, []byte(b.String()), 0o600))

	out, err := runCLI(t, "audit", "verify", logPath, "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Verified 2 entries")
}

func TestSubmitExitCodeFollowsOutcome(t *testing.T) {
	outcome := types.OutcomeDeny
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sk-agent", r.Header.Get("X-API-Key"))
		var req types.OperationRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, types.OpCommandExecute, req.Operation)
		assert.Equal(t, []string{"-rf", "build"}, req.Args)
		assert.EqualValues(t, 2000, req.TimeoutMs)
		_ = json.NewEncoder(w).Encode(types.Decision{RequestID: "r1", Outcome: outcome})
	}))
	defer srv.Close()

	args := []string{"--server", srv.URL, "--api-key", "sk-agent", "submit", "command_execute",
		"--command", "rm", "--arg", "-rf", "--arg", "build", "--timeout", "2s"}

	_, err := runCLI(t, args...)
	var ee *ExitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, ExitDenied, ee.Code())

	outcome = types.OutcomeTimeout
	_, err = runCLI(t, args...)
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, ExitTimeout, ee.Code())

	outcome = types.OutcomeAllow
	out, err := runCLI(t, args...)
	require.NoError(t, err)
	assert.Contains(t, out, `"outcome": "allow"`)
}

func TestDecideValidatesFlags(t *testing.T) {
	_, err := runCLI(t, "decide", "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--allow or --deny")

	_, err = runCLI(t, "decide", "abc", "--allow", "--remember", "--scope", "forever")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --scope")
}

func TestEmergencyStopPrintsMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/emergency/stop", r.URL.Path)
		_, _ = w.Write([]byte(`{"requests_denied":2,"message":"Kill switch activated. 2 pending requests denied. New requests refused."}`))
	}))
	defer srv.Close()

	out, err := runCLI(t, "--server", srv.URL, "emergency", "stop", "--reason", "drill")
	require.NoError(t, err)
	assert.Contains(t, out, "2 pending requests denied")
}

func TestDecideSendsTOTPCode(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/requests/abc/decision", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	out, err := runCLI(t, "--server", srv.URL, "decide", "abc", "--deny", "--totp", "123456")
	require.NoError(t, err)
	assert.Contains(t, out, "ok")
	assert.Equal(t, "deny", body["outcome"])
	assert.Equal(t, "123456", body["totp_code"])
}

func TestTOTPSetup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "totp.yaml")
	out, err := runCLI(t, "totp", "setup", "--id", "alice", "--secrets-file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "enroll alice")

	v, err := approvals.LoadTOTPVerifier(path)
	require.NoError(t, err)
	assert.True(t, v.Enrolled("alice"))

	_, err = runCLI(t, "totp", "setup", "--id", "alice", "--secrets-file", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already enrolled")

	_, err = runCLI(t, "totp", "setup", "--id", "bob", "--secrets-file", path)
	require.NoError(t, err)
	v, err = approvals.LoadTOTPVerifier(path)
	require.NoError(t, err)
	assert.True(t, v.Enrolled("bob"))

	_, err = runCLI(t, "totp", "setup")
	require.Error(t, err)
}
