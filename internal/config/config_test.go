package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_ParsesSections(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(cfgPath, []byte(`
server:
  http:
    addr: "127.0.0.1:9000"
    read_timeout: 15s
    max_request_size: 2MB
auth:
  type: api_key
  api_key:
    keys_file: "`+filepath.Join(dir, "keys.yml")+`"
logging:
  level: debug
  format: json
audit:
  max_entries: 50
  retention: 7d
  output: "`+filepath.Join(dir, "audit.jsonl")+`"
  integrity:
    enabled: true
    algorithm: hmac-sha512
    key_source: aws_kms
    aws_kms:
      key_id: alias/agentgate-audit
      region: eu-west-1
sessions:
  timeout: 10m
  initial_trust: 60
paths:
  safe_zones: ["/workspace"]
  restricted_zones: ["/etc", "/srv/**/secrets"]
  mode: strict
commands:
  allowed: [ls, cat, git]
approvals:
  max_pending: 5
  warning_lead: 3s
  rate_limit:
    per_second: 2.5
notifications:
  webhooks:
    - url: https://hooks.example.com/T000/B000
      format: slack
      retry_count: 2
policies:
  file: "`+filepath.Join(dir, "policy.yml")+`"
  watch: true
`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.HTTP.ReadTimeout != "15s" {
		t.Fatalf("read_timeout: got %q", cfg.Server.HTTP.ReadTimeout)
	}
	if cfg.Server.HTTP.WriteTimeout != "10m" {
		t.Fatalf("write_timeout default: got %q", cfg.Server.HTTP.WriteTimeout)
	}
	if cfg.Auth.Type != "api_key" || cfg.Auth.APIKey.HeaderName != "X-API-Key" {
		t.Fatalf("auth: got %+v", cfg.Auth)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Output != "stderr" {
		t.Fatalf("logging: got %+v", cfg.Logging)
	}
	if cfg.Audit.MaxEntries != 50 || MustDuration(cfg.Audit.Retention) != 7*24*time.Hour {
		t.Fatalf("audit: got max=%d retention=%q", cfg.Audit.MaxEntries, cfg.Audit.Retention)
	}
	if !cfg.Audit.Integrity.Enabled || cfg.Audit.Integrity.Algorithm != "hmac-sha512" {
		t.Fatalf("integrity: got %+v", cfg.Audit.Integrity)
	}
	if cfg.Audit.Integrity.KeySource != "aws_kms" || cfg.Audit.Integrity.AWSKMS.KeyID != "alias/agentgate-audit" {
		t.Fatalf("integrity key source: got %+v", cfg.Audit.Integrity)
	}
	if cfg.Sessions.InitialTrust != 60 || cfg.Sessions.TrustFloor != 30 {
		t.Fatalf("sessions: got %+v", cfg.Sessions)
	}
	if cfg.Paths.Mode != "strict" || len(cfg.Paths.RestrictedZones) != 2 {
		t.Fatalf("paths: got %+v", cfg.Paths)
	}
	if len(cfg.Commands.Allowed) != 3 {
		t.Fatalf("commands: got %+v", cfg.Commands)
	}
	if cfg.Approvals.MaxPending != 5 || MustDuration(cfg.Approvals.WarningLead) != 3*time.Second {
		t.Fatalf("approvals: got %+v", cfg.Approvals)
	}
	if cfg.Approvals.RateLimit.PerSecond != 2.5 || cfg.Approvals.RateLimit.Burst != 10 {
		t.Fatalf("rate limit: got %+v", cfg.Approvals.RateLimit)
	}
	if len(cfg.Notifications.Webhooks) != 1 {
		t.Fatalf("notifications: got %+v", cfg.Notifications)
	}
	if wh := cfg.Notifications.Webhooks[0]; wh.Name != "webhook-1" || wh.Format != "slack" || wh.Timeout != "5s" || wh.RetryCount != 2 {
		t.Fatalf("notification webhook: got %+v", wh)
	}
	if !cfg.Policies.Watch || cfg.Policies.Debounce != "500ms" {
		t.Fatalf("policies: got %+v", cfg.Policies)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(cfgPath, []byte(`
server:
  http:
    addr: "127.0.0.1:8080"
audit:
  storage:
    sqlite_path: "`+filepath.Join(dir, "audit.db")+`"
`), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("AGENTGATE_HTTP_ADDR", "0.0.0.0:18080")
	t.Setenv("AGENTGATE_LOG_LEVEL", "warn")
	dataDir := filepath.Join(dir, "data-root")
	t.Setenv("AGENTGATE_DATA_DIR", dataDir)
	t.Setenv("AGENTGATE_POLICY_FILE", "/etc/agentgate/policy.yml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.HTTP.Addr != "0.0.0.0:18080" {
		t.Fatalf("http addr override: got %q", cfg.Server.HTTP.Addr)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("log level override: got %q", cfg.Logging.Level)
	}
	if cfg.Audit.Storage.SQLitePath != filepath.Join(dataDir, "audit.db") {
		t.Fatalf("data dir override audit sqlite_path: got %q", cfg.Audit.Storage.SQLitePath)
	}
	if cfg.Policies.File != "/etc/agentgate/policy.yml" {
		t.Fatalf("policy file override: got %q", cfg.Policies.File)
	}
}

func TestLoadFromBytes_Defaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte("{}"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Audit.MaxEntries != 1000 || cfg.Audit.Retention != "30d" {
		t.Fatalf("audit defaults: got %+v", cfg.Audit)
	}
	if cfg.Approvals.MaxPending != 100 {
		t.Fatalf("max_pending default: got %d", cfg.Approvals.MaxPending)
	}
	if cfg.Paths.Mode != "recursive" {
		t.Fatalf("paths.mode default: got %q", cfg.Paths.Mode)
	}
}

func TestLoadFromBytes_Invalid(t *testing.T) {
	cases := map[string]string{
		"auth type":      "auth: {type: oauth}",
		"keys file":      "auth: {type: api_key}",
		"oidc issuer":    "auth: {type: oidc}",
		"hybrid keys":    "auth: {type: hybrid, oidc: {issuer: 'https://idp'}}",
		"log level":      "logging: {level: loud}",
		"log format":     "logging: {format: xml}",
		"path mode":      "paths: {mode: sideways}",
		"trust floor":    "sessions: {trust_floor: 140}",
		"retention":      "audit: {retention: forever}",
		"warning lead":   "approvals: {warning_lead: -1s}",
		"totp secrets":   "approvals: {totp: {required: true}}",
		"algorithm":      "audit: {integrity: {algorithm: md5}}",
		"key source":     "audit: {integrity: {key_source: hsm}}",
		"otel endpoint":  "audit: {otel: {enabled: true}}",
		"otel protocol":  "audit: {otel: {enabled: true, endpoint: 'c:4317', protocol: udp}}",
		"rate limit":     "approvals: {rate_limit: {per_second: -1}}",
		"notify url":     "notifications: {webhooks: [{format: json}]}",
		"notify format":  "notifications: {webhooks: [{url: 'http://x', format: teams}]}",
		"request size":   "server: {http: {max_request_size: lots}}",
		"tls cert files": "server: {tls: {enabled: true}}",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadFromBytes([]byte(doc)); err == nil {
				t.Fatalf("expected error for %q", doc)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"1m30s", 90 * time.Second},
		{"30d", 30 * 24 * time.Hour},
		{"0d", 0},
	}
	for _, tc := range cases {
		got, err := ParseDuration(tc.in)
		if err != nil {
			t.Fatalf("ParseDuration(%q) error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseDuration(%q)=%v, want %v", tc.in, got, tc.want)
		}
	}
	for _, bad := range []string{"", "xd", "-5s", "ten"} {
		if _, err := ParseDuration(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestParseByteSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"123", 123},
		{"512B", 512},
		{"1KB", 1000},
		{"2MB", 2_000_000},
		{"3GB", 3_000_000_000},
		{"1KiB", 1024},
		{"2MiB", 2 * 1024 * 1024},
		{"1_000", 1000},
	}
	for _, tc := range cases {
		got, err := ParseByteSize(tc.in)
		if err != nil {
			t.Fatalf("ParseByteSize(%q) error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseByteSize(%q)=%d, want %d", tc.in, got, tc.want)
		}
	}
	for _, bad := range []string{"nope", "", "MB", "-1"} {
		if _, err := ParseByteSize(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
