package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Logging       LoggingConfig       `yaml:"logging"`
	Audit         AuditConfig         `yaml:"audit"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Paths         PathsConfig         `yaml:"paths"`
	Commands      CommandsConfig      `yaml:"commands"`
	Approvals     ApprovalsConfig     `yaml:"approvals"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Policies      PoliciesConfig      `yaml:"policies"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Health        HealthConfig        `yaml:"health"`
	Development   DevelopmentConfig   `yaml:"development"`
}

type ServerConfig struct {
	HTTP ServerHTTPConfig `yaml:"http"`
	TLS  ServerTLSConfig  `yaml:"tls"`
}

type ServerHTTPConfig struct {
	Addr string `yaml:"addr"`

	ReadTimeout    string `yaml:"read_timeout"`
	WriteTimeout   string `yaml:"write_timeout"`
	MaxRequestSize string `yaml:"max_request_size"`
}

type ServerTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type AuthConfig struct {
	Type   string           `yaml:"type"` // "none", "api_key", "oidc" or "hybrid"
	APIKey AuthAPIKeyConfig `yaml:"api_key"`
	OIDC   AuthOIDCConfig   `yaml:"oidc"`
}

// AuthOIDCConfig validates bearer tokens from an OIDC issuer. In hybrid mode
// an API key header is tried first.
type AuthOIDCConfig struct {
	Issuer        string            `yaml:"issuer"`
	ClientID      string            `yaml:"client_id"`
	Audience      string            `yaml:"audience"`
	JWKSURL       string            `yaml:"jwks_url"` // skips discovery when set
	ClaimMappings OIDCClaimMappings `yaml:"claim_mappings"`
	AllowedGroups []string          `yaml:"allowed_groups"`
	GroupRoles    map[string]string `yaml:"group_roles"` // group -> agent|approver|admin
	DefaultRole   string            `yaml:"default_role"`
}

type OIDCClaimMappings struct {
	CallerID string `yaml:"caller_id"`
	Groups   string `yaml:"groups"`
}

type AuthAPIKeyConfig struct {
	KeysFile   string `yaml:"keys_file"`
	HeaderName string `yaml:"header_name"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
	Output string `yaml:"output"` // "stderr", "stdout" or a file path
}

type AuditConfig struct {
	MaxEntries int    `yaml:"max_entries"`
	Retention  string `yaml:"retention"` // duration, "d" suffix allowed

	// Output is an optional JSONL file that mirrors every entry.
	Output   string         `yaml:"output"`
	Rotation RotationConfig `yaml:"rotation"`

	// Storage is the queryable local database.
	Storage AuditStorageConfig `yaml:"storage"`

	// Optional: ship entries to an HTTP webhook.
	Webhook AuditWebhookConfig `yaml:"webhook"`

	// Optional: export entries as OTLP log records.
	OTEL AuditOTELConfig `yaml:"otel"`

	Integrity AuditIntegrityConfig `yaml:"integrity"`
}

type AuditStorageConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type AuditWebhookConfig struct {
	URL           string            `yaml:"url"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval string            `yaml:"flush_interval"`
	Timeout       string            `yaml:"timeout"`
	Headers       map[string]string `yaml:"headers"`
	MaxRetries    int               `yaml:"max_retries"`
	RetryInterval string            `yaml:"retry_interval"`
	// MaxQueue bounds entries waiting for delivery; the oldest are dropped.
	MaxQueue int `yaml:"max_queue"`
}

type AuditOTELConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Endpoint     string            `yaml:"endpoint"`
	Protocol     string            `yaml:"protocol"` // "grpc" or "http"
	Headers      map[string]string `yaml:"headers"`
	Timeout      string            `yaml:"timeout"`
	BatchTimeout string            `yaml:"batch_timeout"`
	BatchMaxSize int               `yaml:"batch_max_size"`

	TLS struct {
		Enabled  bool   `yaml:"enabled"`
		CertFile string `yaml:"cert_file"`
		KeyFile  string `yaml:"key_file"`
		Insecure bool   `yaml:"insecure"`
	} `yaml:"tls"`

	Filter struct {
		IncludeOperations []string `yaml:"include_operations"`
		ExcludeOperations []string `yaml:"exclude_operations"`
		Outcomes          []string `yaml:"outcomes"`
		MinRiskScore      int      `yaml:"min_risk_score"`
	} `yaml:"filter"`

	ResourceAttributes map[string]string `yaml:"resource_attributes"`
}

// AuditIntegrityConfig enables the HMAC chain over audit entries.
type AuditIntegrityConfig struct {
	Enabled   bool   `yaml:"enabled"`
	KeySource string `yaml:"key_source"` // file, env, aws_kms, aws_secretsmanager, gcp_kms, azure_keyvault, hashicorp_vault
	KeyFile   string `yaml:"key_file"`
	KeyEnv    string `yaml:"key_env"`
	Algorithm string `yaml:"algorithm"` // "hmac-sha256" or "hmac-sha512"

	AWSKMS            AWSKMSConfig            `yaml:"aws_kms"`
	AWSSecretsManager AWSSecretsManagerConfig `yaml:"aws_secretsmanager"`
	GCPKMS            GCPKMSConfig            `yaml:"gcp_kms"`
	AzureKeyVault     AzureKeyVaultConfig     `yaml:"azure_keyvault"`
	HashiCorpVault    HashiCorpVaultConfig    `yaml:"hashicorp_vault"`
}

type AWSKMSConfig struct {
	KeyID            string `yaml:"key_id"`
	Region           string `yaml:"region"`
	RoleARN          string `yaml:"role_arn"`
	EncryptedDEKFile string `yaml:"encrypted_dek_file"`
}

// AWSSecretsManagerConfig reads the key from a secret string. When the
// secret is a JSON object, Field selects the member holding the key.
type AWSSecretsManagerConfig struct {
	SecretID string `yaml:"secret_id"`
	Region   string `yaml:"region"`
	RoleARN  string `yaml:"role_arn"`
	Field    string `yaml:"field"`
}

type GCPKMSConfig struct {
	KeyName          string `yaml:"key_name"`
	EncryptedDEKFile string `yaml:"encrypted_dek_file"`
}

type AzureKeyVaultConfig struct {
	VaultURL   string `yaml:"vault_url"`
	KeyName    string `yaml:"key_name"`
	KeyVersion string `yaml:"key_version"`
}

type HashiCorpVaultConfig struct {
	Address    string `yaml:"address"`
	AuthMethod string `yaml:"auth_method"` // token, kubernetes, approle
	TokenFile  string `yaml:"token_file"`
	K8sRole    string `yaml:"kubernetes_role"`
	AppRoleID  string `yaml:"approle_id"`
	SecretID   string `yaml:"secret_id"`
	SecretPath string `yaml:"secret_path"`
	KeyField   string `yaml:"key_field"`
}

// RotationConfig bounds the audit JSONL file. The active file rotates at
// whichever limit it reaches first; zero MaxEntries and "0s" MaxAge are off.
type RotationConfig struct {
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxEntries int    `yaml:"max_entries"`
	MaxAge     string `yaml:"max_age"`
	// Retention removes rotated files older than this; "0s" keeps them
	// until MaxBackups pushes them out.
	Retention string `yaml:"retention"`
}

type SessionsConfig struct {
	Timeout             string `yaml:"timeout"`
	MaintenanceInterval string `yaml:"maintenance_interval"`
	InitialTrust        int    `yaml:"initial_trust"`
	TrustFloor          int    `yaml:"trust_floor"`
	DecayStep           int    `yaml:"decay_step"`
}

type PathsConfig struct {
	SafeZones       []string `yaml:"safe_zones"`
	RestrictedZones []string `yaml:"restricted_zones"`
	Mode            string   `yaml:"mode"` // "recursive" or "strict"
	BlockedPatterns []string `yaml:"blocked_patterns"`
}

type CommandsConfig struct {
	Allowed           []string `yaml:"allowed"`
	DangerousPatterns []string `yaml:"dangerous_patterns"`
}

type ApprovalsConfig struct {
	MaxPending  int             `yaml:"max_pending"`
	WarningLead string          `yaml:"warning_lead"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	TOTP        TOTPConfig      `yaml:"totp"`
}

// TOTPConfig turns on one-time-code step-up for human decisions. The secrets
// file maps approver ids to base32 TOTP secrets.
type TOTPConfig struct {
	Required    bool   `yaml:"required"`
	SecretsFile string `yaml:"secrets_file"`
}

// RateLimitConfig bounds how fast one session may submit requests. A zero
// per_second disables the limit.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// NotificationsConfig lists outbound webhooks told about waiting requests.
type NotificationsConfig struct {
	Webhooks []NotifyWebhookConfig `yaml:"webhooks"`
}

type NotifyWebhookConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`

	// Format is "json" (the raw event) or "slack". Template overrides both.
	Format     string   `yaml:"format"`
	Template   string   `yaml:"template"`
	Events     []string `yaml:"events"`
	Timeout    string   `yaml:"timeout"`
	RetryCount int      `yaml:"retry_count"`
	RetryDelay string   `yaml:"retry_delay"`
}

type PoliciesConfig struct {
	File     string `yaml:"file"`
	Watch    bool   `yaml:"watch"`
	Debounce string `yaml:"debounce"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Path          string `yaml:"path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type DevelopmentConfig struct {
	Debug       bool `yaml:"debug"`
	DisableAuth bool `yaml:"disable_auth"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromBytes loads configuration from bytes without applying environment
// overrides. This is intended for testing where env vars should not interfere.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no config file is given.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTP.Addr == "" {
		cfg.Server.HTTP.Addr = "127.0.0.1:8090"
	}
	if cfg.Server.HTTP.ReadTimeout == "" {
		cfg.Server.HTTP.ReadTimeout = "30s"
	}
	// Submit blocks until a human decides, so writes get a long budget.
	if cfg.Server.HTTP.WriteTimeout == "" {
		cfg.Server.HTTP.WriteTimeout = "10m"
	}
	if cfg.Server.HTTP.MaxRequestSize == "" {
		cfg.Server.HTTP.MaxRequestSize = "1MB"
	}
	if cfg.Auth.Type == "" {
		cfg.Auth.Type = "none"
	}
	if cfg.Auth.APIKey.HeaderName == "" {
		cfg.Auth.APIKey.HeaderName = "X-API-Key"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
	if cfg.Audit.MaxEntries <= 0 {
		cfg.Audit.MaxEntries = 1000
	}
	if cfg.Audit.Retention == "" {
		cfg.Audit.Retention = "30d"
	}
	if cfg.Audit.Storage.SQLitePath == "" {
		cfg.Audit.Storage.SQLitePath = "/var/lib/agentgate/audit.db"
	}
	if cfg.Audit.Rotation.MaxSizeMB == 0 {
		cfg.Audit.Rotation.MaxSizeMB = 100
	}
	if cfg.Audit.Rotation.MaxBackups == 0 {
		cfg.Audit.Rotation.MaxBackups = 5
	}
	if cfg.Audit.Webhook.BatchSize == 0 {
		cfg.Audit.Webhook.BatchSize = 100
	}
	if cfg.Audit.Webhook.FlushInterval == "" {
		cfg.Audit.Webhook.FlushInterval = "10s"
	}
	if cfg.Audit.Webhook.Timeout == "" {
		cfg.Audit.Webhook.Timeout = "5s"
	}
	if cfg.Audit.Webhook.MaxRetries == 0 {
		cfg.Audit.Webhook.MaxRetries = 3
	}
	if cfg.Audit.Webhook.RetryInterval == "" {
		cfg.Audit.Webhook.RetryInterval = "500ms"
	}
	if cfg.Audit.Webhook.MaxQueue == 0 {
		cfg.Audit.Webhook.MaxQueue = 50 * cfg.Audit.Webhook.BatchSize
	}
	if cfg.Audit.Rotation.MaxAge == "" {
		cfg.Audit.Rotation.MaxAge = "0s"
	}
	if cfg.Audit.Rotation.Retention == "" {
		cfg.Audit.Rotation.Retention = "0s"
	}
	if cfg.Audit.OTEL.Protocol == "" {
		cfg.Audit.OTEL.Protocol = "grpc"
	}
	if cfg.Audit.OTEL.Timeout == "" {
		cfg.Audit.OTEL.Timeout = "10s"
	}
	if cfg.Audit.OTEL.BatchTimeout == "" {
		cfg.Audit.OTEL.BatchTimeout = "5s"
	}
	if cfg.Audit.Integrity.KeyEnv == "" {
		cfg.Audit.Integrity.KeyEnv = "AGENTGATE_AUDIT_KEY"
	}
	if cfg.Audit.Integrity.Algorithm == "" {
		cfg.Audit.Integrity.Algorithm = "hmac-sha256"
	}
	if cfg.Sessions.Timeout == "" {
		cfg.Sessions.Timeout = "30m"
	}
	if cfg.Sessions.MaintenanceInterval == "" {
		cfg.Sessions.MaintenanceInterval = "60s"
	}
	if cfg.Sessions.InitialTrust == 0 {
		cfg.Sessions.InitialTrust = 50
	}
	if cfg.Sessions.TrustFloor == 0 {
		cfg.Sessions.TrustFloor = 30
	}
	if cfg.Sessions.DecayStep == 0 {
		cfg.Sessions.DecayStep = 5
	}
	if cfg.Paths.Mode == "" {
		cfg.Paths.Mode = "recursive"
	}
	if cfg.Approvals.MaxPending <= 0 {
		cfg.Approvals.MaxPending = 100
	}
	if cfg.Approvals.WarningLead == "" {
		cfg.Approvals.WarningLead = "10s"
	}
	if cfg.Approvals.RateLimit.PerSecond > 0 && cfg.Approvals.RateLimit.Burst == 0 {
		cfg.Approvals.RateLimit.Burst = 10
	}
	for i := range cfg.Notifications.Webhooks {
		wh := &cfg.Notifications.Webhooks[i]
		if wh.Name == "" {
			wh.Name = fmt.Sprintf("webhook-%d", i+1)
		}
		if wh.Format == "" {
			wh.Format = "json"
		}
		if wh.Timeout == "" {
			wh.Timeout = "5s"
		}
		if wh.RetryDelay == "" {
			wh.RetryDelay = "1s"
		}
	}
	if cfg.Policies.Debounce == "" {
		cfg.Policies.Debounce = "500ms"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Health.Path == "" {
		cfg.Health.Path = "/health"
	}
	if cfg.Health.ReadinessPath == "" {
		cfg.Health.ReadinessPath = "/ready"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTGATE_HTTP_ADDR"); v != "" {
		cfg.Server.HTTP.Addr = v
	}
	if v := os.Getenv("AGENTGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AGENTGATE_DATA_DIR"); v != "" {
		cfg.Audit.Storage.SQLitePath = filepath.Join(v, "audit.db")
	}
	if v := os.Getenv("AGENTGATE_POLICY_FILE"); v != "" {
		cfg.Policies.File = v
	}
}

func validateConfig(cfg *Config) error {
	switch cfg.Auth.Type {
	case "none":
	case "api_key":
		if cfg.Auth.APIKey.KeysFile == "" && !cfg.Development.DisableAuth {
			return fmt.Errorf("auth.api_key.keys_file is required when auth.type is api_key")
		}
	case "oidc", "hybrid":
		if cfg.Auth.OIDC.Issuer == "" && !cfg.Development.DisableAuth {
			return fmt.Errorf("auth.oidc.issuer is required when auth.type is %s", cfg.Auth.Type)
		}
		if cfg.Auth.Type == "hybrid" && cfg.Auth.APIKey.KeysFile == "" && !cfg.Development.DisableAuth {
			return fmt.Errorf("auth.api_key.keys_file is required when auth.type is hybrid")
		}
	default:
		return fmt.Errorf("invalid auth.type %q", cfg.Auth.Type)
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	switch cfg.Paths.Mode {
	case "recursive", "strict":
	default:
		return fmt.Errorf("invalid paths.mode %q", cfg.Paths.Mode)
	}
	if cfg.Sessions.TrustFloor < 0 || cfg.Sessions.TrustFloor > 100 {
		return fmt.Errorf("sessions.trust_floor must be within 0..100")
	}
	if cfg.Sessions.InitialTrust < 0 || cfg.Sessions.InitialTrust > 100 {
		return fmt.Errorf("sessions.initial_trust must be within 0..100")
	}
	if cfg.Approvals.RateLimit.PerSecond < 0 || cfg.Approvals.RateLimit.Burst < 0 {
		return fmt.Errorf("approvals.rate_limit values must not be negative")
	}
	if cfg.Approvals.TOTP.Required && cfg.Approvals.TOTP.SecretsFile == "" {
		return fmt.Errorf("approvals.totp.secrets_file is required when approvals.totp.required is true")
	}
	if cfg.Audit.OTEL.Enabled {
		if cfg.Audit.OTEL.Endpoint == "" {
			return fmt.Errorf("audit.otel.endpoint is required when audit.otel.enabled is true")
		}
		switch cfg.Audit.OTEL.Protocol {
		case "grpc", "http":
		default:
			return fmt.Errorf("invalid audit.otel.protocol %q", cfg.Audit.OTEL.Protocol)
		}
	}
	switch cfg.Audit.Integrity.KeySource {
	case "", "file", "env", "aws_kms", "aws_secretsmanager", "gcp_kms", "azure_keyvault", "hashicorp_vault":
	default:
		return fmt.Errorf("invalid audit.integrity.key_source %q", cfg.Audit.Integrity.KeySource)
	}
	switch cfg.Audit.Integrity.Algorithm {
	case "hmac-sha256", "hmac-sha512":
	default:
		return fmt.Errorf("invalid audit.integrity.algorithm %q", cfg.Audit.Integrity.Algorithm)
	}
	if cfg.Audit.Rotation.MaxEntries < 0 {
		return fmt.Errorf("audit.rotation.max_entries must not be negative")
	}
	if cfg.Audit.Webhook.MaxQueue < 0 {
		return fmt.Errorf("audit.webhook.max_queue must not be negative")
	}
	for name, v := range map[string]string{
		"server.http.read_timeout":      cfg.Server.HTTP.ReadTimeout,
		"server.http.write_timeout":     cfg.Server.HTTP.WriteTimeout,
		"audit.retention":               cfg.Audit.Retention,
		"audit.webhook.flush_interval":  cfg.Audit.Webhook.FlushInterval,
		"audit.webhook.timeout":         cfg.Audit.Webhook.Timeout,
		"audit.webhook.retry_interval":  cfg.Audit.Webhook.RetryInterval,
		"audit.rotation.max_age":        cfg.Audit.Rotation.MaxAge,
		"audit.rotation.retention":      cfg.Audit.Rotation.Retention,
		"audit.otel.timeout":            cfg.Audit.OTEL.Timeout,
		"audit.otel.batch_timeout":      cfg.Audit.OTEL.BatchTimeout,
		"sessions.timeout":              cfg.Sessions.Timeout,
		"sessions.maintenance_interval": cfg.Sessions.MaintenanceInterval,
		"approvals.warning_lead":        cfg.Approvals.WarningLead,
		"policies.debounce":             cfg.Policies.Debounce,
	} {
		if _, err := ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	for _, wh := range cfg.Notifications.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("notifications.webhooks[%s]: url is required", wh.Name)
		}
		switch wh.Format {
		case "json", "slack":
		default:
			return fmt.Errorf("notifications.webhooks[%s]: invalid format %q", wh.Name, wh.Format)
		}
		if wh.RetryCount < 0 {
			return fmt.Errorf("notifications.webhooks[%s]: retry_count must not be negative", wh.Name)
		}
		for field, v := range map[string]string{"timeout": wh.Timeout, "retry_delay": wh.RetryDelay} {
			if _, err := ParseDuration(v); err != nil {
				return fmt.Errorf("notifications.webhooks[%s]: invalid %s: %w", wh.Name, field, err)
			}
		}
	}
	if _, err := ParseByteSize(cfg.Server.HTTP.MaxRequestSize); err != nil {
		return fmt.Errorf("invalid server.http.max_request_size: %w", err)
	}
	if cfg.Server.TLS.Enabled && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls requires cert_file and key_file")
	}
	return nil
}

// ParseDuration accepts time.ParseDuration syntax plus a whole-day "d" suffix.
func ParseDuration(s string) (time.Duration, error) {
	in := strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(in, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(in)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// MustDuration parses a value that validateConfig already accepted.
func MustDuration(s string) time.Duration {
	d, err := ParseDuration(s)
	if err != nil {
		panic(err)
	}
	return d
}
