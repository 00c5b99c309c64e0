// Package keysource resolves the HMAC key that signs the audit chain from a
// local file, an environment variable or a managed key service.
package keysource

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/agentsh/agentgate/internal/config"
)

// Source yields the audit chain key.
type Source interface {
	// Name identifies the source in logs and errors.
	Name() string
	Key(ctx context.Context) ([]byte, error)
	Close() error
}

var (
	ErrKeyNotFound         = errors.New("key not found")
	ErrAuthFailed          = errors.New("authentication failed")
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// Open builds the Source selected by cfg. An empty key_source picks the
// first backend that has settings, falling back to key_file then key_env.
func Open(cfg config.AuditIntegrityConfig) (Source, error) {
	switch resolve(cfg) {
	case "file":
		return NewLocal(cfg.KeyFile, "")
	case "env":
		return NewLocal("", cfg.KeyEnv)
	case "aws_kms":
		return NewAWSKMS(cfg.AWSKMS)
	case "aws_secretsmanager":
		return NewAWSSecretsManager(cfg.AWSSecretsManager)
	case "gcp_kms":
		return NewGCPKMS(cfg.GCPKMS)
	case "azure_keyvault":
		return NewAzureKeyVault(cfg.AzureKeyVault)
	case "hashicorp_vault":
		return NewVault(cfg.HashiCorpVault)
	default:
		return nil, fmt.Errorf("unknown key source %q", cfg.KeySource)
	}
}

func resolve(cfg config.AuditIntegrityConfig) string {
	if cfg.KeySource != "" {
		return cfg.KeySource
	}
	switch {
	case cfg.KeyFile != "":
		return "file"
	case cfg.AWSKMS.KeyID != "":
		return "aws_kms"
	case cfg.AWSSecretsManager.SecretID != "":
		return "aws_secretsmanager"
	case cfg.GCPKMS.KeyName != "":
		return "gcp_kms"
	case cfg.AzureKeyVault.VaultURL != "":
		return "azure_keyvault"
	case cfg.HashiCorpVault.Address != "":
		return "hashicorp_vault"
	default:
		return "env"
	}
}

// Load opens the configured source, fetches the key and closes the source.
func Load(ctx context.Context, cfg config.AuditIntegrityConfig) ([]byte, error) {
	src, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	key, err := src.Key(ctx)
	if err != nil {
		return nil, fmt.Errorf("get key from %s: %w", src.Name(), err)
	}
	return key, nil
}

// memo caches the first successfully fetched key.
type memo struct {
	mu  sync.Mutex
	key []byte
}

func (m *memo) get(ctx context.Context, fetch func(context.Context) ([]byte, error)) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key != nil {
		return m.key, nil
	}
	key, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	m.key = key
	return key, nil
}

func (m *memo) reset() {
	m.mu.Lock()
	m.key = nil
	m.mu.Unlock()
}
