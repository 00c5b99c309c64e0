package keysource

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"
	k8sauth "github.com/hashicorp/vault/api/auth/kubernetes"

	"github.com/agentsh/agentgate/internal/config"
)

// Vault reads the key from one field of a HashiCorp Vault KV secret.
type Vault struct {
	cfg    config.HashiCorpVaultConfig
	client *vault.Client
	memo   memo
}

func NewVault(cfg config.HashiCorpVaultConfig) (*Vault, error) {
	if cfg.Address == "" {
		return nil, errors.New("hashicorp_vault: address is required")
	}
	if cfg.SecretPath == "" {
		return nil, errors.New("hashicorp_vault: secret_path is required")
	}
	if cfg.KeyField == "" {
		cfg.KeyField = "key"
	}
	if cfg.AuthMethod == "" {
		cfg.AuthMethod = "token"
	}
	switch cfg.AuthMethod {
	case "token", "kubernetes", "approle":
	default:
		return nil, fmt.Errorf("hashicorp_vault: unsupported auth_method %q", cfg.AuthMethod)
	}
	return &Vault{cfg: cfg}, nil
}

func (p *Vault) Name() string { return "hashicorp_vault:" + p.cfg.SecretPath }

func (p *Vault) Key(ctx context.Context) ([]byte, error) {
	return p.memo.get(ctx, func(ctx context.Context) ([]byte, error) {
		if p.client == nil {
			client, err := p.login(ctx)
			if err != nil {
				return nil, err
			}
			p.client = client
		}
		data, err := p.read(ctx)
		if err != nil {
			return nil, err
		}
		value, ok := data[p.cfg.KeyField]
		if !ok {
			return nil, fmt.Errorf("%w: field %q not found in secret %q", ErrKeyNotFound, p.cfg.KeyField, p.cfg.SecretPath)
		}
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("key field %q is not a string", p.cfg.KeyField)
		}
		return decodeSecret(s, p.cfg.KeyField)
	})
}

// read tries KV v2 under the "secret" mount and falls back to a plain
// logical read for KV v1 mounts.
func (p *Vault) read(ctx context.Context) (map[string]any, error) {
	rel := strings.TrimPrefix(strings.TrimPrefix(p.cfg.SecretPath, "secret/data/"), "secret/")
	if s, err := p.client.KVv2("secret").Get(ctx, rel); err == nil && s != nil && s.Data != nil {
		return s.Data, nil
	}
	s, err := p.client.Logical().ReadWithContext(ctx, p.cfg.SecretPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read secret: %v", ErrProviderUnavailable, err)
	}
	if s == nil || s.Data == nil {
		return nil, fmt.Errorf("%w: secret %q not found", ErrKeyNotFound, p.cfg.SecretPath)
	}
	return s.Data, nil
}

func (p *Vault) login(ctx context.Context) (*vault.Client, error) {
	vc := vault.DefaultConfig()
	vc.Address = p.cfg.Address
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("%w: create Vault client: %v", ErrAuthFailed, err)
	}

	switch p.cfg.AuthMethod {
	case "token":
		token := os.Getenv("VAULT_TOKEN")
		if p.cfg.TokenFile != "" {
			b, err := os.ReadFile(p.cfg.TokenFile)
			if err != nil {
				return nil, fmt.Errorf("%w: read token file: %v", ErrAuthFailed, err)
			}
			token = strings.TrimSpace(string(b))
		}
		if token == "" {
			return nil, fmt.Errorf("%w: no token provided", ErrAuthFailed)
		}
		client.SetToken(token)
	case "kubernetes":
		if p.cfg.K8sRole == "" {
			return nil, fmt.Errorf("%w: kubernetes_role is required for kubernetes auth", ErrAuthFailed)
		}
		method, err := k8sauth.NewKubernetesAuth(p.cfg.K8sRole)
		if err != nil {
			return nil, fmt.Errorf("%w: kubernetes auth: %v", ErrAuthFailed, err)
		}
		info, err := client.Auth().Login(ctx, method)
		if err != nil {
			return nil, fmt.Errorf("%w: kubernetes login: %v", ErrAuthFailed, err)
		}
		if info == nil {
			return nil, fmt.Errorf("%w: kubernetes login returned no auth info", ErrAuthFailed)
		}
	case "approle":
		if p.cfg.AppRoleID == "" {
			return nil, fmt.Errorf("%w: approle_id is required for approle auth", ErrAuthFailed)
		}
		body := map[string]any{"role_id": p.cfg.AppRoleID}
		secretID := p.cfg.SecretID
		if secretID == "" {
			secretID = os.Getenv("VAULT_SECRET_ID")
		}
		if secretID != "" {
			body["secret_id"] = secretID
		}
		resp, err := client.Logical().WriteWithContext(ctx, "auth/approle/login", body)
		if err != nil {
			return nil, fmt.Errorf("%w: approle login: %v", ErrAuthFailed, err)
		}
		if resp == nil || resp.Auth == nil {
			return nil, fmt.Errorf("%w: approle login returned no auth info", ErrAuthFailed)
		}
		client.SetToken(resp.Auth.ClientToken)
	}
	return client, nil
}

func (p *Vault) Close() error {
	p.memo.reset()
	if p.client != nil {
		p.client.ClearToken()
		p.client = nil
	}
	return nil
}

// decodeSecret accepts base64 secrets and falls back to the raw bytes.
func decodeSecret(s, what string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: %q is empty", ErrKeyNotFound, what)
	}
	if key, err := base64.StdEncoding.DecodeString(s); err == nil {
		return key, nil
	}
	return []byte(s), nil
}
