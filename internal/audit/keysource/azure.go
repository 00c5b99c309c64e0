package keysource

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"

	"github.com/agentsh/agentgate/internal/config"
)

// AzureKeyVault reads the key from a Key Vault secret.
type AzureKeyVault struct {
	cfg    config.AzureKeyVaultConfig
	client *azsecrets.Client
	memo   memo
}

func NewAzureKeyVault(cfg config.AzureKeyVaultConfig) (*AzureKeyVault, error) {
	if cfg.VaultURL == "" {
		return nil, errors.New("azure_keyvault: vault_url is required")
	}
	if cfg.KeyName == "" {
		return nil, errors.New("azure_keyvault: key_name is required")
	}
	return &AzureKeyVault{cfg: cfg}, nil
}

func (p *AzureKeyVault) Name() string { return "azure_keyvault:" + p.cfg.KeyName }

func (p *AzureKeyVault) Key(ctx context.Context) ([]byte, error) {
	return p.memo.get(ctx, func(ctx context.Context) ([]byte, error) {
		if p.client == nil {
			cred, err := azidentity.NewDefaultAzureCredential(nil)
			if err != nil {
				return nil, fmt.Errorf("%w: create Azure credential: %v", ErrAuthFailed, err)
			}
			client, err := azsecrets.NewClient(p.cfg.VaultURL, cred, nil)
			if err != nil {
				return nil, fmt.Errorf("%w: create Key Vault client: %v", ErrAuthFailed, err)
			}
			p.client = client
		}
		resp, err := p.client.GetSecret(ctx, p.cfg.KeyName, p.cfg.KeyVersion, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: get secret: %v", ErrProviderUnavailable, err)
		}
		if resp.Value == nil {
			return nil, fmt.Errorf("%w: secret %q is empty", ErrKeyNotFound, p.cfg.KeyName)
		}
		return decodeSecret(*resp.Value, p.cfg.KeyName)
	})
}

func (p *AzureKeyVault) Close() error {
	p.memo.reset()
	p.client = nil
	return nil
}
