package keysource

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	kmsv1 "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"

	"github.com/agentsh/agentgate/internal/config"
)

// GCPKMS derives the key from a locally minted data key wrapped by Cloud KMS.
type GCPKMS struct {
	cfg    config.GCPKMSConfig
	client *kmsv1.KeyManagementClient
	memo   memo
}

func NewGCPKMS(cfg config.GCPKMSConfig) (*GCPKMS, error) {
	if cfg.KeyName == "" {
		return nil, errors.New("gcp_kms: key_name is required")
	}
	return &GCPKMS{cfg: cfg}, nil
}

func (p *GCPKMS) Name() string { return "gcp_kms:" + p.cfg.KeyName }

func (p *GCPKMS) Key(ctx context.Context) ([]byte, error) {
	return p.memo.get(ctx, func(ctx context.Context) ([]byte, error) {
		if p.client == nil {
			client, err := kmsv1.NewKeyManagementClient(ctx)
			if err != nil {
				return nil, fmt.Errorf("%w: create Cloud KMS client: %v", ErrAuthFailed, err)
			}
			p.client = client
		}
		return envelope(ctx, p, p.cfg.EncryptedDEKFile, p.Name())
	})
}

func (p *GCPKMS) unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	resp, err := p.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:       p.cfg.KeyName,
		Ciphertext: wrapped,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt data key: %v", ErrProviderUnavailable, err)
	}
	return resp.Plaintext, nil
}

func (p *GCPKMS) generate(ctx context.Context) ([]byte, []byte, error) {
	plaintext := make([]byte, 32)
	if _, err := rand.Read(plaintext); err != nil {
		return nil, nil, fmt.Errorf("generate data key: %w", err)
	}
	resp, err := p.client.Encrypt(ctx, &kmspb.EncryptRequest{
		Name:      p.cfg.KeyName,
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encrypt data key: %v", ErrProviderUnavailable, err)
	}
	return plaintext, resp.Ciphertext, nil
}

func (p *GCPKMS) Close() error {
	p.memo.reset()
	if p.client != nil {
		err := p.client.Close()
		p.client = nil
		return err
	}
	return nil
}
