package keysource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/agentsh/agentgate/internal/config"
)

// AWSKMS derives the key from an AWS KMS data key kept wrapped on disk.
type AWSKMS struct {
	cfg    config.AWSKMSConfig
	client *kms.Client
	memo   memo
}

func NewAWSKMS(cfg config.AWSKMSConfig) (*AWSKMS, error) {
	if cfg.KeyID == "" {
		return nil, errors.New("aws_kms: key_id is required")
	}
	return &AWSKMS{cfg: cfg}, nil
}

func (p *AWSKMS) Name() string { return "aws_kms:" + p.cfg.KeyID }

func (p *AWSKMS) Key(ctx context.Context) ([]byte, error) {
	return p.memo.get(ctx, func(ctx context.Context) ([]byte, error) {
		if p.client == nil {
			awsCfg, err := loadAWSConfig(ctx, p.cfg.Region, p.cfg.RoleARN)
			if err != nil {
				return nil, err
			}
			p.client = kms.NewFromConfig(awsCfg)
		}
		return envelope(ctx, p, p.cfg.EncryptedDEKFile, p.Name())
	})
}

func (p *AWSKMS) unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	out, err := p.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(p.cfg.KeyID),
		CiphertextBlob: wrapped,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt data key: %v", ErrProviderUnavailable, err)
	}
	return out.Plaintext, nil
}

func (p *AWSKMS) generate(ctx context.Context) ([]byte, []byte, error) {
	out, err := p.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(p.cfg.KeyID),
		KeySpec: kmstypes.DataKeySpecAes256,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: generate data key: %v", ErrProviderUnavailable, err)
	}
	return out.Plaintext, out.CiphertextBlob, nil
}

func (p *AWSKMS) Close() error {
	p.memo.reset()
	p.client = nil
	return nil
}

// AWSSecretsManager reads the key from a Secrets Manager secret.
type AWSSecretsManager struct {
	cfg    config.AWSSecretsManagerConfig
	client *secretsmanager.Client
	memo   memo
}

func NewAWSSecretsManager(cfg config.AWSSecretsManagerConfig) (*AWSSecretsManager, error) {
	if cfg.SecretID == "" {
		return nil, errors.New("aws_secretsmanager: secret_id is required")
	}
	return &AWSSecretsManager{cfg: cfg}, nil
}

func (p *AWSSecretsManager) Name() string { return "aws_secretsmanager:" + p.cfg.SecretID }

func (p *AWSSecretsManager) Key(ctx context.Context) ([]byte, error) {
	return p.memo.get(ctx, func(ctx context.Context) ([]byte, error) {
		if p.client == nil {
			awsCfg, err := loadAWSConfig(ctx, p.cfg.Region, p.cfg.RoleARN)
			if err != nil {
				return nil, err
			}
			p.client = secretsmanager.NewFromConfig(awsCfg)
		}
		out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
			SecretId: aws.String(p.cfg.SecretID),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: get secret value: %v", ErrProviderUnavailable, err)
		}
		if out.SecretString == nil {
			if len(out.SecretBinary) == 0 {
				return nil, fmt.Errorf("%w: secret %q is empty", ErrKeyNotFound, p.cfg.SecretID)
			}
			return out.SecretBinary, nil
		}
		return secretField(*out.SecretString, p.cfg.Field, p.cfg.SecretID)
	})
}

func (p *AWSSecretsManager) Close() error {
	p.memo.reset()
	p.client = nil
	return nil
}

// secretField returns raw when field is empty, otherwise the named member of
// the JSON object in raw.
func secretField(raw, field, secretID string) ([]byte, error) {
	if field == "" {
		return decodeSecret(raw, secretID)
	}
	var obj map[string]string
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, fmt.Errorf("secret %q is not a JSON object: %w", secretID, err)
	}
	v, ok := obj[field]
	if !ok {
		return nil, fmt.Errorf("%w: field %q not found in secret %q", ErrKeyNotFound, field, secretID)
	}
	return decodeSecret(v, field)
}

// loadAWSConfig resolves credentials from the default chain, assuming
// roleARN through STS when set.
func loadAWSConfig(ctx context.Context, region, roleARN string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("%w: load AWS config: %v", ErrAuthFailed, err)
	}
	if roleARN != "" {
		creds := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(awsCfg), roleARN)
		awsCfg.Credentials = aws.NewCredentialsCache(creds)
	}
	return awsCfg, nil
}
