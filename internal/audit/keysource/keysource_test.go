package keysource

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/agentgate/internal/config"
)

func TestLocal_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.key")
	require.NoError(t, os.WriteFile(path, []byte("  secret-from-file\n"), 0o600))

	src, err := NewLocal(path, "")
	require.NoError(t, err)
	defer src.Close()
	assert.Equal(t, "file:"+path, src.Name())

	key, err := src.Key(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "secret-from-file", string(key))

	// Cached after the first read.
	require.NoError(t, os.Remove(path))
	key, err = src.Key(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "secret-from-file", string(key))
}

func TestLocal_Env(t *testing.T) {
	t.Setenv("AGENTGATE_TEST_KEYSOURCE", "secret-from-env")
	src, err := NewLocal("", "AGENTGATE_TEST_KEYSOURCE")
	require.NoError(t, err)
	assert.Equal(t, "env:AGENTGATE_TEST_KEYSOURCE", src.Name())

	key, err := src.Key(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "secret-from-env", string(key))
}

func TestLocal_Errors(t *testing.T) {
	_, err := NewLocal("", "")
	assert.Error(t, err)

	src, err := NewLocal(filepath.Join(t.TempDir(), "missing"), "")
	require.NoError(t, err)
	_, err = src.Key(context.Background())
	assert.ErrorIs(t, err, ErrKeyNotFound)

	empty := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(empty, []byte(" \n"), 0o600))
	src, err = NewLocal(empty, "")
	require.NoError(t, err)
	_, err = src.Key(context.Background())
	assert.ErrorIs(t, err, ErrKeyNotFound)

	src, err = NewLocal("", "AGENTGATE_TEST_KEYSOURCE_UNSET")
	require.NoError(t, err)
	_, err = src.Key(context.Background())
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestOpen_SelectsSource(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.AuditIntegrityConfig
		want string
	}{
		{"explicit env", config.AuditIntegrityConfig{KeySource: "env", KeyEnv: "K", KeyFile: "/f"}, "env:K"},
		{"inferred file", config.AuditIntegrityConfig{KeyFile: "/etc/agentgate/audit.key", KeyEnv: "K"}, "file:/etc/agentgate/audit.key"},
		{"inferred env", config.AuditIntegrityConfig{KeyEnv: "K"}, "env:K"},
		{"aws", config.AuditIntegrityConfig{AWSKMS: config.AWSKMSConfig{KeyID: "alias/audit"}}, "aws_kms:alias/audit"},
		{"secrets manager", config.AuditIntegrityConfig{AWSSecretsManager: config.AWSSecretsManagerConfig{SecretID: "agentgate/audit"}}, "aws_secretsmanager:agentgate/audit"},
		{"gcp", config.AuditIntegrityConfig{KeySource: "gcp_kms", GCPKMS: config.GCPKMSConfig{KeyName: "projects/p/keys/k"}}, "gcp_kms:projects/p/keys/k"},
		{"azure", config.AuditIntegrityConfig{AzureKeyVault: config.AzureKeyVaultConfig{VaultURL: "https://v.vault.azure.net", KeyName: "audit"}}, "azure_keyvault:audit"},
		{"vault", config.AuditIntegrityConfig{HashiCorpVault: config.HashiCorpVaultConfig{Address: "http://127.0.0.1:8200", SecretPath: "secret/data/agentgate"}}, "hashicorp_vault:secret/data/agentgate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src, err := Open(tc.cfg)
			require.NoError(t, err)
			defer src.Close()
			assert.Equal(t, tc.want, src.Name())
		})
	}
}

func TestOpen_Invalid(t *testing.T) {
	cases := map[string]config.AuditIntegrityConfig{
		"unknown":        {KeySource: "hsm"},
		"aws no key":     {KeySource: "aws_kms"},
		"sm no secret":   {KeySource: "aws_secretsmanager"},
		"gcp no key":     {KeySource: "gcp_kms"},
		"azure no url":   {KeySource: "azure_keyvault"},
		"azure no name":  {KeySource: "azure_keyvault", AzureKeyVault: config.AzureKeyVaultConfig{VaultURL: "https://v"}},
		"vault no path":  {KeySource: "hashicorp_vault", HashiCorpVault: config.HashiCorpVaultConfig{Address: "http://v"}},
		"vault bad auth": {KeySource: "hashicorp_vault", HashiCorpVault: config.HashiCorpVaultConfig{Address: "http://v", SecretPath: "s", AuthMethod: "ldap"}},
		"env unset":      {KeySource: "env"},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Open(cfg)
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("AGENTGATE_TEST_KEYSOURCE", "0123456789abcdef0123456789abcdef")
	key, err := Load(context.Background(), config.AuditIntegrityConfig{KeyEnv: "AGENTGATE_TEST_KEYSOURCE"})
	require.NoError(t, err)
	assert.Len(t, key, 32)

	_, err = Load(context.Background(), config.AuditIntegrityConfig{KeyEnv: "AGENTGATE_TEST_KEYSOURCE_UNSET"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "env:AGENTGATE_TEST_KEYSOURCE_UNSET")
}

type fakeWrapper struct {
	generated int
	failWrap  bool
}

func (f *fakeWrapper) unwrap(_ context.Context, wrapped []byte) ([]byte, error) {
	if f.failWrap {
		return nil, errors.New("wrong key")
	}
	return bytes.TrimPrefix(wrapped, []byte("wrapped:")), nil
}

func (f *fakeWrapper) generate(context.Context) ([]byte, []byte, error) {
	f.generated++
	plain := bytes.Repeat([]byte{byte('a' + f.generated)}, 32)
	return plain, append([]byte("wrapped:"), plain...), nil
}

func TestEnvelope_StoresAndReusesDataKey(t *testing.T) {
	dek := filepath.Join(t.TempDir(), "audit.dek")
	w := &fakeWrapper{}

	first, err := envelope(context.Background(), w, dek, "fake")
	require.NoError(t, err)
	assert.Equal(t, 1, w.generated)

	stored, err := os.ReadFile(dek)
	require.NoError(t, err)
	assert.Equal(t, append([]byte("wrapped:"), first...), stored)

	second, err := envelope(context.Background(), w, dek, "fake")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, w.generated)
}

func TestEnvelope_RegeneratesWhenUnwrapFails(t *testing.T) {
	dek := filepath.Join(t.TempDir(), "audit.dek")
	require.NoError(t, os.WriteFile(dek, []byte("stale"), 0o600))
	w := &fakeWrapper{failWrap: true}

	key, err := envelope(context.Background(), w, dek, "fake")
	require.NoError(t, err)
	assert.Len(t, key, 32)
	assert.Equal(t, 1, w.generated)
}

func TestEnvelope_NoFileMintsEachTime(t *testing.T) {
	w := &fakeWrapper{}
	a, err := envelope(context.Background(), w, "", "fake")
	require.NoError(t, err)
	b, err := envelope(context.Background(), w, "", "fake")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSecretField(t *testing.T) {
	key, err := secretField(`{"hmac":"audit-key-0123456789abcdef-0123456789","other":"x"}`, "hmac", "s")
	require.NoError(t, err)
	assert.Equal(t, "audit-key-0123456789abcdef-0123456789", string(key))

	_, err = secretField(`{"other":"x"}`, "hmac", "s")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, err = secretField("plain", "hmac", "s")
	assert.Error(t, err)

	key, err = secretField("plain-secret", "", "s")
	require.NoError(t, err)
	assert.Equal(t, "plain-secret", string(key))
}

func TestDecodeSecret(t *testing.T) {
	key, err := decodeSecret("c2VjcmV0LWtleQ==", "k")
	require.NoError(t, err)
	assert.Equal(t, "secret-key", string(key))

	key, err = decodeSecret("not base64!", "k")
	require.NoError(t, err)
	assert.Equal(t, "not base64!", string(key))

	_, err = decodeSecret("", "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
