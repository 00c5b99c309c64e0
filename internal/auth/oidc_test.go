package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/agentgate/internal/config"
)

const testIssuer = "https://idp.example.test"

func signToken(t *testing.T, key *rsa.PrivateKey, claims map[string]any) string {
	t.Helper()
	enc := base64.RawURLEncoding
	header, err := json.Marshal(map[string]string{"alg": "RS256", "typ": "JWT"})
	require.NoError(t, err)
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	signing := enc.EncodeToString(header) + "." + enc.EncodeToString(payload)
	sum := sha256.Sum256([]byte(signing))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, sum[:])
	require.NoError(t, err)
	return signing + "." + enc.EncodeToString(sig)
}

func baseClaims(sub string, groups ...string) map[string]any {
	return map[string]any{
		"iss":    testIssuer,
		"aud":    "agentgate",
		"sub":    sub,
		"exp":    time.Now().Add(time.Hour).Unix(),
		"iat":    time.Now().Unix(),
		"groups": groups,
		"email":  sub + "@example.test",
	}
}

func newTestOIDC(t *testing.T, cfg config.AuthOIDCConfig) (*OIDCAuth, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	cfg.Issuer = testIssuer
	if cfg.ClientID == "" {
		cfg.ClientID = "agentgate"
	}
	a, err := NewOIDCAuthFromKeySet(cfg, &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{key.Public()}})
	require.NoError(t, err)
	return a, key
}

func TestOIDCAuth_ValidateToken(t *testing.T) {
	a, key := newTestOIDC(t, config.AuthOIDCConfig{})
	claims, err := a.ValidateToken(context.Background(), signToken(t, key, baseClaims("alice", "ops", "dev")))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "alice", claims.CallerID)
	assert.Equal(t, []string{"ops", "dev"}, claims.Groups)
	assert.Equal(t, "alice@example.test", claims.Email)
}

func TestOIDCAuth_RejectsBadTokens(t *testing.T) {
	a, key := newTestOIDC(t, config.AuthOIDCConfig{})
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	expired := baseClaims("alice")
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	wrongAud := baseClaims("alice")
	wrongAud["aud"] = "someone-else"
	wrongIss := baseClaims("alice")
	wrongIss["iss"] = "https://evil.example.test"

	for name, tok := range map[string]string{
		"expired":        signToken(t, key, expired),
		"audience":       signToken(t, key, wrongAud),
		"issuer":         signToken(t, key, wrongIss),
		"foreign key":    signToken(t, other, baseClaims("alice")),
		"not a jwt":      "garbage",
		"missing tokens": "",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := a.Authenticate(context.Background(), tok)
			assert.Error(t, err)
		})
	}
}

func TestOIDCAuth_CallerIDClaimMapping(t *testing.T) {
	a, key := newTestOIDC(t, config.AuthOIDCConfig{ClaimMappings: config.OIDCClaimMappings{CallerID: "email", Groups: "roles"}})
	c := baseClaims("alice")
	c["roles"] = "approvers admins"
	claims, err := a.ValidateToken(context.Background(), signToken(t, key, c))
	require.NoError(t, err)
	assert.Equal(t, "alice@example.test", claims.CallerID)
	assert.Equal(t, []string{"approvers", "admins"}, claims.Groups)
}

func TestOIDCAuth_AllowedGroups(t *testing.T) {
	a, key := newTestOIDC(t, config.AuthOIDCConfig{AllowedGroups: []string{"ops"}})
	_, err := a.Authenticate(context.Background(), signToken(t, key, baseClaims("bob", "dev")))
	assert.ErrorIs(t, err, ErrGroupNotAllowed)

	id, err := a.Authenticate(context.Background(), signToken(t, key, baseClaims("carol", "dev", "ops")))
	require.NoError(t, err)
	assert.Equal(t, "carol", id.ID)
}

func TestOIDCAuth_RoleMapping(t *testing.T) {
	a, key := newTestOIDC(t, config.AuthOIDCConfig{
		GroupRoles: map[string]string{"reviewers": "approver", "sre": "Admin"},
	})
	cases := []struct {
		groups []string
		want   Role
	}{
		{nil, RoleAgent},
		{[]string{"dev"}, RoleAgent},
		{[]string{"reviewers"}, RoleApprover},
		{[]string{"reviewers", "sre"}, RoleAdmin},
	}
	for _, tc := range cases {
		id, err := a.Authenticate(context.Background(), signToken(t, key, baseClaims("u", tc.groups...)))
		require.NoError(t, err)
		assert.Equal(t, tc.want, id.Role, "groups %v", tc.groups)
	}
}

func TestOIDCAuth_CachesValidatedTokens(t *testing.T) {
	a, key := newTestOIDC(t, config.AuthOIDCConfig{GroupRoles: map[string]string{"sre": "admin"}})
	tok := signToken(t, key, baseClaims("dave", "sre"))
	_, err := a.Authenticate(context.Background(), tok)
	require.NoError(t, err)
	require.Len(t, a.cache, 1)

	// A cached token skips verification until it expires.
	a.verifier = nil
	id, err := a.Authenticate(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, id.Role)

	a.ClearCache()
	assert.Empty(t, a.cache)
}

func TestNewOIDCAuth_Validation(t *testing.T) {
	_, err := NewOIDCAuth(context.Background(), config.AuthOIDCConfig{})
	assert.Error(t, err)
	_, err = NewOIDCAuth(context.Background(), config.AuthOIDCConfig{Issuer: testIssuer})
	assert.Error(t, err)

	keys := &oidc.StaticKeySet{}
	_, err = NewOIDCAuthFromKeySet(config.AuthOIDCConfig{Issuer: testIssuer, GroupRoles: map[string]string{"x": "root"}}, keys)
	assert.Error(t, err)
	_, err = NewOIDCAuthFromKeySet(config.AuthOIDCConfig{Issuer: testIssuer, DefaultRole: "owner"}, keys)
	assert.Error(t, err)
}
