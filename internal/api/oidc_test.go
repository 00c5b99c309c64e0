package api

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/agentgate/internal/auth"
	"github.com/agentsh/agentgate/internal/config"
)

func bearerFor(t *testing.T, key *rsa.PrivateKey, sub string, groups ...string) string {
	t.Helper()
	enc := base64.RawURLEncoding
	header, _ := json.Marshal(map[string]string{"alg": "RS256", "typ": "JWT"})
	payload, err := json.Marshal(map[string]any{
		"iss":    "https://idp.example.test",
		"aud":    "agentgate",
		"sub":    sub,
		"exp":    time.Now().Add(time.Hour).Unix(),
		"groups": groups,
	})
	require.NoError(t, err)
	signing := enc.EncodeToString(header) + "." + enc.EncodeToString(payload)
	sum := sha256.Sum256([]byte(signing))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, sum[:])
	require.NoError(t, err)
	return signing + "." + enc.EncodeToString(sig)
}

func TestHybridAuth_APIKeyOrBearer(t *testing.T) {
	ta := newTestApp(t, 0)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	oa, err := auth.NewOIDCAuthFromKeySet(config.AuthOIDCConfig{
		Issuer:     "https://idp.example.test",
		ClientID:   "agentgate",
		GroupRoles: map[string]string{"reviewers": "approver"},
	}, &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{key.Public()}})
	require.NoError(t, err)
	ta.app.cfg.Auth.Type = "hybrid"
	ta.app.oidcAuth = oa
	h := ta.app.Router()

	get := func(hdr, val string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/requests/pending", nil)
		if hdr != "" {
			req.Header.Set(hdr, val)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusOK, get("X-API-Key", "sk-approver"))
	assert.Equal(t, http.StatusUnauthorized, get("X-API-Key", "sk-wrong"))
	assert.Equal(t, http.StatusOK, get("Authorization", "Bearer "+bearerFor(t, key, "rita", "reviewers")))
	assert.Equal(t, http.StatusForbidden, get("Authorization", "Bearer "+bearerFor(t, key, "dan", "dev")))
	assert.Equal(t, http.StatusUnauthorized, get("Authorization", "Bearer not.a.jwt"))
	assert.Equal(t, http.StatusUnauthorized, get("Authorization", "Basic dXNlcjpwdw=="))
	assert.Equal(t, http.StatusUnauthorized, get("", ""))
}

func TestOIDCAuth_NotInitialized(t *testing.T) {
	ta := newTestApp(t, 0)
	ta.app.cfg.Auth.Type = "oidc"
	rr := httptest.NewRecorder()
	ta.app.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/requests/pending", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := bearerToken(req)
	assert.False(t, ok)

	req.Header.Set("Authorization", "bearer  abc ")
	tok, ok := bearerToken(req)
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	req.Header.Set("Authorization", "Bearer ")
	_, ok = bearerToken(req)
	assert.False(t, ok)
}
