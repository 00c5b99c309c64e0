package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/agentsh/agentgate/internal/config"
)

// ErrGroupNotAllowed is returned for valid tokens whose groups are not in
// the configured allow-list.
var ErrGroupNotAllowed = errors.New("user not in allowed groups")

// OIDCClaims contains the validated claims from an OIDC token.
type OIDCClaims struct {
	Subject   string
	CallerID  string // from the configured caller_id claim
	Groups    []string
	Email     string
	ExpiresAt time.Time
}

type cachedToken struct {
	id        Identity
	expiresAt time.Time
}

// OIDCAuth validates bearer JWTs against an OIDC issuer and maps group
// membership to roles.
type OIDCAuth struct {
	verifier      *oidc.IDTokenVerifier
	issuer        string
	mappings      config.OIDCClaimMappings
	allowedGroups []string
	groupRoles    map[string]Role
	defaultRole   Role
	now           func() time.Time

	mu    sync.Mutex
	cache map[string]cachedToken
}

// NewOIDCAuth fetches the issuer's discovery document and JWKS.
func NewOIDCAuth(ctx context.Context, cfg config.AuthOIDCConfig) (*OIDCAuth, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("OIDC issuer is required")
	}
	if cfg.ClientID == "" && cfg.Audience == "" {
		return nil, fmt.Errorf("OIDC client_id is required")
	}
	if cfg.JWKSURL != "" {
		return NewOIDCAuthFromKeySet(cfg, oidc.NewRemoteKeySet(ctx, cfg.JWKSURL))
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("create OIDC provider: %w", err)
	}
	return newOIDCAuth(provider.Verifier(verifierConfig(cfg)), cfg)
}

// NewOIDCAuthFromKeySet verifies tokens against keys without fetching the
// discovery document.
func NewOIDCAuthFromKeySet(cfg config.AuthOIDCConfig, keys oidc.KeySet) (*OIDCAuth, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("OIDC issuer is required")
	}
	return newOIDCAuth(oidc.NewVerifier(cfg.Issuer, keys, verifierConfig(cfg)), cfg)
}

func verifierConfig(cfg config.AuthOIDCConfig) *oidc.Config {
	vc := &oidc.Config{ClientID: cfg.ClientID}
	if cfg.Audience != "" {
		vc.ClientID = cfg.Audience
	}
	return vc
}

func newOIDCAuth(v *oidc.IDTokenVerifier, cfg config.AuthOIDCConfig) (*OIDCAuth, error) {
	m := cfg.ClaimMappings
	if m.CallerID == "" {
		m.CallerID = "sub"
	}
	if m.Groups == "" {
		m.Groups = "groups"
	}
	roles := make(map[string]Role, len(cfg.GroupRoles))
	for g, r := range cfg.GroupRoles {
		role := Role(strings.ToLower(strings.TrimSpace(r)))
		if role.rank() == 0 {
			return nil, fmt.Errorf("oidc group %q: unknown role %q", g, r)
		}
		roles[g] = role
	}
	def := Role(strings.ToLower(strings.TrimSpace(cfg.DefaultRole)))
	if def == "" {
		def = RoleAgent
	}
	if def.rank() == 0 {
		return nil, fmt.Errorf("oidc default_role: unknown role %q", cfg.DefaultRole)
	}
	return &OIDCAuth{
		verifier:      v,
		issuer:        cfg.Issuer,
		mappings:      m,
		allowedGroups: cfg.AllowedGroups,
		groupRoles:    roles,
		defaultRole:   def,
		now:           time.Now,
		cache:         make(map[string]cachedToken),
	}, nil
}

func (a *OIDCAuth) Issuer() string { return a.issuer }

// Authenticate validates token and returns the caller identity. Validated
// tokens are cached until they expire.
func (a *OIDCAuth) Authenticate(ctx context.Context, token string) (Identity, error) {
	if a == nil || token == "" {
		return Identity{}, fmt.Errorf("missing bearer token")
	}
	now := a.now()
	a.mu.Lock()
	if c, ok := a.cache[token]; ok && now.Before(c.expiresAt) {
		a.mu.Unlock()
		return c.id, nil
	}
	a.mu.Unlock()

	claims, err := a.ValidateToken(ctx, token)
	if err != nil {
		return Identity{}, err
	}
	id := Identity{ID: claims.CallerID, Role: a.RoleForClaims(claims)}

	a.mu.Lock()
	for k, c := range a.cache {
		if !now.Before(c.expiresAt) {
			delete(a.cache, k)
		}
	}
	a.cache[token] = cachedToken{id: id, expiresAt: claims.ExpiresAt}
	a.mu.Unlock()
	return id, nil
}

// ValidateToken verifies the signature, issuer, audience and expiry of
// token and extracts the mapped claims.
func (a *OIDCAuth) ValidateToken(ctx context.Context, token string) (*OIDCClaims, error) {
	idToken, err := a.verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	var raw map[string]any
	if err := idToken.Claims(&raw); err != nil {
		return nil, fmt.Errorf("extract claims: %w", err)
	}

	claims := &OIDCClaims{Subject: idToken.Subject, CallerID: idToken.Subject, ExpiresAt: idToken.Expiry}
	if v, ok := raw[a.mappings.CallerID]; ok && a.mappings.CallerID != "sub" {
		claims.CallerID = fmt.Sprintf("%v", v)
	}
	switch g := raw[a.mappings.Groups].(type) {
	case []any:
		for _, v := range g {
			if s, ok := v.(string); ok {
				claims.Groups = append(claims.Groups, s)
			}
		}
	case string:
		claims.Groups = strings.Fields(g)
	}
	if email, ok := raw["email"].(string); ok {
		claims.Email = email
	}

	if len(a.allowedGroups) > 0 && !slices.ContainsFunc(claims.Groups, func(g string) bool {
		return slices.Contains(a.allowedGroups, g)
	}) {
		return nil, ErrGroupNotAllowed
	}
	return claims, nil
}

// RoleForClaims returns the highest role granted by any of the caller's
// groups, or the default role when no group maps to one.
func (a *OIDCAuth) RoleForClaims(claims *OIDCClaims) Role {
	best := a.defaultRole
	if claims == nil {
		return best
	}
	for _, g := range claims.Groups {
		if r, ok := a.groupRoles[g]; ok && r.rank() > best.rank() {
			best = r
		}
	}
	return best
}

// ClearCache drops every cached token.
func (a *OIDCAuth) ClearCache() {
	a.mu.Lock()
	a.cache = make(map[string]cachedToken)
	a.mu.Unlock()
}
