// Package auth maps API keys to caller identities and roles.
package auth

import (
	"crypto/subtle"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Role limits what a caller may do.
type Role string

const (
	// RoleAgent may submit requests and pre-check policy. It may never decide,
	// so an agent cannot approve its own request.
	RoleAgent Role = "agent"
	// RoleApprover may also list and decide pending requests and read audit data.
	RoleApprover Role = "approver"
	// RoleAdmin may do everything, including emergency stop and policy updates.
	RoleAdmin Role = "admin"
)

func (r Role) rank() int {
	switch r {
	case RoleAgent:
		return 1
	case RoleApprover:
		return 2
	case RoleAdmin:
		return 3
	}
	return 0
}

// AtLeast reports whether r grants everything min grants.
func (r Role) AtLeast(min Role) bool {
	return r.rank() > 0 && r.rank() >= min.rank()
}

// Identity is the authenticated caller.
type Identity struct {
	ID   string
	Role Role
}

type APIKeyAuth struct {
	headerName string
	keys       map[string]Identity
}

type keyFileEntry struct {
	ID          string `yaml:"id"`
	Key         string `yaml:"key"`
	Description string `yaml:"description"`
	Role        string `yaml:"role"` // agent|approver|admin
}

func LoadAPIKeys(keysFile string, headerName string) (*APIKeyAuth, error) {
	if keysFile == "" {
		return nil, fmt.Errorf("api key auth enabled but keys_file is empty")
	}
	b, err := os.ReadFile(keysFile)
	if err != nil {
		return nil, fmt.Errorf("read api keys file: %w", err)
	}
	return ParseAPIKeys(b, headerName)
}

// ParseAPIKeys builds an APIKeyAuth from a YAML key list. Entries without a
// role get the agent role.
func ParseAPIKeys(b []byte, headerName string) (*APIKeyAuth, error) {
	if strings.TrimSpace(headerName) == "" {
		headerName = "X-API-Key"
	}
	var entries []keyFileEntry
	if err := yaml.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("parse api keys file: %w", err)
	}
	keys := make(map[string]Identity, len(entries))
	for i, e := range entries {
		if strings.TrimSpace(e.Key) == "" {
			continue
		}
		role := Role(strings.ToLower(strings.TrimSpace(e.Role)))
		if role == "" {
			role = RoleAgent
		}
		if role.rank() == 0 {
			return nil, fmt.Errorf("api key %d: unknown role %q", i, e.Role)
		}
		id := e.ID
		if id == "" {
			id = fmt.Sprintf("key-%d", i)
		}
		keys[e.Key] = Identity{ID: id, Role: role}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("api keys file contains no keys")
	}
	return &APIKeyAuth{headerName: headerName, keys: keys}, nil
}

func (a *APIKeyAuth) HeaderName() string { return a.headerName }

// Authenticate returns the identity owning key.
func (a *APIKeyAuth) Authenticate(key string) (Identity, bool) {
	if a == nil || key == "" {
		return Identity{}, false
	}
	for k, id := range a.keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return id, true
		}
	}
	return Identity{}, false
}

func (a *APIKeyAuth) IsAllowed(key string) bool {
	_, ok := a.Authenticate(key)
	return ok
}

func (a *APIKeyAuth) RoleForKey(key string) Role {
	id, _ := a.Authenticate(key)
	return id.Role
}
