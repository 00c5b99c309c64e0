package approvals

import (
	"sync"
	"time"

	"github.com/agentsh/agentgate/pkg/types"
)

type remembered struct {
	decision     types.Decision
	scope        types.RememberScope
	sessionID    string
	sessionStart time.Time
	storedAt     time.Time
}

// RememberedStore caches human decisions by "operation:target". Session-scoped
// entries apply only to the session epoch that stored them and only while that
// epoch is younger than the session timeout. Permanent entries always apply.
type RememberedStore struct {
	mu      sync.RWMutex
	entries map[string]remembered
	timeout time.Duration
	now     func() time.Time
}

// NewRememberedStore creates an empty store. now may be nil.
func NewRememberedStore(sessionTimeout time.Duration, now func() time.Time) *RememberedStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &RememberedStore{
		entries: make(map[string]remembered),
		timeout: sessionTimeout,
		now:     now,
	}
}

// Put stores d under key. A later Put for the same key replaces it.
func (s *RememberedStore) Put(key string, d types.Decision, scope types.RememberScope, sess types.SessionContext) {
	if !scope.Valid() {
		scope = types.ScopeSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = remembered{
		decision:     d,
		scope:        scope,
		sessionID:    sess.ID,
		sessionStart: sess.StartedAt,
		storedAt:     s.now(),
	}
}

// Lookup returns the remembered decision for key if it is still valid for sess.
func (s *RememberedStore) Lookup(key string, sess types.SessionContext) (types.Decision, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return types.Decision{}, false
	}
	if e.scope == types.ScopePermanent {
		return e.decision, true
	}
	if e.sessionID != sess.ID {
		return types.Decision{}, false
	}
	if !e.sessionStart.Equal(sess.StartedAt) || s.expired(e, s.now()) {
		s.mu.Lock()
		if cur, ok := s.entries[key]; ok && cur.storedAt.Equal(e.storedAt) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return types.Decision{}, false
	}
	return e.decision, true
}

func (s *RememberedStore) expired(e remembered, now time.Time) bool {
	return e.scope == types.ScopeSession && s.timeout > 0 && now.Sub(e.sessionStart) > s.timeout
}

// Prune drops session-scoped entries whose session epoch is older than the timeout.
func (s *RememberedStore) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// Clear removes every entry and returns how many were removed.
func (s *RememberedStore) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	s.entries = make(map[string]remembered)
	return n
}

// Len returns the number of stored entries.
func (s *RememberedStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
