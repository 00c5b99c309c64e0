// Package session tracks per-session trust. Sessions are rotated when idle
// and never deleted while the process runs, so audit entries can always be
// related to a session record.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/agentsh/agentgate/pkg/types"
)

// DefaultSessionID is used for requests that do not name a session.
const DefaultSessionID = "default"

// Config configures a Tracker.
type Config struct {
	InitialTrust int
	TrustFloor   int
	DecayStep    int
	Timeout      time.Duration
	Now          func() time.Time
}

func (c *Config) applyDefaults() {
	if c.InitialTrust == 0 {
		c.InitialTrust = 50
	}
	if c.TrustFloor == 0 {
		c.TrustFloor = 30
	}
	if c.DecayStep == 0 {
		c.DecayStep = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Minute
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
}

type entry struct {
	mu  sync.Mutex
	ctx types.SessionContext
}

// Tracker owns the session table.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	cfg      Config
}

// NewTracker creates an empty tracker.
func NewTracker(cfg Config) *Tracker {
	cfg.applyDefaults()
	return &Tracker{
		sessions: make(map[string]*entry),
		cfg:      cfg,
	}
}

// Timeout is the idle period after which a session rotates and its trust decays.
func (t *Tracker) Timeout() time.Duration { return t.cfg.Timeout }

// Now returns the tracker's clock reading.
func (t *Tracker) Now() time.Time { return t.cfg.Now() }

func (t *Tracker) getOrCreate(id string, now time.Time) *entry {
	t.mu.RLock()
	e, ok := t.sessions[id]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.sessions[id]; ok {
		return e
	}
	e = &entry{ctx: types.SessionContext{
		ID:             id,
		StartedAt:      now,
		LastActivityAt: now,
		TrustLevel:     clamp(t.cfg.InitialTrust),
	}}
	t.sessions[id] = e
	return e
}

// Touch records a request against the session, creating it on first use. A
// session idle longer than the timeout is rotated first: it gets a new start
// time and request count but keeps its trust.
func (t *Tracker) Touch(id string) types.SessionContext {
	if id == "" {
		id = DefaultSessionID
	}
	now := t.cfg.Now()
	e := t.getOrCreate(id, now)

	e.mu.Lock()
	defer e.mu.Unlock()
	if now.Sub(e.ctx.LastActivityAt) > t.cfg.Timeout {
		e.ctx.StartedAt = now
		e.ctx.RequestCount = 0
		e.ctx.Rotations++
	}
	e.ctx.RequestCount++
	e.ctx.LastActivityAt = now
	return e.ctx
}

// Get returns a snapshot of the session.
func (t *Tracker) Get(id string) (types.SessionContext, bool) {
	if id == "" {
		id = DefaultSessionID
	}
	t.mu.RLock()
	e, ok := t.sessions[id]
	t.mu.RUnlock()
	if !ok {
		return types.SessionContext{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx, true
}

// Trust returns the session's trust level, or the initial trust for an
// unknown session. It does not create the session.
func (t *Tracker) Trust(id string) int {
	if ctx, ok := t.Get(id); ok {
		return ctx.TrustLevel
	}
	return clamp(t.cfg.InitialTrust)
}

// Adjust adds delta to the session's trust, clamped to [0,100], and returns the new level.
func (t *Tracker) Adjust(id string, delta int) int {
	if id == "" {
		id = DefaultSessionID
	}
	e := t.getOrCreate(id, t.cfg.Now())
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ctx.TrustLevel = clamp(e.ctx.TrustLevel + delta)
	return e.ctx.TrustLevel
}

// Decay lowers the trust of every session inactive beyond the timeout by one
// step, never below the floor. Sessions already below the floor are left alone.
// It returns the number of sessions changed.
func (t *Tracker) Decay(now time.Time) int {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.sessions))
	for _, e := range t.sessions {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	changed := 0
	for _, e := range entries {
		e.mu.Lock()
		if now.Sub(e.ctx.LastActivityAt) > t.cfg.Timeout && e.ctx.TrustLevel > t.cfg.TrustFloor {
			next := e.ctx.TrustLevel - t.cfg.DecayStep
			if next < t.cfg.TrustFloor {
				next = t.cfg.TrustFloor
			}
			e.ctx.TrustLevel = next
			changed++
		}
		e.mu.Unlock()
	}
	return changed
}

// List returns snapshots of every session, ordered by ID.
func (t *Tracker) List() []types.SessionContext {
	t.mu.RLock()
	out := make([]types.SessionContext, 0, len(t.sessions))
	for _, e := range t.sessions {
		e.mu.Lock()
		out = append(out, e.ctx)
		e.mu.Unlock()
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of tracked sessions.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
