// Package approvals holds requests that are waiting for a human decision and
// the cache of decisions the human asked to remember.
package approvals

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/agentsh/agentgate/pkg/types"
	"github.com/google/uuid"
)

// ErrCapacity is returned by Reserve when every slot is taken.
var ErrCapacity = errors.New("pending request capacity reached")

// ErrClosed accompanies the close resolution Await returns after Close.
var ErrClosed = errors.New("pending registry closed")

// DefaultWarnLead is how long before expiry the request_expiring event fires.
const DefaultWarnLead = 10 * time.Second

// Emitter receives lifecycle notifications.
type Emitter interface {
	Publish(ev types.Event)
}

// Resolution is how a pending request ended.
type Resolution struct {
	Outcome  types.Outcome
	Source   types.DecisionSource
	Reason   string
	Remember bool
	Scope    types.RememberScope
	At       time.Time
}

// Manager tracks pending requests. Slots are reserved before a request is
// evaluated, so the number of in-flight requests never exceeds the capacity.
type Manager struct {
	maxPending int
	emit       Emitter
	now        func() time.Time

	mu       sync.Mutex
	reserved int
	pending  map[string]*pending
	closed   *Resolution
}

type pending struct {
	req          types.PendingRequest
	timeout      time.Duration
	registeredAt time.Time
	ch           chan Resolution
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the manager's clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a manager with room for maxPending requests.
func New(maxPending int, emit Emitter, opts ...Option) *Manager {
	if maxPending <= 0 {
		maxPending = 100
	}
	m := &Manager{
		maxPending: maxPending,
		emit:       emit,
		now:        func() time.Time { return time.Now().UTC() },
		pending:    make(map[string]*pending),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Slot is a reserved place in the pending set.
type Slot struct {
	m    *Manager
	once sync.Once
}

// Reserve takes a slot or fails with ErrCapacity without changing any state.
func (m *Manager) Reserve() (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reserved >= m.maxPending {
		return nil, ErrCapacity
	}
	m.reserved++
	return &Slot{m: m}, nil
}

// Release returns the slot. Calling it more than once has no further effect.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.m.mu.Lock()
		s.m.reserved--
		s.m.mu.Unlock()
	})
}

// Capacity returns the configured maximum.
func (m *Manager) Capacity() int { return m.maxPending }

// Reserved returns the number of slots currently held.
func (m *Manager) Reserved() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserved
}

// Len returns the number of requests awaiting a decision.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Await registers pr under its request ID and blocks until Resolve is called
// for it, the timeout elapses, or ctx is done. A request_expiring event is
// published warnLead before expiry when the timeout is longer than warnLead.
// The slot must already be held by the caller; Await does not release it.
// After Close it returns the close resolution and ErrClosed at once.
func (m *Manager) Await(ctx context.Context, slot *Slot, pr types.PendingRequest, timeout, warnLead time.Duration) (Resolution, error) {
	if slot == nil {
		return Resolution{}, errors.New("await without a reserved slot")
	}
	id := pr.Request.ID
	now := m.now()
	pr.ExpiresAt = now.Add(timeout)
	p := &pending{req: pr, timeout: timeout, registeredAt: now, ch: make(chan Resolution, 1)}

	m.mu.Lock()
	if m.closed != nil {
		res := *m.closed
		m.mu.Unlock()
		res.At = m.now()
		return res, ErrClosed
	}
	if _, dup := m.pending[id]; dup {
		m.mu.Unlock()
		return Resolution{}, errors.New("request already pending: " + id)
	}
	m.pending[id] = p
	m.mu.Unlock()

	m.publish(types.EventRequestPending, pr, nil)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var warn <-chan time.Time
	if warnLead > 0 && timeout > warnLead {
		wt := time.NewTimer(timeout - warnLead)
		defer wt.Stop()
		warn = wt.C
	}

	for {
		select {
		case res := <-p.ch:
			return res, nil
		case <-warn:
			warn = nil
			m.publish(types.EventRequestExpiring, pr, map[string]any{"remaining_ms": warnLead.Milliseconds()})
		case <-timer.C:
			if m.remove(id) {
				return Resolution{Outcome: types.OutcomeTimeout, Source: types.SourceTimeout, Reason: "no decision before timeout", At: m.now()}, nil
			}
			return <-p.ch, nil
		case <-ctx.Done():
			if m.remove(id) {
				return Resolution{Outcome: types.OutcomeDeny, Source: types.SourceCanceled, Reason: "request canceled", At: m.now()}, ctx.Err()
			}
			return <-p.ch, nil
		}
	}
}

func (m *Manager) remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[id]; !ok {
		return false
	}
	delete(m.pending, id)
	return true
}

// Resolve delivers res to the request's waiter. It reports false when no such
// request is pending.
func (m *Manager) Resolve(id string, res Resolution) bool {
	m.mu.Lock()
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	if res.At.IsZero() {
		res.At = m.now()
	}
	p.ch <- res
	return true
}

// Close makes every later Await return res without registering. Requests
// already pending are unaffected; pair Close with ResolveAll to end them too.
func (m *Manager) Close(res Resolution) {
	m.mu.Lock()
	m.closed = &res
	m.mu.Unlock()
}

// Reopen undoes Close.
func (m *Manager) Reopen() {
	m.mu.Lock()
	m.closed = nil
	m.mu.Unlock()
}

// ResolveAll resolves every pending request with res and returns how many were resolved.
func (m *Manager) ResolveAll(res Resolution) int {
	n := 0
	for _, id := range m.ids() {
		if m.Resolve(id, res) {
			n++
		}
	}
	return n
}

// PurgeStale resolves as timed out every request pending for longer than twice
// its own timeout.
func (m *Manager) PurgeStale(now time.Time) int {
	m.mu.Lock()
	var stale []string
	for id, p := range m.pending {
		if now.Sub(p.registeredAt) > 2*p.timeout {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, id := range stale {
		if m.Resolve(id, Resolution{
			Outcome: types.OutcomeTimeout,
			Source:  types.SourceTimeout,
			Reason:  "purged: pending longer than twice its timeout",
			At:      now,
		}) {
			n++
		}
	}
	return n
}

func (m *Manager) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	return ids
}

// Get returns the pending request with the given ID.
func (m *Manager) Get(id string) (types.PendingRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[id]
	if !ok {
		return types.PendingRequest{}, false
	}
	return p.req, true
}

// ListPending returns the pending requests, soonest expiry first.
func (m *Manager) ListPending() []types.PendingRequest {
	m.mu.Lock()
	out := make([]types.PendingRequest, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p.req)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

func (m *Manager) publish(evType string, pr types.PendingRequest, fields map[string]any) {
	if m.emit == nil {
		return
	}
	pending := pr
	m.emit.Publish(types.Event{
		ID:        uuid.NewString(),
		Timestamp: m.now(),
		Type:      evType,
		SessionID: pr.Session.ID,
		RequestID: pr.Request.ID,
		Pending:   &pending,
		Fields:    fields,
	})
}
