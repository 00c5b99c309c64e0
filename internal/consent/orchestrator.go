// Package consent drives an operation request from submission to an audited
// decision.
package consent

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/agentsh/agentgate/internal/approvals"
	"github.com/agentsh/agentgate/internal/audit"
	"github.com/agentsh/agentgate/internal/guard"
	"github.com/agentsh/agentgate/internal/metrics"
	"github.com/agentsh/agentgate/internal/policy"
	"github.com/agentsh/agentgate/internal/risk"
	"github.com/agentsh/agentgate/internal/session"
	"github.com/agentsh/agentgate/pkg/hotreload"
	"github.com/agentsh/agentgate/pkg/types"
	"github.com/google/uuid"
)

// DefaultMaintenanceInterval is the period of Run's maintenance tick.
const DefaultMaintenanceInterval = 60 * time.Second

// Deps are the collaborators an Orchestrator is assembled from.
type Deps struct {
	Paths    *guard.PathResolver
	Commands *guard.CommandGuard
	Scorer   *risk.Scorer // nil: a scorer over the command guard's patterns
	Sessions *session.Tracker
	Audit    *audit.Log
	Events   approvals.Emitter // may be nil
	Metrics  *metrics.Collector
	Logger   *slog.Logger
}

// Options tune an Orchestrator.
type Options struct {
	Policy              *policy.Policy // nil: policy.DefaultPolicy()
	MaxPending          int
	WarnLead            time.Duration
	MaintenanceInterval time.Duration
	Now                 func() time.Time
}

// Orchestrator is safe for concurrent use. Its shared state lives in the
// pending registry, the session tracker, the audit log and the remembered
// store, each with its own lock.
type Orchestrator struct {
	paths    *guard.PathResolver
	commands *guard.CommandGuard
	scorer   *risk.Scorer
	sessions *session.Tracker
	audit    *audit.Log
	metrics  *metrics.Collector
	logger   *slog.Logger
	emit     approvals.Emitter

	policy     *hotreload.Reloadable[policy.Compiled]
	pending    *approvals.Manager
	remembered *approvals.RememberedStore

	warnLead time.Duration
	interval time.Duration
	now      func() time.Time

	halted atomic.Bool
}

// New validates deps and the initial policy and builds an Orchestrator.
func New(d Deps, opts Options) (*Orchestrator, error) {
	switch {
	case d.Paths == nil:
		return nil, errors.New("consent: path resolver is required")
	case d.Commands == nil:
		return nil, errors.New("consent: command guard is required")
	case d.Sessions == nil:
		return nil, errors.New("consent: session tracker is required")
	case d.Audit == nil:
		return nil, errors.New("consent: audit log is required")
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	scorer := d.Scorer
	if scorer == nil {
		scorer = risk.NewScorer(risk.Config{Patterns: d.Commands.Patterns(), Logger: logger})
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.WarnLead <= 0 {
		opts.WarnLead = approvals.DefaultWarnLead
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = DefaultMaintenanceInterval
	}
	p := opts.Policy
	if p == nil {
		p = policy.DefaultPolicy()
	}
	p.ApplyDefaults()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("consent: invalid policy: %w", err)
	}

	emit := meteredEmitter{next: d.Events, m: d.Metrics}
	o := &Orchestrator{
		paths:      d.Paths,
		commands:   d.Commands,
		scorer:     scorer,
		sessions:   d.Sessions,
		audit:      d.Audit,
		metrics:    d.Metrics,
		logger:     logger,
		emit:       emit,
		policy:     hotreload.NewReloadable[policy.Compiled](nil),
		pending:    approvals.New(opts.MaxPending, emit, approvals.WithClock(opts.Now)),
		remembered: approvals.NewRememberedStore(d.Sessions.Timeout(), opts.Now),
		warnLead:   opts.WarnLead,
		interval:   opts.MaintenanceInterval,
		now:        opts.Now,
	}
	o.policy.Update(func(v int64) *policy.Compiled { return policy.Compile(p, v, logger) })
	return o, nil
}

type meteredEmitter struct {
	next approvals.Emitter
	m    *metrics.Collector
}

func (e meteredEmitter) Publish(ev types.Event) {
	e.m.IncEvent(ev.Type)
	if e.next != nil {
		e.next.Publish(ev)
	}
}

func (o *Orchestrator) publish(evType, sessionID string, fields map[string]any) {
	o.emit.Publish(types.Event{
		ID:        uuid.NewString(),
		Timestamp: o.now(),
		Type:      evType,
		SessionID: sessionID,
		Fields:    fields,
	})
}

// CheckPolicy evaluates operation:target against the current policy at the
// default session's trust, without creating a request.
func (o *Orchestrator) CheckPolicy(op types.Operation, target string) types.PolicyResult {
	return o.EvaluatePolicy(session.DefaultSessionID, op, target).Decision
}

// EvaluatePolicy is CheckPolicy for a named session, returning the matched rule.
func (o *Orchestrator) EvaluatePolicy(sessionID string, op types.Operation, target string) policy.Result {
	return o.policy.Get().Matcher.Evaluate(string(op), target, o.sessions.Trust(sessionID))
}

// Decide resolves a request that is awaiting a human decision.
func (o *Orchestrator) Decide(requestID string, outcome types.Outcome, remember bool, scope types.RememberScope) error {
	if outcome != types.OutcomeAllow && outcome != types.OutcomeDeny {
		return ErrInvalidOutcome
	}
	if remember && scope == "" {
		scope = types.ScopeSession
	}
	if remember && !scope.Valid() {
		return fmt.Errorf("consent: invalid remember scope %q", scope)
	}
	ok := o.pending.Resolve(requestID, approvals.Resolution{
		Outcome:  outcome,
		Source:   types.SourceUser,
		Reason:   "decided by user",
		Remember: remember,
		Scope:    scope,
	})
	if !ok {
		return ErrNotPending
	}
	return nil
}

// EmergencyStop resolves every request awaiting a decision to deny and
// returns how many were resolved. It does not halt new submissions.
func (o *Orchestrator) EmergencyStop(reason string) int {
	if reason == "" {
		reason = "emergency stop"
	}
	n := o.pending.ResolveAll(approvals.Resolution{
		Outcome: types.OutcomeDeny,
		Source:  types.SourceEmergencyStop,
		Reason:  reason,
	})
	o.logger.Warn("consent: emergency stop", "resolved", n, "reason", reason)
	o.publish(types.EventEmergencyStop, "", map[string]any{"resolved": n, "reason": reason})
	return n
}

// Halt makes Submit refuse new requests with ErrHalted. Requests already
// admitted that reach the awaiting state afterwards are denied at once.
func (o *Orchestrator) Halt() {
	o.halted.Store(true)
	o.pending.Close(approvals.Resolution{
		Outcome: types.OutcomeDeny,
		Source:  types.SourceEmergencyStop,
		Reason:  "halted: no new requests may await a decision",
	})
}

// Resume undoes Halt.
func (o *Orchestrator) Resume() {
	o.pending.Reopen()
	o.halted.Store(false)
}

func (o *Orchestrator) Halted() bool { return o.halted.Load() }

// UpdatePolicy installs p for every request that has not yet reached policy
// evaluation. Requests already past that point keep their snapshot.
func (o *Orchestrator) UpdatePolicy(p *policy.Policy) error {
	if p == nil {
		return errors.New("consent: nil policy")
	}
	p.ApplyDefaults()
	if err := p.Validate(); err != nil {
		return fmt.Errorf("consent: invalid policy: %w", err)
	}
	c := o.policy.Update(func(v int64) *policy.Compiled { return policy.Compile(p, v, o.logger) })
	deny, allow, ask := p.Rules()
	o.logger.Info("consent: policy updated", "name", p.Name, "version", c.Version,
		"always_deny", deny, "always_allow", allow, "require_consent", ask)
	o.publish(types.EventPolicyUpdated, "", map[string]any{"name": p.Name, "version": c.Version})
	return nil
}

// Reload loads and installs the policy file at path. It satisfies
// hotreload.PolicyLoader.
func (o *Orchestrator) Reload(path string) error {
	p, err := policy.LoadFromFile(path)
	if err != nil {
		return err
	}
	return o.UpdatePolicy(p)
}

// Policy returns the current compiled policy snapshot.
func (o *Orchestrator) Policy() *policy.Compiled { return o.policy.Get() }

// ClearRemembered forgets every remembered decision.
func (o *Orchestrator) ClearRemembered() int {
	n := o.remembered.Clear()
	o.logger.Info("consent: remembered decisions cleared", "count", n)
	o.publish(types.EventHistoryCleared, "", map[string]any{"cleared": n})
	return n
}

// RememberedCount returns the number of cached decisions.
func (o *Orchestrator) RememberedCount() int { return o.remembered.Len() }

// Pending lists requests awaiting a decision, soonest expiry first.
func (o *Orchestrator) Pending() []types.PendingRequest { return o.pending.ListPending() }

// PendingRequest returns one request awaiting a decision.
func (o *Orchestrator) PendingRequest(id string) (types.PendingRequest, bool) {
	return o.pending.Get(id)
}

// InFlight returns the number of admitted requests that have not yet been audited.
func (o *Orchestrator) InFlight() int { return o.pending.Reserved() }

// Capacity returns the maximum number of admitted requests.
func (o *Orchestrator) Capacity() int { return o.pending.Capacity() }

func (o *Orchestrator) Sessions() []types.SessionContext { return o.sessions.List() }

func (o *Orchestrator) Audit() *audit.Log { return o.audit }
