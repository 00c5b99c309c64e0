package consent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentsh/agentgate/internal/approvals"
	"github.com/agentsh/agentgate/internal/policy"
	"github.com/agentsh/agentgate/internal/risk"
	"github.com/agentsh/agentgate/internal/session"
	"github.com/agentsh/agentgate/pkg/observability"
	"github.com/agentsh/agentgate/pkg/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// State is a step of the request lifecycle.
type State string

const (
	StateCreated            State = "created"
	StateValidating         State = "validating"
	StateCheckingRemembered State = "checking_remembered"
	StatePolicyEvaluating   State = "policy_evaluating"
	StateRiskAnalyzing      State = "risk_analyzing"
	StateAutoResolved       State = "auto_resolved"
	StateAwaitingDecision   State = "awaiting_decision"
	StateResolved           State = "resolved"
	StateAudited            State = "audited"
)

// flight is one admitted request on its way to Audited.
type flight struct {
	req      types.OperationRequest
	session  types.SessionContext
	compiled *policy.Compiled
	target   string
	risk     *types.RiskAssessment
	decision types.Decision
	state    State
	awaited  bool
	started  time.Time
	span     trace.Span
}

func (f *flight) enter(s State) {
	f.state = s
	f.span.AddEvent(string(s))
}

// Submit runs req through validation, remembered decisions, policy and risk
// analysis, waiting for a human when required. The only errors are
// *CapacityError and ErrHalted, both returned before a request exists. Every
// admitted request yields exactly one decision and one audit entry.
func (o *Orchestrator) Submit(ctx context.Context, req types.OperationRequest) (dec types.Decision, err error) {
	if o.halted.Load() {
		o.metrics.IncHaltedRejected()
		return types.Decision{}, ErrHalted
	}
	slot, err := o.pending.Reserve()
	if err != nil {
		o.metrics.IncCapacityRejected()
		return types.Decision{}, &CapacityError{Capacity: o.pending.Capacity(), Err: err}
	}
	defer slot.Release()

	req = o.normalize(req)
	ctx, span := observability.TraceRequest(ctx, req)
	defer span.End()

	f := &flight{
		req:     req,
		session: o.sessions.Touch(req.SessionID),
		state:   StateCreated,
		started: o.now(),
		span:    span,
	}
	defer func() {
		if r := recover(); r != nil {
			o.metrics.IncPanicRecovered()
			o.logger.Error("consent: recovered panic", "request_id", f.req.ID, "state", f.state, "panic", r)
			o.resolve(f, types.OutcomeDeny, types.SourceError, fmt.Sprintf("internal error while %s", f.state), "")
		}
		dec = o.finalize(ctx, f)
	}()

	o.process(ctx, slot, f)
	return f.decision, nil
}

func (o *Orchestrator) normalize(req types.OperationRequest) types.OperationRequest {
	req = req.Clone()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.SessionID == "" {
		req.SessionID = session.DefaultSessionID
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = o.now()
	}
	return req
}

func (o *Orchestrator) process(ctx context.Context, slot *approvals.Slot, f *flight) {
	f.enter(StateValidating)
	target, err := o.validate(f.req)
	f.target = target
	if err != nil {
		o.resolve(f, types.OutcomeDeny, types.SourceValidation, err.Error(), "")
		return
	}

	f.enter(StateCheckingRemembered)
	key := policy.Subject(string(f.req.Operation), f.target)
	if d, ok := o.remembered.Lookup(key, f.session); ok {
		o.resolve(f, d.Outcome, types.SourceRemembered, "remembered decision from request "+d.RequestID, "")
		return
	}

	f.enter(StatePolicyEvaluating)
	f.compiled = o.policy.Get()
	_, pspan := observability.PolicyEvalSpan(ctx, key)
	res := f.compiled.Matcher.Evaluate(string(f.req.Operation), f.target, f.session.TrustLevel)
	pspan.End()
	switch res.Decision {
	case types.PolicyDeny:
		o.resolve(f, types.OutcomeDeny, types.SourcePolicyDeny, "matched "+res.Source, res.Rule)
		return
	case types.PolicyAllow:
		o.resolve(f, types.OutcomeAllow, types.SourcePolicyAllow, "matched "+res.Source, res.Rule)
		return
	}

	f.enter(StateRiskAnalyzing)
	w := f.compiled.Policy.Risk
	ra := o.scorer.Score(ctx, w, risk.Input{Request: f.req, Target: f.target, Session: f.session})
	f.risk = &ra
	observability.RecordRisk(f.span, ra)
	switch ra.Recommendation {
	case types.RecommendAllow:
		f.enter(StateAutoResolved)
		o.resolve(f, types.OutcomeAllow, types.SourceAutoApprove,
			fmt.Sprintf("risk score %d at or below auto-approve threshold %d", ra.Score, w.AutoApprove), res.Rule)
		return
	case types.RecommendDeny:
		f.enter(StateAutoResolved)
		o.resolve(f, types.OutcomeDeny, types.SourceAutoReject,
			fmt.Sprintf("risk score %d at or above auto-reject threshold %d", ra.Score, w.AutoReject), res.Rule)
		return
	}

	f.enter(StateAwaitingDecision)
	o.await(ctx, slot, f, res.Rule)
}

// validate checks the request's command and path and returns the target the
// rest of the lifecycle matches against: the canonical path, else the command
// line, else the free-form resource.
func (o *Orchestrator) validate(req types.OperationRequest) (string, error) {
	target := req.Resource
	if req.Command != "" {
		line := req.CommandLine()
		if err := o.commands.Validate(req.Command, req.Args); err != nil {
			return line, err
		}
		target = line
	}
	if req.Path != "" {
		canonical, err := o.paths.Resolve(req.Path)
		if err != nil {
			return req.Path, err
		}
		target = canonical
	}
	return target, nil
}

func (o *Orchestrator) await(ctx context.Context, slot *approvals.Slot, f *flight, rule string) {
	timeout := f.req.Timeout(f.compiled.Policy.Timeout())
	wctx, span := observability.ApprovalSpan(ctx, f.req.Operation, f.target, timeout)
	defer span.End()

	pr := types.PendingRequest{
		Request: f.req.Clone(),
		Target:  f.target,
		Risk:    *f.risk,
		Session: f.session,
	}
	began := o.now()
	res, err := o.pending.Await(wctx, slot, pr, timeout, o.warnLead)
	if err != nil && res.Outcome == "" {
		observability.RecordError(span, err)
		o.resolve(f, types.OutcomeDeny, types.SourceError, err.Error(), rule)
		return
	}
	// A closed registry never published request_pending for this request.
	f.awaited = !errors.Is(err, approvals.ErrClosed)
	observability.RecordApproval(span, res.Source, res.Outcome.Permits(), o.now().Sub(began))
	o.resolve(f, res.Outcome, res.Source, res.Reason, rule)
	f.decision.Remember = res.Remember
	f.decision.RememberScope = res.Scope
}

func (o *Orchestrator) resolve(f *flight, outcome types.Outcome, source types.DecisionSource, reason, rule string) {
	f.decision = types.Decision{
		RequestID: f.req.ID,
		Outcome:   outcome,
		Source:    source,
		Reason:    reason,
		Rule:      rule,
		CreatedAt: o.now(),
	}
}

// finalize moves f through Resolved to Audited: trust, remembered decisions,
// the audit entry, the resolution notification and metrics.
func (o *Orchestrator) finalize(ctx context.Context, f *flight) types.Decision {
	if f.decision.Outcome == "" {
		o.resolve(f, types.OutcomeDeny, types.SourceError, "request ended without a decision", "")
	}
	f.enter(StateResolved)

	compiled := f.compiled
	if compiled == nil {
		compiled = o.policy.Get()
	}
	if delta := compiled.Policy.TrustDelta(f.decision); delta != 0 {
		o.sessions.Adjust(f.req.SessionID, delta)
	}
	if f.decision.Remember && f.decision.Source == types.SourceUser {
		key := policy.Subject(string(f.req.Operation), f.target)
		o.remembered.Put(key, f.decision, f.decision.RememberScope, f.session)
	}

	// A canceled request is still audited.
	entry := o.audit.Append(context.WithoutCancel(ctx), types.AuditEntry{
		Request:       f.req,
		Target:        f.target,
		Decision:      f.decision,
		Risk:          f.risk,
		Session:       f.session,
		PolicyVersion: compiled.Version,
	})
	f.enter(StateAudited)

	if f.awaited {
		d := f.decision
		o.emit.Publish(types.Event{
			ID:        uuid.NewString(),
			Timestamp: o.now(),
			Type:      types.EventRequestResolved,
			SessionID: f.req.SessionID,
			RequestID: f.req.ID,
			Decision:  &d,
		})
	}

	o.metrics.IncDecision(string(f.req.Operation), string(f.decision.Outcome), string(f.decision.Source))
	o.metrics.ObserveDecisionLatency(o.now().Sub(f.started))
	observability.RecordDecision(f.span, f.decision)

	o.logger.Info("consent: request resolved",
		"request_id", f.req.ID,
		"session_id", f.req.SessionID,
		"operation", f.req.Operation,
		"target", f.target,
		"outcome", f.decision.Outcome,
		"source", f.decision.Source,
		"audit_id", entry.ID,
	)
	return f.decision
}
