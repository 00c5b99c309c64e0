package types

import "time"

// Outcome is the terminal result of a request.
type Outcome string

const (
	OutcomeAllow   Outcome = "allow"
	OutcomeDeny    Outcome = "deny"
	OutcomeTimeout Outcome = "timeout"
)

// Permits reports whether the operation may proceed. A timeout is a denial downstream.
func (o Outcome) Permits() bool { return o == OutcomeAllow }

// DecisionSource records which stage of the lifecycle produced a decision.
type DecisionSource string

const (
	SourceValidation    DecisionSource = "validation"
	SourceRemembered    DecisionSource = "remembered"
	SourcePolicyAllow   DecisionSource = "policy-allow"
	SourcePolicyDeny    DecisionSource = "policy-deny"
	SourceAutoApprove   DecisionSource = "auto-approve"
	SourceAutoReject    DecisionSource = "auto-reject"
	SourceUser          DecisionSource = "user"
	SourceTimeout       DecisionSource = "timeout"
	SourceEmergencyStop DecisionSource = "emergency-stop"
	SourceCanceled      DecisionSource = "canceled"
	SourceError         DecisionSource = "error"
)

// RememberScope bounds how long a remembered decision is reused.
type RememberScope string

const (
	ScopeSession   RememberScope = "session"
	ScopePermanent RememberScope = "permanent"
)

func (s RememberScope) Valid() bool {
	return s == ScopeSession || s == ScopePermanent
}

// Decision is produced exactly once per OperationRequest.
type Decision struct {
	RequestID     string         `json:"request_id"`
	Outcome       Outcome        `json:"outcome"`
	Source        DecisionSource `json:"source"`
	Reason        string         `json:"reason,omitempty"`
	Rule          string         `json:"rule,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	Remember      bool           `json:"remember,omitempty"`
	RememberScope RememberScope  `json:"remember_scope,omitempty"`
}

// PolicyResult is the static policy verdict for an operation:target pair.
type PolicyResult string

const (
	PolicyAllow PolicyResult = "allow"
	PolicyDeny  PolicyResult = "deny"
	PolicyAsk   PolicyResult = "ask"
)

// Recommendation is the risk scorer's verdict.
type Recommendation string

const (
	RecommendAllow    Recommendation = "allow"
	RecommendDeny     Recommendation = "deny"
	RecommendEscalate Recommendation = "escalate"
)

// RiskAssessment explains a score. Factors keep arrival order so a decision can be
// reconstructed from the list alone.
type RiskAssessment struct {
	Score          int            `json:"score"`
	Factors        []string       `json:"factors"`
	Recommendation Recommendation `json:"recommendation"`
}
