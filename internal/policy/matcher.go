package policy

import (
	"log/slog"
	"strings"

	"github.com/agentsh/agentgate/internal/policy/pattern"
	"github.com/agentsh/agentgate/pkg/types"
)

// Rule sources reported in Result.Source.
const (
	SourceAlwaysDeny     = "always_deny"
	SourceAlwaysAllow    = "always_allow"
	SourceRequireConsent = "require_consent"
	SourceCritical       = "critical_operation"
	SourceLowTrust       = "trust_floor"
	SourceDefault        = "default"
)

// Result is the outcome of a policy evaluation.
type Result struct {
	Decision types.PolicyResult
	Rule     string // the pattern that matched, empty for non-pattern stages
	Source   string
}

// Matcher evaluates "operation:target" subjects against a compiled policy.
// A Matcher is safe for concurrent use; it never changes after construction.
type Matcher struct {
	policy   *Policy
	deny     *pattern.PatternSet
	allow    *pattern.PatternSet
	consent  *pattern.PatternSet
	critical map[string]struct{}
	lowRisk  map[string]struct{}
	floor    int
}

// NewMatcher compiles the policy's rule lists. Rules that fail to compile are
// logged and matched by substring containment instead.
func NewMatcher(p *Policy, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Matcher{
		policy:   p,
		deny:     compileRules("always_deny", p.AlwaysDeny, logger),
		allow:    compileRules("always_allow", p.AlwaysAllow, logger),
		consent:  compileRules("require_consent", p.RequireConsent, logger),
		critical: toSet(p.CriticalOperations),
		lowRisk:  toSet(p.LowRiskOperations),
		floor:    p.Floor(),
	}
	return m
}

func compileRules(list string, rules []string, logger *slog.Logger) *pattern.PatternSet {
	var expanded []string
	for _, r := range rules {
		expanded = append(expanded, pattern.ExpandRule(r)...)
	}
	ps, errs := pattern.NewPatternSet(expanded)
	for _, err := range errs {
		logger.Warn("policy rule compiled as substring match", "list", list, "error", err)
	}
	return ps
}

func toSet(ops []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		m[strings.ToLower(op)] = struct{}{}
	}
	return m
}

// Subject builds the string rules are matched against.
func Subject(op, target string) string {
	if target == "" {
		target = "*"
	}
	return op + ":" + target
}

// Evaluate applies, in order: always_deny, always_allow, require_consent,
// critical operations, the trust floor, and finally the default allow.
func (m *Matcher) Evaluate(op, target string, trust int) Result {
	subject := Subject(op, target)

	if p, ok := m.deny.FirstMatch(subject); ok {
		return Result{Decision: types.PolicyDeny, Rule: p.String(), Source: SourceAlwaysDeny}
	}
	if p, ok := m.allow.FirstMatch(subject); ok {
		return Result{Decision: types.PolicyAllow, Rule: p.String(), Source: SourceAlwaysAllow}
	}
	if p, ok := m.consent.FirstMatch(subject); ok {
		return Result{Decision: types.PolicyAsk, Rule: p.String(), Source: SourceRequireConsent}
	}

	opKey := strings.ToLower(op)
	if _, ok := m.critical[opKey]; ok {
		return Result{Decision: types.PolicyAsk, Source: SourceCritical}
	}
	if trust < m.floor {
		if _, ok := m.lowRisk[opKey]; !ok {
			return Result{Decision: types.PolicyAsk, Source: SourceLowTrust}
		}
	}
	return Result{Decision: types.PolicyAllow, Source: SourceDefault}
}

// Policy returns the policy the matcher was built from.
func (m *Matcher) Policy() *Policy {
	return m.policy
}

// Compiled pairs a policy with its matcher and the version under which it was installed.
type Compiled struct {
	Policy  *Policy
	Matcher *Matcher
	Version int64
}

// Compile builds a Compiled snapshot.
func Compile(p *Policy, version int64, logger *slog.Logger) *Compiled {
	return &Compiled{
		Policy:  p,
		Matcher: NewMatcher(p, logger),
		Version: version,
	}
}
