package policy

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentsh/agentgate/internal/policy/pattern"
	"github.com/agentsh/agentgate/pkg/types"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultTimeout    = 60 * time.Second
	DefaultTrustFloor = 30
)

// Policy is the rule set the matcher and scorer evaluate against. A Policy is
// treated as immutable once it has been handed to a Matcher.
type Policy struct {
	Version     int    `yaml:"version"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Rules are "operation:target" globs. "re:" selects a regex and
	// "@class:target" expands to every operation in a built-in class.
	AlwaysDeny     []string `yaml:"always_deny"`
	AlwaysAllow    []string `yaml:"always_allow"`
	RequireConsent []string `yaml:"require_consent"`

	DefaultTimeout Duration `yaml:"default_timeout"`

	CriticalOperations []string `yaml:"critical_operations"`
	LowRiskOperations  []string `yaml:"low_risk_operations"`
	TrustFloor         *int     `yaml:"trust_floor"`

	Risk  RiskWeights    `yaml:"risk"`
	Trust map[string]int `yaml:"trust"`
}

// RiskWeights are the additive contributions and thresholds used by the risk scorer.
// Zero-valued scalars are replaced by defaults; map entries override defaults per key.
type RiskWeights struct {
	AutoApprove int `yaml:"auto_approve"`
	AutoReject  int `yaml:"auto_reject"`

	BaseScores       map[string]int `yaml:"base_scores"`
	DefaultBaseScore int            `yaml:"default_base_score"`
	SeverityScores   map[string]int `yaml:"severity_scores"`

	PatternHit int `yaml:"pattern_hit"`

	LowTrustBelow   int `yaml:"low_trust_below"`
	LowTrustPenalty int `yaml:"low_trust_penalty"`
	HighTrustAbove  int `yaml:"high_trust_above"`
	HighTrustBonus  int `yaml:"high_trust_bonus"`

	FrequencyThreshold int `yaml:"frequency_threshold"`
	FrequencyPenalty   int `yaml:"frequency_penalty"`

	PluginDenyVote  int `yaml:"plugin_deny_vote"`
	PluginAllowVote int `yaml:"plugin_allow_vote"`
}

// DefaultRiskWeights returns the stock scoring table.
func DefaultRiskWeights() RiskWeights {
	return RiskWeights{
		AutoApprove: 20,
		AutoReject:  90,
		BaseScores: map[string]int{
			string(types.OpFileRead):            0,
			string(types.OpDirectoryList):       0,
			string(types.OpDatabaseRead):        5,
			string(types.OpFileWrite):           10,
			string(types.OpNetworkRequest):      25,
			string(types.OpFileDelete):          30,
			string(types.OpDatabaseWrite):       35,
			string(types.OpCommandExecute):      40,
			string(types.OpSensitivePathAccess): 60,
			string(types.OpRecursiveDelete):     70,
		},
		DefaultBaseScore: 40,
		SeverityScores: map[string]int{
			string(types.SeverityLow):      0,
			string(types.SeverityMedium):   15,
			string(types.SeverityHigh):     30,
			string(types.SeverityCritical): 50,
		},
		PatternHit:         35,
		LowTrustBelow:      30,
		LowTrustPenalty:    20,
		HighTrustAbove:     70,
		HighTrustBonus:     10,
		FrequencyThreshold: 50,
		FrequencyPenalty:   10,
		PluginDenyVote:     30,
		PluginAllowVote:    10,
	}
}

// Trust table keys. Sources not listed here adjust trust by zero.
const (
	TrustUserAllow   = "user-allow"
	TrustUserDeny    = "user-deny"
	TrustTimeout     = "timeout"
	TrustAutoApprove = "auto-approve"
	TrustAutoReject  = "auto-reject"
	TrustPolicyDeny  = "policy-deny"
	TrustPolicyAllow = "policy-allow"
	TrustValidation  = "validation"
)

// DefaultTrustAdjustments returns the stock trust deltas per resolution path.
// The positive delta for a user deny rewards caution; deployments may set it to 0.
func DefaultTrustAdjustments() map[string]int {
	return map[string]int{
		TrustUserAllow:   3,
		TrustUserDeny:    1,
		TrustTimeout:     -5,
		TrustAutoApprove: 2,
		TrustAutoReject:  -15,
		TrustPolicyDeny:  -10,
		TrustPolicyAllow: 5,
		TrustValidation:  -10,
	}
}

// DefaultPolicy returns a policy with no rules and every default applied.
func DefaultPolicy() *Policy {
	p := &Policy{Version: 1, Name: "default"}
	p.ApplyDefaults()
	return p
}

// ApplyDefaults fills unset fields in place.
func (p *Policy) ApplyDefaults() {
	if p.DefaultTimeout.Duration <= 0 {
		p.DefaultTimeout.Duration = DefaultTimeout
	}
	if p.CriticalOperations == nil {
		p.CriticalOperations = []string{string(types.OpRecursiveDelete)}
	}
	if p.LowRiskOperations == nil {
		p.LowRiskOperations = []string{
			string(types.OpFileRead),
			string(types.OpDirectoryList),
			string(types.OpDatabaseRead),
		}
	}
	if p.TrustFloor == nil {
		floor := DefaultTrustFloor
		p.TrustFloor = &floor
	}
	p.Risk.applyDefaults()

	trust := DefaultTrustAdjustments()
	for k, v := range p.Trust {
		trust[k] = v
	}
	p.Trust = trust
}

func (w *RiskWeights) applyDefaults() {
	d := DefaultRiskWeights()
	if w.AutoApprove == 0 {
		w.AutoApprove = d.AutoApprove
	}
	if w.AutoReject == 0 {
		w.AutoReject = d.AutoReject
	}
	w.BaseScores = mergeScores(d.BaseScores, w.BaseScores)
	if w.DefaultBaseScore == 0 {
		w.DefaultBaseScore = d.DefaultBaseScore
	}
	w.SeverityScores = mergeScores(d.SeverityScores, w.SeverityScores)
	if w.PatternHit == 0 {
		w.PatternHit = d.PatternHit
	}
	if w.LowTrustBelow == 0 {
		w.LowTrustBelow = d.LowTrustBelow
	}
	if w.LowTrustPenalty == 0 {
		w.LowTrustPenalty = d.LowTrustPenalty
	}
	if w.HighTrustAbove == 0 {
		w.HighTrustAbove = d.HighTrustAbove
	}
	if w.HighTrustBonus == 0 {
		w.HighTrustBonus = d.HighTrustBonus
	}
	if w.FrequencyThreshold == 0 {
		w.FrequencyThreshold = d.FrequencyThreshold
	}
	if w.FrequencyPenalty == 0 {
		w.FrequencyPenalty = d.FrequencyPenalty
	}
	if w.PluginDenyVote == 0 {
		w.PluginDenyVote = d.PluginDenyVote
	}
	if w.PluginAllowVote == 0 {
		w.PluginAllowVote = d.PluginAllowVote
	}
}

func mergeScores(defaults, overrides map[string]int) map[string]int {
	out := make(map[string]int, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Validate performs semantic validation of a policy. Call after ApplyDefaults.
func (p *Policy) Validate() error {
	if p.Version <= 0 {
		return fmt.Errorf("version must be > 0")
	}
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.DefaultTimeout.Duration < 0 {
		return fmt.Errorf("default_timeout must not be negative")
	}
	if p.TrustFloor != nil && (*p.TrustFloor < 0 || *p.TrustFloor > 100) {
		return fmt.Errorf("trust_floor must be within 0..100")
	}
	if err := p.Risk.Validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	for _, list := range [][]string{p.AlwaysDeny, p.AlwaysAllow, p.RequireConsent} {
		for _, r := range list {
			if r == "" {
				return errors.New("empty rule")
			}
			if class, ok := ClassifyRule(r); class != "" && !ok {
				return fmt.Errorf("rule %q: unknown operation class %q", r, class)
			}
		}
	}
	return nil
}

// Validate checks the thresholds are ordered and within the score range.
func (w RiskWeights) Validate() error {
	if w.AutoApprove < 0 || w.AutoApprove > 100 {
		return fmt.Errorf("auto_approve must be within 0..100")
	}
	if w.AutoReject < 0 || w.AutoReject > 100 {
		return fmt.Errorf("auto_reject must be within 0..100")
	}
	if w.AutoApprove >= w.AutoReject {
		return fmt.Errorf("auto_approve (%d) must be below auto_reject (%d)", w.AutoApprove, w.AutoReject)
	}
	return nil
}

// Timeout returns the default pending-decision timeout.
func (p *Policy) Timeout() time.Duration {
	if p.DefaultTimeout.Duration <= 0 {
		return DefaultTimeout
	}
	return p.DefaultTimeout.Duration
}

// Floor returns the trust floor below which non-low-risk operations escalate.
func (p *Policy) Floor() int {
	if p.TrustFloor == nil {
		return DefaultTrustFloor
	}
	return *p.TrustFloor
}

// TrustDelta returns the trust adjustment for a resolved decision.
func (p *Policy) TrustDelta(d types.Decision) int {
	key := string(d.Source)
	if d.Source == types.SourceUser {
		key = TrustUserDeny
		if d.Outcome == types.OutcomeAllow {
			key = TrustUserAllow
		}
	}
	if p.Trust == nil {
		return DefaultTrustAdjustments()[key]
	}
	return p.Trust[key]
}

// Rules returns a short summary used in log lines.
func (p *Policy) Rules() (deny, allow, ask int) {
	return len(p.AlwaysDeny), len(p.AlwaysAllow), len(p.RequireConsent)
}

// ClassifyRule returns the class named by an "@class:target" rule and whether it is built in.
func ClassifyRule(rule string) (string, bool) {
	if len(rule) == 0 || rule[0] != '@' {
		return "", false
	}
	for i := 1; i < len(rule); i++ {
		if rule[i] == ':' {
			return rule[1:i], pattern.IsBuiltinClass(rule[1:i])
		}
	}
	return rule[1:], pattern.IsBuiltinClass(rule[1:])
}

// Duration is a time.Duration that decodes from strings such as "30s".
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be scalar")
	}
	dd, err := time.ParseDuration(value.Value)
	if err != nil {
		return err
	}
	d.Duration = dd
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}
