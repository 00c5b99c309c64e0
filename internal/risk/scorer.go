// Package risk computes an additive 0-100 risk score for an operation request.
//
// Every contribution appends a factor string in the order it was applied, so
// an escalated or rejected request can be explained from its factors alone.
package risk

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentsh/agentgate/internal/policy"
	"github.com/agentsh/agentgate/pkg/types"
)

// PatternMatcher reports the names of dangerous patterns found in s.
type PatternMatcher interface {
	Matches(s string) []string
}

// Input is everything a score is computed from.
type Input struct {
	Request types.OperationRequest
	Target  string
	Session types.SessionContext
}

// Config configures a Scorer.
type Config struct {
	Patterns PatternMatcher
	Plugins  []Plugin
	Logger   *slog.Logger
}

// Scorer computes risk assessments. Weights are passed per call so a policy
// swap never changes a score that is already being computed.
type Scorer struct {
	patterns PatternMatcher
	plugins  []Plugin
	logger   *slog.Logger
}

// NewScorer creates a scorer.
func NewScorer(cfg Config) *Scorer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{
		patterns: cfg.Patterns,
		plugins:  append([]Plugin(nil), cfg.Plugins...),
		logger:   logger,
	}
}

// Score evaluates in against w.
func (s *Scorer) Score(ctx context.Context, w policy.RiskWeights, in Input) types.RiskAssessment {
	var (
		score   int
		factors []string
	)
	add := func(delta int, format string, args ...any) {
		score += delta
		factors = append(factors, fmt.Sprintf("%s (%+d)", fmt.Sprintf(format, args...), delta))
	}

	op := string(in.Request.Operation)
	if base, ok := w.BaseScores[op]; ok {
		add(base, "operation %s", op)
	} else {
		add(w.DefaultBaseScore, "unknown operation %q", op)
	}

	sev := string(in.Request.Severity)
	if v, ok := w.SeverityScores[sev]; ok {
		add(v, "severity %s", sev)
	} else {
		add(w.SeverityScores[string(types.SeverityHigh)], "unknown severity %q scored as high", sev)
	}

	if s.patterns != nil {
		for _, subject := range subjects(in) {
			for _, name := range s.patterns.Matches(subject) {
				add(w.PatternHit, "dangerous pattern: %s", name)
			}
		}
	}

	trust := in.Session.TrustLevel
	switch {
	case trust < w.LowTrustBelow:
		add(w.LowTrustPenalty, "low session trust %d", trust)
	case trust > w.HighTrustAbove:
		add(-w.HighTrustBonus, "high session trust %d", trust)
	}

	if in.Session.RequestCount > w.FrequencyThreshold {
		add(w.FrequencyPenalty, "high request frequency (%d requests)", in.Session.RequestCount)
	}

	for _, p := range s.plugins {
		v, err := s.evaluatePlugin(ctx, p, in)
		if err != nil {
			s.logger.Warn("risk plugin failed, skipping", "plugin", p.Name(), "error", err)
			factors = append(factors, fmt.Sprintf("plugin %s skipped: %v", p.Name(), err))
			continue
		}
		if v.Delta != 0 || v.Reason != "" {
			add(v.Delta, "plugin %s: %s", p.Name(), v.Reason)
		}
		switch v.Vote {
		case VoteDeny:
			add(w.PluginDenyVote, "plugin %s votes deny", p.Name())
		case VoteAllow:
			add(-w.PluginAllowVote, "plugin %s votes allow", p.Name())
		}
	}

	score = clamp(score)
	return types.RiskAssessment{
		Score:          score,
		Factors:        factors,
		Recommendation: Recommend(w, score),
	}
}

// Recommend maps a score onto the policy thresholds.
func Recommend(w policy.RiskWeights, score int) types.Recommendation {
	switch {
	case score <= w.AutoApprove:
		return types.RecommendAllow
	case score >= w.AutoReject:
		return types.RecommendDeny
	default:
		return types.RecommendEscalate
	}
}

func subjects(in Input) []string {
	var out []string
	if in.Target != "" {
		out = append(out, in.Target)
	}
	if cl := in.Request.CommandLine(); cl != "" && cl != in.Target {
		out = append(out, cl)
	}
	return out
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
