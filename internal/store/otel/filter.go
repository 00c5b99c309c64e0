package otel

import (
	"path"
	"slices"

	"github.com/agentsh/agentgate/pkg/types"
)

// Filter controls which audit entries are exported. Operation patterns use
// path.Match syntax, so "file_*" covers every file operation.
type Filter struct {
	IncludeOperations []string
	ExcludeOperations []string
	Outcomes          []string
	MinRiskScore      int
}

func (f Filter) Match(e types.AuditEntry) bool {
	op := e.Request.Operation.String()
	if len(f.IncludeOperations) > 0 && !matchAny(f.IncludeOperations, op) {
		return false
	}
	if matchAny(f.ExcludeOperations, op) {
		return false
	}
	if len(f.Outcomes) > 0 && !slices.Contains(f.Outcomes, string(e.Decision.Outcome)) {
		return false
	}
	if f.MinRiskScore > 0 && (e.Risk == nil || e.Risk.Score < f.MinRiskScore) {
		return false
	}
	return true
}

func matchAny(patterns []string, s string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, s); ok {
			return true
		}
	}
	return false
}
