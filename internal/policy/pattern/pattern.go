// Package pattern compiles the rule patterns used by policies.
// Supports glob patterns (default), regex patterns (re: prefix), and
// a substring fallback for patterns that fail to compile.
package pattern

import (
	"fmt"
	"regexp"
	"regexp/syntax"
	"strings"

	"github.com/gobwas/glob"
)

// Separator is the path separator globs treat specially: "*" stops at it, "**" crosses it.
const Separator = '/'

// PatternType indicates the type of pattern.
type PatternType int

const (
	// PatternTypeGlob is the default glob pattern (e.g., "file_write:*.log").
	PatternTypeGlob PatternType = iota
	// PatternTypeRegex is a regex pattern (prefixed with "re:").
	PatternTypeRegex
	// PatternTypeLiteral is an exact string match.
	PatternTypeLiteral
	// PatternTypeSubstring is the containment fallback for patterns that did not compile.
	PatternTypeSubstring
)

// String returns the string representation of a PatternType.
func (t PatternType) String() string {
	switch t {
	case PatternTypeGlob:
		return "glob"
	case PatternTypeRegex:
		return "regex"
	case PatternTypeLiteral:
		return "literal"
	case PatternTypeSubstring:
		return "substring"
	default:
		return "unknown"
	}
}

// Pattern represents a compiled pattern for matching strings.
type Pattern struct {
	Raw      string      // Original pattern string
	Type     PatternType // Type of pattern
	compiled interface{} // *regexp.Regexp, glob.Glob or string
	fold     bool
}

// CompileOptions configures pattern compilation.
type CompileOptions struct {
	// MaxRegexComplexity limits regex complexity to prevent ReDoS.
	// 0 means use default (1000).
	MaxRegexComplexity int

	// CaseInsensitive makes matching case-insensitive.
	CaseInsensitive bool
}

// DefaultCompileOptions returns default compilation options.
// Policy rules match case-insensitively.
func DefaultCompileOptions() CompileOptions {
	return CompileOptions{
		MaxRegexComplexity: 1000,
		CaseInsensitive:    true,
	}
}

// Compile compiles a pattern string into a Pattern.
// Pattern types:
//   - "re:..." - Regex pattern
//   - "*", "?", "[...]" - Glob pattern
//   - Otherwise - Literal match
func Compile(s string) (*Pattern, error) {
	return CompileWithOptions(s, DefaultCompileOptions())
}

// CompileWithOptions compiles a pattern with custom options.
func CompileWithOptions(s string, opts CompileOptions) (*Pattern, error) {
	if s == "" {
		return nil, fmt.Errorf("empty pattern")
	}

	if strings.HasPrefix(s, "re:") {
		return compileRegex(s, opts)
	}

	if isGlobPattern(s) {
		return compileGlob(s, opts)
	}

	lit := s
	if opts.CaseInsensitive {
		lit = strings.ToLower(s)
	}
	return &Pattern{
		Raw:      s,
		Type:     PatternTypeLiteral,
		compiled: lit,
		fold:     opts.CaseInsensitive,
	}, nil
}

// CompileOrSubstring compiles s and, when compilation fails, returns a substring
// pattern together with the compile error so the caller can report it.
// The returned pattern is never nil for a non-empty s.
func CompileOrSubstring(s string, opts CompileOptions) (*Pattern, error) {
	p, err := CompileWithOptions(s, opts)
	if err == nil {
		return p, nil
	}
	if s == "" {
		return nil, err
	}
	needle := strings.TrimPrefix(s, "re:")
	if opts.CaseInsensitive {
		needle = strings.ToLower(needle)
	}
	return &Pattern{
		Raw:      s,
		Type:     PatternTypeSubstring,
		compiled: needle,
		fold:     opts.CaseInsensitive,
	}, err
}

func compileRegex(s string, opts CompileOptions) (*Pattern, error) {
	regexStr := strings.TrimPrefix(s, "re:")
	if regexStr == "" {
		return nil, fmt.Errorf("empty regex pattern")
	}

	if err := checkRegexComplexity(regexStr, opts.MaxRegexComplexity); err != nil {
		return nil, fmt.Errorf("regex complexity check failed: %w", err)
	}

	flags := ""
	if opts.CaseInsensitive {
		flags = "(?i)"
	}

	re, err := regexp.Compile(flags + "^(?:" + regexStr + ")$")
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}

	return &Pattern{
		Raw:      s,
		Type:     PatternTypeRegex,
		compiled: re,
	}, nil
}

func compileGlob(s string, opts CompileOptions) (*Pattern, error) {
	src := s
	if opts.CaseInsensitive {
		src = strings.ToLower(s)
	}
	g, err := glob.Compile(src, Separator)
	if err != nil {
		return nil, fmt.Errorf("invalid glob pattern: %w", err)
	}

	return &Pattern{
		Raw:      s,
		Type:     PatternTypeGlob,
		compiled: g,
		fold:     opts.CaseInsensitive,
	}, nil
}

// isGlobPattern checks if a string contains glob special characters.
func isGlobPattern(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

// checkRegexComplexity analyzes a regex for potential ReDoS vulnerabilities.
func checkRegexComplexity(pattern string, maxComplexity int) error {
	if maxComplexity == 0 {
		maxComplexity = 1000
	}

	re, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return fmt.Errorf("failed to parse regex: %w", err)
	}

	complexity := calculateComplexity(re)
	if complexity > maxComplexity {
		return fmt.Errorf("regex complexity %d exceeds maximum %d (potential ReDoS)", complexity, maxComplexity)
	}

	return nil
}

// calculateComplexity calculates a complexity score for a regex syntax tree.
// Higher scores indicate more potential for backtracking.
func calculateComplexity(re *syntax.Regexp) int {
	sum := func() int {
		total := 0
		for _, sub := range re.Sub {
			total += calculateComplexity(sub)
		}
		return total
	}

	switch re.Op {
	case syntax.OpStar, syntax.OpPlus:
		sub := sum()
		// Nested quantifiers are especially dangerous
		if sub > 1 {
			return sub * 100
		}
		return sub + 10
	case syntax.OpQuest:
		return sum() + 2
	case syntax.OpRepeat:
		maxRep := re.Max
		if maxRep < 0 {
			maxRep = 100
		}
		return sum() * maxRep / 10
	case syntax.OpConcat:
		return sum()
	case syntax.OpAlternate:
		return sum() * 2
	case syntax.OpCapture:
		return sum() + 1
	default:
		return 1
	}
}

// Match checks if the input string matches the pattern.
func (p *Pattern) Match(s string) bool {
	if p == nil {
		return false
	}
	if p.fold {
		s = strings.ToLower(s)
	}
	switch p.Type {
	case PatternTypeLiteral:
		return s == p.compiled.(string)
	case PatternTypeGlob:
		return p.compiled.(glob.Glob).Match(s)
	case PatternTypeRegex:
		return p.compiled.(*regexp.Regexp).MatchString(s)
	case PatternTypeSubstring:
		return strings.Contains(s, p.compiled.(string))
	default:
		return false
	}
}

// String returns the original pattern string.
func (p *Pattern) String() string {
	return p.Raw
}

// PatternSet is an ordered collection of patterns. Order is preserved so the first
// matching rule can be reported.
type PatternSet struct {
	patterns []*Pattern
}

// NewPatternSet compiles every pattern. Patterns that fail to compile fall back to
// substring matching; their errors are returned alongside the usable set.
func NewPatternSet(patterns []string) (*PatternSet, []error) {
	ps := &PatternSet{
		patterns: make([]*Pattern, 0, len(patterns)),
	}
	var errs []error
	for _, raw := range patterns {
		p, err := CompileOrSubstring(raw, DefaultCompileOptions())
		if err != nil {
			errs = append(errs, fmt.Errorf("pattern %q: %w", raw, err))
		}
		if p != nil {
			ps.patterns = append(ps.patterns, p)
		}
	}
	return ps, errs
}

// FirstMatch returns the first pattern that matches s.
func (ps *PatternSet) FirstMatch(s string) (*Pattern, bool) {
	if ps == nil {
		return nil, false
	}
	for _, p := range ps.patterns {
		if p.Match(s) {
			return p, true
		}
	}
	return nil, false
}

// MatchAny returns true if any pattern in the set matches the input.
func (ps *PatternSet) MatchAny(s string) bool {
	_, ok := ps.FirstMatch(s)
	return ok
}

// Patterns returns the patterns in the set.
func (ps *PatternSet) Patterns() []*Pattern {
	if ps == nil {
		return nil
	}
	result := make([]*Pattern, len(ps.patterns))
	copy(result, ps.patterns)
	return result
}

// Len returns the number of patterns in the set.
func (ps *PatternSet) Len() int {
	if ps == nil {
		return 0
	}
	return len(ps.patterns)
}
