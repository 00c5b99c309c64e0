package guard

import (
	"fmt"
	"log/slog"
	"regexp"
)

// NamedPattern is a compiled regex with a label used in denial reasons and risk factors.
type NamedPattern struct {
	Name string
	Re   *regexp.Regexp
}

// PatternList is an ordered list of named patterns.
type PatternList []NamedPattern

// Matches returns the names of every pattern that matches s, in list order.
func (l PatternList) Matches(s string) []string {
	var hits []string
	for _, p := range l {
		if p.Re.MatchString(s) {
			hits = append(hits, p.Name)
		}
	}
	return hits
}

// First returns the first pattern matching s.
func (l PatternList) First(s string) (NamedPattern, bool) {
	for _, p := range l {
		if p.Re.MatchString(s) {
			return p, true
		}
	}
	return NamedPattern{}, false
}

var defaultDangerous = []struct{ name, expr string }{
	{"recursive delete", `(?i)\b(rm|rmdir)\s+(.*\s)?-(-recursive|[a-z]*r[a-z]*)\b`},
	{"recursive delete", `(?i)\b(del|rd|rmdir)\s+.*(/s\b|-recurse\b)`},
	{"disk format", `(?i)\b(mkfs(\.[a-z0-9]+)?|fdisk|sfdisk|parted|wipefs|diskpart)\b|\bformat\s+[a-z]:`},
	{"raw device copy", `(?i)\bdd\s+.*\bof=/dev/`},
	{"privilege escalation", `(?i)(^|[\s;&|])(sudo|su|doas|pkexec|runas)(\s|$)`},
	{"privilege escalation", `(?i)\bchmod\s+(.*\s)?([ugoa]*\+s|[0-7]?[4-7][0-7]{3})\b`},
	{"path traversal", `\.\.[/\\]`},
	{"command substitution", "\\$\\(|`"},
	{"shell chaining", `;|&&|\|\||\|`},
	{"device write", `>\s*/dev/(sd|hd|vd|xvd|nvme|disk|mem|kmem|port)`},
	{"fork bomb", `:\(\)\s*\{`},
}

var defaultBlockedPaths = []struct{ name, expr string }{
	{"ssh material", `(^|/)\.ssh(/|$)`},
	{"ssh key", `(^|/)id_(rsa|dsa|ecdsa|ed25519)(\.pub)?$`},
	{"cloud credentials", `(^|/)\.aws/(credentials|config)$`},
	{"cloud credentials", `(^|/)\.config/gcloud(/|$)`},
	{"cloud credentials", `(^|/)\.azure(/|$)`},
	{"kubeconfig", `(^|/)\.kube/config$`},
	{"dotenv", `(^|/)\.env(\.[^/]*)?$`},
	{"netrc", `(^|/)\.netrc$`},
	{"docker credentials", `(^|/)\.docker/config\.json$`},
	{"account database", `^/etc/(shadow|gshadow|passwd|sudoers)(/|$)`},
}

// DefaultDangerousPatterns returns the built-in dangerous command-line patterns.
func DefaultDangerousPatterns() PatternList {
	return mustCompile(defaultDangerous)
}

// DefaultBlockedPaths returns the built-in blocked path patterns.
func DefaultBlockedPaths() PatternList {
	return mustCompile(defaultBlockedPaths)
}

func mustCompile(defs []struct{ name, expr string }) PatternList {
	out := make(PatternList, 0, len(defs))
	for _, d := range defs {
		out = append(out, NamedPattern{Name: d.name, Re: regexp.MustCompile(d.expr)})
	}
	return out
}

// CompileOperatorPatterns compiles operator-supplied regexes. Invalid entries are
// logged and skipped; the rest are appended after base.
func CompileOperatorPatterns(base PatternList, exprs []string, logger *slog.Logger) PatternList {
	if logger == nil {
		logger = slog.Default()
	}
	out := make(PatternList, 0, len(base)+len(exprs))
	out = append(out, base...)
	for _, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			logger.Warn("skipping invalid pattern", "pattern", expr, "error", err)
			continue
		}
		out = append(out, NamedPattern{Name: fmt.Sprintf("pattern %q", expr), Re: re})
	}
	return out
}
