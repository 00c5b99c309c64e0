package guard

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ZoneMode controls how far a safe zone reaches.
type ZoneMode string

const (
	// ModeRecursive admits a safe-zone root and everything below it.
	ModeRecursive ZoneMode = "recursive"
	// ModeStrict admits only exact safe-zone roots.
	ModeStrict ZoneMode = "strict"
)

// PathConfig configures a PathResolver.
type PathConfig struct {
	SafeZones       []string
	RestrictedZones []string // roots, or doublestar globs such as /srv/**/secrets
	Mode            ZoneMode
	BlockedPatterns []string // regexes, appended to the built-in list
}

// PathResolver canonicalizes candidate paths and classifies them against zones.
type PathResolver struct {
	safe       []string
	restricted []string
	globs      []string
	mode       ZoneMode
	blocked    PatternList
	logger     *slog.Logger
}

// NewPathResolver canonicalizes the configured zones once.
func NewPathResolver(cfg PathConfig, logger *slog.Logger) (*PathResolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeRecursive
	}
	if mode != ModeRecursive && mode != ModeStrict {
		return nil, fmt.Errorf("invalid zone mode %q", cfg.Mode)
	}

	r := &PathResolver{
		mode:    mode,
		blocked: CompileOperatorPatterns(DefaultBlockedPaths(), cfg.BlockedPatterns, logger),
		logger:  logger,
	}
	for _, z := range cfg.SafeZones {
		if z == "" {
			continue
		}
		r.safe = append(r.safe, Canonicalize(z))
	}
	for _, z := range cfg.RestrictedZones {
		if z == "" {
			continue
		}
		if isGlob(z) {
			pattern := filepath.ToSlash(filepath.Clean(expandHome(z)))
			if !doublestar.ValidatePattern(pattern) {
				return nil, fmt.Errorf("invalid restricted zone pattern %q", z)
			}
			r.globs = append(r.globs, pattern)
			continue
		}
		r.restricted = append(r.restricted, Canonicalize(z))
	}
	if len(r.safe) == 0 {
		logger.Warn("no safe zones configured; every path will be denied")
	}
	return r, nil
}

// Resolve returns the canonical form of input, or a *ValidationError when the
// path is restricted, outside every safe zone, or matches a blocked pattern.
func (r *PathResolver) Resolve(input string) (string, error) {
	if input == "" {
		return "", pathDenied(input, "empty path")
	}
	if strings.ContainsRune(input, 0) {
		return "", pathDenied(input, "path contains NUL byte")
	}

	canonical := Canonicalize(input)

	for _, root := range r.restricted {
		if within(canonical, root) {
			return "", pathDenied(input, "inside restricted zone %s", root)
		}
	}
	slashed := filepath.ToSlash(canonical)
	for _, g := range r.globs {
		if ok, _ := doublestar.Match(g, slashed); ok {
			return "", pathDenied(input, "matches restricted zone %s", g)
		}
	}

	if !r.inSafeZone(canonical) {
		return "", pathDenied(input, "outside safe zones")
	}

	if p, ok := r.blocked.First(slashed); ok {
		return "", pathDenied(input, "blocked path (%s)", p.Name)
	}
	return canonical, nil
}

func (r *PathResolver) inSafeZone(canonical string) bool {
	for _, root := range r.safe {
		if canonical == root {
			return true
		}
		if r.mode == ModeRecursive && within(canonical, root) {
			return true
		}
	}
	return false
}

// SafeZones returns the canonical safe-zone roots.
func (r *PathResolver) SafeZones() []string {
	return append([]string(nil), r.safe...)
}

// within reports whether path equals root or lies below it.
func within(path, root string) bool {
	if path == root {
		return true
	}
	if root == string(filepath.Separator) {
		return strings.HasPrefix(path, root)
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

func isGlob(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Canonicalize expands "~", makes p absolute, removes ".." segments and resolves
// symlinks on the longest existing prefix. When any step fails the cleaned
// absolute path is returned.
func Canonicalize(p string) string {
	expanded := expandHome(p)
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return filepath.Clean(expanded)
	}
	resolved, err := resolveWalkUp(abs)
	if err != nil {
		return abs
	}
	return resolved
}

// resolveWalkUp resolves symlinks on the deepest existing ancestor and re-appends
// the missing tail.
func resolveWalkUp(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	parent := filepath.Dir(path)
	if parent == path {
		return path, nil
	}
	resolvedParent, err := resolveWalkUp(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedParent, filepath.Base(path)), nil
}
