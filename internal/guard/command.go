package guard

import (
	"log/slog"
	"path/filepath"
	"strings"
)

// AllowAll is the allow-list value that disables the allow-list check.
const AllowAll = "all"

// CommandConfig configures a CommandGuard.
type CommandConfig struct {
	Allowed           []string
	DangerousPatterns []string // regexes, appended to the built-in list
}

// CommandGuard validates a command and its arguments. A command passes only if
// no step denies it.
type CommandGuard struct {
	allowAll  bool
	allowed   map[string]struct{}
	dangerous PatternList
	logger    *slog.Logger
}

// NewCommandGuard compiles the guard's pattern list.
func NewCommandGuard(cfg CommandConfig, logger *slog.Logger) *CommandGuard {
	if logger == nil {
		logger = slog.Default()
	}
	g := &CommandGuard{
		allowed:   make(map[string]struct{}, len(cfg.Allowed)),
		dangerous: CompileOperatorPatterns(DefaultDangerousPatterns(), cfg.DangerousPatterns, logger),
		logger:    logger,
	}
	for _, c := range cfg.Allowed {
		if strings.EqualFold(strings.TrimSpace(c), AllowAll) {
			g.allowAll = true
			continue
		}
		g.allowed[c] = struct{}{}
	}
	return g
}

// Patterns returns the dangerous-pattern list used by Validate.
func (g *CommandGuard) Patterns() PatternList {
	return g.dangerous
}

// CommandLine joins a command and its arguments the way patterns see them.
func CommandLine(command string, args []string) string {
	if len(args) == 0 {
		return command
	}
	return command + " " + strings.Join(args, " ")
}

// Validate returns nil if the command may run, or a *ValidationError.
func (g *CommandGuard) Validate(command string, args []string) error {
	if strings.TrimSpace(command) == "" {
		return commandDenied(command, "empty command")
	}
	line := CommandLine(command, args)

	if g.allowAll {
		g.logger.Warn("command allow-list is \"all\"; skipping allow-list check", "command", command)
	} else if _, ok := g.allowed[command]; !ok {
		return commandDenied(line, "command %q is not in the allow-list", command)
	}

	if p, ok := g.dangerous.First(line); ok {
		return commandDenied(line, "matches dangerous pattern (%s)", p.Name)
	}

	if reason, bad := checkShell(command, args); bad {
		return commandDenied(line, "%s", reason)
	}
	return nil
}

func shellName(command string) string {
	base := strings.ToLower(filepath.Base(filepath.FromSlash(command)))
	if i := strings.LastIndexByte(base, '\\'); i >= 0 {
		base = base[i+1:]
	}
	return base
}
