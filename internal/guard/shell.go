package guard

import (
	"fmt"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

var powerShells = map[string]struct{}{
	"powershell": {}, "powershell.exe": {}, "pwsh": {}, "pwsh.exe": {},
}

var posixShells = map[string]syntax.LangVariant{
	"sh":   syntax.LangPOSIX,
	"dash": syntax.LangPOSIX,
	"bash": syntax.LangBash,
	"zsh":  syntax.LangBash,
	"ksh":  syntax.LangMirBSDKorn,
}

// blockedCmdlets are matched case-insensitively against the argument string.
var blockedCmdlets = []string{
	"invoke-expression",
	"invoke-command",
	"invoke-webrequest",
	"invoke-restmethod",
	"start-process",
	"set-executionpolicy",
	"add-type",
	"new-object net.webclient",
	"downloadstring",
	"downloadfile",
	"-encodedcommand",
	"frombase64string",
	"set-mppreference",
}

// iex is short enough to need word boundaries.
var shortCmdlets = regexp.MustCompile(`(?i)(^|[^a-z0-9-])(iex)([^a-z0-9-]|$)`)

// encodedParams take base64 script text. PowerShell binds any unambiguous
// prefix of a parameter name, so every prefix is blocked.
var encodedParams = []string{"encodedcommand", "encodedarguments"}

var forbiddenBuiltins = map[string]struct{}{
	"eval": {}, "exec": {}, "source": {}, ".": {},
}

// checkShell applies shell-specific rules. It reports a reason when the command
// must be denied.
func checkShell(command string, args []string) (string, bool) {
	name := shellName(command)
	if _, ok := powerShells[name]; ok {
		return checkPowerShell(strings.Join(args, " "))
	}
	if lang, ok := posixShells[name]; ok {
		return checkPosixShell(lang, args)
	}
	return "", false
}

func checkPowerShell(argString string) (string, bool) {
	lower := strings.ToLower(argString)
	for _, c := range blockedCmdlets {
		if strings.Contains(lower, c) {
			return fmt.Sprintf("blocked PowerShell construct %q", c), true
		}
	}
	if m := shortCmdlets.FindStringSubmatch(lower); m != nil {
		return fmt.Sprintf("blocked PowerShell construct %q", m[2]), true
	}
	for _, tok := range strings.Fields(lower) {
		if name, ok := psParamName(tok); ok && isEncodedParam(name) {
			return fmt.Sprintf("blocked PowerShell parameter %q", tok), true
		}
	}
	return "", false
}

// psParamName strips the parameter prefix PowerShell accepts: a hyphen, an
// en or em dash, or a slash. A trailing ":value" is dropped.
func psParamName(tok string) (string, bool) {
	var name string
	switch {
	case strings.HasPrefix(tok, "-"), strings.HasPrefix(tok, "/"):
		name = tok[1:]
	case strings.HasPrefix(tok, "\u2013"), strings.HasPrefix(tok, "\u2014"), strings.HasPrefix(tok, "\u2015"):
		name = tok[len("\u2013"):]
	default:
		return "", false
	}
	name, _, _ = strings.Cut(name, ":")
	return name, name != ""
}

func isEncodedParam(name string) bool {
	if name == "ec" {
		return true
	}
	for _, p := range encodedParams {
		if strings.HasPrefix(p, name) {
			return true
		}
	}
	return false
}

// shellScript returns the script a shell invocation would run: the argument of
// -c when present, otherwise the joined arguments.
func shellScript(args []string) string {
	for i, a := range args {
		if a == "-c" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return strings.Join(args, " ")
}

func checkPosixShell(lang syntax.LangVariant, args []string) (string, bool) {
	script := shellScript(args)

	// Token scan first: it holds even for input the parser would reject.
	for _, tok := range strings.Fields(strings.Join(args, " ")) {
		tok = strings.Trim(tok, `"'`)
		switch tok {
		case "eval", "exec", "source":
			return fmt.Sprintf("shell builtin %q is not allowed", tok), true
		}
	}
	if strings.Contains(script, "$((") || strings.Contains(script, "$[") {
		return "arithmetic expansion is not allowed", true
	}

	parser := syntax.NewParser(syntax.Variant(lang), syntax.KeepComments(false))
	file, err := parser.Parse(strings.NewReader(script), "")
	if err != nil {
		return fmt.Sprintf("shell script does not parse: %v", err), true
	}

	var reason string
	syntax.Walk(file, func(node syntax.Node) bool {
		if reason != "" {
			return false
		}
		switch n := node.(type) {
		case *syntax.ArithmExp, *syntax.ArithmCmd, *syntax.LetClause:
			reason = "arithmetic expansion is not allowed"
		case *syntax.CallExpr:
			if name := callName(n); name != "" {
				if _, bad := forbiddenBuiltins[name]; bad {
					reason = fmt.Sprintf("shell builtin %q is not allowed", name)
				}
			}
		}
		return reason == ""
	})
	if reason != "" {
		return reason, true
	}
	return "", false
}

// callName returns the effective command of a call, looking through the
// "command" and "builtin" wrappers.
func callName(call *syntax.CallExpr) string {
	for i, w := range call.Args {
		name := wordLiteral(w)
		if name == "command" || name == "builtin" {
			continue
		}
		if i > 0 && strings.HasPrefix(name, "-") {
			continue
		}
		return name
	}
	return ""
}

// wordLiteral concatenates the literal parts of a word. Expansions yield a
// placeholder so they never compare equal to a builtin name.
func wordLiteral(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				if lit, ok := qp.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		default:
			sb.WriteString("$")
		}
	}
	return sb.String()
}
